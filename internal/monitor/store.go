package monitor

import (
	"context"
	"time"
)

// EventStore appends raw events and lists them per patient.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *Event) error
	ListEventsByPatient(ctx context.Context, patientID string, limit int) ([]*Event, error)
}

// AlertWriter is the only write path for new alerts.
//
// TryCreateAlert inserts an alert for key unless an alert for the same key
// was created within cooldown of now, as one atomic operation. It returns the
// stored alert and true when it inserted, or nil and false when suppressed.
type AlertWriter interface {
	TryCreateAlert(ctx context.Context, key AlertKey, draft AlertDraft, cooldown time.Duration) (*Alert, bool, error)
}

// AlertStore is the read and acknowledge side of alert persistence.
type AlertStore interface {
	AlertWriter
	GetAlert(ctx context.Context, id string) (*Alert, bool, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)
	SetAcknowledged(ctx context.Context, id string, acknowledged bool) (*Alert, bool, error)
}

// CaregiverResolver looks up a patient and the caregivers assigned to them.
type CaregiverResolver interface {
	ResolvePatient(ctx context.Context, patientID string) (*PatientInfo, bool, error)
}

// Notifier delivers a freshly created alert to an outside channel.
type Notifier interface {
	Notify(ctx context.Context, al *Alert) error
}
