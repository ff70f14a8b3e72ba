package monitor

import (
	"encoding/json"
	"time"
)

// EventType identifies what an event observed. The set is open: unknown types
// are stored but never alert.
type EventType string

const (
	// EventFall is a fall reported by the accelerometer or a camera.
	EventFall EventType = "FALL"

	// EventFace is a face seen by a camera, recognized or not.
	EventFace EventType = "FACE"

	// EventObject is an object detected in a camera frame.
	EventObject EventType = "OBJECT"
)

// Known reports whether t is one of the types that have an alert policy.
func (t EventType) Known() bool {
	switch t {
	case EventFall, EventFace, EventObject:
		return true
	}
	return false
}

// Severity ranks how urgently a caregiver should react to an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity returns the Severity named by s, or false if s is not one.
func ParseSeverity(s string) (Severity, bool) {
	switch sv := Severity(s); sv {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sv, true
	}
	return "", false
}

// Role is the registry role of a user.
type Role string

const (
	RolePatient   Role = "PATIENT"
	RoleCaregiver Role = "CAREGIVER"
)

// Alert type keys written by the built-in policies.
const (
	AlertTypeFall            = "FALL"
	AlertTypeUnknownFace     = "unknown_face"
	AlertTypeDangerousObject = "dangerous_object"
)

// Event is an immutable observation about a patient.
type Event struct {
	ID         string    `json:"id"`
	PatientID  string    `json:"patientId"`
	Type       EventType `json:"type"`
	Confidence *float64  `json:"confidence,omitempty"`
	Payload    Payload   `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventInput is a normalized event as submitted by an ingestion path, before
// validation and id assignment.
type EventInput struct {
	PatientID  string          `json:"patientId"`
	Type       EventType       `json:"type"`
	Confidence *float64        `json:"confidence,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Alert is a caregiver-facing notification derived from an event.
type Alert struct {
	ID           string          `json:"id"`
	PatientID    string          `json:"patientId"`
	CaregiverID  string          `json:"caregiverId"`
	EventID      string          `json:"eventId,omitempty"`
	Type         string          `json:"type"`
	Severity     Severity        `json:"severity"`
	Confidence   *float64        `json:"confidence,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Message      string          `json:"message,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// AlertKey is the dedup key. At most one alert per key may exist inside the
// cooldown window anchored to the key's most recent alert.
type AlertKey struct {
	PatientID   string
	CaregiverID string
	Type        string
}

// AlertDraft carries the attributes of an alert that does not exist yet.
type AlertDraft struct {
	EventID    string
	Severity   Severity
	Confidence *float64
	Payload    json.RawMessage
	Message    string
}

// AlertFilter narrows alert listings. Empty fields match everything.
type AlertFilter struct {
	CaregiverID  string
	PatientID    string
	Acknowledged *bool
	Limit        int
}

// PatientInfo is what the registry tells the engine about a patient.
type PatientInfo struct {
	ID         string
	Role       Role
	Caregivers []string
}

// HandleResult is the outcome of HandleEvent.
type HandleResult struct {
	Success         bool   `json:"success"`
	Event           *Event `json:"event"`
	AlertsTriggered int    `json:"alertsTriggered"`
}

// NewAlert materializes a draft for key at createdAt. Stores call it once
// they have decided to insert.
func NewAlert(id string, key AlertKey, d AlertDraft, createdAt time.Time) *Alert {
	return &Alert{
		ID:          id,
		PatientID:   key.PatientID,
		CaregiverID: key.CaregiverID,
		EventID:     d.EventID,
		Type:        key.Type,
		Severity:    d.Severity,
		Confidence:  d.Confidence,
		Payload:     d.Payload,
		Message:     d.Message,
		CreatedAt:   createdAt,
	}
}

// UnmarshalJSON decodes an Event, resolving the payload variant from Type.
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var wire struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	p, err := DecodePayload(wire.Type, wire.Payload)
	if err != nil {
		return err
	}
	*e = Event(wire.plain)
	e.Payload = p
	return nil
}
