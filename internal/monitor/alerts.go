package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// MaxAlertListLimit caps alert listings.
const MaxAlertListLimit = 200

// AlertService is the caregiver-facing read path for alerts. It is separate
// from the Router: the Router only ever creates alerts through AlertWriter.
type AlertService struct {
	store   AlertStore
	logger  log.Logger
	timeout time.Duration
}

// NewAlertService creates an AlertService over store.
func NewAlertService(store AlertStore, logger log.Logger, timeout time.Duration) *AlertService {
	if store == nil {
		panic(xerrors.New("monitor: alert store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return &AlertService{store: store, logger: logger, timeout: timeout}
}

// ForCaregiver lists a caregiver's alerts, newest first.
func (s *AlertService) ForCaregiver(ctx context.Context, caregiverID string) ([]*Alert, error) {
	caregiverID = strings.TrimSpace(caregiverID)
	if caregiverID == "" {
		return nil, invalid("caregiverId", "is required")
	}
	return s.List(ctx, AlertFilter{CaregiverID: caregiverID})
}

// List returns alerts matching f, newest first, at most MaxAlertListLimit.
func (s *AlertService) List(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	if f.Limit <= 0 || f.Limit > MaxAlertListLimit {
		f.Limit = MaxAlertListLimit
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.ListAlerts(ctx, f)
}

// Get returns one alert or ErrAlertNotFound.
func (s *AlertService) Get(ctx context.Context, id string) (*Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	al, ok, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlertNotFound
	}
	return al, nil
}

// Acknowledge marks an alert as seen by its caregiver.
func (s *AlertService) Acknowledge(ctx context.Context, id string) (*Alert, error) {
	return s.SetAcknowledged(ctx, id, true)
}

// SetAcknowledged sets or clears the acknowledged flag.
func (s *AlertService) SetAcknowledged(ctx context.Context, id string, acknowledged bool) (*Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	al, ok, err := s.store.SetAcknowledged(ctx, id, acknowledged)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlertNotFound
	}
	s.logger.Info(ctx, "alert acknowledgement changed", "alert_id", id, "acknowledged", acknowledged)
	return al, nil
}
