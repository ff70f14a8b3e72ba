// Package memstore provides an in-memory implementation of the monitor and
// registry stores.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/carewatch/internal/monitor"
	"github.com/linnemanlabs/carewatch/internal/registry"
)

// Store holds events, alerts and the registry in memory. Suitable for
// dev/testing.
type Store struct {
	mu     sync.RWMutex
	events map[string][]*monitor.Event // patient ID -> events in append order
	alerts map[string]*monitor.Alert   // alert ID -> alert
	latest map[monitor.AlertKey]time.Time

	users  map[string]*registry.User
	emails map[string]string              // email -> user ID
	links  map[string]map[string]time.Time // patient ID -> caregiver ID -> linked at

	now func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the time source used to stamp alerts and evaluate cooldowns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New initializes a new in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		events: make(map[string][]*monitor.Event),
		alerts: make(map[string]*monitor.Alert),
		latest: make(map[monitor.AlertKey]time.Time),
		users:  make(map[string]*registry.User),
		emails: make(map[string]string),
		links:  make(map[string]map[string]time.Time),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AppendEvent stores a copy of the event.
func (s *Store) AppendEvent(_ context.Context, ev *monitor.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.PatientID] = append(s.events[ev.PatientID], &cp)
	return nil
}

// ListEventsByPatient returns copies of a patient's events, newest first.
func (s *Store) ListEventsByPatient(_ context.Context, patientID string, limit int) ([]*monitor.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[patientID]
	out := make([]*monitor.Event, 0, len(evs))
	for _, ev := range evs {
		cp := *ev
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EventCount returns the number of stored events across all patients.
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, evs := range s.events {
		n += len(evs)
	}
	return n
}

// TryCreateAlert inserts an alert unless one for the same key was created
// within cooldown. The check and the insert happen under one write lock.
func (s *Store) TryCreateAlert(_ context.Context, key monitor.AlertKey, d monitor.AlertDraft, cooldown time.Duration) (*monitor.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if last, ok := s.latest[key]; ok && !last.Before(now.Add(-cooldown)) {
		return nil, false, nil
	}

	al := monitor.NewAlert(ulid.Make().String(), key, d, now)
	s.alerts[al.ID] = al
	s.latest[key] = now
	cp := *al
	return &cp, true, nil
}

// GetAlert returns a copy of an alert by ID.
func (s *Store) GetAlert(_ context.Context, id string) (*monitor.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	al, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	cp := *al
	return &cp, true, nil
}

// ListAlerts returns copies of matching alerts, newest first.
func (s *Store) ListAlerts(_ context.Context, f monitor.AlertFilter) ([]*monitor.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*monitor.Alert
	for _, al := range s.alerts {
		if f.CaregiverID != "" && al.CaregiverID != f.CaregiverID {
			continue
		}
		if f.PatientID != "" && al.PatientID != f.PatientID {
			continue
		}
		if f.Acknowledged != nil && al.Acknowledged != *f.Acknowledged {
			continue
		}
		cp := *al
		out = append(out, &cp)
	}
	// ULIDs break ties between alerts created in the same instant
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SetAcknowledged updates the acknowledged flag and returns the new state.
func (s *Store) SetAcknowledged(_ context.Context, id string, acknowledged bool) (*monitor.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	al, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	al.Acknowledged = acknowledged
	cp := *al
	return &cp, true, nil
}

// CreateUser stores a copy of the user. Emails are unique.
func (s *Store) CreateUser(_ context.Context, u *registry.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.emails[u.Email]; dup {
		return fmt.Errorf("%w: email %s already registered", registry.ErrConflict, u.Email)
	}
	if _, dup := s.users[u.ID]; dup {
		return fmt.Errorf("%w: user %s already exists", registry.ErrConflict, u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	s.emails[u.Email] = u.ID
	return nil
}

// GetUser returns a copy of a user by ID.
func (s *Store) GetUser(_ context.Context, id string) (*registry.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, false, nil
	}
	cp := *u
	return &cp, true, nil
}

// ListUsers returns users with the given role (all when empty), newest first.
func (s *Store) ListUsers(_ context.Context, role monitor.Role) ([]*registry.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*registry.User
	for _, u := range s.users {
		if role != "" && u.Role != role {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// LinkCaregiver records a patient-caregiver link. Each pair is unique.
func (s *Store) LinkCaregiver(_ context.Context, l *registry.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cgs, ok := s.links[l.PatientID]
	if !ok {
		cgs = make(map[string]time.Time)
		s.links[l.PatientID] = cgs
	}
	if _, dup := cgs[l.CaregiverID]; dup {
		return fmt.Errorf("%w: caregiver %s already linked to patient %s", registry.ErrConflict, l.CaregiverID, l.PatientID)
	}
	cgs[l.CaregiverID] = l.CreatedAt
	return nil
}

// CaregiversForPatient returns caregiver IDs linked to the patient, oldest
// link first.
func (s *Store) CaregiversForPatient(_ context.Context, patientID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cgs := s.links[patientID]
	ids := make([]string, 0, len(cgs))
	for id := range cgs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := cgs[ids[i]], cgs[ids[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}
