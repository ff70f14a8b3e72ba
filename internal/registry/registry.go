// Package registry owns patients, caregivers and the links between them. The
// monitor engine only reads from it, through Service.ResolvePatient.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/carewatch/internal/monitor"
)

var (
	// ErrBadRequest marks input the caller must fix.
	ErrBadRequest = errors.New("bad request")

	// ErrNotFound marks an unknown user id.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a duplicate email or an existing link.
	ErrConflict = errors.New("conflict")
)

// User is a patient or a caregiver.
type User struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Email     string       `json:"email"`
	Role      monitor.Role `json:"role"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Link assigns a caregiver to a patient.
type Link struct {
	PatientID   string    `json:"patientId"`
	CaregiverID string    `json:"caregiverId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the persistence interface for the registry. CreateUser and
// LinkCaregiver return ErrConflict on a uniqueness violation.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, bool, error)
	ListUsers(ctx context.Context, role monitor.Role) ([]*User, error)
	LinkCaregiver(ctx context.Context, l *Link) error
	CaregiversForPatient(ctx context.Context, patientID string) ([]string, error)
}

// Service validates registry writes and answers patient lookups.
type Service struct {
	store  Store
	logger log.Logger
	now    func() time.Time
}

// NewService creates a registry service.
func NewService(store Store, logger log.Logger) *Service {
	if store == nil {
		panic(xerrors.New("registry: store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// CreateUser registers a user. Email is normalized to lower case.
func (s *Service) CreateUser(ctx context.Context, name, email string, role monitor.Role) (*User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	role = monitor.Role(strings.ToUpper(strings.TrimSpace(string(role))))

	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrBadRequest)
	}
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrBadRequest)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email is invalid", ErrBadRequest)
	}
	if role != monitor.RolePatient && role != monitor.RoleCaregiver {
		return nil, fmt.Errorf("%w: role must be PATIENT or CAREGIVER", ErrBadRequest)
	}

	now := s.now().UTC()
	u := &User{
		ID:        ulid.Make().String(),
		Name:      name,
		Email:     email,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "user created", "user_id", u.ID, "role", string(u.Role))
	return u, nil
}

// GetUser returns a user or ErrNotFound.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	u, ok, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, nil
}

// ListUsers lists users, optionally restricted to one role.
func (s *Service) ListUsers(ctx context.Context, role monitor.Role) ([]*User, error) {
	role = monitor.Role(strings.ToUpper(strings.TrimSpace(string(role))))
	if role != "" && role != monitor.RolePatient && role != monitor.RoleCaregiver {
		return nil, fmt.Errorf("%w: role filter must be PATIENT or CAREGIVER", ErrBadRequest)
	}
	return s.store.ListUsers(ctx, role)
}

// LinkCaregiver assigns caregiverID to patientID after checking both roles.
func (s *Service) LinkCaregiver(ctx context.Context, patientID, caregiverID string) (*Link, error) {
	patient, err := s.GetUser(ctx, patientID)
	if err != nil {
		return nil, err
	}
	caregiver, err := s.GetUser(ctx, caregiverID)
	if err != nil {
		return nil, err
	}
	if patient.Role != monitor.RolePatient {
		return nil, fmt.Errorf("%w: %s is not a PATIENT", ErrBadRequest, patientID)
	}
	if caregiver.Role != monitor.RoleCaregiver {
		return nil, fmt.Errorf("%w: %s is not a CAREGIVER", ErrBadRequest, caregiverID)
	}

	l := &Link{PatientID: patient.ID, CaregiverID: caregiver.ID, CreatedAt: s.now().UTC()}
	if err := s.store.LinkCaregiver(ctx, l); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "caregiver linked", "patient_id", l.PatientID, "caregiver_id", l.CaregiverID)
	return l, nil
}

// CaregiversFor lists the caregiver users linked to a patient.
func (s *Service) CaregiversFor(ctx context.Context, patientID string) ([]*User, error) {
	if _, err := s.GetUser(ctx, patientID); err != nil {
		return nil, err
	}
	ids, err := s.store.CaregiversForPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	users := make([]*User, 0, len(ids))
	for _, id := range ids {
		u, ok, err := s.store.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			users = append(users, u)
		}
	}
	return users, nil
}

// ResolvePatient implements monitor.CaregiverResolver. Unknown ids report
// found=false; the caller decides whether a non-patient role matters.
func (s *Service) ResolvePatient(ctx context.Context, patientID string) (*monitor.PatientInfo, bool, error) {
	u, ok, err := s.store.GetUser(ctx, patientID)
	if err != nil {
		return nil, false, fmt.Errorf("get user: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	info := &monitor.PatientInfo{ID: u.ID, Role: u.Role}
	if u.Role != monitor.RolePatient {
		return info, true, nil
	}
	info.Caregivers, err = s.store.CaregiversForPatient(ctx, u.ID)
	if err != nil {
		return nil, false, fmt.Errorf("caregivers for patient: %w", err)
	}
	return info, true, nil
}
