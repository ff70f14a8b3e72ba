// Package alertapi exposes event ingestion, the caregiver alert inbox and the
// patient registry over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/carewatch/internal/monitor"
	"github.com/linnemanlabs/carewatch/internal/registry"
	"github.com/linnemanlabs/carewatch/internal/sensor"
)

// EventService ingests and lists events.
type EventService interface {
	HandleEvent(ctx context.Context, in monitor.EventInput) (*monitor.HandleResult, error)
	EventsForPatient(ctx context.Context, patientID string, limit int) ([]*monitor.Event, error)
}

// AlertService reads and acknowledges alerts.
type AlertService interface {
	ForCaregiver(ctx context.Context, caregiverID string) ([]*monitor.Alert, error)
	List(ctx context.Context, f monitor.AlertFilter) ([]*monitor.Alert, error)
	Get(ctx context.Context, id string) (*monitor.Alert, error)
	SetAcknowledged(ctx context.Context, id string, acknowledged bool) (*monitor.Alert, error)
}

// Registry manages users and caregiver assignments.
type Registry interface {
	CreateUser(ctx context.Context, name, email string, role monitor.Role) (*registry.User, error)
	GetUser(ctx context.Context, id string) (*registry.User, error)
	ListUsers(ctx context.Context, role monitor.Role) ([]*registry.User, error)
	LinkCaregiver(ctx context.Context, patientID, caregiverID string) (*registry.Link, error)
	CaregiversFor(ctx context.Context, patientID string) ([]*registry.User, error)
}

// SampleIngester classifies raw accelerometer samples.
type SampleIngester interface {
	Ingest(ctx context.Context, s sensor.Sample) (*sensor.Result, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	events   EventService
	alerts   AlertService
	registry Registry
	samples  SampleIngester
}

// New creates a new API handler. All services are required.
func New(logger log.Logger, events EventService, alerts AlertService, reg Registry, samples SampleIngester) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if events == nil || alerts == nil || reg == nil || samples == nil {
		panic(xerrors.New("alertapi: event, alert, registry and sample services are required"))
	}
	return &API{
		logger:   logger,
		events:   events,
		alerts:   alerts,
		registry: reg,
		samples:  samples,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", a.handleCreateEvent)
		r.Post("/sensors/accelerometer", a.handleAccelerometer)

		r.Get("/alerts", a.handleListAlerts)
		r.Get("/alerts/{id}", a.handleGetAlert)
		r.Patch("/alerts/{id}", a.handleUpdateAlert)
		r.Patch("/alerts/{id}/acknowledge", a.handleAcknowledgeAlert)
		r.Get("/caregivers/{id}/alerts", a.handleCaregiverAlerts)

		r.Post("/users", a.handleCreateUser)
		r.Get("/users", a.handleListUsers)
		r.Get("/users/{id}", a.handleGetUser)
		r.Get("/patients/{id}/events", a.handlePatientEvents)
		r.Post("/patients/{id}/caregivers", a.handleLinkCaregiver)
		r.Get("/patients/{id}/caregivers", a.handleListCaregivers)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// fail maps service errors to a status. Client errors echo their message;
// anything else is logged and reported as an internal error.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, monitor.ErrInvalidEvent), errors.Is(err, registry.ErrBadRequest):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, monitor.ErrAlertNotFound), errors.Is(err, registry.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrConflict):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error(r.Context(), err, msg)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// intQuery parses an optional non-negative integer query parameter.
func intQuery(r *http.Request, name string) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
