package alertapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/carewatch/internal/monitor"
	"github.com/linnemanlabs/carewatch/internal/sensor"
)

func (a *API) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var in monitor.EventInput
	if err := decodeBody(r, &in); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid payload")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("carewatch.patient.id", in.PatientID),
		attribute.String("carewatch.event.type", string(in.Type)),
	)

	res, err := a.events.HandleEvent(r.Context(), in)
	if err != nil {
		a.fail(w, r, err, "failed to handle event")
		return
	}

	span.SetAttributes(attribute.Int("carewatch.alerts.triggered", res.AlertsTriggered))
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handlePatientEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(r, "limit")
	if !ok {
		writeErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	evs, err := a.events.EventsForPatient(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.fail(w, r, err, "failed to list events")
		return
	}
	if evs == nil {
		evs = []*monitor.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (a *API) handleAccelerometer(w http.ResponseWriter, r *http.Request) {
	var s sensor.Sample
	if err := decodeBody(r, &s); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := a.samples.Ingest(r.Context(), s)
	if err != nil {
		a.fail(w, r, err, "failed to ingest accelerometer sample")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Bool("carewatch.fall.detected", res.FallDetected))
	writeJSON(w, http.StatusCreated, res)
}
