package alertapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/carewatch/internal/monitor"
)

func alertList(als []*monitor.Alert) []*monitor.Alert {
	if als == nil {
		return []*monitor.Alert{}
	}
	return als
}

func (a *API) handleCaregiverAlerts(w http.ResponseWriter, r *http.Request) {
	als, err := a.alerts.ForCaregiver(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, "failed to list caregiver alerts")
		return
	}
	writeJSON(w, http.StatusOK, alertList(als))
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := monitor.AlertFilter{
		CaregiverID: q.Get("caregiver_id"),
		PatientID:   q.Get("patient_id"),
	}
	if s := q.Get("acknowledged"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "acknowledged must be true or false")
			return
		}
		f.Acknowledged = &b
	}
	limit, ok := intQuery(r, "limit")
	if !ok {
		writeErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	f.Limit = limit

	als, err := a.alerts.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, alertList(als))
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("carewatch.alert.id", id))

	al, err := a.alerts.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get alert")
		return
	}
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	a.setAcknowledged(w, r, true)
}

func (a *API) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Acknowledged *bool `json:"acknowledged"`
	}
	if err := decodeBody(r, &body); err != nil || body.Acknowledged == nil {
		writeErr(w, http.StatusBadRequest, "body must be {\"acknowledged\": true|false}")
		return
	}
	a.setAcknowledged(w, r, *body.Acknowledged)
}

func (a *API) setAcknowledged(w http.ResponseWriter, r *http.Request, ack bool) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("carewatch.alert.id", id),
		attribute.Bool("carewatch.alert.acknowledged", ack),
	)

	al, err := a.alerts.SetAcknowledged(r.Context(), id, ack)
	if err != nil {
		a.fail(w, r, err, "failed to update alert")
		return
	}
	writeJSON(w, http.StatusOK, al)
}
