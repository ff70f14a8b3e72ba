package monitor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/linnemanlabs/carewatch/internal/monitor")

const (
	// DefaultOpTimeout bounds every store, registry and notifier call.
	DefaultOpTimeout = 5 * time.Second

	defaultEventLimit = 100
	maxEventLimit     = 500
)

// Router validates incoming events, persists them, runs the policy for the
// event type and fans qualifying alerts out to the patient's caregivers.
type Router struct {
	events   EventStore
	alerts   AlertWriter
	resolver CaregiverResolver
	policies Policies
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
	timeout  time.Duration
	now      func() time.Time
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithMetrics records event and alert counters on m.
func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithNotifier hands every created alert to n.
func WithNotifier(n Notifier) RouterOption {
	return func(r *Router) { r.notifier = n }
}

// WithOpTimeout bounds each downstream call. Non-positive values keep the default.
func WithOpTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a Router. Stores, resolver and policies are required.
func NewRouter(events EventStore, alerts AlertWriter, resolver CaregiverResolver, policies Policies, logger log.Logger, opts ...RouterOption) *Router {
	if events == nil || alerts == nil || resolver == nil {
		panic(xerrors.New("monitor: event store, alert writer and caregiver resolver are required"))
	}
	if len(policies) == 0 {
		panic(xerrors.New("monitor: at least one policy is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	r := &Router{
		events:   events,
		alerts:   alerts,
		resolver: resolver,
		policies: policies,
		logger:   logger,
		timeout:  DefaultOpTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HandleEvent stores the event and creates at most one alert per assigned
// caregiver, subject to the cooldown of the alert key.
//
// Validation failures wrap ErrInvalidEvent and persist nothing. Unknown
// patients, non-patient roles, missing caregivers and event types without a
// policy are not errors: the event is kept and AlertsTriggered is zero.
func (r *Router) HandleEvent(ctx context.Context, in EventInput) (*HandleResult, error) {
	ctx, span := tracer.Start(ctx, "monitor.HandleEvent")
	defer span.End()

	ev, err := r.buildEvent(in)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("carewatch.event.id", ev.ID),
		attribute.String("carewatch.event.type", string(ev.Type)),
		attribute.String("carewatch.patient.id", ev.PatientID),
	)

	L := r.logger.With("event_id", ev.ID, "patient_id", ev.PatientID, "event_type", string(ev.Type))

	if err := r.appendEvent(ctx, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("store event: %w", err)
	}
	r.metrics.event(ev.Type)

	res := &HandleResult{Success: true, Event: ev}

	// the event is durable now, alert fan-out must not die with the caller
	ctx = context.WithoutCancel(ctx)

	policy, ok := r.policies[ev.Type]
	if !ok {
		L.Info(ctx, "no policy for event type, stored only")
		r.metrics.skip("unknown_type")
		return res, nil
	}

	d := policy(ev)
	if !d.Alert {
		L.Info(ctx, "event does not warrant an alert", "reason", d.Reason)
		r.metrics.skip(d.Reason)
		return res, nil
	}

	caregivers, err := r.resolveTargets(ctx, ev.PatientID, L)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resolve caregivers: %w", err)
	}
	if len(caregivers) == 0 {
		return res, nil
	}

	n, err := r.fanOut(ctx, ev, d, caregivers, L)
	span.SetAttributes(attribute.Int("carewatch.alerts.created", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.AlertsTriggered = n

	L.Info(ctx, "event handled",
		"alert_type", d.Type,
		"severity", string(d.Severity),
		"caregivers", len(caregivers),
		"alerts_triggered", n,
	)
	return res, nil
}

// EventsForPatient lists a patient's events, newest first.
func (r *Router) EventsForPatient(ctx context.Context, patientID string, limit int) ([]*Event, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, invalid("patientId", "is required")
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	limit = min(limit, maxEventLimit)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.events.ListEventsByPatient(ctx, patientID, limit)
}

func (r *Router) buildEvent(in EventInput) (*Event, error) {
	patientID := strings.TrimSpace(in.PatientID)
	if patientID == "" {
		return nil, invalid("patientId", "is required")
	}
	typ := EventType(strings.TrimSpace(string(in.Type)))
	if typ == "" {
		return nil, invalid("type", "is required")
	}

	var conf *float64
	if in.Confidence != nil {
		c := *in.Confidence
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, invalid("confidence", "must be a finite number")
		}
		if c < 0 || c > 1 {
			return nil, invalid("confidence", "%g is outside [0,1]", c)
		}
		conf = &c
	}

	payload, err := DecodePayload(typ, in.Payload)
	if err != nil {
		return nil, invalid("payload", "%v", err)
	}

	return &Event{
		ID:         ulid.Make().String(),
		PatientID:  patientID,
		Type:       typ,
		Confidence: conf,
		Payload:    payload,
		Timestamp:  r.now().UTC(),
	}, nil
}

func (r *Router) appendEvent(ctx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.events.AppendEvent(ctx, ev)
}

// resolveTargets returns the distinct caregivers to notify, or none when the
// patient is not notifiable.
func (r *Router) resolveTargets(ctx context.Context, patientID string, L log.Logger) ([]string, error) {
	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	info, found, err := r.resolver.ResolvePatient(rctx, patientID)
	if err != nil {
		return nil, err
	}
	if !found {
		L.Warn(ctx, "patient not found, no alert targets")
		r.metrics.skip("patient_not_found")
		return nil, nil
	}
	if info.Role != RolePatient {
		L.Warn(ctx, "user is not a patient, no alert targets", "role", string(info.Role))
		r.metrics.skip("not_a_patient")
		return nil, nil
	}

	seen := make(map[string]struct{}, len(info.Caregivers))
	targets := make([]string, 0, len(info.Caregivers))
	for _, cg := range info.Caregivers {
		if cg == "" {
			continue
		}
		if _, dup := seen[cg]; dup {
			continue
		}
		seen[cg] = struct{}{}
		targets = append(targets, cg)
	}
	if len(targets) == 0 {
		L.Info(ctx, "patient has no assigned caregivers")
		r.metrics.skip("no_caregivers")
	}
	return targets, nil
}

// fanOut attempts one alert per caregiver in parallel. Keys are disjoint per
// caregiver so the store's per-key atomicity is all the locking needed. A
// failure for one caregiver does not cancel the others.
func (r *Router) fanOut(ctx context.Context, ev *Event, d Decision, caregivers []string, L log.Logger) (int, error) {
	payload, err := EncodePayload(ev.Payload)
	if err != nil {
		return 0, err
	}
	draft := AlertDraft{
		EventID:    ev.ID,
		Severity:   d.Severity,
		Confidence: ev.Confidence,
		Payload:    payload,
		Message:    d.Message,
	}

	var created atomic.Int64
	var g errgroup.Group
	for _, cg := range caregivers {
		g.Go(func() error {
			key := AlertKey{PatientID: ev.PatientID, CaregiverID: cg, Type: d.Type}
			al, ok, err := r.tryCreate(ctx, key, draft, d.Cooldown)
			if err != nil {
				L.Error(ctx, err, "alert dedup failed", "caregiver_id", cg)
				return fmt.Errorf("create alert for caregiver %s: %w", cg, err)
			}
			if !ok {
				r.metrics.suppressed(d.Type)
				return nil
			}
			created.Add(1)
			r.metrics.created(al)
			r.notify(ctx, al, L)
			return nil
		})
	}
	err = g.Wait()
	return int(created.Load()), err
}

func (r *Router) tryCreate(ctx context.Context, key AlertKey, draft AlertDraft, cooldown time.Duration) (*Alert, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	al, ok, err := r.alerts.TryCreateAlert(ctx, key, draft, cooldown)
	r.metrics.dedupTook(time.Since(start))
	return al, ok, err
}

func (r *Router) notify(ctx context.Context, al *Alert, L log.Logger) {
	if r.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.notifier.Notify(ctx, al); err != nil {
		L.Error(ctx, err, "alert notification failed", "alert_id", al.ID, "caregiver_id", al.CaregiverID)
		r.metrics.notifyFailed()
	}
}

// nil-safe metric helpers so tests and tools can run without a registry.

func (m *Metrics) event(t EventType) {
	if m == nil {
		return
	}
	label := string(t)
	if !t.Known() {
		label = "other"
	}
	m.EventsTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) skip(reason string) {
	if m == nil {
		return
	}
	m.PolicySkips.WithLabelValues(strings.ReplaceAll(reason, " ", "_")).Inc()
}

func (m *Metrics) suppressed(alertType string) {
	if m == nil {
		return
	}
	m.AlertsSuppressed.WithLabelValues(alertType).Inc()
}

func (m *Metrics) created(al *Alert) {
	if m == nil {
		return
	}
	m.AlertsCreated.WithLabelValues(al.Type, string(al.Severity)).Inc()
}

func (m *Metrics) dedupTook(d time.Duration) {
	if m == nil {
		return
	}
	m.DedupDuration.Observe(d.Seconds())
}

func (m *Metrics) notifyFailed() {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
}
