// Package pgstore provides a PostgreSQL implementation of the monitor and
// registry stores.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/carewatch/internal/monitor"
	"github.com/linnemanlabs/carewatch/internal/registry"
)

var tracer = otel.Tracer("github.com/linnemanlabs/carewatch/internal/monitor/pgstore")

//go:embed schema.sql
var schema string

// postgres error codes we translate
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store persists events, alerts and the registry in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the time source used to stamp alerts and evaluate cooldowns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := &Store{pool: pool, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// AppendEvent inserts an event row.
func (s *Store) AppendEvent(ctx context.Context, ev *monitor.Event) error {
	ctx, span := startSpan(ctx, "AppendEvent", "INSERT")
	defer span.End()

	payload, err := monitor.EncodePayload(ev.Payload)
	if err != nil {
		return fail(span, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (id, patient_id, event_type, confidence, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.PatientID, string(ev.Type), ev.Confidence, nullJSON(payload), ev.Timestamp,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert event: %w", err))
	}
	return nil
}

// ListEventsByPatient returns a patient's events, newest first.
func (s *Store) ListEventsByPatient(ctx context.Context, patientID string, limit int) ([]*monitor.Event, error) {
	ctx, span := startSpan(ctx, "ListEventsByPatient", "SELECT")
	defer span.End()

	// LIMIT NULL is no limit
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, patient_id, event_type, confidence, payload, created_at
		 FROM events WHERE patient_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		patientID, lim,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	var out []*monitor.Event
	for rows.Next() {
		var (
			ev      monitor.Event
			typ     string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.PatientID, &typ, &ev.Confidence, &payload, &ev.Timestamp); err != nil {
			return nil, fail(span, fmt.Errorf("scan event: %w", err))
		}
		ev.Type = monitor.EventType(typ)
		if ev.Payload, err = monitor.DecodePayload(ev.Type, payload); err != nil {
			return nil, fail(span, fmt.Errorf("decode payload of event %s: %w", ev.ID, err))
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate events: %w", err))
	}
	return out, nil
}

// tryCreateAlertSQL claims the gate row for the key and inserts the alert in
// one statement. The upsert only touches the gate when its last alert is
// older than the cooldown; when it does not, the CTE yields no row and no
// alert is inserted. Concurrent attempts on the same key serialize on the
// gate's primary key and re-check the predicate against the winner's row.
const tryCreateAlertSQL = `WITH gate AS (
	INSERT INTO alert_gates (patient_id, caregiver_id, alert_type, last_alert_id, last_alert_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (patient_id, caregiver_id, alert_type) DO UPDATE
		SET last_alert_id = EXCLUDED.last_alert_id,
		    last_alert_at = EXCLUDED.last_alert_at
		WHERE alert_gates.last_alert_at < EXCLUDED.last_alert_at - ($6::bigint * INTERVAL '1 microsecond')
	RETURNING last_alert_id
)
INSERT INTO alerts (id, patient_id, caregiver_id, event_id, alert_type, severity,
	confidence, payload, message, acknowledged, created_at)
SELECT gate.last_alert_id, $1, $2, $7, $3, $8, $9, $10, $11, FALSE, $5 FROM gate
RETURNING id`

// TryCreateAlert inserts an alert unless one for the same key was created
// within cooldown.
func (s *Store) TryCreateAlert(ctx context.Context, key monitor.AlertKey, d monitor.AlertDraft, cooldown time.Duration) (*monitor.Alert, bool, error) {
	ctx, span := startSpan(ctx, "TryCreateAlert", "UPSERT")
	defer span.End()
	span.SetAttributes(attribute.String("carewatch.alert.type", key.Type))

	id := ulid.Make().String()
	now := s.now().UTC().Truncate(time.Microsecond)

	var eventID *string
	if d.EventID != "" {
		eventID = &d.EventID
	}

	var got string
	err := s.pool.QueryRow(ctx, tryCreateAlertSQL,
		key.PatientID, key.CaregiverID, key.Type, id, now, cooldown.Microseconds(),
		eventID, string(d.Severity), d.Confidence, nullJSON(d.Payload), d.Message,
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		span.SetAttributes(attribute.Bool("carewatch.alert.created", false))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("try create alert: %w", err))
	}

	span.SetAttributes(attribute.Bool("carewatch.alert.created", true))
	return monitor.NewAlert(got, key, d, now), true, nil
}

const alertColumns = `id, patient_id, caregiver_id, COALESCE(event_id, ''), alert_type, severity,
	confidence, payload, message, acknowledged, created_at`

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*monitor.Alert, bool, error) {
	ctx, span := startSpan(ctx, "GetAlert", "SELECT")
	defer span.End()

	al, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return al, true, nil
}

// ListAlerts returns alerts matching f, newest first.
func (s *Store) ListAlerts(ctx context.Context, f monitor.AlertFilter) ([]*monitor.Alert, error) {
	ctx, span := startSpan(ctx, "ListAlerts", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if f.CaregiverID != "" {
		args = append(args, f.CaregiverID)
		where = append(where, fmt.Sprintf("caregiver_id = $%d", len(args)))
	}
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.Acknowledged != nil {
		args = append(args, *f.Acknowledged)
		where = append(where, fmt.Sprintf("acknowledged = $%d", len(args)))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*monitor.Alert
	for rows.Next() {
		al, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, al)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	return out, nil
}

// SetAcknowledged updates the acknowledged flag and returns the new row.
func (s *Store) SetAcknowledged(ctx context.Context, id string, acknowledged bool) (*monitor.Alert, bool, error) {
	ctx, span := startSpan(ctx, "SetAcknowledged", "UPDATE")
	defer span.End()

	al, err := scanAlert(s.pool.QueryRow(ctx,
		`UPDATE alerts SET acknowledged = $2 WHERE id = $1 RETURNING `+alertColumns,
		id, acknowledged,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return al, true, nil
}

func scanAlert(row pgx.Row) (*monitor.Alert, error) {
	var (
		al       monitor.Alert
		severity string
		payload  []byte
	)
	err := row.Scan(
		&al.ID, &al.PatientID, &al.CaregiverID, &al.EventID, &al.Type, &severity,
		&al.Confidence, &payload, &al.Message, &al.Acknowledged, &al.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	al.Severity = monitor.Severity(severity)
	if len(payload) > 0 {
		al.Payload = json.RawMessage(payload)
	}
	return &al, nil
}

// CreateUser inserts a user. A duplicate email yields registry.ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *registry.User) error {
	ctx, span := startSpan(ctx, "CreateUser", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, role, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Name, u.Email, string(u.Role), u.CreatedAt, u.UpdatedAt,
	)
	if pgCode(err) == pgUniqueViolation {
		return fmt.Errorf("%w: email %s already registered", registry.ErrConflict, u.Email)
	}
	if err != nil {
		return fail(span, fmt.Errorf("insert user: %w", err))
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*registry.User, bool, error) {
	ctx, span := startSpan(ctx, "GetUser", "SELECT")
	defer span.End()

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT id, name, email, role, created_at, updated_at FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return u, true, nil
}

// ListUsers returns users with the given role (all when empty), newest first.
func (s *Store) ListUsers(ctx context.Context, role monitor.Role) ([]*registry.User, error) {
	ctx, span := startSpan(ctx, "ListUsers", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, email, role, created_at, updated_at FROM users
		 WHERE $1 = '' OR role = $1
		 ORDER BY created_at DESC, id DESC`,
		string(role),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query users: %w", err))
	}
	defer rows.Close()

	var out []*registry.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate users: %w", err))
	}
	return out, nil
}

// LinkCaregiver inserts a patient-caregiver link.
func (s *Store) LinkCaregiver(ctx context.Context, l *registry.Link) error {
	ctx, span := startSpan(ctx, "LinkCaregiver", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO patient_caregiver_links (patient_id, caregiver_id, created_at) VALUES ($1, $2, $3)`,
		l.PatientID, l.CaregiverID, l.CreatedAt,
	)
	switch pgCode(err) {
	case pgUniqueViolation:
		return fmt.Errorf("%w: caregiver %s already linked to patient %s", registry.ErrConflict, l.CaregiverID, l.PatientID)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: patient or caregiver does not exist", registry.ErrNotFound)
	}
	if err != nil {
		return fail(span, fmt.Errorf("insert link: %w", err))
	}
	return nil
}

// CaregiversForPatient returns caregiver IDs linked to the patient, oldest
// link first.
func (s *Store) CaregiversForPatient(ctx context.Context, patientID string) ([]string, error) {
	ctx, span := startSpan(ctx, "CaregiversForPatient", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT caregiver_id FROM patient_caregiver_links WHERE patient_id = $1 ORDER BY created_at, caregiver_id`,
		patientID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query links: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fail(span, fmt.Errorf("collect links: %w", err))
	}
	return ids, nil
}

func scanUser(row pgx.Row) (*registry.User, error) {
	var (
		u    registry.User
		role string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Role = monitor.Role(role)
	return &u, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
