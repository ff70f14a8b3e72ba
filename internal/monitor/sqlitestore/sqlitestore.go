// Package sqlitestore provides a single-node SQLite implementation of the
// monitor and registry stores, for deployments without PostgreSQL.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/linnemanlabs/carewatch/internal/monitor"
	"github.com/linnemanlabs/carewatch/internal/registry"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		email       TEXT NOT NULL UNIQUE,
		role        TEXT NOT NULL CHECK (role IN ('PATIENT', 'CAREGIVER')),
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS patient_caregiver_links (
		patient_id    TEXT NOT NULL REFERENCES users (id),
		caregiver_id  TEXT NOT NULL REFERENCES users (id),
		created_at    INTEGER NOT NULL,
		PRIMARY KEY (patient_id, caregiver_id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id          TEXT PRIMARY KEY,
		patient_id  TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		confidence  REAL,
		payload     TEXT,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_patient_created_idx ON events (patient_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id            TEXT PRIMARY KEY,
		patient_id    TEXT NOT NULL,
		caregiver_id  TEXT NOT NULL,
		event_id      TEXT,
		alert_type    TEXT NOT NULL,
		severity      TEXT NOT NULL,
		confidence    REAL,
		payload       TEXT,
		message       TEXT NOT NULL DEFAULT '',
		acknowledged  INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS alerts_caregiver_created_idx ON alerts (caregiver_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS alerts_patient_created_idx ON alerts (patient_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS alert_gates (
		patient_id     TEXT NOT NULL,
		caregiver_id   TEXT NOT NULL,
		alert_type     TEXT NOT NULL,
		last_alert_id  TEXT NOT NULL,
		last_alert_at  INTEGER NOT NULL,
		PRIMARY KEY (patient_id, caregiver_id, alert_type)
	)`,
}

// Store persists events, alerts and the registry in a SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the time source used to stamp alerts and evaluate cooldowns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	// immediate transactions take the write lock up front, so the
	// read-then-write in TryCreateAlert cannot interleave
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

func nullText(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}

// AppendEvent inserts an event row.
func (s *Store) AppendEvent(ctx context.Context, ev *monitor.Event) error {
	payload, err := monitor.EncodePayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, patient_id, event_type, confidence, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PatientID, string(ev.Type), nullFloat(ev.Confidence), nullText(payload), micros(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEventsByPatient returns a patient's events, newest first.
func (s *Store) ListEventsByPatient(ctx context.Context, patientID string, limit int) ([]*monitor.Event, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, patient_id, event_type, confidence, payload, created_at
		 FROM events WHERE patient_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		patientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*monitor.Event
	for rows.Next() {
		var (
			ev      monitor.Event
			typ     string
			conf    sql.NullFloat64
			payload sql.NullString
			at      int64
		)
		if err := rows.Scan(&ev.ID, &ev.PatientID, &typ, &conf, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = monitor.EventType(typ)
		ev.Confidence = floatPtr(conf)
		ev.Timestamp = fromMicros(at)
		if payload.Valid {
			if ev.Payload, err = monitor.DecodePayload(ev.Type, json.RawMessage(payload.String)); err != nil {
				return nil, fmt.Errorf("decode payload of event %s: %w", ev.ID, err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// TryCreateAlert inserts an alert unless one for the same key was created
// within cooldown. The gate check and both writes share one immediate
// transaction.
func (s *Store) TryCreateAlert(ctx context.Context, key monitor.AlertKey, d monitor.AlertDraft, cooldown time.Duration) (*monitor.Alert, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now().UTC().Truncate(time.Microsecond)

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_alert_at FROM alert_gates WHERE patient_id = ? AND caregiver_id = ? AND alert_type = ?`,
		key.PatientID, key.CaregiverID, key.Type,
	).Scan(&last)
	switch {
	case err == nil:
		if last >= micros(now.Add(-cooldown)) {
			return nil, false, nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, false, fmt.Errorf("read gate: %w", err)
	}

	al := monitor.NewAlert(ulid.Make().String(), key, d, now)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO alert_gates (patient_id, caregiver_id, alert_type, last_alert_id, last_alert_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (patient_id, caregiver_id, alert_type) DO UPDATE
		 SET last_alert_id = excluded.last_alert_id, last_alert_at = excluded.last_alert_at`,
		key.PatientID, key.CaregiverID, key.Type, al.ID, micros(now),
	); err != nil {
		return nil, false, fmt.Errorf("write gate: %w", err)
	}

	var eventID any
	if al.EventID != "" {
		eventID = al.EventID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO alerts (id, patient_id, caregiver_id, event_id, alert_type, severity,
			confidence, payload, message, acknowledged, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		al.ID, al.PatientID, al.CaregiverID, eventID, al.Type, string(al.Severity),
		nullFloat(al.Confidence), nullText(al.Payload), al.Message, micros(now),
	); err != nil {
		return nil, false, fmt.Errorf("insert alert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return al, true, nil
}

const alertColumns = `id, patient_id, caregiver_id, COALESCE(event_id, ''), alert_type, severity,
	confidence, payload, message, acknowledged, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (*monitor.Alert, error) {
	var (
		al       monitor.Alert
		severity string
		conf     sql.NullFloat64
		payload  sql.NullString
		at       int64
	)
	if err := row.Scan(
		&al.ID, &al.PatientID, &al.CaregiverID, &al.EventID, &al.Type, &severity,
		&conf, &payload, &al.Message, &al.Acknowledged, &at,
	); err != nil {
		return nil, err
	}
	al.Severity = monitor.Severity(severity)
	al.Confidence = floatPtr(conf)
	al.CreatedAt = fromMicros(at)
	if payload.Valid {
		al.Payload = json.RawMessage(payload.String)
	}
	return &al, nil
}

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*monitor.Alert, bool, error) {
	al, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get alert: %w", err)
	}
	return al, true, nil
}

// ListAlerts returns alerts matching f, newest first.
func (s *Store) ListAlerts(ctx context.Context, f monitor.AlertFilter) ([]*monitor.Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.CaregiverID != "" {
		where = append(where, "caregiver_id = ?")
		args = append(args, f.CaregiverID)
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if f.Acknowledged != nil {
		where = append(where, "acknowledged = ?")
		args = append(args, *f.Acknowledged)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*monitor.Alert
	for rows.Next() {
		al, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, al)
	}
	return out, rows.Err()
}

// SetAcknowledged updates the acknowledged flag and returns the new row.
func (s *Store) SetAcknowledged(ctx context.Context, id string, acknowledged bool) (*monitor.Alert, bool, error) {
	al, err := scanAlert(s.db.QueryRowContext(ctx,
		`UPDATE alerts SET acknowledged = ? WHERE id = ? RETURNING `+alertColumns,
		acknowledged, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("acknowledge alert: %w", err)
	}
	return al, true, nil
}

// CreateUser inserts a user. A duplicate email yields registry.ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *registry.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, role, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, string(u.Role), micros(u.CreatedAt), micros(u.UpdatedAt),
	)
	if isConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
		return fmt.Errorf("%w: email %s already registered", registry.ErrConflict, u.Email)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, name, email, role, created_at, updated_at`

func scanUser(row scanner) (*registry.User, error) {
	var (
		u                registry.User
		role             string
		created, updated int64
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &created, &updated); err != nil {
		return nil, err
	}
	u.Role = monitor.Role(role)
	u.CreatedAt = fromMicros(created)
	u.UpdatedAt = fromMicros(updated)
	return &u, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*registry.User, bool, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get user: %w", err)
	}
	return u, true, nil
}

// ListUsers returns users with the given role (all when empty), newest first.
func (s *Store) ListUsers(ctx context.Context, role monitor.Role) ([]*registry.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE ? = '' OR role = ? ORDER BY created_at DESC, id DESC`,
		string(role), string(role),
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []*registry.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// LinkCaregiver inserts a patient-caregiver link.
func (s *Store) LinkCaregiver(ctx context.Context, l *registry.Link) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patient_caregiver_links (patient_id, caregiver_id, created_at) VALUES (?, ?, ?)`,
		l.PatientID, l.CaregiverID, micros(l.CreatedAt),
	)
	switch {
	case isConstraint(err, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE):
		return fmt.Errorf("%w: caregiver %s already linked to patient %s", registry.ErrConflict, l.CaregiverID, l.PatientID)
	case isConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY):
		return fmt.Errorf("%w: patient or caregiver does not exist", registry.ErrNotFound)
	case err != nil:
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// CaregiversForPatient returns caregiver IDs linked to the patient, oldest
// link first.
func (s *Store) CaregiversForPatient(ctx context.Context, patientID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT caregiver_id FROM patient_caregiver_links WHERE patient_id = ? ORDER BY created_at, caregiver_id`,
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// constraintText is what SQLite prints for each extended constraint code. It
// covers connections that report only the primary SQLITE_CONSTRAINT code.
var constraintText = map[int]string{
	sqlite3.SQLITE_CONSTRAINT_UNIQUE:     "UNIQUE constraint failed",
	sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY: "UNIQUE constraint failed",
	sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY: "FOREIGN KEY constraint failed",
}

func isConstraint(err error, codes ...int) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.Code() == c {
			return true
		}
		if se.Code() == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), constraintText[c]) {
			return true
		}
	}
	return false
}
