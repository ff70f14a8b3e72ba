package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/carewatch/internal/monitor"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string
	DatabaseURL           string
	DBMaxConns            int
	SlowQueryMillis       int
	SQLitePath            string
	SlackWebhookURL       string
	OpTimeoutSeconds      int
	FaceAlertSeverity     string
	FallCooldownSeconds   int
	FaceCooldownSeconds   int
	ObjectCooldownSeconds int
	DangerousObjects      string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-token", "", "comma-separated bearer tokens accepted by the API (empty = no auth)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (takes precedence over sqlite-path)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "PostgreSQL pool size (1..100)")
	fs.IntVar(&c.SlowQueryMillis, "db-slow-query-ms", 200, "log PostgreSQL queries slower than this (1..60000)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (empty with no database-url = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for alert notifications")
	fs.IntVar(&c.OpTimeoutSeconds, "op-timeout-seconds", 5, "timeout for each store, registry and notifier call (1..60)")
	fs.StringVar(&c.FaceAlertSeverity, "face-alert-severity", string(monitor.SeverityHigh), "severity of unknown_face alerts (LOW, MEDIUM, HIGH, CRITICAL)")
	fs.IntVar(&c.FallCooldownSeconds, "fall-cooldown-seconds", int(monitor.DefaultFallCooldown/time.Second), "FALL alert cooldown per patient and caregiver")
	fs.IntVar(&c.FaceCooldownSeconds, "face-cooldown-seconds", int(monitor.DefaultFaceCooldown/time.Second), "unknown_face alert cooldown per patient and caregiver")
	fs.IntVar(&c.ObjectCooldownSeconds, "object-cooldown-seconds", int(monitor.DefaultObjectCooldown/time.Second), "dangerous_object alert cooldown per patient and caregiver")
	fs.StringVar(&c.DangerousObjects, "dangerous-objects", "knife=CRITICAL,scissors=MEDIUM", "comma-separated object=SEVERITY pairs that raise dangerous_object alerts")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DatabaseURL != "" {
		if c.DBMaxConns <= 0 || c.DBMaxConns > 100 {
			errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..100)", c.DBMaxConns))
		}
		if c.SlowQueryMillis <= 0 || c.SlowQueryMillis > 60000 {
			errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be 1..60000)", c.SlowQueryMillis))
		}
	}

	if c.OpTimeoutSeconds <= 0 || c.OpTimeoutSeconds > 60 {
		errs = append(errs, fmt.Errorf("invalid OP_TIMEOUT_SECONDS %d (must be 1..60)", c.OpTimeoutSeconds))
	}

	if c.FallCooldownSeconds <= 0 || c.FaceCooldownSeconds <= 0 || c.ObjectCooldownSeconds <= 0 {
		errs = append(errs, errors.New("FALL_COOLDOWN_SECONDS, FACE_COOLDOWN_SECONDS and OBJECT_COOLDOWN_SECONDS must be positive"))
	}

	if _, ok := monitor.ParseSeverity(normSeverity(c.FaceAlertSeverity)); !ok {
		errs = append(errs, fmt.Errorf("invalid FACE_ALERT_SEVERITY %q (must be LOW, MEDIUM, HIGH or CRITICAL)", c.FaceAlertSeverity))
	}

	if _, err := parseObjects(c.DangerousObjects); err != nil {
		errs = append(errs, fmt.Errorf("invalid DANGEROUS_OBJECTS: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Tokens returns the configured bearer tokens with blanks removed.
func (c *Config) Tokens() []string {
	var out []string
	for _, t := range strings.Split(c.APITokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// OpTimeout returns the per-call timeout.
func (c *Config) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutSeconds) * time.Second
}

// PolicyConfig builds the monitor policy settings. Call Validate first.
func (c *Config) PolicyConfig() (monitor.PolicyConfig, error) {
	sev, ok := monitor.ParseSeverity(normSeverity(c.FaceAlertSeverity))
	if !ok {
		return monitor.PolicyConfig{}, fmt.Errorf("invalid face alert severity %q", c.FaceAlertSeverity)
	}
	objects, err := parseObjects(c.DangerousObjects)
	if err != nil {
		return monitor.PolicyConfig{}, err
	}
	pc := monitor.PolicyConfig{
		FallCooldown:     time.Duration(c.FallCooldownSeconds) * time.Second,
		FaceCooldown:     time.Duration(c.FaceCooldownSeconds) * time.Second,
		ObjectCooldown:   time.Duration(c.ObjectCooldownSeconds) * time.Second,
		FaceSeverity:     sev,
		DangerousObjects: objects,
	}
	return pc, pc.Validate()
}

// parseObjects reads "knife=CRITICAL,gun" into a severity map. A bare name
// gets an empty severity, which the policy treats as HIGH.
func parseObjects(s string) (map[string]monitor.Severity, error) {
	out := make(map[string]monitor.Severity)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, sev, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("entry %q has no object name", part)
		}
		sev = normSeverity(sev)
		if sev != "" {
			if _, ok := monitor.ParseSeverity(sev); !ok {
				return nil, fmt.Errorf("object %q has unknown severity %q", name, sev)
			}
		}
		out[name] = monitor.Severity(sev)
	}
	return out, nil
}

func normSeverity(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
