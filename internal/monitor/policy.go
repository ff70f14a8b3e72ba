package monitor

import (
	"fmt"
	"strings"
	"time"
)

// Default cooldowns per alert key.
const (
	DefaultFallCooldown   = 30 * time.Second
	DefaultFaceCooldown   = 120 * time.Second
	DefaultObjectCooldown = 300 * time.Second
)

// Confidence thresholds used by the built-in policies.
const (
	fallCriticalAbove    = 0.85
	fallHighAbove        = 0.6
	unknownFaceMinimum   = 0.8
	dangerousObjectFloor = 0.8
)

// Decision is the output of a policy for one event.
type Decision struct {
	Alert    bool
	Severity Severity
	Type     string
	Cooldown time.Duration
	Message  string

	// Reason says why no alert is raised. Empty when Alert is true.
	Reason string
}

// Policy maps an event to an alert decision. Policies are pure: no I/O, no
// clock, no shared state.
type Policy func(ev *Event) Decision

// PolicyConfig parameterizes the built-in policies.
type PolicyConfig struct {
	FallCooldown   time.Duration
	FaceCooldown   time.Duration
	ObjectCooldown time.Duration

	// FaceSeverity is the severity of unknown_face alerts. The FACE policy does
	// not derive one from the event, so it must be set explicitly.
	FaceSeverity Severity

	// DangerousObjects maps lower-case object names to the severity they raise.
	// An empty severity falls back to HIGH.
	DangerousObjects map[string]Severity
}

// DefaultPolicyConfig returns the stock thresholds with faceSeverity for
// unknown faces.
func DefaultPolicyConfig(faceSeverity Severity) PolicyConfig {
	return PolicyConfig{
		FallCooldown:   DefaultFallCooldown,
		FaceCooldown:   DefaultFaceCooldown,
		ObjectCooldown: DefaultObjectCooldown,
		FaceSeverity:   faceSeverity,
		DangerousObjects: map[string]Severity{
			"knife":    SeverityCritical,
			"scissors": SeverityMedium,
		},
	}
}

// Validate checks that every policy parameter is usable.
func (c PolicyConfig) Validate() error {
	if c.FallCooldown <= 0 || c.FaceCooldown <= 0 || c.ObjectCooldown <= 0 {
		return fmt.Errorf("policy cooldowns must be positive")
	}
	if _, ok := ParseSeverity(string(c.FaceSeverity)); !ok {
		return fmt.Errorf("face severity %q is not one of LOW, MEDIUM, HIGH, CRITICAL", c.FaceSeverity)
	}
	for obj, sev := range c.DangerousObjects {
		if sev == "" {
			continue
		}
		if _, ok := ParseSeverity(string(sev)); !ok {
			return fmt.Errorf("dangerous object %q has unknown severity %q", obj, sev)
		}
	}
	return nil
}

// Policies holds exactly one policy per known event type.
type Policies map[EventType]Policy

// NewPolicies builds the FALL, FACE and OBJECT policies from c.
func NewPolicies(c PolicyConfig) (Policies, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	dangerous := make(map[string]Severity, len(c.DangerousObjects))
	for obj, sev := range c.DangerousObjects {
		if sev == "" {
			sev = SeverityHigh
		}
		dangerous[strings.ToLower(strings.TrimSpace(obj))] = sev
	}
	return Policies{
		EventFall:   FallPolicy(c.FallCooldown),
		EventFace:   FacePolicy(c.FaceSeverity, c.FaceCooldown),
		EventObject: ObjectPolicy(dangerous, c.ObjectCooldown),
	}, nil
}

// FallPolicy alerts on every fall. Severity follows confidence, an absent
// confidence counts as zero.
func FallPolicy(cooldown time.Duration) Policy {
	return func(ev *Event) Decision {
		c := confidenceOrZero(ev.Confidence)
		return Decision{
			Alert:    true,
			Severity: FallSeverity(c),
			Type:     AlertTypeFall,
			Cooldown: cooldown,
			Message:  "Fall detected.",
		}
	}
}

// FallSeverity maps a fall confidence to a severity.
func FallSeverity(c float64) Severity {
	switch {
	case c > fallCriticalAbove:
		return SeverityCritical
	case c > fallHighAbove:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// FacePolicy alerts when a face is positively not recognized with enough
// confidence.
func FacePolicy(severity Severity, cooldown time.Duration) Policy {
	return func(ev *Event) Decision {
		p, ok := ev.Payload.(*FacePayload)
		if !ok || p == nil {
			return Decision{Reason: "face payload missing"}
		}
		if p.Recognized {
			return Decision{Reason: "face recognized"}
		}
		if confidenceOrZero(ev.Confidence) < unknownFaceMinimum {
			return Decision{Reason: "below confidence threshold"}
		}
		return Decision{
			Alert:    true,
			Severity: severity,
			Type:     AlertTypeUnknownFace,
			Cooldown: cooldown,
			Message:  "Unknown person detected.",
		}
	}
}

// ObjectPolicy alerts when a dangerous object is seen with enough
// confidence.
func ObjectPolicy(dangerous map[string]Severity, cooldown time.Duration) Policy {
	return func(ev *Event) Decision {
		p, ok := ev.Payload.(*ObjectPayload)
		if !ok || p == nil || strings.TrimSpace(p.Object) == "" {
			return Decision{Reason: "object missing"}
		}
		if confidenceOrZero(ev.Confidence) < dangerousObjectFloor {
			return Decision{Reason: "below confidence threshold"}
		}
		obj := strings.ToLower(strings.TrimSpace(p.Object))
		sev, ok := dangerous[obj]
		if !ok {
			return Decision{Reason: "object not dangerous"}
		}
		return Decision{
			Alert:    true,
			Severity: sev,
			Type:     AlertTypeDangerousObject,
			Cooldown: cooldown,
			Message:  fmt.Sprintf("Dangerous object detected: %s.", obj),
		}
	}
}

func confidenceOrZero(c *float64) float64 {
	if c == nil {
		return 0
	}
	return *c
}
