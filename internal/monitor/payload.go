package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is the type-specific part of an event. The concrete type always
// matches the event type: *FallPayload for FALL, *FacePayload for FACE,
// *ObjectPayload for OBJECT and RawPayload for anything else.
type Payload interface {
	eventType() EventType
}

// FrameMeta describes the camera frame an event was derived from. It is
// attached by the camera ingestion path and passed through to alerts as is.
type FrameMeta struct {
	Mime string `json:"mime"`
	Size int64  `json:"size"`
	Name string `json:"name"`
}

// FallPayload accompanies FALL events.
type FallPayload struct {
	Source    string     `json:"source"`
	BBox      []float64  `json:"bbox,omitempty"`
	FrameMeta *FrameMeta `json:"frameMeta,omitempty"`
}

// FacePayload accompanies FACE events.
type FacePayload struct {
	Recognized bool       `json:"recognized"`
	FaceID     string     `json:"faceId,omitempty"`
	Name       string     `json:"name,omitempty"`
	FrameMeta  *FrameMeta `json:"frameMeta,omitempty"`
}

// ObjectPayload accompanies OBJECT events.
type ObjectPayload struct {
	Object    string     `json:"object"`
	BBox      []float64  `json:"bbox,omitempty"`
	FrameMeta *FrameMeta `json:"frameMeta,omitempty"`
}

// RawPayload keeps the payload of an event type without a policy. It must be
// a JSON object.
type RawPayload json.RawMessage

func (*FallPayload) eventType() EventType   { return EventFall }
func (*FacePayload) eventType() EventType   { return EventFace }
func (*ObjectPayload) eventType() EventType { return EventObject }
func (RawPayload) eventType() EventType     { return "" }

// MarshalJSON emits the raw object unchanged.
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// Fall sources accepted in FallPayload.Source.
const (
	SourceCamera        = "camera"
	SourceAccelerometer = "accelerometer"
)

// DecodePayload parses raw into the payload variant for t and validates it.
// An empty or null raw yields a nil Payload.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("payload must be a JSON object")
	}

	switch t {
	case EventFall:
		var p FallPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("fall payload: %w", err)
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("fall payload: %w", err)
		}
		return &p, nil

	case EventFace:
		// recognized must be present, a missing flag is not the same as false
		var wire struct {
			Recognized *bool      `json:"recognized"`
			FaceID     string     `json:"faceId"`
			Name       string     `json:"name"`
			FrameMeta  *FrameMeta `json:"frameMeta"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("face payload: %w", err)
		}
		if wire.Recognized == nil {
			return nil, fmt.Errorf("face payload: recognized is required")
		}
		p := FacePayload{
			Recognized: *wire.Recognized,
			FaceID:     wire.FaceID,
			Name:       wire.Name,
			FrameMeta:  wire.FrameMeta,
		}
		if err := validateFrameMeta(p.FrameMeta); err != nil {
			return nil, fmt.Errorf("face payload: %w", err)
		}
		return &p, nil

	case EventObject:
		var p ObjectPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("object payload: %w", err)
		}
		if err := validateBBox(p.BBox); err != nil {
			return nil, fmt.Errorf("object payload: %w", err)
		}
		if err := validateFrameMeta(p.FrameMeta); err != nil {
			return nil, fmt.Errorf("object payload: %w", err)
		}
		return &p, nil

	default:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return RawPayload(cp), nil
	}
}

func (p *FallPayload) validate() error {
	switch p.Source {
	case SourceCamera, SourceAccelerometer:
	case "":
		return fmt.Errorf("source is required")
	default:
		return fmt.Errorf("unknown source %q", p.Source)
	}
	if err := validateBBox(p.BBox); err != nil {
		return err
	}
	return validateFrameMeta(p.FrameMeta)
}

func validateBBox(b []float64) error {
	if b != nil && len(b) != 4 {
		return fmt.Errorf("bbox must have 4 coordinates, got %d", len(b))
	}
	return nil
}

func validateFrameMeta(m *FrameMeta) error {
	if m != nil && m.Size < 0 {
		return fmt.Errorf("frameMeta.size must not be negative")
	}
	return nil
}

// EncodePayload encodes p for storage or for an alert. A nil payload encodes
// to nil.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
