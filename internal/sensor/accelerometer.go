// Package sensor turns raw wearable samples into monitor events.
package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carewatch/internal/monitor"
)

const (
	// FallMagnitude is the acceleration magnitude (m/s²) above which a
	// sample counts as a fall.
	FallMagnitude = 25.0

	// fullConfidenceMagnitude maps to confidence 1.
	fullConfidenceMagnitude = 50.0
)

// Sample is one accelerometer reading.
type Sample struct {
	PatientID string  `json:"patientId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
}

// Magnitude returns the Euclidean norm of the reading.
func (s Sample) Magnitude() float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// Validate checks the patient id and that all axes are finite.
func (s Sample) Validate() error {
	if strings.TrimSpace(s.PatientID) == "" {
		return &monitor.ValidationError{Field: "patientId", Reason: "is required"}
	}
	for _, v := range [...]float64{s.X, s.Y, s.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &monitor.ValidationError{Field: "x/y/z", Reason: "must be finite numbers"}
		}
	}
	return nil
}

// Classify reports whether s is a fall and, if so, the FALL event to submit.
func Classify(s Sample) (monitor.EventInput, bool) {
	mag := s.Magnitude()
	if mag <= FallMagnitude {
		return monitor.EventInput{}, false
	}
	conf := math.Min(mag/fullConfidenceMagnitude, 1)
	payload, _ := json.Marshal(monitor.FallPayload{Source: monitor.SourceAccelerometer})
	return monitor.EventInput{
		PatientID:  strings.TrimSpace(s.PatientID),
		Type:       monitor.EventFall,
		Confidence: &conf,
		Payload:    payload,
	}, true
}

// EventHandler is the part of the monitor router the ingester needs.
type EventHandler interface {
	HandleEvent(ctx context.Context, in monitor.EventInput) (*monitor.HandleResult, error)
}

// Result is what an ingested sample produced.
type Result struct {
	Received        bool           `json:"received"`
	FallDetected    bool           `json:"fallDetected"`
	Magnitude       float64        `json:"magnitude"`
	Event           *monitor.Event `json:"event,omitempty"`
	AlertsTriggered int            `json:"alertsTriggered"`
}

// Ingester classifies samples and forwards falls to the router.
type Ingester struct {
	handler EventHandler
	logger  log.Logger
}

// NewIngester creates an Ingester.
func NewIngester(h EventHandler, logger log.Logger) *Ingester {
	if logger == nil {
		logger = log.Nop()
	}
	return &Ingester{handler: h, logger: logger}
}

// Ingest validates s and submits a FALL event when the magnitude crosses
// FallMagnitude.
func (i *Ingester) Ingest(ctx context.Context, s Sample) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	res := &Result{Received: true, Magnitude: s.Magnitude()}

	in, fall := Classify(s)
	if !fall {
		return res, nil
	}
	res.FallDetected = true

	hr, err := i.handler.HandleEvent(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("submit fall event: %w", err)
	}
	res.Event = hr.Event
	res.AlertsTriggered = hr.AlertsTriggered

	i.logger.Info(ctx, "accelerometer fall detected",
		"patient_id", in.PatientID,
		"magnitude", res.Magnitude,
		"alerts_triggered", hr.AlertsTriggered,
	)
	return res, nil
}
