package mqttsub

import (
	"context"
	"errors"
	"flag"
	"strings"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carewatch/internal/monitor"
	"github.com/linnemanlabs/carewatch/internal/sensor"
)

type fakeHandler struct {
	mu  sync.Mutex
	got []monitor.EventInput
	err error
}

func (f *fakeHandler) HandleEvent(_ context.Context, in monitor.EventInput) (*monitor.HandleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, in)
	if f.err != nil {
		return nil, f.err
	}
	return &monitor.HandleResult{Success: true, Event: &monitor.Event{ID: "e1", PatientID: in.PatientID, Type: in.Type}}, nil
}

func newTestSubscriber(h *fakeHandler) *Subscriber {
	return New(Config{TopicPrefix: "/ward-3/"}, h, sensor.NewIngester(h, nil), log.Nop())
}

func TestTopics_TrimsPrefix(t *testing.T) {
	t.Parallel()

	s := newTestSubscriber(&fakeHandler{})
	got := s.Topics()
	if len(got) != 2 || got[0] != "ward-3/events" || got[1] != "ward-3/accelerometer" {
		t.Errorf("Topics() = %v", got)
	}
}

func TestHandleMessage_Event(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{}
	s := newTestSubscriber(h)
	err := s.handleMessage(context.Background(), "ward-3/events", []byte(`{"patientId":"p1","type":"FALL","confidence":0.7}`))
	if err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(h.got) != 1 || h.got[0].PatientID != "p1" || h.got[0].Type != monitor.EventFall {
		t.Errorf("forwarded = %+v", h.got)
	}
	if c := h.got[0].Confidence; c == nil || *c != 0.7 {
		t.Errorf("confidence = %v", c)
	}
}

func TestHandleMessage_AccelerometerFall(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{}
	s := newTestSubscriber(h)

	// below threshold: nothing forwarded
	if err := s.handleMessage(context.Background(), "ward-3/accelerometer", []byte(`{"patientId":"p1","x":1,"y":2,"z":9.8}`)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(h.got) != 0 {
		t.Fatalf("forwarded %d events for a quiet sample", len(h.got))
	}

	if err := s.handleMessage(context.Background(), "ward-3/accelerometer", []byte(`{"patientId":"p1","x":30,"y":0,"z":0}`)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(h.got) != 1 || h.got[0].Type != monitor.EventFall {
		t.Errorf("forwarded = %+v, want one FALL", h.got)
	}
}

func TestHandleMessage_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		topic   string
		payload string
		invalid bool
	}{
		{"bad event json", "ward-3/events", `{not json`, true},
		{"bad sample json", "ward-3/accelerometer", `[]`, true},
		{"sample without patient", "ward-3/accelerometer", `{"x":40}`, true},
		{"unknown topic", "ward-3/heartbeat", `{}`, false},
		{"foreign prefix", "other/events", `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := &fakeHandler{}
			err := newTestSubscriber(h).handleMessage(context.Background(), tt.topic, []byte(tt.payload))
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, monitor.ErrInvalidEvent); got != tt.invalid {
				t.Errorf("errors.Is(ErrInvalidEvent) = %v, want %v (err %v)", got, tt.invalid, err)
			}
			if len(h.got) != 0 {
				t.Errorf("forwarded %d events", len(h.got))
			}
		})
	}
}

func TestHandleMessage_PropagatesRouterError(t *testing.T) {
	t.Parallel()

	boom := errors.New("store down")
	s := newTestSubscriber(&fakeHandler{err: boom})
	err := s.handleMessage(context.Background(), "ward-3/events", []byte(`{"patientId":"p1","type":"FALL"}`))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Enabled() {
		t.Error("subscriber enabled without a broker")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("disabled config invalid: %v", err)
	}

	c.Broker = "tcp://localhost:1883"
	if err := c.Validate(); err != nil {
		t.Errorf("default config with broker invalid: %v", err)
	}

	c.ClientID, c.TopicPrefix, c.QoS = " ", "/", 3
	err := c.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, sub := range []string{"MQTT_CLIENT_ID", "MQTT_TOPIC_PREFIX", "MQTT_QOS"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("error %q does not contain %q", err, sub)
		}
	}
}

func TestNew_PanicsWithoutHandlers(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("New without handlers did not panic")
		}
	}()
	New(Config{}, nil, nil, nil)
}
