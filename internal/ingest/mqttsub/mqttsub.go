// Package mqttsub feeds events and accelerometer samples published on an MQTT
// broker into the monitor router.
package mqttsub

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/carewatch/internal/monitor"
	"github.com/linnemanlabs/carewatch/internal/postgres"
	"github.com/linnemanlabs/carewatch/internal/sensor"
)

const (
	topicEvents        = "events"
	topicAccelerometer = "accelerometer"

	connectTimeout = 10 * time.Second
	quiesce        = 250 * time.Millisecond
)

// Config holds broker settings. An empty Broker disables the subscriber.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	QoS         int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Broker, "mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty = disabled)")
	fs.StringVar(&c.ClientID, "mqtt-client-id", "carewatch", "MQTT client id")
	fs.StringVar(&c.TopicPrefix, "mqtt-topic-prefix", "carewatch", "prefix for the events and accelerometer topics")
	fs.StringVar(&c.Username, "mqtt-username", "", "MQTT username")
	fs.StringVar(&c.Password, "mqtt-password", "", "MQTT password")
	fs.IntVar(&c.QoS, "mqtt-qos", 1, "MQTT subscription QoS (0..2)")
}

// Validate checks the broker settings when the subscriber is enabled.
func (c *Config) Validate() error {
	if c.Broker == "" {
		return nil
	}
	var errs []error
	if strings.TrimSpace(c.ClientID) == "" {
		errs = append(errs, errors.New("MQTT_CLIENT_ID is required when MQTT_BROKER is set"))
	}
	if strings.Trim(c.TopicPrefix, "/ ") == "" {
		errs = append(errs, errors.New("MQTT_TOPIC_PREFIX is required when MQTT_BROKER is set"))
	}
	if c.QoS < 0 || c.QoS > 2 {
		errs = append(errs, fmt.Errorf("invalid MQTT_QOS %d (must be 0..2)", c.QoS))
	}
	return errors.Join(errs...)
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool { return c.Broker != "" }

// EventHandler is the part of the monitor router the subscriber needs.
type EventHandler interface {
	HandleEvent(ctx context.Context, in monitor.EventInput) (*monitor.HandleResult, error)
}

// SampleIngester turns accelerometer samples into events.
type SampleIngester interface {
	Ingest(ctx context.Context, s sensor.Sample) (*sensor.Result, error)
}

// Subscriber owns one broker connection.
type Subscriber struct {
	cfg     Config
	events  EventHandler
	samples SampleIngester
	logger  log.Logger
	client  mqtt.Client
	base    context.Context
}

// New creates a Subscriber. Call Start to connect.
func New(cfg Config, events EventHandler, samples SampleIngester, logger log.Logger) *Subscriber {
	if events == nil || samples == nil {
		panic(xerrors.New("mqttsub: event handler and sample ingester are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	cfg.TopicPrefix = strings.Trim(cfg.TopicPrefix, "/ ")
	return &Subscriber{
		cfg:     cfg,
		events:  events,
		samples: samples,
		logger:  logger,
		base:    context.Background(),
	}
}

// Topics returns the topics the subscriber listens on.
func (s *Subscriber) Topics() []string {
	return []string{
		s.cfg.TopicPrefix + "/" + topicEvents,
		s.cfg.TopicPrefix + "/" + topicAccelerometer,
	}
}

// Start connects to the broker and subscribes. Messages are handled until
// Stop is called; ctx only carries logging and tracing values.
func (s *Subscriber) Start(ctx context.Context) error {
	s.base = context.WithoutCancel(ctx)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn(s.base, "mqtt connection lost", "err", err)
	})
	// resubscribe after every reconnect since the session is clean
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := s.subscribe(c); err != nil {
			s.logger.Error(s.base, err, "mqtt subscribe failed")
		}
	})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt: connect to %s timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", s.cfg.Broker, err)
	}
	s.logger.Info(ctx, "mqtt subscriber connected", "broker", s.cfg.Broker, "topics", strings.Join(s.Topics(), ","))
	return nil
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	filters := make(map[string]byte, 2)
	for _, t := range s.Topics() {
		filters[t] = byte(s.cfg.QoS)
	}
	token := c.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		_ = s.handleMessage(s.base, msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("mqtt: subscribe timed out")
	}
	return token.Error()
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(uint(quiesce / time.Millisecond))
	}
}

// handleMessage routes one message by topic suffix. Malformed messages are
// logged and dropped; the returned error is only informative.
func (s *Subscriber) handleMessage(ctx context.Context, topic string, payload []byte) error {
	ctx = postgres.WithOrigin(ctx, "mqtt")
	L := s.logger.With("topic", topic)

	var err error
	switch strings.TrimPrefix(topic, s.cfg.TopicPrefix+"/") {
	case topicEvents:
		err = s.handleEvent(ctx, payload, L)
	case topicAccelerometer:
		err = s.handleSample(ctx, payload, L)
	default:
		err = fmt.Errorf("unexpected topic %q", topic)
		L.Warn(ctx, "mqtt message on unexpected topic dropped")
	}
	return err
}

func (s *Subscriber) handleEvent(ctx context.Context, payload []byte, L log.Logger) error {
	var in monitor.EventInput
	if err := json.Unmarshal(payload, &in); err != nil {
		L.Warn(ctx, "mqtt event is not valid JSON, dropped", "err", err)
		return fmt.Errorf("%w: %v", monitor.ErrInvalidEvent, err)
	}
	res, err := s.events.HandleEvent(ctx, in)
	if err != nil {
		s.logFailure(ctx, err, "mqtt event rejected", L)
		return err
	}
	L.Info(ctx, "mqtt event handled", "event_id", res.Event.ID, "alerts_triggered", res.AlertsTriggered)
	return nil
}

func (s *Subscriber) handleSample(ctx context.Context, payload []byte, L log.Logger) error {
	var sample sensor.Sample
	if err := json.Unmarshal(payload, &sample); err != nil {
		L.Warn(ctx, "mqtt sample is not valid JSON, dropped", "err", err)
		return fmt.Errorf("%w: %v", monitor.ErrInvalidEvent, err)
	}
	if _, err := s.samples.Ingest(ctx, sample); err != nil {
		s.logFailure(ctx, err, "mqtt sample rejected", L)
		return err
	}
	return nil
}

func (s *Subscriber) logFailure(ctx context.Context, err error, msg string, L log.Logger) {
	if errors.Is(err, monitor.ErrInvalidEvent) {
		L.Warn(ctx, msg, "err", err)
		return
	}
	L.Error(ctx, err, msg)
}
