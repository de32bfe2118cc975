// Package events publishes call lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/TheSigmaSociety/DisasterDesk/internal/logging"
	"github.com/TheSigmaSociety/DisasterDesk/internal/metrics"
	"github.com/TheSigmaSociety/DisasterDesk/internal/storage"
)

const (
	SchemaVersion = 1

	CallCreated = "call.created"
	CallUpdated = "call.updated"
)

// CallEvent is the message value; the key is the call id.
type CallEvent struct {
	SchemaVersion int          `json:"schemaVersion"`
	Type          string       `json:"type"`
	CallID        string       `json:"callId"`
	SessionID     string       `json:"sessionId,omitempty"`
	At            time.Time    `json:"at"`
	Call          storage.Call `json:"call"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer  messageWriter
	topic   string
	enabled bool
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

type Config struct {
	Brokers []string
	Topic   string
	Metrics *metrics.Metrics
}

// New returns a publisher. Without brokers it only logs events.
func New(cfg *Config) *Publisher {
	p := &Publisher{
		metrics: metrics.DefaultMetrics,
		log:     logging.WithComponent("events"),
		now:     time.Now,
	}
	if cfg == nil {
		p.log.Info().Msg("kafka disabled (nil config), using log-only mode")
		return p
	}
	if cfg.Metrics != nil {
		p.metrics = cfg.Metrics
	}
	p.topic = cfg.Topic

	if len(cfg.Brokers) == 0 {
		p.log.Info().Msg("kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.enabled = true

	p.log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("kafka publisher initialized")
	return p
}

func (p *Publisher) Enabled() bool {
	return p.enabled
}

// PublishCall emits eventType for call. Messages are keyed by call id so
// one call's events stay ordered within a partition.
func (p *Publisher) PublishCall(ctx context.Context, eventType, sessionID string, call storage.Call) error {
	event := CallEvent{
		SchemaVersion: SchemaVersion,
		Type:          eventType,
		CallID:        call.ID,
		SessionID:     sessionID,
		At:            p.now().UTC(),
		Call:          call,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.metrics.RecordPublish(eventType, err)
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	p.log.Debug().
		Str("topic", p.topic).
		Str("key", call.ID).
		Str("eventType", eventType).
		Msg("publishing event")

	if !p.enabled || p.writer == nil {
		p.metrics.RecordPublish(eventType, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(call.ID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "schemaVersion", Value: []byte(fmt.Sprint(SchemaVersion))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("topic", p.topic).Str("key", call.ID).Msg("failed to write to kafka")
		p.metrics.RecordPublish(eventType, err)
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	p.metrics.RecordPublish(eventType, nil)
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.log.Error().Err(err).Msg("error closing kafka writer")
		return err
	}
	return nil
}
