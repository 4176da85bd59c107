// Package events publishes conversation events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/lexiqai/voice-pipeline/internal/observability"
)

// Event types, also sent as the eventType header
const (
	TypeTranscript = "transcript"
	TypeExchange   = "exchange"
)

// TranscriptEvent is published for every accepted final transcript
type TranscriptEvent struct {
	SessionID  string    `json:"session_id"`
	AgentID    string    `json:"agent_id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// ExchangeEvent is published for every answered exchange, in the order
// the exchanges were emitted
type ExchangeEvent struct {
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	Sequence     uint64    `json:"sequence"`
	Transcript   string    `json:"transcript"`
	Response     string    `json:"response"`
	Speculative  bool      `json:"speculative"`
	CompletionMs int64     `json:"completion_ms"`
	SynthesisMs  int64     `json:"synthesis_ms"`
	TurnaroundMs int64     `json:"turnaround_ms"`
	EmittedAt    time.Time `json:"emitted_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes transcript and exchange events to separate topics.
type Publisher struct {
	writerTranscript messageWriter
	writerExchange   messageWriter
	topicTranscript  string
	topicExchange    string
	enabled          bool
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers         []string
	TopicTranscript string
	TopicExchange   string
	Enabled         bool
}

// New creates a Kafka publisher. Without brokers or when disabled it
// only logs events.
func New(cfg *Config) *Publisher {
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			topicTranscript: cfg.TopicTranscript,
			topicExchange:   cfg.TopicExchange,
		}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // keyed by session id, keeps a session on one partition
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("topicExchange", cfg.TopicExchange).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerTranscript: newWriter(cfg.TopicTranscript),
		writerExchange:   newWriter(cfg.TopicExchange),
		topicTranscript:  cfg.TopicTranscript,
		topicExchange:    cfg.TopicExchange,
		enabled:          true,
	}
}

// Enabled reports whether events reach Kafka
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// PublishTranscript publishes an accepted final transcript
func (p *Publisher) PublishTranscript(ctx context.Context, ev TranscriptEvent) error {
	return p.publish(ctx, p.writerTranscript, p.topicTranscript, TypeTranscript, ev.SessionID, ev)
}

// PublishExchange publishes an answered exchange
func (p *Publisher) PublishExchange(ctx context.Context, ev ExchangeEvent) error {
	return p.publish(ctx, p.writerExchange, p.topicExchange, TypeExchange, ev.SessionID, ev)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		observability.RecordEventPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "source", Value: []byte("voice-pipeline")},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		observability.RecordEventPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	observability.RecordEventPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerTranscript != nil {
		if e := p.writerTranscript.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing transcript writer")
			err = e
		}
	}
	if p.writerExchange != nil {
		if e := p.writerExchange.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing exchange writer")
			err = e
		}
	}
	return err
}
