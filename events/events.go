// Package events publishes the relayer activity (new deposits, root updates
// and withdrawals) to an external bus so other services can follow it
// without polling the HTTP API.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/metrics"
)

// Supported drivers.
const (
	DriverKafka = "kafka"
	DriverNATS  = "nats"
	DriverStdio = "stdio"
	DriverNone  = "none"
)

// Topics.
const (
	TopicDeposits    = "deposits"
	TopicRoots       = "roots"
	TopicWithdrawals = "withdrawals"
)

// Producer writes raw payloads to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Config selects and configures the producer.
type Config struct {
	Driver string
	// TopicPrefix is prepended to every topic, e.g. "relayer." gives
	// "relayer.deposits".
	TopicPrefix string

	// Kafka
	Brokers      []string
	BatchTimeout time.Duration

	// NATS
	NATSURL string
}

// NewProducer returns the producer of the configured driver. An empty driver
// means none.
func NewProducer(cfg Config) (Producer, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverNATS:
		return newNATSProducer(cfg)
	case DriverStdio:
		return newStdioProducer(nil), nil
	case DriverNone, "":
		return nopProducer{}, nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}

// Envelope wraps every published payload.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Deposit is published for every leaf appended to the tree.
type Deposit struct {
	Commitment string `json:"commitment"`
	LeafIndex  uint64 `json:"leafIndex"`
	Amount     uint64 `json:"amount,omitempty"`
	TxID       string `json:"txid,omitempty"`
	Source     string `json:"source"`
}

// RootUpdate is published when a root update is broadcast.
type RootUpdate struct {
	Root      string `json:"root"`
	LeafCount uint64 `json:"leafCount"`
	TxID      string `json:"txid"`
}

// Withdrawal is published for every processed withdrawal request.
type Withdrawal struct {
	NullifierHash string `json:"nullifierHash"`
	Recipient     string `json:"recipient"`
	Amount        uint64 `json:"amount"`
	Root          string `json:"root"`
	Result        string `json:"result"`
	TxID          string `json:"txid,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Publisher encodes events into envelopes and hands them to a Producer.
// A nil *Publisher is valid and drops every event.
type Publisher struct {
	producer Producer
	prefix   string
	timeout  time.Duration
}

// NewPublisher returns a publisher over p.
func NewPublisher(p Producer, topicPrefix string) *Publisher {
	if p == nil {
		p = nopProducer{}
	}
	return &Publisher{producer: p, prefix: topicPrefix, timeout: 5 * time.Second}
}

// Publish sends data on topic. Errors are logged and counted, and also
// returned for callers that care.
func (p *Publisher) Publish(ctx context.Context, topic string, data any) error {
	if p == nil {
		return nil
	}
	if _, ok := p.producer.(nopProducer); ok {
		return nil
	}
	payload, err := p.encode(topic, data)
	if err != nil {
		metrics.PublishedEvents.WithLabelValues(topic, metrics.ResultError).Inc()
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.producer.Publish(ctx, p.prefix+topic, payload); err != nil {
		metrics.PublishedEvents.WithLabelValues(topic, metrics.ResultError).Inc()
		log.Warnw("could not publish event", "topic", topic, "error", err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	metrics.PublishedEvents.WithLabelValues(topic, metrics.ResultOK).Inc()
	return nil
}

func (p *Publisher) encode(topic string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", topic, err)
	}
	return json.Marshal(&Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	})
}

// Close closes the underlying producer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.producer.Close()
}

type nopProducer struct{}

func (nopProducer) Publish(context.Context, string, []byte) error { return nil }
func (nopProducer) Close() error                                  { return nil }
