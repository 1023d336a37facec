package events

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vocdoni/stx-mixer-relayer/log"
)

type natsProducer struct {
	conn *nats.Conn
}

func newNATSProducer(cfg Config) (Producer, error) {
	if cfg.NATSURL == "" {
		return nil, errors.New("nats producer requires an url")
	}
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("stx-mixer-relayer"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warnw("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &natsProducer{conn: conn}, nil
}

func (p *natsProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if err := p.conn.Publish(topic, payload); err != nil {
		return err
	}
	// wait for the server to acknowledge the buffered message
	return p.conn.FlushWithContext(ctx)
}

func (p *natsProducer) Close() error {
	return p.conn.Drain()
}
