package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	SubjectHeartbeat = "cluster.heartbeat"
)

func locateSubject(nodeID string) string {
	return fmt.Sprintf("cluster.node.%s.locate", nodeID)
}

func deliverSubject(nodeID string) string {
	return fmt.Sprintf("cluster.node.%s.deliver", nodeID)
}

func callSubject(nodeID string) string {
	return fmt.Sprintf("cluster.node.%s.call", nodeID)
}

// ErrNoResponders is returned by Request when nobody serves the subject.
var ErrNoResponders = errors.New("no responders")

// Transport is the inter-node channel: fire-and-forget broadcasts plus
// request/reply addressed to a single node.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, fn func(data []byte)) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Reply(subject string, fn func(data []byte) []byte) (Subscription, error)
	Close() error
}

type Subscription interface {
	Unsubscribe() error
}

// NATSTransport carries cluster traffic over core NATS subjects.
type NATSTransport struct {
	nc *nats.Conn
}

func NewNATSTransport(url, name string) (*NATSTransport, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSTransport{nc: nc}, nil
}

func (t *NATSTransport) Publish(subject string, data []byte) error {
	return t.nc.Publish(subject, data)
}

func (t *NATSTransport) Subscribe(subject string, fn func(data []byte)) (Subscription, error) {
	return t.nc.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Data)
	})
}

func (t *NATSTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := t.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, ErrNoResponders
		}
		return nil, err
	}
	return msg.Data, nil
}

func (t *NATSTransport) Reply(subject string, fn func(data []byte) []byte) (Subscription, error) {
	return t.nc.Subscribe(subject, func(msg *nats.Msg) {
		if err := msg.Respond(fn(msg.Data)); err != nil {
			log.Debug().Err(err).Str("subject", subject).Msg("failed to respond")
		}
	})
}

func (t *NATSTransport) Close() error {
	return t.nc.Drain()
}
