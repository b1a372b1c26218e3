// Package broker implements the built-in subscription source: a NATS-backed
// publish/subscribe feed wired to one subscribe/unsubscribe method pair.
// Each subscribe call opens its own NATS subscription scoped to the topic
// it asked for, torn down when the caller unsubscribes or the connection
// dies.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/jsonrpc2/internal/monitoring"
	"github.com/adred-codev/jsonrpc2/internal/rpc"
	"github.com/adred-codev/jsonrpc2/internal/rpc/subscription"
)

// Config connects a Broker to a NATS deployment and names the subject
// namespace it publishes notifications under.
type Config struct {
	URLs          []string
	SubjectPrefix string // e.g. "events"; a subscribe call for topic "x" gets subject "events.x"
	Logger        zerolog.Logger
}

// Event is the envelope published on a topic's subject and forwarded
// verbatim as a subscription notification's payload.
type Event struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Broker owns the NATS connection every live subscription forwards
// through. One Broker is shared by every connection's subscribe calls for
// this method pair.
type Broker struct {
	conn   *nats.Conn
	cfg    Config
	logger zerolog.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Connect dials the NATS deployment. The client library's own reconnect
// loop is used rather than a hand-rolled one.
func Connect(cfg Config) (*Broker, error) {
	if len(cfg.URLs) == 0 {
		cfg.URLs = []string{nats.DefaultURL}
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "events"
	}
	logger := cfg.Logger

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("broker: disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("broker: reconnected to NATS")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Warn().Msg("broker: NATS connection closed")
		}),
	}

	conn, err := nats.Connect(joinURLs(cfg.URLs), append(opts, nats.Name("jsonrpc2"))...)
	if err != nil {
		return nil, fmt.Errorf("broker: connect to NATS: %w", err)
	}

	return &Broker{conn: conn, cfg: cfg, logger: logger}, nil
}

func joinURLs(urls []string) string {
	out := urls[0]
	for _, u := range urls[1:] {
		out += "," + u
	}
	return out
}

// Close closes the NATS connection without draining it first.
func (b *Broker) Close() {
	b.conn.Close()
}

// Metrics returns the running delivered/dropped notification counts.
func (b *Broker) Metrics() (delivered, dropped uint64) {
	return b.delivered.Load(), b.dropped.Load()
}

// subscribeParams is the subscribe call's own params: which topic to
// forward events from.
type subscribeParams struct {
	Topic string `json:"topic"`
}

// Subscribe is the registry.SubscriptionHandlerFunc for this broker: it
// accepts the subscription, opens a NATS subscription scoped to the
// requested topic, and forwards every message received on it until the
// subscription's unsubscribe-detector fires.
func (b *Broker) Subscribe(ctx context.Context, params rpc.Params, pending *subscription.Pending, state *subscription.ConnectionState) error {
	var p subscribeParams
	if err := params.Bind(&p); err != nil || p.Topic == "" {
		_, rerr := pending.Reject(ctx, rpc.NewError(rpc.ErrCodeInvalidParams, "Invalid params: topic is required", nil))
		return rerr
	}

	sink, _, err := pending.Accept(ctx)
	if err != nil {
		return err
	}
	monitoring.SubscriptionsActive.Inc()

	subject := b.cfg.SubjectPrefix + "." + p.Topic
	natsSub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.logger.Warn().Err(err).Str("subject", subject).Msg("broker: unparseable event, dropping")
			return
		}
		if err := sink.TrySend(evt); err != nil {
			b.dropped.Add(1)
			monitoring.NotificationsDropped.WithLabelValues("subscription_full").Inc()
			return
		}
		b.delivered.Add(1)
	})
	if err != nil {
		sink.CloseWithError(rpc.NewError(rpc.ErrCodeInternalError, "failed to subscribe to topic", nil))
		monitoring.SubscriptionsActive.Dec()
		return fmt.Errorf("broker: subscribe to %q: %w", subject, err)
	}

	go func() {
		<-sink.Closed()
		natsSub.Unsubscribe()
		monitoring.SubscriptionsActive.Dec()
	}()

	return nil
}
