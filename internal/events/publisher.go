package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"FutureCash/internal/observability"
)

const streamName = "FUTURE_CASH_EVENTS"

// StreamPublisher delivers protocol events to NATS JetStream. Publish is
// non-blocking: events are queued on a buffered channel and written by the
// Run loop, and a full queue drops the event rather than stalling the
// execution path. Consumers needing a complete history read the journal.
type StreamPublisher struct {
	js      jetstream.JetStream
	queue   chan Event
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewStreamPublisher(js jetstream.JetStream, buffer int, metrics *observability.Metrics, log zerolog.Logger) *StreamPublisher {
	return &StreamPublisher{
		js:      js,
		queue:   make(chan Event, buffer),
		metrics: metrics,
		log:     log,
	}
}

// Publish queues an event for delivery.
func (p *StreamPublisher) Publish(evt Event) {
	select {
	case p.queue <- evt:
	default:
		p.metrics.PublishDrops.Inc()
		p.log.Warn().Str("subject", evt.Subject()).Msg("event queue full, dropping")
	}
}

// Run drains the queue until ctx is cancelled.
func (p *StreamPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.queue:
			if err := p.publish(ctx, evt); err != nil {
				// Non-fatal: the journal remains the source of truth.
				p.log.Warn().Err(err).Str("subject", evt.Subject()).Msg("publish failed")
			}
		}
	}
}

func (p *StreamPublisher) publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, evt.Subject(), data)
	return err
}

// EnsureStream creates the protocol event stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"fc.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
