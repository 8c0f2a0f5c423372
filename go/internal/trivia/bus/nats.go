package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSBus publishes events on core NATS subjects "<prefix>.<game>.<topic>".
// Core NATS is at-most-once, which matches the delivery model the protocol
// already compensates for.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	gameID string
	clock  clockwork.Clock

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

// NewNATSBus creates a bus for one game on an existing connection
func NewNATSBus(nc *nats.Conn, prefix, gameID string, clock clockwork.Clock) *NATSBus {
	return &NATSBus{
		nc:     nc,
		prefix: prefix,
		gameID: gameID,
		clock:  clock,
		subs:   make(map[*nats.Subscription]struct{}),
	}
}

// Subject returns the subject events of a topic are published on
func (b *NATSBus) Subject(topic Topic) string {
	return fmt.Sprintf("%s.%s.%s", b.prefix, b.gameID, topic)
}

func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := EncodeEnvelope(b.gameID, ev, b.clock.Now())
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.Subject(ev.Topic()), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Topic(), err)
	}
	return nil
}

func (b *NATSBus) Subscribe(topic Topic, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subject := b.Subject(topic)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event envelope")
			return
		}
		if env.GameID != b.gameID {
			return
		}
		ev, err := ParseEventPayload(&env)
		if err != nil {
			log.Warn().
				Err(err).
				Str("event_id", env.ID).
				Str("event_type", string(env.Type)).
				Msg("dropping malformed event")
			return
		}
		h(context.Background(), ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.subs[sub] = struct{}{}

	log.Debug().Str("subject", subject).Msg("subscribed to bus topic")

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			if err := sub.Unsubscribe(); err != nil {
				log.Debug().Err(err).Str("subject", subject).Msg("unsubscribe")
			}
		})
	}, nil
}

// Close drops every subscription. The connection is owned by the caller.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("unsubscribe on close")
		}
	}
	b.subs = nil
	return nil
}
