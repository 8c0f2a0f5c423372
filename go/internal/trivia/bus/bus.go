package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned when publishing on or subscribing to a closed bus
var ErrClosed = errors.New("bus closed")

// Handler receives events for a topic. Handlers must not block for long;
// LocalBus calls them on the publisher's goroutine.
type Handler func(ctx context.Context, ev Event)

// Bus is a fire-and-forget publish/subscribe channel. Delivery is best
// effort and unacknowledged; callers compensate with repetition.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(topic Topic, h Handler) (unsubscribe func(), err error)
	Close() error
}

// LocalBus delivers events synchronously to listeners registered in the same process
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[Topic]map[int]Handler
	nextID   int
	closed   bool
}

// NewLocalBus creates an in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[Topic]map[int]Handler)}
}

func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	hs := make([]Handler, 0, len(b.handlers[ev.Topic()]))
	for _, h := range b.handlers[ev.Topic()] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.deliver(ctx, h, ev)
	}
	return nil
}

// deliver isolates the publisher from a panicking listener
func (b *LocalBus) deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", string(ev.Topic())).Msg("bus handler panicked")
		}
	}()
	h(ctx, ev)
}

func (b *LocalBus) Subscribe(topic Topic, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	id := b.nextID
	b.nextID++
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	b.handlers[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[topic], id)
			b.mu.Unlock()
		})
	}, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[Topic]map[int]Handler)
	return nil
}
