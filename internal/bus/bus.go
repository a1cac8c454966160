// Package bus fans lifecycle events out to WebSocket subscribers. Events
// are serialized once per publish and delivered as raw JSON frames.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	gateway "github.com/eugener/radagast/internal"
)

// subscriberBuffer bounds the per-subscriber frame queue. A subscriber that
// falls this far behind is disconnected rather than allowed to stall
// publishers.
const subscriberBuffer = 256

// Subscriber is one attached event consumer.
type Subscriber struct {
	ch chan []byte

	mu       sync.RWMutex
	channels map[string]bool // nil means all channels
}

// Frames returns the serialized event stream. The channel is closed when
// the subscriber is dropped or the bus shuts down.
func (s *Subscriber) Frames() <-chan []byte { return s.ch }

// SetChannels replaces the subscription filter. An empty list subscribes
// to everything.
func (s *Subscriber) SetChannels(channels []string) {
	var set map[string]bool
	if len(channels) > 0 {
		set = make(map[string]bool, len(channels))
		for _, c := range channels {
			set[c] = true
		}
	}
	s.mu.Lock()
	s.channels = set
	s.mu.Unlock()
}

func (s *Subscriber) wants(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels == nil || s.channels[channel]
}

// Bus is the in-process event broadcaster. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe attaches a consumer filtered to the given channels (empty list
// means all). The caller must Unsubscribe when done.
func (b *Bus) Subscribe(channels []string) *Subscriber {
	s := &Subscriber{ch: make(chan []byte, subscriberBuffer)}
	s.SetChannels(channels)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe detaches the consumer and closes its frame channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Publish serializes the event once and hands it to every subscriber whose
// filter matches. Subscribers with full buffers are dropped.
func (b *Bus) Publish(ev gateway.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		slog.LogAttrs(context.Background(), slog.LevelError, "event marshal failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	channel := ev.Type.Channel()

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if !s.wants(channel) {
			continue
		}
		select {
		case s.ch <- frame:
		default:
			delete(b.subs, s)
			close(s.ch)
			slog.LogAttrs(context.Background(), slog.LevelWarn, "dropping slow event subscriber",
				slog.Int("buffered", len(s.ch)),
			)
		}
	}
}

// Count returns the number of attached subscribers.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscriber. Further Subscribe calls return a
// subscriber with an already-closed frame channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
