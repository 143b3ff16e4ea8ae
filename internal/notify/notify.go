// Package notify publishes LeadsChanged events after a sync run commits.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/model"
)

// Publisher delivers LeadsChanged events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, ev model.LeadsChanged) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, model.LeadsChanged) error { return nil }

// Bus fans events out to in-process subscribers. Slow subscribers drop events
// rather than block the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan model.LeadsChanged
	nextID int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan model.LeadsChanged)}
}

// Subscribe registers a buffered subscriber. The returned cancel func closes
// the channel and must be called once the subscriber is done.
func (b *Bus) Subscribe(buffer int) (<-chan model.LeadsChanged, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.LeadsChanged, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(_ context.Context, ev model.LeadsChanged) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			zap.L().Warn("notify: subscriber full, dropping event",
				zap.Int("subscriber", id),
				zap.String("tenant_id", ev.TenantID),
			)
		}
	}
	return nil
}

// Multi publishes to every wrapped publisher and returns the first error.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev model.LeadsChanged) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
