// Package events carries typed observability events from the core to subscribers.
// Publishing never blocks: a subscriber whose buffer is full misses the event and
// the drop is counted.
package events

import (
	"github.com/Borislavv/go-ash-tiers/model"
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	CacheHit          Type = "cache_hit"
	CacheMiss         Type = "cache_miss"
	CacheSet          Type = "cache_set"
	CacheRejected     Type = "cache_rejected"
	CacheEvicted      Type = "cache_evicted"
	CacheCleanup      Type = "cache_cleanup"
	PipelineStarted   Type = "pipeline_started"
	PipelineProgress  Type = "pipeline_progress"
	PipelineCompleted Type = "pipeline_completed"
	PipelineFailed    Type = "pipeline_failed"
)

// Event is a typed payload. Only the fields relevant to Type are set.
type Event struct {
	Type Type
	At   time.Time

	// cache events
	Key      string
	Category model.Category
	Size     int64
	Count    int // cache_cleanup: removed entries

	// pipeline events
	PipelineID string
	Kind       string
	StageID    string
	Progress   float64
	Completed  int // completed stages so far
	Err        string
}

// Publisher is what the core depends on.
type Publisher interface {
	Publish(e Event)
}

type subscriber struct {
	ch chan Event
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	buffer  int
	dropped atomic.Int64
	now     func() time.Time
}

func NewBus(buffer int, now func() time.Time) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Bus{subs: make(map[uint64]*subscriber), buffer: buffer, now: now}
}

// Subscribe returns a channel of events and a function that cancels the subscription
// and closes the channel. buffer <= 0 uses the bus default.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = b.buffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries lost to full subscriber buffers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close cancels all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
