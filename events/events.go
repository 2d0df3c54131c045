// Package events is an in-process publish/subscribe bus for pipeline
// progress notifications.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/poiesic/stagehand/core"
)

type Type string

const (
	TypeItemAdvanced  Type = "item_advanced"
	TypeItemTerminal  Type = "item_terminal"
	TypeBatchComplete Type = "batch_complete"
)

// All subscribes to every event regardless of batch or item.
const All = "*"

const defaultBuffer = 100

type Event struct {
	Type     Type            `json:"type"`
	BatchID  string          `json:"batch_id,omitempty"`
	ItemID   string          `json:"item_id,omitempty"`
	Stage    string          `json:"stage,omitempty"`
	Index    int             `json:"index"`
	Status   core.ItemStatus `json:"status,omitempty"`
	CacheHit bool            `json:"cache_hit,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Time     time.Time       `json:"time"`
}

// Bus fans events out to subscribers keyed by batch id, item id or All.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	logger *slog.Logger
	buffer int
	mu     sync.RWMutex
	subs   map[string][]chan Event
}

// NewBus creates a Bus. A nil logger means slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "events"),
		buffer: defaultBuffer,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events for topic and a function
// that unsubscribes and closes the channel.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	b.subs[topic] = append(b.subs[topic], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[topic]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[topic] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
	return ch, unsub
}

// Publish delivers e to subscribers of its batch, its item and All.
// A nil Bus drops everything.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, topic := range [...]string{e.BatchID, e.ItemID, All} {
		if topic == "" {
			continue
		}
		for _, ch := range b.subs[topic] {
			select {
			case ch <- e:
			default:
				b.logger.Warn("subscriber channel full, dropping event", "topic", topic, "type", e.Type, "item", e.ItemID)
			}
		}
	}
}
