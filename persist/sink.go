// Package persist defines where finalized stage outputs are delivered.
//
// Delivery is at least once: the same (item, stage) pair may be persisted
// more than once, for instance after a crash or when a stage is answered
// from the cache. Sinks must treat a repeated delivery as an overwrite.
package persist

import (
	"context"
	"io"
	"sync"
)

// Sink receives stage outputs.
type Sink interface {
	Persist(ctx context.Context, itemID, stage string, payload io.Reader) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, itemID, stage string, payload io.Reader) error

func (f SinkFunc) Persist(ctx context.Context, itemID, stage string, payload io.Reader) error {
	return f(ctx, itemID, stage, payload)
}

// Discard drops every payload.
var Discard Sink = SinkFunc(func(ctx context.Context, itemID, stage string, payload io.Reader) error {
	_, err := io.Copy(io.Discard, payload)
	return err
})

type key struct {
	item, stage string
}

// Memory keeps the last payload per (item, stage) in memory. For tests.
type Memory struct {
	mu         sync.Mutex
	payloads   map[key][]byte
	deliveries map[key]int
}

var _ Sink = (*Memory)(nil)

// NewMemory creates an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{
		payloads:   make(map[key][]byte),
		deliveries: make(map[key]int),
	}
}

func (m *Memory) Persist(ctx context.Context, itemID, stage string, payload io.Reader) error {
	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{itemID, stage}
	m.payloads[k] = data
	m.deliveries[k]++
	return nil
}

// Get returns the stored payload for (itemID, stage).
func (m *Memory) Get(itemID, stage string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.payloads[key{itemID, stage}]
	return data, ok
}

// Deliveries returns how often (itemID, stage) was persisted.
func (m *Memory) Deliveries(itemID, stage string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries[key{itemID, stage}]
}

// Len returns the number of distinct (item, stage) pairs stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}
