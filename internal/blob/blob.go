// Package blob is the durable, namespace-keyed persistence layer the cache flushes to.
// It offers last-write-wins per namespace and nothing more.
package blob

import (
	"context"
	"errors"
	"sync"
)

var ErrInvalidNamespace = errors.New("invalid blob namespace")

type Store interface {
	// Load returns the namespace content; ok is false when nothing was saved yet.
	Load(ctx context.Context, namespace string) (data []byte, ok bool, err error)
	Save(ctx context.Context, namespace string, data []byte) error
}

// Memory keeps blobs in process memory. It is the default store and the test double.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	saves int
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, namespace string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[namespace]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (m *Memory) Save(ctx context.Context, namespace string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if namespace == "" {
		return ErrInvalidNamespace
	}
	m.mu.Lock()
	m.blobs[namespace] = append([]byte(nil), data...)
	m.saves++
	m.mu.Unlock()
	return nil
}

// Saves is the number of successful Save calls.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
