package model

import (
	"errors"
	"fmt"
	"time"
)

// EvictionStrategy selects victims inside an over-budget category.
type EvictionStrategy string

const (
	// EvictLRU removes entries in ascending lastAccessed order.
	EvictLRU EvictionStrategy = "lru"
	// EvictLFU removes entries in ascending accessCount order.
	EvictLFU EvictionStrategy = "lfu"
	// EvictFIFO removes entries in ascending insertion time order.
	EvictFIFO EvictionStrategy = "fifo"
	// EvictPriority removes entries in ascending priority rank, ties by lastAccessed.
	EvictPriority EvictionStrategy = "priority"
)

func (s EvictionStrategy) Valid() bool {
	switch s {
	case EvictLRU, EvictLFU, EvictFIFO, EvictPriority:
		return true
	}
	return false
}

// SyncStrategy defines when a category's writes reach the durable blob store.
type SyncStrategy string

const (
	// SyncImmediate writes the category through on every successful set.
	SyncImmediate SyncStrategy = "immediate"
	// SyncBatched buffers dirty categories and flushes them periodically.
	SyncBatched SyncStrategy = "batched"
	// SyncBackground flushes asynchronously; the most recent writes may be lost on crash.
	SyncBackground SyncStrategy = "background"
)

func (s SyncStrategy) Valid() bool {
	switch s {
	case SyncImmediate, SyncBatched, SyncBackground:
		return true
	}
	return false
}

// Policy governs one category. It is configuration, not runtime state.
type Policy struct {
	MaxSize            int64            `yaml:"max_size"`
	MaxAge             time.Duration    `yaml:"max_age"`
	EvictionStrategy   EvictionStrategy `yaml:"eviction_strategy"`
	CompressionEnabled bool             `yaml:"compression_enabled"`
	EncryptionEnabled  bool             `yaml:"encryption_enabled"`
	SyncStrategy       SyncStrategy     `yaml:"sync_strategy"`
}

var (
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrOverBudget rejects a write that would push its category past a
	// budget below max_size, such as the prefetch share.
	ErrOverBudget = errors.New("entry does not fit the category budget")
)

func (p Policy) Validate() error {
	if p.MaxSize <= 0 {
		return fmt.Errorf("%w: max_size must be positive", ErrInvalidPolicy)
	}
	if p.MaxAge < 0 {
		return fmt.Errorf("%w: negative max_age", ErrInvalidPolicy)
	}
	if !p.EvictionStrategy.Valid() {
		return fmt.Errorf("%w: eviction strategy %q", ErrInvalidPolicy, p.EvictionStrategy)
	}
	if !p.SyncStrategy.Valid() {
		return fmt.Errorf("%w: sync strategy %q", ErrInvalidPolicy, p.SyncStrategy)
	}
	return nil
}
