package model

import (
	"github.com/Borislavv/go-ash-tiers/model"
	"time"
)

type Flags uint8

const (
	FlagCompressed Flags = 1 << iota
	FlagEncrypted
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Entry is a single cached value. All fields are guarded by the lock of the
// partition that owns the entry; an entry is never shared between partitions.
type Entry struct {
	key      string
	category model.Category
	priority model.Priority
	payload  []byte // stored form: possibly compressed and/or encrypted
	size     int64  // len(payload), recomputed whenever payload is replaced
	flags    Flags

	createdAt int64  // unix nano; insertion time, FIFO order
	touchedAt int64  // unix nano; last successful read, LRU order
	expiresAt int64  // unix nano; 0 => never
	hits      int64  // successful reads, LFU order
	seq       uint64 // insertion sequence, secondary order for ties
}

// NewEntry builds a freshly inserted entry. maxAge <= 0 means the entry never expires.
func NewEntry(
	key string,
	category model.Category,
	priority model.Priority,
	payload []byte,
	flags Flags,
	now time.Time,
	maxAge time.Duration,
	seq uint64,
) *Entry {
	e := &Entry{
		key:       key,
		category:  category,
		priority:  priority,
		payload:   payload,
		size:      int64(len(payload)),
		flags:     flags,
		createdAt: now.UnixNano(),
		touchedAt: now.UnixNano(),
		seq:       seq,
	}
	if maxAge > 0 {
		e.expiresAt = now.Add(maxAge).UnixNano()
	}
	return e
}

func (e *Entry) Key() string              { return e.key }
func (e *Entry) Category() model.Category { return e.category }
func (e *Entry) Priority() model.Priority { return e.priority }
func (e *Entry) Payload() []byte          { return e.payload }
func (e *Entry) Size() int64              { return e.size }
func (e *Entry) Flags() Flags             { return e.flags }
func (e *Entry) CreatedAt() int64         { return e.createdAt }
func (e *Entry) TouchedAt() int64         { return e.touchedAt }
func (e *Entry) ExpiresAt() int64         { return e.expiresAt }
func (e *Entry) Hits() int64              { return e.hits }
func (e *Entry) Seq() uint64              { return e.seq }
func (e *Entry) SetSeq(seq uint64)        { e.seq = seq }

func (e *Entry) SetPriority(p model.Priority) { e.priority = p }

// Touch records a successful read.
func (e *Entry) Touch(now time.Time) {
	e.touchedAt = now.UnixNano()
	e.hits++
}

// IsExpired reports whether the expiration time has passed at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return e.expiresAt != 0 && now.UnixNano() >= e.expiresAt
}

// View copies the bookkeeping into a read-only value.
func (e *Entry) View() model.EntryView {
	v := model.EntryView{
		Key:          e.key,
		Category:     e.category,
		Priority:     e.priority,
		Size:         e.size,
		AccessCount:  e.hits,
		Timestamp:    time.Unix(0, e.createdAt),
		LastAccessed: time.Unix(0, e.touchedAt),
		Compressed:   e.flags.Has(FlagCompressed),
		Encrypted:    e.flags.Has(FlagEncrypted),
	}
	if e.expiresAt != 0 {
		v.ExpirationTime = time.Unix(0, e.expiresAt)
	}
	return v
}

// Clone copies the entry. The payload is shared since it is never modified in place.
func (e *Entry) Clone() *Entry {
	cp := *e
	return &cp
}

// WithPayload returns a copy holding a new stored form. Timestamps and statistics are kept.
func (e *Entry) WithPayload(payload []byte, flags Flags) *Entry {
	cp := *e
	cp.payload = payload
	cp.size = int64(len(payload))
	cp.flags = flags
	return &cp
}
