package model

import "time"

// EntryView is a read-only copy of a cache entry's bookkeeping.
// Obtaining a view never counts as an access.
type EntryView struct {
	Key            string
	Category       Category
	Priority       Priority
	Size           int64
	AccessCount    int64
	Timestamp      time.Time
	LastAccessed   time.Time
	ExpirationTime time.Time // zero => never expires
	Compressed     bool
	Encrypted      bool
}
