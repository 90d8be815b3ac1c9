package db

import (
	pub "github.com/Borislavv/go-ash-tiers/model"
	"sync"
)

// keyIndex maps a key to the category that currently owns it.
// A binding only changes while the owning partition's lock is held.
type keyIndex struct {
	mu sync.RWMutex
	m  map[string]pub.Category
}

func newKeyIndex() *keyIndex {
	return &keyIndex{m: make(map[string]pub.Category)}
}

func (i *keyIndex) lookup(key string) (pub.Category, bool) {
	i.mu.RLock()
	c, ok := i.m[key]
	i.mu.RUnlock()
	return c, ok
}

func (i *keyIndex) bind(key string, c pub.Category) {
	i.mu.Lock()
	i.m[key] = c
	i.mu.Unlock()
}

func (i *keyIndex) unbind(key string, c pub.Category) {
	i.mu.Lock()
	if cur, ok := i.m[key]; ok && cur == c {
		delete(i.m, key)
	}
	i.mu.Unlock()
}
