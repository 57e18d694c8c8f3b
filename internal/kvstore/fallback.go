package kvstore

import (
	"strconv"
	"sync"
	"time"
)

// fallback is the mutex-guarded local map used when the cluster is
// unreachable. It honors the same TTL semantics as the primary store.
// Expired entries are dropped lazily on access.
type fallback struct {
	mu      sync.Mutex
	entries map[string]fbEntry
}

type fbEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

func newFallback() *fallback {
	return &fallback{entries: make(map[string]fbEntry)}
}

func (f *fallback) live(key string) (fbEntry, bool) {
	e, ok := f.entries[key]
	if !ok {
		return fbEntry{}, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(f.entries, key)
		return fbEntry{}, false
	}
	return e, true
}

func (f *fallback) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.live(key)
	if !ok {
		return "", false
	}
	return e.value, true
}

func (f *fallback) set(key, value string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := fbEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	f.entries[key] = e
}

func (f *fallback) incr(key string, ttl time.Duration) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.live(key)
	var n int64
	if ok {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	next := fbEntry{value: strconv.FormatInt(n, 10), expires: e.expires}
	if !ok && ttl > 0 {
		next.expires = time.Now().Add(ttl)
	}
	f.entries[key] = next
	return n
}

func (f *fallback) expire(key string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.live(key)
	if !ok {
		return
	}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	} else {
		e.expires = time.Time{}
	}
	f.entries[key] = e
}

func (f *fallback) delete(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.entries, k)
	}
}
