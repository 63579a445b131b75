package security

import (
	"sync"
	"time"
)

type nonceEntry struct {
	nonce string
	ts    float64
}

// NonceCache is an insertion-ordered nonce→timestamp map used for replay
// protection. Entries older than the window are pruned from the front on
// each check, so memory use is bounded by the message rate within one
// window.
type NonceCache struct {
	mu     sync.Mutex
	order  []nonceEntry
	seen   map[string]float64
	window float64 // seconds
}

// NewNonceCache creates a cache that remembers nonces for the given window.
func NewNonceCache(window time.Duration) *NonceCache {
	return &NonceCache{
		seen:   make(map[string]float64),
		window: window.Seconds(),
	}
}

// CheckAndRecord returns false when the nonce has already been seen within
// the window. Otherwise it records the nonce at now and returns true.
func (nc *NonceCache) CheckAndRecord(nonce string, now float64) bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	nc.prune(now)

	if _, ok := nc.seen[nonce]; ok {
		return false
	}
	nc.seen[nonce] = now
	nc.order = append(nc.order, nonceEntry{nonce: nonce, ts: now})
	return true
}

// prune drops entries older than the window from the front of the
// insertion order. Caller holds the lock.
func (nc *NonceCache) prune(now float64) {
	cutoff := now - nc.window
	i := 0
	for i < len(nc.order) && nc.order[i].ts < cutoff {
		delete(nc.seen, nc.order[i].nonce)
		i++
	}
	if i > 0 {
		nc.order = nc.order[i:]
	}
}

// Len returns the number of live entries.
func (nc *NonceCache) Len() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return len(nc.seen)
}
