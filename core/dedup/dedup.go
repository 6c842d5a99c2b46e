// Package dedup provides a TTL-indexed cache used to enforce the inbox's
// idempotence window: once a signal id is marked delivered, it is
// retained for a fixed duration so a re-enqueued copy is recognized and
// dropped as a duplicate rather than re-applied. Adapted from the
// teacher's infrastructure/cache package (CacheEntry/CacheConfig/
// startCleanup shape), generalized to key by signal id and to expose
// explicit expiry timestamps the inbox persists as keep_until.
package dedup

import (
	"sync"
	"time"
)

// Config controls the window's retention and cleanup cadence.
type Config struct {
	Window          time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns sane defaults for a single-process cache.
func DefaultConfig() Config {
	return Config{
		Window:          time.Hour,
		CleanupInterval: time.Minute,
	}
}

type entry struct {
	keepUntil time.Time
}

// Window is a per-shard idempotence-window cache of recently delivered
// signal ids.
type Window struct {
	mu      sync.RWMutex
	entries map[string]entry
	cfg     Config
	stopCh  chan struct{}
	stopped bool
}

// NewWindow creates a Window and starts its background cleanup loop. The
// caller must call Close to stop the loop.
func NewWindow(cfg Config) *Window {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	w := &Window{
		entries: make(map[string]entry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go w.cleanupLoop()
	return w
}

func (w *Window) cleanupLoop() {
	ticker := time.NewTicker(w.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			w.sweep(now)
		}
	}
}

func (w *Window) sweep(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, e := range w.entries {
		if now.After(e.keepUntil) {
			delete(w.entries, id)
		}
	}
}

// Close stops the background cleanup loop.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
}

// MarkDelivered records that signalID was delivered at now and should be
// retained for dedup until now+window, returning that keepUntil.
func (w *Window) MarkDelivered(signalID string, now time.Time) time.Time {
	keepUntil := now.Add(w.cfg.Window)
	w.mu.Lock()
	w.entries[signalID] = entry{keepUntil: keepUntil}
	w.mu.Unlock()
	return keepUntil
}

// IsDuplicate reports whether signalID was marked delivered and its
// retention window has not yet elapsed as of now.
func (w *Window) IsDuplicate(signalID string, now time.Time) bool {
	w.mu.RLock()
	e, ok := w.entries[signalID]
	w.mu.RUnlock()
	if !ok {
		return false
	}
	return !now.After(e.keepUntil)
}

// Len reports the number of retained entries (for tests/metrics).
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}
