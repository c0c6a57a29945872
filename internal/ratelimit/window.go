package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is an in-memory sliding-window log limiter. Each key keeps the
// timestamps of its granted requests inside the window; a request is
// granted only while fewer than limit timestamps remain, so the whole
// limit may be spent in one burst and nothing below it is ever refused.
//
// State lives in process memory and is lost on restart.
type Window struct {
	window time.Duration
	now    func() time.Time
	keys   sync.Map // string -> *keyWindow
}

type keyWindow struct {
	mu       sync.Mutex
	hits     []time.Time
	lastSeen time.Time
	dead     bool
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithClock replaces the time source.
func WithClock(now func() time.Time) WindowOption {
	return func(w *Window) { w.now = now }
}

// NewWindow returns a limiter with the given rolling window.
func NewWindow(window time.Duration, opts ...WindowOption) *Window {
	if window <= 0 {
		window = DefaultWindow
	}
	w := &Window{window: window, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Acquire takes one slot for key if the key is under limit.
func (w *Window) Acquire(ctx context.Context, key string, limit int) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}
	for {
		v, _ := w.keys.LoadOrStore(key, &keyWindow{})
		kw := v.(*keyWindow)

		kw.mu.Lock()
		if kw.dead {
			// Evicted by the janitor between load and lock.
			kw.mu.Unlock()
			w.keys.CompareAndDelete(key, kw)
			continue
		}
		res := w.acquireLocked(kw, limit)
		kw.mu.Unlock()
		return res, nil
	}
}

func (w *Window) acquireLocked(kw *keyWindow, limit int) Reservation {
	now := w.now()
	kw.lastSeen = now
	kw.prune(now.Add(-w.window))

	res := Reservation{Limit: limit}
	if limit <= 0 {
		res.RetryAfter = w.window
		return res
	}
	if len(kw.hits) >= limit {
		res.RetryAfter = kw.hits[0].Add(w.window).Sub(now)
		return res
	}

	kw.hits = append(kw.hits, now)
	res.Allowed = true
	res.Remaining = limit - len(kw.hits)
	res.at = now
	return res
}

// Cancel returns a granted slot. Cancelling a refused or already
// expired reservation is a no-op.
func (w *Window) Cancel(_ context.Context, key string, r Reservation) error {
	if !r.Allowed {
		return nil
	}
	v, ok := w.keys.Load(key)
	if !ok {
		return nil
	}
	kw := v.(*keyWindow)

	kw.mu.Lock()
	defer kw.mu.Unlock()
	for i := len(kw.hits) - 1; i >= 0; i-- {
		if kw.hits[i].Equal(r.at) {
			kw.hits = append(kw.hits[:i], kw.hits[i+1:]...)
			break
		}
	}
	return nil
}

// Sweep evicts keys with no hits left in the window and returns how many
// were removed.
func (w *Window) Sweep() int {
	now := w.now()
	cutoff := now.Add(-w.window)
	evicted := 0
	w.keys.Range(func(k, v any) bool {
		kw := v.(*keyWindow)
		kw.mu.Lock()
		kw.prune(cutoff)
		if len(kw.hits) == 0 && !kw.lastSeen.After(cutoff) {
			kw.dead = true
			w.keys.CompareAndDelete(k, kw)
			evicted++
		}
		kw.mu.Unlock()
		return true
	})
	return evicted
}

// Janitor runs Sweep every interval until ctx is cancelled.
func (w *Window) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	n := 0
	w.keys.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// prune drops hits at or before cutoff. Hits are appended in time order.
func (kw *keyWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(kw.hits) && !kw.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		kw.hits = append(kw.hits[:0], kw.hits[i:]...)
	}
}
