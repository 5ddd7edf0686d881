// Package ratelimit holds the per-user tables used by the audio pipeline and
// the emergency coordinator. Tables are not synchronised; they are owned by
// the server event loop.
package ratelimit

import "time"

// Clock returns the current time.
type Clock func() time.Time

type window struct {
	start time.Time
	count int
}

// Window is a fixed-window counter keyed by user id: at most Limit events per
// Period, the counter resetting once Period has elapsed since the first event.
type Window struct {
	Limit  int
	Period time.Duration
	now    Clock
	keys   map[string]*window
}

func NewWindow(limit int, period time.Duration, now Clock) *Window {
	if now == nil {
		now = time.Now
	}
	return &Window{Limit: limit, Period: period, now: now, keys: make(map[string]*window)}
}

// Allow records one event for key. When the limit is reached it returns false
// and the time left until the window resets.
func (w *Window) Allow(key string) (bool, time.Duration) {
	now := w.now()
	e, ok := w.keys[key]
	if !ok || now.Sub(e.start) >= w.Period {
		w.keys[key] = &window{start: now, count: 1}
		return true, 0
	}
	if e.count >= w.Limit {
		return false, w.Period - now.Sub(e.start)
	}
	e.count++
	return true, 0
}

// Forget drops the entry of key.
func (w *Window) Forget(key string) {
	delete(w.keys, key)
}

// Prune drops every window that has already elapsed and returns how many.
func (w *Window) Prune() int {
	now := w.now()
	n := 0
	for k, e := range w.keys {
		if now.Sub(e.start) >= w.Period {
			delete(w.keys, k)
			n++
		}
	}
	return n
}

func (w *Window) Len() int { return len(w.keys) }

// Cooldown allows one event per key per Period, measured from the last
// successful event.
type Cooldown struct {
	Period time.Duration
	now    Clock
	last   map[string]time.Time
}

func NewCooldown(period time.Duration, now Clock) *Cooldown {
	if now == nil {
		now = time.Now
	}
	return &Cooldown{Period: period, now: now, last: make(map[string]time.Time)}
}

// Check reports whether key may act now, and otherwise how long remains.
// It does not record anything; call Mark once the action has succeeded.
func (c *Cooldown) Check(key string) (bool, time.Duration) {
	last, ok := c.last[key]
	if !ok {
		return true, 0
	}
	elapsed := c.now().Sub(last)
	if elapsed >= c.Period {
		return true, 0
	}
	return false, c.Period - elapsed
}

// Mark records a successful action for key at the current time.
func (c *Cooldown) Mark(key string) {
	c.last[key] = c.now()
}

// Prune drops keys whose cooldown has expired.
func (c *Cooldown) Prune() int {
	now := c.now()
	n := 0
	for k, t := range c.last {
		if now.Sub(t) >= c.Period {
			delete(c.last, k)
			n++
		}
	}
	return n
}

func (c *Cooldown) Len() int { return len(c.last) }
