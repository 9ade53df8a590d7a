// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only when
// Advance is called; pending timers, tickers, and sleeps fire in
// deadline order as the clock passes them.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is the deterministic Clock used by tests. AfterFunc
// callbacks run synchronously inside Advance; do not call Advance from
// within a callback.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time // nil for AfterFunc timers
	fn       func()         // nil for channel timers
	interval time.Duration  // non-zero for tickers: rescheduled after firing
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.pending = append(c.pending, &fakeTimer{deadline: c.current.Add(d), ch: ch})
	c.changed.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{deadline: c.current.Add(d), fn: f}
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if timer.stopped || timer.fired {
				return false
			}
			timer.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !timer.stopped && !timer.fired
			timer.stopped = false
			timer.deadline = c.current.Add(d)
			if timer.fired {
				timer.fired = false
				c.pending = append(c.pending, timer)
				c.changed.Broadcast()
			}
			return active
		},
	}
}

// NewTicker returns a Ticker that fires once per interval as the clock
// advances. Ticks that would overflow the buffer are dropped, matching
// time.Ticker.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive NewTicker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	timer := &fakeTimer{deadline: c.current.Add(d), ch: ch, interval: d}
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			timer.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			timer.interval = d
			timer.deadline = c.current.Add(d)
			timer.stopped = false
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past the
// deadline.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every pending timer
// whose deadline falls within the new time, in deadline order. Channel
// sends are non-blocking; AfterFunc callbacks run in the calling
// goroutine.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		expired := c.takeExpired(target)
		if len(expired) == 0 {
			return
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})
		for _, timer := range expired {
			if timer.fn != nil {
				timer.fn()
				continue
			}
			select {
			case timer.ch <- target:
			default:
			}
		}
	}
}

// takeExpired removes timers due at or before target from the pending
// list, rescheduling tickers for their next interval.
func (c *FakeClock) takeExpired(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired, remaining []*fakeTimer
	for _, timer := range c.pending {
		switch {
		case timer.stopped:
		case !timer.deadline.After(target):
			expired = append(expired, timer)
		default:
			remaining = append(remaining, timer)
		}
	}
	for _, timer := range expired {
		if timer.interval > 0 {
			timer.deadline = timer.deadline.Add(timer.interval)
			remaining = append(remaining, timer)
		} else {
			timer.fired = true
		}
	}
	c.pending = remaining
	return expired
}

// WaitForTimers blocks until at least n timers are pending. Tests use
// this to close the race between a goroutine registering its timer and
// the test advancing the clock.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of active pending timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, timer := range c.pending {
		if !timer.stopped {
			n++
		}
	}
	return n
}
