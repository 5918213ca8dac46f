// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Time moves only
// when Advance is called. Safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Sleep, AfterFunc, and
// NewTicker register waiters that fire when Advance moves the clock
// past their deadline. AfterFunc callbacks run synchronously inside
// Advance, in deadline order; do not call Advance or Sleep from inside
// a callback.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time // sleep and ticker waiters
	callback func()         // AfterFunc waiters
	interval time.Duration  // non-zero for tickers: rearm after firing
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep blocks until the clock advances past d from now. A Sleep with
// d <= 0 returns immediately without registering a waiter.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	w := &waiter{deadline: c.current.Add(d), channel: make(chan time.Time, 1)}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	c.mu.Unlock()
	<-w.channel
}

// AfterFunc registers f to run when the clock advances past d from now.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.fired || w.stopped {
			return false
		}
		w.stopped = true
		return true
	}}
}

// NewTicker registers a repeating waiter. Each Advance delivers at most
// one tick per elapsed interval boundary; ticks beyond the channel's
// capacity of 1 are dropped, matching time.Ticker.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{deadline: c.current.Add(d), channel: make(chan time.Time, 1), interval: d}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	return &Ticker{C: w.channel, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		w.stopped = true
	}}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the window, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		next := c.nextWaiterLocked(target)
		if next == nil {
			break
		}
		c.current = next.deadline
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.fired = true
		}
		switch {
		case next.callback != nil:
			// Run the callback without the lock so it can register
			// new timers (state transitions arm fresh ring timers).
			callback := next.callback
			c.mu.Unlock()
			callback()
			c.mu.Lock()
		default:
			select {
			case next.channel <- c.current:
			default:
			}
		}
	}

	c.current = target
	c.compactLocked()
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n live waiters are registered.
// Use it to synchronize with goroutines that arm timers, instead of
// sleeping and hoping.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.liveWaitersLocked() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) liveWaitersLocked() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			count++
		}
	}
	return count
}

// nextWaiterLocked returns the live waiter with the earliest deadline
// not after target, or nil.
func (c *FakeClock) nextWaiterLocked(target time.Time) *waiter {
	live := c.waiters[:0:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired && !w.deadline.After(target) {
			live = append(live, w)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool { return live[i].deadline.Before(live[j].deadline) })
	return live[0]
}

func (c *FakeClock) compactLocked() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}
