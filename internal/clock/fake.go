package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Timers and tickers fire
// synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at       time.Time
	period   time.Duration
	ch       chan time.Time
	fn       func()
	stopped  bool
	fakeSelf *FakeClock
}

// Fake returns a FakeClock starting at start.
func Fake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Moving forward fires due waiters like Advance;
// moving backward fires nothing.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	d := t.Sub(c.now)
	if d <= 0 {
		c.now = t
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Advance(d)
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.schedule(&fakeWaiter{ch: ch}, d, 0)
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	w := &fakeWaiter{fn: f}
	c.schedule(w, d, 0)
	return w
}

func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	w := &fakeWaiter{ch: make(chan time.Time, 1)}
	c.schedule(w, d, d)
	return fakeTicker{w}
}

type fakeTicker struct{ w *fakeWaiter }

func (t fakeTicker) C() <-chan time.Time { return t.w.ch }
func (t fakeTicker) Stop()               { t.w.Stop() }

func (c *FakeClock) schedule(w *fakeWaiter, d, period time.Duration) {
	c.mu.Lock()
	w.at = c.now.Add(d)
	w.period = period
	w.fakeSelf = c
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	if d <= 0 {
		c.Advance(0)
	}
}

// Advance moves time forward by d and fires every waiter that is due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		sort.SliceStable(c.waiters, func(i, j int) bool {
			return c.waiters[i].at.Before(c.waiters[j].at)
		})
		if len(c.waiters) == 0 || c.waiters[0].at.After(target) {
			break
		}
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		if w.stopped {
			continue
		}
		if w.at.After(c.now) {
			c.now = w.at
		}
		if w.period > 0 {
			w.at = w.at.Add(w.period)
			c.waiters = append(c.waiters, w)
		} else {
			w.stopped = true
		}
		now := c.now
		c.mu.Unlock()
		w.fire(now)
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// Pending returns the number of scheduled, unstopped waiters.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

func (w *fakeWaiter) fire(now time.Time) {
	if w.fn != nil {
		w.fn()
		return
	}
	select {
	case w.ch <- now:
	default:
	}
}

func (w *fakeWaiter) Stop() bool {
	c := w.fakeSelf
	c.mu.Lock()
	defer c.mu.Unlock()
	was := !w.stopped
	w.stopped = true
	return was
}
