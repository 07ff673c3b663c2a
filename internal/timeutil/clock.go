// Package timeutil lets the calibration controller run against either the
// wall clock or a hand-stepped fake. Detection times, the pattern-search
// watchdog and saved-result stamps all read the same Clock.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source of the controller.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker behind an interface so fakes can drive it.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Elapsed is c.Now().Sub(since).
func Elapsed(c Clock, since time.Time) time.Duration {
	return c.Now().Sub(since)
}

// System is the wall clock.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// Fake is a Clock that only moves when told to. Tickers created from it fire
// from Advance once their interval has passed; a reader that falls behind
// sees one coalesced tick.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	created chan struct{}
}

// NewFake returns a Fake reading start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, created: make(chan struct{}, 64)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set jumps to t without firing tickers.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance steps the clock by d and fires every due ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	live := f.tickers[:0]
	for _, t := range f.tickers {
		if !t.stopped() {
			live = append(live, t)
		}
	}
	f.tickers = live
	due := append([]*fakeTicker(nil), live...)
	f.mu.Unlock()

	for _, t := range due {
		t.fire(now)
	}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	t := &fakeTicker{ch: make(chan time.Time, 1), every: d, next: f.now.Add(d)}
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()
	select {
	case f.created <- struct{}{}:
	default:
	}
	return t
}

// Tickers returns the number of tickers that have not been stopped.
func (f *Fake) Tickers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tickers {
		if !t.stopped() {
			n++
		}
	}
	return n
}

// WaitTicker blocks until a ticker is created or timeout passes, and reports
// whether one was.
func (f *Fake) WaitTicker(timeout time.Duration) bool {
	select {
	case <-f.created:
		return true
	case <-time.After(timeout):
		return false
	}
}

type fakeTicker struct {
	mu    sync.Mutex
	ch    chan time.Time
	every time.Duration
	next  time.Time
	done  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

func (t *fakeTicker) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *fakeTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || now.Before(t.next) {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
	t.next = now.Add(t.every)
}
