package dashboard

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultPollInterval is how often a selected vehicle is refreshed.
const DefaultPollInterval = 10 * time.Minute

// Scheduler fires a callback immediately and then on a fixed interval until
// stopped. It is purely time driven: it never waits for the work started by
// a previous tick.
//
// The callback runs on the scheduler's goroutine (or the caller's, for the
// immediate tick) and must not block; start real work in a new goroutine.
type Scheduler struct {
	clock    clock.WithTicker
	interval time.Duration

	mu  sync.Mutex
	run *pollRun
}

type pollRun struct {
	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	ticker  clock.Ticker
}

// NewScheduler creates a stopped scheduler. A nil clock uses the real clock.
func NewScheduler(c clock.WithTicker, interval time.Duration) *Scheduler {
	if c == nil {
		c = clock.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{clock: c, interval: interval}
}

// Interval returns the poll interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start stops any previous run, calls fn once, and then calls it every interval.
func (s *Scheduler) Start(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		s.run.halt()
	}

	r := &pollRun{
		stop:   make(chan struct{}),
		ticker: s.clock.NewTicker(s.interval),
	}
	s.run = r

	fn()
	go r.loop(fn)
}

// Stop cancels the pending timer. Once Stop returns, fn is not called again.
// Stopping an idle scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		s.run.halt()
		s.run = nil
	}
}

// Running reports whether a run is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

func (r *pollRun) loop(fn func()) {
	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.C():
			if !r.fire(fn) {
				return
			}
		}
	}
}

// fire calls fn unless the run was halted. Holding r.mu across fn is what
// makes halt synchronous.
func (r *pollRun) fire(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return false
	}
	fn()
	return true
}

func (r *pollRun) halt() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	r.stopped = true
	r.ticker.Stop()
	close(r.stop)
}
