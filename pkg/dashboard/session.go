package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/HatiCode/fleetdash/pkg/adapters"
)

var (
	// ErrUnknownVehicle is returned by Select for ids outside the configured fleet.
	ErrUnknownVehicle = errors.New("unknown vehicle")

	// ErrSessionClosed is returned by Select after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Options configures a Session.
type Options struct {
	// Vehicles is the list of selectable ids. Empty allows any id.
	Vehicles []string

	Predictions PredictionSource
	Bookings    BookingSource

	// Notifiers are invoked after every prediction that reaches the view.
	Notifiers []Notifier

	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration

	// Clock defaults to the real clock. Tests inject a fake one.
	Clock clock.WithTicker

	Logger   *slog.Logger
	Recorder Recorder
}

// Session is the state holder for one dashboard view.
//
// Select is the only trigger for fetch activity. State is mutated only under
// mu through Reduce; fetchers run on their own goroutines and report back
// through emit, so a response that arrives after the selection changed is
// dropped rather than applied.
type Session struct {
	known     map[string]struct{}
	scheduler *Scheduler
	predictor *PredictionFetcher
	booker    *BookingFetcher
	notifiers []Notifier
	logger    *slog.Logger
	recorder  Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	cancelGen context.CancelFunc
	closed    bool
	subs      map[int]chan State
	nextSub   int
}

// NewSession creates a session with nothing selected.
func NewSession(opts Options) (*Session, error) {
	if opts.Predictions == nil {
		return nil, errors.New("dashboard: prediction source is required")
	}
	if opts.Bookings == nil {
		return nil, errors.New("dashboard: booking source is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	known := make(map[string]struct{}, len(opts.Vehicles))
	for _, v := range opts.Vehicles {
		known[v] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		known:     known,
		scheduler: NewScheduler(clk, opts.PollInterval),
		predictor: NewPredictionFetcher(opts.Predictions, clk, opts.MaxAttempts, opts.BackoffBase, logger, recorder),
		booker:    NewBookingFetcher(opts.Bookings, clk, logger, recorder),
		notifiers: opts.Notifiers,
		logger:    logger,
		recorder:  recorder,
		ctx:       ctx,
		cancel:    cancel,
		state:     InitialState(),
		subs:      make(map[int]chan State),
	}, nil
}

// Select changes the selected vehicle. An empty id clears the selection.
// Selecting the current vehicle again is a no-op.
//
// On a change the poll timer is cancelled before Select returns, pending
// retries for the old vehicle are abandoned, the state is reset, and a new
// fetch cycle starts immediately if id is not empty.
func (s *Session) Select(vehicleID string) error {
	vehicleID = strings.TrimSpace(vehicleID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if vehicleID == s.state.VehicleID {
		return nil
	}
	if vehicleID != "" && len(s.known) > 0 {
		if _, ok := s.known[vehicleID]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownVehicle, vehicleID)
		}
	}

	s.scheduler.Stop()
	if s.cancelGen != nil {
		s.cancelGen()
		s.cancelGen = nil
	}

	previous := s.state.VehicleID
	generation := s.state.Generation + 1
	s.applyLocked(SelectionChanged{VehicleID: vehicleID, Generation: generation})

	s.logger.Info("selection changed",
		"vehicle_id", vehicleID,
		"previous", previous,
		"generation", generation,
	)

	if vehicleID == "" {
		return nil
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelGen = cancel
	s.scheduler.Start(s.cycle(ctx, vehicleID, generation, newRetryChain()))
	return nil
}

// Snapshot returns the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns a channel that receives the current state and then every
// change. Only the latest state is buffered, so a slow reader skips
// intermediate states instead of blocking the session. The returned function
// unsubscribes and closes the channel.
func (s *Session) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan State, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.state

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Close tears the session down: the poll timer is cancelled, in-flight work is
// abandoned, and subscriber channels are closed. Close waits for background
// goroutines to exit. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.scheduler.Stop()
	if s.cancelGen != nil {
		s.cancelGen()
		s.cancelGen = nil
	}
	s.cancel()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("session closed")
}

// cycle returns the scheduler callback for one selection. It only dispatches
// goroutines, so it never blocks the scheduler.
func (s *Session) cycle(ctx context.Context, vehicleID string, generation uint64, chain *retryChain) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}

		runPrediction := chain.begin()
		if !runPrediction {
			s.recorder.RecordSkippedTick()
			s.logger.Warn("prediction still pending from previous tick, skipping",
				"vehicle_id", vehicleID,
				"chain_state", chain.Current(),
			)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			var g errgroup.Group
			if runPrediction {
				g.Go(func() error {
					s.predictor.run(ctx, vehicleID, generation, chain, s.emit)
					return nil
				})
			}
			g.Go(func() error {
				s.booker.run(ctx, vehicleID, generation, s.emit)
				return nil
			})
			_ = g.Wait()

			s.logger.Debug("fetch cycle complete", "vehicle_id", vehicleID, "generation", generation)
		}()
	}
}

func (s *Session) emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ev)
}

func (s *Session) applyLocked(ev Event) bool {
	if s.closed {
		return false
	}

	next, applied := Reduce(s.state, ev)
	if !applied {
		if _, isSelection := ev.(SelectionChanged); !isSelection {
			vehicleID, generation := ev.target()
			s.recorder.RecordStale(string(sourceOf(ev)))
			s.logger.Debug("dropped stale response",
				"source", sourceOf(ev),
				"vehicle_id", vehicleID,
				"generation", generation,
				"current_vehicle_id", s.state.VehicleID,
				"current_generation", s.state.Generation,
			)
		}
		return false
	}

	s.state = next
	for _, ch := range s.subs {
		offer(ch, next)
	}

	if ps, isPrediction := ev.(PredictionSucceeded); isPrediction {
		s.notifyLocked(ps.Prediction)
	}
	return true
}

func (s *Session) notifyLocked(p adapters.Prediction) {
	for _, n := range s.notifiers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			if err := n.Notify(s.ctx, p); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.recorder.RecordNotify(n.Name(), "error")
				s.logger.Warn("notifier failed",
					"notifier", n.Name(),
					"vehicle_id", p.VehicleID,
					"error", err,
				)
				return
			}
			s.recorder.RecordNotify(n.Name(), "success")
		}()
	}
}

// offer replaces whatever is buffered in ch with st.
func offer(ch chan State, st State) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

func sourceOf(ev Event) Source {
	switch e := ev.(type) {
	case FetchStarted:
		return e.Source
	case PredictionSucceeded, PredictionFailed:
		return SourcePrediction
	case BookingsSucceeded, BookingsFailed:
		return SourceBooking
	default:
		return ""
	}
}
