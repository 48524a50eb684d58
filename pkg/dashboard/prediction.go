package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/HatiCode/fleetdash/pkg/adapters"
)

// Retry defaults: three attempts, waiting 2s and then 4s between them.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
)

// PredictionSource fetches the prediction for one vehicle.
type PredictionSource interface {
	Fetch(ctx context.Context, vehicleID string) (adapters.Prediction, error)
}

// Retry chain states and events.
const (
	chainIdle     = "idle"
	chainFetching = "fetching"
	chainBackoff  = "backoff"

	chainStart  = "start"
	chainFail   = "fail"
	chainRetry  = "retry"
	chainFinish = "finish"
)

// retryChain tracks one prediction fetch including its retries. Only one
// chain may be active per selection: a start event is rejected unless the
// machine is idle.
type retryChain struct {
	machine *fsm.FSM
}

func newRetryChain() *retryChain {
	return &retryChain{
		machine: fsm.NewFSM(
			chainIdle,
			fsm.Events{
				{Name: chainStart, Src: []string{chainIdle}, Dst: chainFetching},
				{Name: chainFail, Src: []string{chainFetching}, Dst: chainBackoff},
				{Name: chainRetry, Src: []string{chainBackoff}, Dst: chainFetching},
				{Name: chainFinish, Src: []string{chainFetching, chainBackoff}, Dst: chainIdle},
			},
			fsm.Callbacks{},
		),
	}
}

// begin claims the chain. It returns false if a chain is already running.
func (c *retryChain) begin() bool {
	return c.machine.Event(context.Background(), chainStart) == nil
}

func (c *retryChain) step(event string) {
	_ = c.machine.Event(context.Background(), event)
}

// Current returns the chain state, for logs and tests.
func (c *retryChain) Current() string {
	return c.machine.Current()
}

// PredictionFetcher runs the prediction retry chain for one vehicle.
//
// A failed attempt is retried after an exponential backoff (2^attempt × base)
// until MaxAttempts attempts have failed. The wait is abandoned as soon as
// ctx is cancelled, which is how a selection change aborts a pending retry.
type PredictionFetcher struct {
	source      PredictionSource
	clock       clock.Clock
	maxAttempts int
	base        time.Duration
	logger      *slog.Logger
	recorder    Recorder
}

// NewPredictionFetcher creates a fetcher. Zero maxAttempts or base select the defaults.
func NewPredictionFetcher(
	source PredictionSource,
	c clock.Clock,
	maxAttempts int,
	base time.Duration,
	logger *slog.Logger,
	recorder Recorder,
) *PredictionFetcher {
	if c == nil {
		c = clock.RealClock{}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if base <= 0 {
		base = DefaultBackoffBase
	}
	base = min(base, maxBackoffCeiling)
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &PredictionFetcher{
		source:      source,
		clock:       c,
		maxAttempts: maxAttempts,
		base:        base,
		logger:      logger,
		recorder:    recorder,
	}
}

// Delays returns the waits the fetcher inserts between attempts.
func (f *PredictionFetcher) Delays() []time.Duration {
	b := f.newBackOff()
	var delays []time.Duration
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		delays = append(delays, d)
	}
	return delays
}

func (f *PredictionFetcher) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.MaxInterval = maxBackoff(f.base, f.maxAttempts)
	exp.InitialInterval = min(2*f.base, exp.MaxInterval)
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(f.maxAttempts-1))
}

// maxBackoffCeiling bounds a single retry wait. The backoff library works on
// float64 intervals, so the cap must stay well below math.MaxInt64.
const maxBackoffCeiling = 24 * time.Hour

// maxBackoff returns 2^attempts × base, saturating at maxBackoffCeiling.
func maxBackoff(base time.Duration, attempts int) time.Duration {
	d := min(base, maxBackoffCeiling)
	for range attempts {
		if d >= maxBackoffCeiling/2 {
			return maxBackoffCeiling
		}
		d *= 2
	}
	return d
}

// run executes one chain. It must only be called after chain.begin succeeded.
// emit reports events to the owning session.
func (f *PredictionFetcher) run(ctx context.Context, vehicleID string, generation uint64, chain *retryChain, emit func(Event) bool) {
	defer chain.step(chainFinish)

	b := f.newBackOff()
	emit(FetchStarted{Source: SourcePrediction, VehicleID: vehicleID, Generation: generation})

	for attempt := 1; ; attempt++ {
		start := f.clock.Now()
		p, err := f.source.Fetch(ctx, vehicleID)
		elapsed := f.clock.Since(start)

		if err == nil {
			f.recorder.RecordFetch(string(SourcePrediction), "success", elapsed.Seconds())
			f.logger.Debug("prediction fetched",
				"vehicle_id", vehicleID,
				"status", p.Status,
				"attempt", attempt,
				"duration_ms", elapsed.Milliseconds(),
			)
			emit(PredictionSucceeded{VehicleID: vehicleID, Generation: generation, Prediction: p})
			return
		}

		if ctx.Err() != nil {
			f.logger.Debug("prediction chain abandoned", "vehicle_id", vehicleID, "attempt", attempt)
			return
		}

		kind := adapters.Kind(err)
		f.recorder.RecordFetch(string(SourcePrediction), kind, elapsed.Seconds())

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			f.recorder.RecordGiveUp()
			f.logger.Error("prediction fetch failed, giving up",
				"vehicle_id", vehicleID,
				"attempts", attempt,
				"kind", kind,
				"error", err,
			)
			emit(PredictionFailed{
				VehicleID:  vehicleID,
				Generation: generation,
				Reason:     fmt.Sprintf("Failed to fetch status for %s", vehicleID),
			})
			return
		}

		f.recorder.RecordRetry()
		f.logger.Warn("prediction fetch failed, retrying",
			"vehicle_id", vehicleID,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"kind", kind,
			"error", err,
		)

		chain.step(chainFail)
		timer := f.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.logger.Debug("prediction retry cancelled", "vehicle_id", vehicleID, "attempt", attempt)
			return
		case <-timer.C():
		}
		chain.step(chainRetry)
	}
}
