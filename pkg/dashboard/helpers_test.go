package dashboard

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/HatiCode/fleetdash/pkg/adapters"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePredictions struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, vehicleID string, call int) (adapters.Prediction, error)
}

func newFakePredictions(fn func(ctx context.Context, vehicleID string, call int) (adapters.Prediction, error)) *fakePredictions {
	return &fakePredictions{calls: make(map[string]int), fn: fn}
}

func (f *fakePredictions) Fetch(ctx context.Context, vehicleID string) (adapters.Prediction, error) {
	f.mu.Lock()
	f.calls[vehicleID]++
	n := f.calls[vehicleID]
	f.mu.Unlock()
	return f.fn(ctx, vehicleID, n)
}

func (f *fakePredictions) Calls(vehicleID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[vehicleID]
}

type fakeBookings struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, vehicleID string) ([]adapters.Booking, error)
}

func newFakeBookings(fn func(ctx context.Context, vehicleID string) ([]adapters.Booking, error)) *fakeBookings {
	return &fakeBookings{calls: make(map[string]int), fn: fn}
}

func (f *fakeBookings) Fetch(ctx context.Context, vehicleID string) ([]adapters.Booking, error) {
	f.mu.Lock()
	f.calls[vehicleID]++
	f.mu.Unlock()
	return f.fn(ctx, vehicleID)
}

func (f *fakeBookings) Calls(vehicleID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[vehicleID]
}

func okPrediction(vehicleID string) adapters.Prediction {
	return adapters.Prediction{
		VehicleID: vehicleID,
		Status:    adapters.StatusOK,
		Message:   "All systems nominal",
	}
}

func alwaysOK(_ context.Context, vehicleID string, _ int) (adapters.Prediction, error) {
	return okPrediction(vehicleID), nil
}

func alwaysFail(_ context.Context, vehicleID string, _ int) (adapters.Prediction, error) {
	return adapters.Prediction{}, &adapters.ProtocolError{URL: "http://prediction.test", StatusCode: 503}
}

func noBookings(context.Context, string) ([]adapters.Booking, error) {
	return []adapters.Booking{}, nil
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) (adapters.Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return adapters.Audio{}, f.err
	}
	return adapters.Audio{Data: []byte("ID3"), ContentType: "audio/mpeg"}, nil
}

type played struct {
	vehicleID string
	text      string
}

type fakePlayer struct {
	mu    sync.Mutex
	clips []played
}

func (f *fakePlayer) Play(_ context.Context, vehicleID, text string, _ adapters.Audio) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clips = append(f.clips, played{vehicleID: vehicleID, text: text})
	return nil
}

func (f *fakePlayer) Played() []played {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]played(nil), f.clips...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	fetches map[string]int
	retries int
	giveUps int
	stale   map[string]int
	skipped int
	notify  map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		fetches: make(map[string]int),
		stale:   make(map[string]int),
		notify:  make(map[string]int),
	}
}

func (r *fakeRecorder) RecordFetch(source, result string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches[source+"/"+result]++
}

func (r *fakeRecorder) RecordRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *fakeRecorder) RecordGiveUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.giveUps++
}

func (r *fakeRecorder) RecordStale(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale[source]++
}

func (r *fakeRecorder) RecordSkippedTick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
}

func (r *fakeRecorder) RecordNotify(notifier, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify[notifier+"/"+result]++
}

func (r *fakeRecorder) get(f func(r *fakeRecorder) int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f(r)
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: "+format, args...)
}

// advanceUntil steps the fake clock one second at a time until cond holds.
// The retry timer is created asynchronously, so a single large step could
// land before it exists.
func advanceUntil(t *testing.T, clk *testingclock.FakeClock, cond func() bool, format string, args ...any) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		clk.Step(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met after advancing clock: "+format, args...)
	}
}
