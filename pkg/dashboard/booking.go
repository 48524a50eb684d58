package dashboard

import (
	"context"
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/HatiCode/fleetdash/pkg/adapters"
)

// BookingSource fetches the service bookings for one vehicle.
type BookingSource interface {
	Fetch(ctx context.Context, vehicleID string) ([]adapters.Booking, error)
}

// BookingFetcher performs exactly one booking request per trigger. It has no
// retry policy: the first failure is reported as is.
type BookingFetcher struct {
	source   BookingSource
	clock    clock.PassiveClock
	logger   *slog.Logger
	recorder Recorder
}

// NewBookingFetcher creates a booking fetcher.
func NewBookingFetcher(source BookingSource, c clock.PassiveClock, logger *slog.Logger, recorder Recorder) *BookingFetcher {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &BookingFetcher{source: source, clock: c, logger: logger, recorder: recorder}
}

func (f *BookingFetcher) run(ctx context.Context, vehicleID string, generation uint64, emit func(Event) bool) {
	emit(FetchStarted{Source: SourceBooking, VehicleID: vehicleID, Generation: generation})

	start := f.clock.Now()
	bookings, err := f.source.Fetch(ctx, vehicleID)
	elapsed := f.clock.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		kind := adapters.Kind(err)
		f.recorder.RecordFetch(string(SourceBooking), kind, elapsed.Seconds())
		f.logger.Error("booking fetch failed",
			"vehicle_id", vehicleID,
			"kind", kind,
			"error", err,
		)
		emit(BookingsFailed{
			VehicleID:  vehicleID,
			Generation: generation,
			Reason:     fmt.Sprintf("Failed to fetch bookings for %s", vehicleID),
		})
		return
	}

	f.recorder.RecordFetch(string(SourceBooking), "success", elapsed.Seconds())
	f.logger.Debug("bookings fetched",
		"vehicle_id", vehicleID,
		"count", len(bookings),
		"duration_ms", elapsed.Milliseconds(),
	)
	emit(BookingsSucceeded{VehicleID: vehicleID, Generation: generation, Bookings: bookings})
}
