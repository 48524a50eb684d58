// Package dashboard implements the fetch orchestration behind one dashboard view.
//
// A Session tracks the selected vehicle and drives two fetchers from it:
//
//	Select(id) → stop poll → reset state → [prediction ∥ bookings] → notifiers
//	                 ↑                                                   |
//	                 └──────────── Scheduler tick every interval ────────┘
//
// All state changes go through Reduce, a pure function of (State, Event).
// Every response event carries the vehicle id and generation it was issued
// for, and Reduce drops events that no longer match the current selection.
// This is what keeps a slow response for a previous vehicle from ever being
// displayed.
package dashboard

import (
	"github.com/HatiCode/fleetdash/pkg/adapters"
)

// Phase is the lifecycle stage of one fetcher.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseLoading   Phase = "loading"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// FetchStatus is the externally visible status of one fetcher.
// Reason is only set when Phase is PhaseFailed.
type FetchStatus struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// Source identifies which fetcher an event belongs to.
type Source string

const (
	SourcePrediction Source = "prediction"
	SourceBooking    Source = "booking"
)

// State is everything a dashboard view renders.
type State struct {
	VehicleID        string               `json:"vehicleId"`
	Generation       uint64               `json:"generation"`
	Prediction       *adapters.Prediction `json:"prediction"`
	PredictionStatus FetchStatus          `json:"predictionStatus"`
	Bookings         []adapters.Booking   `json:"bookings"`
	BookingStatus    FetchStatus          `json:"bookingStatus"`
}

// InitialState is the state of a view with nothing selected.
func InitialState() State {
	return State{
		PredictionStatus: FetchStatus{Phase: PhaseIdle},
		Bookings:         []adapters.Booking{},
		BookingStatus:    FetchStatus{Phase: PhaseIdle},
	}
}

// Alerting reports whether the displayed prediction needs alert styling.
func (s State) Alerting() bool {
	return s.Prediction != nil && s.Prediction.IsAlert()
}

// Event is an input to Reduce.
type Event interface {
	target() (vehicleID string, generation uint64)
}

// SelectionChanged resets the state for a new selection.
// VehicleID may be empty, meaning nothing is selected.
type SelectionChanged struct {
	VehicleID  string
	Generation uint64
}

// FetchStarted marks a fetcher as loading.
type FetchStarted struct {
	Source     Source
	VehicleID  string
	Generation uint64
}

// PredictionSucceeded carries a fresh prediction.
type PredictionSucceeded struct {
	VehicleID  string
	Generation uint64
	Prediction adapters.Prediction
}

// PredictionFailed is emitted once retries are exhausted.
type PredictionFailed struct {
	VehicleID  string
	Generation uint64
	Reason     string
}

// BookingsSucceeded carries the full booking list.
type BookingsSucceeded struct {
	VehicleID  string
	Generation uint64
	Bookings   []adapters.Booking
}

// BookingsFailed is emitted on the first booking failure.
type BookingsFailed struct {
	VehicleID  string
	Generation uint64
	Reason     string
}

func (e SelectionChanged) target() (string, uint64)    { return e.VehicleID, e.Generation }
func (e FetchStarted) target() (string, uint64)        { return e.VehicleID, e.Generation }
func (e PredictionSucceeded) target() (string, uint64) { return e.VehicleID, e.Generation }
func (e PredictionFailed) target() (string, uint64)    { return e.VehicleID, e.Generation }
func (e BookingsSucceeded) target() (string, uint64)   { return e.VehicleID, e.Generation }
func (e BookingsFailed) target() (string, uint64)      { return e.VehicleID, e.Generation }

// Reduce applies ev to s and returns the next state. The second result is
// false when the event was dropped: a stale response, or a selection that
// did not change anything.
func Reduce(s State, ev Event) (State, bool) {
	if sel, ok := ev.(SelectionChanged); ok {
		if sel.VehicleID == s.VehicleID && sel.Generation == s.Generation {
			return s, false
		}
		next := InitialState()
		next.VehicleID = sel.VehicleID
		next.Generation = sel.Generation
		return next, true
	}

	vehicleID, generation := ev.target()
	if vehicleID == "" || vehicleID != s.VehicleID || generation != s.Generation {
		return s, false
	}

	switch e := ev.(type) {
	case FetchStarted:
		switch e.Source {
		case SourcePrediction:
			s.PredictionStatus = FetchStatus{Phase: PhaseLoading}
		case SourceBooking:
			s.BookingStatus = FetchStatus{Phase: PhaseLoading}
		default:
			return s, false
		}

	case PredictionSucceeded:
		// A prediction for another vehicle must never reach the view.
		if e.Prediction.VehicleID != s.VehicleID {
			return s, false
		}
		p := e.Prediction
		s.Prediction = &p
		s.PredictionStatus = FetchStatus{Phase: PhaseSucceeded}

	case PredictionFailed:
		s.Prediction = nil
		s.PredictionStatus = FetchStatus{Phase: PhaseFailed, Reason: e.Reason}

	case BookingsSucceeded:
		bookings := e.Bookings
		if bookings == nil {
			bookings = []adapters.Booking{}
		}
		s.Bookings = bookings
		s.BookingStatus = FetchStatus{Phase: PhaseSucceeded}

	case BookingsFailed:
		s.Bookings = []adapters.Booking{}
		s.BookingStatus = FetchStatus{Phase: PhaseFailed, Reason: e.Reason}

	default:
		return s, false
	}

	return s, true
}
