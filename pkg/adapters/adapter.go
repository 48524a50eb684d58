// Package adapters provides the fleetdash connectors to the three external
// services the console depends on, and normalizes their responses into
// plain Go values.
//
// Available adapters:
//   - PredictionClient - vehicle status/prediction (GET ?vehicleId=)
//   - BookingClient    - service booking history (GET ?vehicleId=)
//   - SpeechClient     - text-to-speech synthesis (POST {"text": ...})
//
// Every failure is reported as one of three error types so callers can tell
// them apart with errors.As:
//   - *TransportError - the request could not be sent or the body not read
//   - *ProtocolError  - the service answered with a non-2xx status
//   - *DecodeError    - the body was not the expected shape
//
// Adapters never retry and never cache. Retry policy and staleness handling
// belong to the dashboard layer.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Prediction status values reported by the prediction service.
// Any value other than StatusOK is treated as an alert.
const (
	StatusOK      = "OK"
	StatusAlert   = "ALERT"
	StatusUnknown = "UNKNOWN"
)

// DefaultMaxBodyBytes bounds how much of a response body an adapter reads.
const DefaultMaxBodyBytes = 4 << 20

// Prediction is the latest status/prediction for one vehicle.
// Raw holds the full response document, including fields this type does not model.
type Prediction struct {
	VehicleID         string          `json:"vehicleId"`
	Status            string          `json:"status"`
	Message           string          `json:"message,omitempty"`
	RecommendedAction string          `json:"recommendedAction,omitempty"`
	IsServiceNeeded   bool            `json:"isServiceNeeded,omitempty"`
	Components        []ComponentRisk `json:"predictions,omitempty"`
	LastUpdated       string          `json:"lastUpdated,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// IsAlert reports whether the prediction needs operator attention.
func (p Prediction) IsAlert() bool {
	return p.Status != StatusOK
}

// ComponentRisk is one predicted component failure.
type ComponentRisk struct {
	Component        string  `json:"component"`
	Issue            string  `json:"issue"`
	FailureInDays    float64 `json:"failureTimeEstimateDays"`
	CertaintyPercent float64 `json:"certaintyPercent"`
}

// Booking is one past or upcoming service appointment.
type Booking struct {
	DateTime          string `json:"dateTime"`
	ServiceCenterName string `json:"serviceCenterName"`
	Status            string `json:"status"`
}

// Audio is a synthesized speech payload.
type Audio struct {
	Data        []byte
	ContentType string
}

func defaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func withVehicleID(base, vehicleID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", base, err)
	}
	q := u.Query()
	q.Set("vehicleId", vehicleID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// roundTrip executes req and returns the body of a 2xx response together with
// its content type. Non-2xx answers become a *ProtocolError, a body over limit
// a *DecodeError, and everything that prevents reading a response a
// *TransportError.
func roundTrip(cli *http.Client, req *http.Request, limit int64) ([]byte, string, error) {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	target := req.URL.Redacted()

	resp, err := cli.Do(req)
	if err != nil {
		return nil, "", &TransportError{Method: req.Method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", &ProtocolError{URL: target, StatusCode: resp.StatusCode, Body: string(excerpt)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", &TransportError{Method: req.Method, URL: target, Err: fmt.Errorf("read response: %w", err)}
	}
	if int64(len(body)) > limit {
		return nil, "", &DecodeError{URL: target, Err: fmt.Errorf("response exceeds %d bytes", limit)}
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func newGet(ctx context.Context, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}
