package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// BookingClient calls the service booking history endpoint.
type BookingClient struct {
	// URL is the bookings endpoint (required). vehicleId is added as a query parameter.
	URL string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client

	// MaxBodyBytes limits the response size. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

func (c *BookingClient) Name() string { return "booking" }

// Fetch returns the bookings for vehicleID in service order.
// An empty or null body yields an empty, non-nil slice.
func (c *BookingClient) Fetch(ctx context.Context, vehicleID string) ([]Booking, error) {
	if c.URL == "" {
		return nil, errors.New("booking client: URL is required")
	}

	target, err := withVehicleID(c.URL, vehicleID)
	if err != nil {
		return nil, err
	}

	req, err := newGet(ctx, target)
	if err != nil {
		return nil, err
	}

	body, _, err := roundTrip(defaultClient(c.HTTPClient), req, c.MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	bookings, err := ParseBookings(body)
	if err != nil {
		return nil, &DecodeError{URL: req.URL.Redacted(), Err: err}
	}
	return bookings, nil
}

// ParseBookings decodes a JSON array of bookings.
func ParseBookings(body []byte) ([]Booking, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Booking{}, nil
	}

	if !gjson.ValidBytes(trimmed) {
		return nil, errors.New("body is not valid JSON")
	}

	doc := gjson.ParseBytes(trimmed)
	if !doc.IsArray() {
		return nil, fmt.Errorf("expected JSON array, got %s", doc.Type)
	}

	items := doc.Array()
	bookings := make([]Booking, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, fmt.Errorf("booking[%d]: expected object, got %s", i, item.Type)
		}
		bookings = append(bookings, Booking{
			DateTime:          item.Get("dateTime").String(),
			ServiceCenterName: item.Get("serviceCenterName").String(),
			Status:            item.Get("status").String(),
		})
	}

	return bookings, nil
}
