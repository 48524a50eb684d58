package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// PredictionClient calls the prediction service.
//
// Example:
//
//	cli := &PredictionClient{URL: "https://prediction.example.com/predict"}
//	p, err := cli.Fetch(ctx, "XYZ789")
type PredictionClient struct {
	// URL is the prediction endpoint (required). vehicleId is added as a query parameter.
	URL string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client

	// MaxBodyBytes limits the response size. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

func (c *PredictionClient) Name() string { return "prediction" }

// Fetch returns the current prediction for vehicleID.
func (c *PredictionClient) Fetch(ctx context.Context, vehicleID string) (Prediction, error) {
	if c.URL == "" {
		return Prediction{}, errors.New("prediction client: URL is required")
	}

	target, err := withVehicleID(c.URL, vehicleID)
	if err != nil {
		return Prediction{}, err
	}

	req, err := newGet(ctx, target)
	if err != nil {
		return Prediction{}, err
	}

	body, _, err := roundTrip(defaultClient(c.HTTPClient), req, c.MaxBodyBytes)
	if err != nil {
		return Prediction{}, err
	}

	p, err := ParsePrediction(body)
	if err != nil {
		return Prediction{}, &DecodeError{URL: req.URL.Redacted(), Err: err}
	}

	if p.VehicleID != vehicleID {
		return Prediction{}, &DecodeError{
			URL: req.URL.Redacted(),
			Err: fmt.Errorf("response is for vehicle %q, requested %q", p.VehicleID, vehicleID),
		}
	}

	return p, nil
}

// ParsePrediction decodes a prediction document. vehicleId and status are
// required; every other field is optional and kept in Raw regardless.
func ParsePrediction(body []byte) (Prediction, error) {
	if !gjson.ValidBytes(body) {
		return Prediction{}, errors.New("body is not valid JSON")
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return Prediction{}, fmt.Errorf("expected JSON object, got %s", doc.Type)
	}

	id := doc.Get("vehicleId")
	if id.Type != gjson.String || id.String() == "" {
		return Prediction{}, errors.New("vehicleId missing or not a string")
	}

	status := doc.Get("status")
	if status.Type != gjson.String || status.String() == "" {
		return Prediction{}, errors.New("status missing or not a string")
	}

	p := Prediction{
		VehicleID:         id.String(),
		Status:            status.String(),
		Message:           doc.Get("message").String(),
		RecommendedAction: doc.Get("recommendedAction").String(),
		IsServiceNeeded:   doc.Get("isServiceNeeded").Bool(),
		LastUpdated:       doc.Get("lastUpdated").String(),
		Raw:               append([]byte(nil), body...),
	}

	doc.Get("predictions").ForEach(func(_, v gjson.Result) bool {
		p.Components = append(p.Components, ComponentRisk{
			Component:        v.Get("component").String(),
			Issue:            v.Get("issue").String(),
			FailureInDays:    v.Get("prediction.failureTimeEstimate_days").Float(),
			CertaintyPercent: v.Get("prediction.certainty_percent").Float(),
		})
		return true
	})

	return p, nil
}
