// Package storage holds synthesized speech clips until the browser fetches them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clip is one synthesized utterance.
type Clip struct {
	ID          string    `json:"id"`
	VehicleID   string    `json:"vehicleId"`
	Text        string    `json:"text"`
	ContentType string    `json:"contentType"`
	Data        []byte    `json:"data"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ClipStore stores clips by id.
type ClipStore interface {
	Put(ctx context.Context, clip Clip) error
	Get(ctx context.Context, id string) (Clip, bool, error)
}

// ErrInvalidID is returned for clip ids that could not have come from NewClipID.
var ErrInvalidID = errors.New("invalid clip id")

// NewClipID returns a random clip id.
func NewClipID() string {
	return uuid.NewString()
}

// validateID accepts the ids produced by NewClipID and anything else made of
// alphanumerics, hyphens and underscores.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("%w %q: only alphanumeric, hyphens, and underscores allowed", ErrInvalidID, id)
		}
	}
	return nil
}

var (
	_ ClipStore = (*MemoryClipStore)(nil)
	_ ClipStore = (*RedisClipStore)(nil)
)
