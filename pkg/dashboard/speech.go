package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/HatiCode/fleetdash/pkg/adapters"
)

// Notifier is a side channel invoked after every prediction that reaches
// the view. Notifier errors are logged by the session and never change
// dashboard state.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, p adapters.Prediction) error
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (adapters.Audio, error)
}

// Player plays a synthesized utterance for a vehicle. Play must return once
// playback has been handed off; it must not wait for earlier clips to end.
type Player interface {
	Play(ctx context.Context, vehicleID, text string, audio adapters.Audio) error
}

// ComposeUtterance returns the sentence spoken for p.
func ComposeUtterance(p adapters.Prediction) string {
	if !p.IsAlert() {
		return fmt.Sprintf("Vehicle %s is functioning normally.", p.VehicleID)
	}
	action := strings.TrimSpace(p.RecommendedAction)
	if action == "" {
		action = strings.TrimSpace(p.Message)
	}
	if action == "" {
		return fmt.Sprintf("Alert for vehicle %s.", p.VehicleID)
	}
	return fmt.Sprintf("Alert for vehicle %s. %s", p.VehicleID, action)
}

// SpeechNotifier speaks each prediction: compose, synthesize, play.
type SpeechNotifier struct {
	synth  Synthesizer
	player Player
}

// NewSpeechNotifier creates a speech notifier.
func NewSpeechNotifier(synth Synthesizer, player Player) *SpeechNotifier {
	return &SpeechNotifier{synth: synth, player: player}
}

func (n *SpeechNotifier) Name() string { return "speech" }

// Notify synthesizes and plays the utterance for p.
func (n *SpeechNotifier) Notify(ctx context.Context, p adapters.Prediction) error {
	if n.synth == nil || n.player == nil {
		return errors.New("speech notifier: synthesizer and player are required")
	}

	text := ComposeUtterance(p)

	audio, err := n.synth.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	if err := n.player.Play(ctx, p.VehicleID, text, audio); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	return nil
}
