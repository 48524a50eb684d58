package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// SpeechClient calls the text-to-speech service.
//
// The service answers 200 with a JSON {"error": ..., "details": ...} document
// when its own TTS backend fails, so a JSON reply is reported as a DecodeError
// rather than returned as audio.
type SpeechClient struct {
	// URL is the speech endpoint (required).
	URL string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client

	// MaxBodyBytes limits the audio size. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

func (c *SpeechClient) Name() string { return "speech" }

type speakRequest struct {
	Text string `json:"text"`
}

// Synthesize converts text to audio.
func (c *SpeechClient) Synthesize(ctx context.Context, text string) (Audio, error) {
	if c.URL == "" {
		return Audio{}, errors.New("speech client: URL is required")
	}
	if strings.TrimSpace(text) == "" {
		return Audio{}, errors.New("speech client: text cannot be empty")
	}

	payload, err := json.Marshal(speakRequest{Text: text})
	if err != nil {
		return Audio{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return Audio{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg, audio/*")

	body, contentType, err := roundTrip(defaultClient(c.HTTPClient), req, c.MaxBodyBytes)
	if err != nil {
		return Audio{}, err
	}

	target := req.URL.Redacted()
	if len(body) == 0 {
		return Audio{}, &DecodeError{URL: target, Err: errors.New("empty audio payload")}
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" || (mediaType == "" && gjson.ValidBytes(body)) {
		reason := gjson.GetBytes(body, "error").String()
		if reason == "" {
			reason = "unexpected JSON body"
		}
		if details := gjson.GetBytes(body, "details").String(); details != "" {
			reason += ": " + details
		}
		return Audio{}, &DecodeError{URL: target, Err: fmt.Errorf("expected audio payload: %s", reason)}
	}

	if mediaType == "" {
		mediaType = "audio/mpeg"
	}

	return Audio{Data: body, ContentType: mediaType}, nil
}
