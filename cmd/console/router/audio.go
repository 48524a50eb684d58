package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/HatiCode/fleetdash/pkg/httpx"
	"github.com/HatiCode/fleetdash/pkg/storage"
)

// handleAudio returns a handler for GET /audio/{id}.
func handleAudio(clips storage.ClipStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if clips == nil {
			httpx.WriteError(w, http.StatusNotFound, "speech is disabled")
			return
		}

		id := r.PathValue("id")

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		clip, found, err := clips.Get(ctx, id)
		if errors.Is(err, storage.ErrInvalidID) {
			httpx.WriteError(w, http.StatusNotFound, "clip not found")
			return
		}
		if err != nil {
			logger.Error("failed to get clip", "clip_id", id, "error", err)
			httpx.WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !found {
			httpx.WriteError(w, http.StatusNotFound, "clip not found")
			return
		}

		contentType := clip.ContentType
		if contentType == "" {
			contentType = "audio/mpeg"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(clip.Data)))
		w.Header().Set("Cache-Control", "private, max-age=600")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(clip.Data); err != nil {
			logger.Debug("failed to write clip", "clip_id", id, "error", err)
		}
	}
}
