package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"log"
	"net/http"
	"strings"

	"github.com/kozaktomas/turtle-id/internal/corpus"
	"github.com/kozaktomas/turtle-id/internal/database"
	"github.com/kozaktomas/turtle-id/internal/features"
	"github.com/kozaktomas/turtle-id/internal/retrieval"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// Engine is the part of the retrieval engine the handlers use.
type Engine interface {
	SearchImage(ctx context.Context, img image.Image, location string, limit int) ([]retrieval.RankedCandidate, error)
	InsertIdentityVector(ctx context.Context, path, siteID, location string) error
	ExtractAndArchive(ctx context.Context, path string) (retrieval.StoredFeature, error)
	Rebuild(ctx context.Context, entries []corpus.Entry, opts retrieval.RebuildOptions) (*retrieval.RebuildReport, error)
	Stats() retrieval.Stats
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondEngineError maps engine errors to HTTP statuses. Error details can
// name server paths, so they are logged and clients get a fixed message.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, retrieval.ErrNotReady):
		respondError(w, http.StatusServiceUnavailable, "index is not loaded yet")
	case errors.Is(err, database.ErrDuplicateVector):
		respondError(w, http.StatusConflict, "image is already indexed")
	case errors.Is(err, features.ErrImageUnreadable):
		log.Printf("unreadable image: %s", sanitizeForLog(err.Error()))
		respondError(w, http.StatusBadRequest, "image could not be read")
	case errors.Is(err, features.ErrNoDescriptors):
		respondError(w, http.StatusUnprocessableEntity, "no features found in image")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		log.Printf("engine error: %s", sanitizeForLog(err.Error()))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
