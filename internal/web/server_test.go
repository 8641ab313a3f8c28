package web

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/turtle-id/internal/config"
	"github.com/kozaktomas/turtle-id/internal/corpus"
	"github.com/kozaktomas/turtle-id/internal/retrieval"
)

type stubEngine struct{}

func (stubEngine) SearchImage(context.Context, image.Image, string, int) ([]retrieval.RankedCandidate, error) {
	return nil, retrieval.ErrNotReady
}

func (stubEngine) InsertIdentityVector(context.Context, string, string, string) error {
	return retrieval.ErrNotReady
}

func (stubEngine) ExtractAndArchive(context.Context, string) (retrieval.StoredFeature, error) {
	return retrieval.StoredFeature{}, retrieval.ErrNotReady
}

func (stubEngine) Rebuild(context.Context, []corpus.Entry, retrieval.RebuildOptions) (*retrieval.RebuildReport, error) {
	return &retrieval.RebuildReport{}, nil
}

func (stubEngine) Stats() retrieval.Stats {
	return retrieval.Stats{Backend: "sift"}
}

func TestServerRoutes(t *testing.T) {
	s := NewServer(stubEngine{}, nil, config.WebConfig{Host: "127.0.0.1"})

	tests := []struct {
		method   string
		path     string
		expected int
	}{
		{"GET", "/api/v1/health", http.StatusOK},
		{"GET", "/api/v1/stats", http.StatusOK},
		{"POST", "/api/v1/search", http.StatusBadRequest},
		{"POST", "/api/v1/rebuild", http.StatusServiceUnavailable},
		{"GET", "/api/v1/rebuild/unknown", http.StatusNotFound},
		{"DELETE", "/api/v1/rebuild/unknown", http.StatusNotFound},
		{"GET", "/api/v1/unknown", http.StatusNotFound},
		{"GET", "/api/v1/search", http.StatusMethodNotAllowed},
	}

	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			s.Router().ServeHTTP(recorder, httptest.NewRequest(tc.method, tc.path, nil))
			if recorder.Code != tc.expected {
				t.Errorf("expected status %d, got %d", tc.expected, recorder.Code)
			}
		})
	}
}
