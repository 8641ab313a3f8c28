package handlers

import (
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/kozaktomas/turtle-id/internal/constants"
	"github.com/kozaktomas/turtle-id/internal/features"
	"github.com/kozaktomas/turtle-id/internal/retrieval"
)

// SearchHandler serves identity search and engine stats.
type SearchHandler struct {
	engine Engine
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(engine Engine) *SearchHandler {
	return &SearchHandler{engine: engine}
}

// SearchResponse is the body of a search response.
type SearchResponse struct {
	QueryID string                      `json:"query_id"`
	Results []retrieval.RankedCandidate `json:"results"`
}

// Search identifies the uploaded image. The multipart form carries the image
// in "file" and optional "location" and "k" fields.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)
	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	k := constants.DefaultSearchResults
	if s := r.FormValue("k"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = min(n, constants.MaxSearchResults)
	}
	location := r.FormValue("location")

	img, err := features.DecodeBytes(data)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	queryID := uuid.New().String()
	results, err := h.engine.SearchImage(r.Context(), img, location, k)
	if err != nil {
		log.Printf("search %s failed: %v", queryID, err)
		respondEngineError(w, err)
		return
	}
	log.Printf("search %s: location=%q results=%d", queryID, sanitizeForLog(location), len(results))

	respondJSON(w, http.StatusOK, SearchResponse{QueryID: queryID, Results: results})
}

// Stats returns index and vocabulary statistics.
func (h *SearchHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Stats())
}
