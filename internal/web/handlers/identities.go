package handlers

import (
	"encoding/json"
	"log"
	"net/http"
)

// IdentitiesHandler adds confirmed images to the index and archives features.
type IdentitiesHandler struct {
	engine Engine
}

// NewIdentitiesHandler creates a new identities handler
func NewIdentitiesHandler(engine Engine) *IdentitiesHandler {
	return &IdentitiesHandler{engine: engine}
}

// InsertRequest is the body of an identity insert.
type InsertRequest struct {
	ImagePath string `json:"image_path"`
	SiteID    string `json:"site_id"`
	Location  string `json:"location"`
}

// Insert adds a confirmed image to the live index. A duplicate image is
// answered with 409.
func (h *IdentitiesHandler) Insert(w http.ResponseWriter, r *http.Request) {
	var req InsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.ImagePath == "" {
		respondError(w, http.StatusBadRequest, "image_path is required")
		return
	}
	if req.SiteID == "" {
		respondError(w, http.StatusBadRequest, "site_id is required")
		return
	}

	if err := h.engine.InsertIdentityVector(r.Context(), req.ImagePath, req.SiteID, req.Location); err != nil {
		respondEngineError(w, err)
		return
	}
	log.Printf("inserted %s as %s", sanitizeForLog(req.ImagePath), sanitizeForLog(req.SiteID))

	respondJSON(w, http.StatusCreated, map[string]string{
		"image_path": req.ImagePath,
		"site_id":    req.SiteID,
		"status":     "inserted",
	})
}

// ArchiveRequest is the body of an archive request.
type ArchiveRequest struct {
	ImagePath string `json:"image_path"`
}

// Archive extracts and stores the features of an image.
func (h *IdentitiesHandler) Archive(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.ImagePath == "" {
		respondError(w, http.StatusBadRequest, "image_path is required")
		return
	}

	stored, err := h.engine.ExtractAndArchive(r.Context(), req.ImagePath)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}
