package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kozaktomas/turtle-id/internal/corpus"
	"github.com/kozaktomas/turtle-id/internal/retrieval"
)

// CorpusLoader returns the entries a rebuild indexes.
type CorpusLoader func() ([]corpus.Entry, error)

// RebuildHandler runs index rebuilds as background jobs.
type RebuildHandler struct {
	engine     Engine
	loadCorpus CorpusLoader
	jobManager *JobManager
}

// NewRebuildHandler creates a new rebuild handler
func NewRebuildHandler(engine Engine, loadCorpus CorpusLoader, jm *JobManager) *RebuildHandler {
	return &RebuildHandler{engine: engine, loadCorpus: loadCorpus, jobManager: jm}
}

// Start starts a new rebuild job. Only one rebuild runs at a time.
func (h *RebuildHandler) Start(w http.ResponseWriter, r *http.Request) {
	var opts RebuildOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if h.loadCorpus == nil {
		respondError(w, http.StatusServiceUnavailable, "no corpus source configured")
		return
	}
	if running := h.jobManager.Running(); running != nil {
		respondJSON(w, http.StatusConflict, map[string]string{
			"error":  "a rebuild is already running",
			"job_id": running.ID,
		})
		return
	}

	jobID := uuid.New().String()
	job := h.jobManager.CreateJob(jobID, opts)

	// Start job in background
	go h.runRebuildJob(job)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(JobStatusPending),
	})
}

// Status returns the status of a rebuild job
func (h *RebuildHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	job := h.jobManager.GetJob(jobID)
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	respondJSON(w, http.StatusOK, job.Snapshot())
}

// Events streams job events via SSE
func (h *RebuildHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			job := h.jobManager.GetJob(id)
			if job == nil {
				return nil
			}
			return job
		},
		func(job SSEJob) any {
			return job.(*RebuildJob).Snapshot()
		},
	)
}

// Cancel cancels a rebuild job
func (h *RebuildHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	job := h.jobManager.GetJob(jobID)
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	job.Cancel()
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// runRebuildJob runs the rebuild in the background
func (h *RebuildHandler) runRebuildJob(job *RebuildJob) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job.mu.Lock()
	if job.Status == JobStatusCancelled {
		job.mu.Unlock()
		return
	}
	job.cancel = cancel
	job.Status = JobStatusRunning
	job.mu.Unlock()
	job.SendEvent(JobEvent{Type: "started", Message: "Rebuild started"})

	entries, err := h.loadCorpus()
	if err != nil {
		h.failJob(job, "failed to load corpus", err)
		return
	}

	job.mu.Lock()
	job.TotalImages = len(entries)
	job.mu.Unlock()
	job.SendEvent(JobEvent{Type: "images_counted", Data: map[string]int{"total": len(entries)}})

	report, err := h.engine.Rebuild(ctx, entries, retrieval.RebuildOptions{
		Retrain: job.Options.Retrain,
		OnProgress: func(info retrieval.ProgressInfo) {
			job.mu.Lock()
			job.Phase = info.Phase
			job.ProcessedImages = info.Current
			if info.Total > 0 {
				job.Progress = info.Current * 100 / info.Total
			}
			job.mu.Unlock()
			job.SendEvent(JobEvent{
				Type: "progress",
				Data: map[string]any{
					"phase":   info.Phase,
					"current": info.Current,
					"total":   info.Total,
					"path":    info.Path,
				},
			})
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			job.mu.Lock()
			job.Status = JobStatusCancelled
			job.mu.Unlock()
			job.SendEvent(JobEvent{Type: "cancelled", Message: "Job was cancelled"})
			return
		}
		h.failJob(job, "rebuild failed", err)
		return
	}

	result := &RebuildResult{
		Generation: report.Generation,
		Indexed:    report.Indexed,
		Skipped:    report.Skipped,
		Carried:    report.Carried,
		Retrained:  report.Retrained,
	}
	if report.Bootstrap != nil {
		result.Clusters = report.Bootstrap.Clusters
	}

	now := time.Now()
	job.mu.Lock()
	job.Status = JobStatusCompleted
	job.CompletedAt = &now
	job.Progress = 100
	job.Result = result
	job.mu.Unlock()
	log.Printf("rebuild %s completed: generation %s, %d indexed", job.ID, result.Generation, result.Indexed)

	job.SendEvent(JobEvent{Type: "completed", Data: result})
}

// failJob records message on the job. The underlying error is only logged.
func (h *RebuildHandler) failJob(job *RebuildJob, message string, err error) {
	now := time.Now()
	job.mu.Lock()
	job.Status = JobStatusFailed
	job.Error = message
	job.CompletedAt = &now
	job.mu.Unlock()
	log.Printf("rebuild %s failed: %s: %s", job.ID, message, sanitizeForLog(err.Error()))
	job.SendEvent(JobEvent{Type: "job_error", Message: message})
}
