package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/turtle-id/internal/constants"
)

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// RebuildJob represents an async rebuild of the index from the corpus.
type RebuildJob struct {
	EventBroadcaster
	RebuildJobState
}

// RebuildJobState is the reportable state of a rebuild job.
type RebuildJobState struct {
	ID              string         `json:"id"`
	Status          JobStatus      `json:"status"`
	Phase           string         `json:"phase,omitempty"`
	Progress        int            `json:"progress"`
	TotalImages     int            `json:"total_images"`
	ProcessedImages int            `json:"processed_images"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Options         RebuildOptions `json:"options"`
	Result          *RebuildResult `json:"result,omitempty"`
}

// GetStatus returns the current job status (implements SSEJob).
func (j *RebuildJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// Cancel cancels the rebuild job. Finished jobs are left as they are.
func (j *RebuildJob) Cancel() {
	j.mu.Lock()
	if isJobTerminal(j.Status) {
		j.mu.Unlock()
		return
	}
	cancel := j.cancel
	j.Status = JobStatusCancelled
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	j.SendEvent(JobEvent{Type: "cancelled", Message: "Job cancelled by user"})
}

// Snapshot returns a copy of the job state.
func (j *RebuildJob) Snapshot() RebuildJobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.RebuildJobState
}

// RebuildOptions represents rebuild job options.
type RebuildOptions struct {
	Retrain bool `json:"retrain"`
}

// RebuildResult represents the result of a rebuild job.
type RebuildResult struct {
	Generation string `json:"generation"`
	Indexed    int    `json:"indexed"`
	Skipped    int    `json:"skipped"`
	Carried    int    `json:"carried"`
	Retrained  bool   `json:"retrained"`
	Clusters   int    `json:"clusters,omitempty"`
}

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// JobManager manages async jobs.
type JobManager struct {
	jobs map[string]*RebuildJob
	mu   sync.RWMutex
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*RebuildJob),
	}
}

// CreateJob creates a new rebuild job.
func (m *JobManager) CreateJob(id string, options RebuildOptions) *RebuildJob {
	job := &RebuildJob{
		RebuildJobState: RebuildJobState{
			ID:        id,
			Status:    JobStatusPending,
			StartedAt: time.Now(),
			Options:   options,
		},
	}

	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()

	return job
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *RebuildJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// Running returns the job that has not finished yet, if any.
func (m *JobManager) Running() *RebuildJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, job := range m.jobs {
		if !isJobTerminal(job.GetStatus()) {
			return job
		}
	}
	return nil
}

// DeleteJob removes a job.
func (m *JobManager) DeleteJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}
