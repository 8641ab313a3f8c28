package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kozaktomas/turtle-id/internal/cluster"
	"github.com/kozaktomas/turtle-id/internal/corpus"
	"github.com/kozaktomas/turtle-id/internal/retrieval"
)

func testEntries() []corpus.Entry {
	return []corpus.Entry{
		{Path: "/data/fl/reef/a/ref_data/1.jpg", SiteID: "a", Location: "fl/reef"},
		{Path: "/data/fl/reef/b/ref_data/1.jpg", SiteID: "b", Location: "fl/reef"},
	}
}

func staticLoader(entries []corpus.Entry) CorpusLoader {
	return func() ([]corpus.Entry, error) { return entries, nil }
}

// waitForStatus polls the job until it reaches a terminal state.
func waitForStatus(t *testing.T, job *RebuildJob) RebuildJobState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state := job.Snapshot()
		if isJobTerminal(state.Status) {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", job.ID)
	return RebuildJobState{}
}

func startRebuild(t *testing.T, handler *RebuildHandler, body string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/rebuild", bytes.NewBufferString(body))
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	var result map[string]string
	parseJSONResponse(t, recorder, &result)
	return recorder, result["job_id"]
}

func TestRebuildHandler_Start_Success(t *testing.T) {
	engine := &fakeEngine{report: &retrieval.RebuildReport{
		Generation: "gen-1",
		Indexed:    2,
		Retrained:  true,
		Bootstrap:  &cluster.Summary{Clusters: 1},
	}}
	jm := NewJobManager()
	handler := NewRebuildHandler(engine, staticLoader(testEntries()), jm)

	recorder, jobID := startRebuild(t, handler, `{"retrain": true}`)

	assertStatusCode(t, recorder, http.StatusAccepted)
	if jobID == "" {
		t.Fatal("expected non-empty job_id")
	}

	state := waitForStatus(t, jm.GetJob(jobID))
	if state.Status != JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", state.Status, state.Error)
	}
	if state.Result == nil || state.Result.Generation != "gen-1" || state.Result.Indexed != 2 || state.Result.Clusters != 1 {
		t.Errorf("unexpected result: %+v", state.Result)
	}
	if !state.Options.Retrain {
		t.Error("expected retrain option to be recorded")
	}
	if state.TotalImages != 2 || state.ProcessedImages != 2 || state.Progress != 100 {
		t.Errorf("unexpected progress: total=%d processed=%d progress=%d", state.TotalImages, state.ProcessedImages, state.Progress)
	}
}

func TestRebuildHandler_Start_EmptyBody(t *testing.T) {
	engine := &fakeEngine{report: &retrieval.RebuildReport{Generation: "gen-1"}}
	handler := NewRebuildHandler(engine, staticLoader(nil), NewJobManager())

	req := httptest.NewRequest("POST", "/api/v1/rebuild", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusAccepted)
}

func TestRebuildHandler_Start_InvalidJSON(t *testing.T) {
	handler := NewRebuildHandler(&fakeEngine{}, staticLoader(nil), NewJobManager())

	req := httptest.NewRequest("POST", "/api/v1/rebuild", bytes.NewBufferString(`{invalid`))
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, errInvalidRequestBody)
}

func TestRebuildHandler_Start_NoCorpus(t *testing.T) {
	handler := NewRebuildHandler(&fakeEngine{}, nil, NewJobManager())

	req := httptest.NewRequest("POST", "/api/v1/rebuild", bytes.NewBufferString(`{}`))
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusServiceUnavailable)
}

func TestRebuildHandler_Start_Conflict(t *testing.T) {
	release := make(chan struct{})
	engine := &fakeEngine{
		report: &retrieval.RebuildReport{Generation: "gen-1"},
		rebuildFn: func(ctx context.Context, _ retrieval.RebuildOptions) error {
			<-release
			return nil
		},
	}
	jm := NewJobManager()
	handler := NewRebuildHandler(engine, staticLoader(testEntries()), jm)

	_, first := startRebuild(t, handler, `{}`)
	recorder, running := startRebuild(t, handler, `{}`)

	assertStatusCode(t, recorder, http.StatusConflict)
	if running != first {
		t.Errorf("expected conflict to name job %s, got %s", first, running)
	}

	close(release)
	waitForStatus(t, jm.GetJob(first))
}

func TestRebuildHandler_CorpusError(t *testing.T) {
	jm := NewJobManager()
	loader := func() ([]corpus.Entry, error) { return nil, errors.New("manifest missing") }
	handler := NewRebuildHandler(&fakeEngine{}, loader, jm)

	_, jobID := startRebuild(t, handler, `{}`)

	state := waitForStatus(t, jm.GetJob(jobID))
	if state.Status != JobStatusFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}
	if state.Error == "" {
		t.Error("expected an error message")
	}
}

func TestRebuildHandler_Cancel(t *testing.T) {
	started := make(chan struct{})
	engine := &fakeEngine{
		rebuildFn: func(ctx context.Context, _ retrieval.RebuildOptions) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	jm := NewJobManager()
	handler := NewRebuildHandler(engine, staticLoader(testEntries()), jm)

	_, jobID := startRebuild(t, handler, `{}`)
	<-started

	req := requestWithChiParams(httptest.NewRequest("DELETE", "/api/v1/rebuild/"+jobID, nil), map[string]string{"jobId": jobID})
	recorder := httptest.NewRecorder()
	handler.Cancel(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	state := waitForStatus(t, jm.GetJob(jobID))
	if state.Status != JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", state.Status)
	}
	if jm.Running() != nil {
		t.Error("expected no running job after cancel")
	}
}

func TestRebuildHandler_Status(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob("job-1", RebuildOptions{Retrain: true})
	handler := NewRebuildHandler(&fakeEngine{}, nil, jm)

	tests := []struct {
		name     string
		jobID    string
		expected int
	}{
		{"found", job.ID, http.StatusOK},
		{"not found", "missing", http.StatusNotFound},
		{"empty", "", http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/rebuild/"+tc.jobID, nil), map[string]string{"jobId": tc.jobID})
			recorder := httptest.NewRecorder()
			handler.Status(recorder, req)

			assertStatusCode(t, recorder, tc.expected)
			if tc.expected == http.StatusOK {
				var state RebuildJobState
				parseJSONResponse(t, recorder, &state)
				if state.ID != "job-1" || state.Status != JobStatusPending || !state.Options.Retrain {
					t.Errorf("unexpected state: %+v", state)
				}
			}
		})
	}
}

func TestRebuildHandler_Events_FinishedJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob("job-1", RebuildOptions{})
	handler := NewRebuildHandler(&fakeEngine{}, nil, jm)

	go func() {
		for {
			job.mu.RLock()
			listening := len(job.listeners) > 0
			job.mu.RUnlock()
			if listening {
				break
			}
			time.Sleep(time.Millisecond)
		}
		job.Cancel()
	}()

	req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/rebuild/job-1/events", nil), map[string]string{"jobId": "job-1"})
	recorder := httptest.NewRecorder()
	handler.Events(recorder, req)

	if ct := recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}
	body := recorder.Body.String()
	if !bytes.Contains([]byte(body), []byte("event: status")) {
		t.Errorf("expected initial status event, got %q", body)
	}
	if !bytes.Contains([]byte(body), []byte("event: cancelled")) {
		t.Errorf("expected cancelled event, got %q", body)
	}
}

func TestJobManager_Running(t *testing.T) {
	jm := NewJobManager()
	if jm.Running() != nil {
		t.Fatal("expected no running job")
	}
	job := jm.CreateJob("job-1", RebuildOptions{})
	if jm.Running() != job {
		t.Fatal("expected pending job to count as running")
	}
	job.Cancel()
	if jm.Running() != nil {
		t.Error("expected cancelled job to be terminal")
	}
	jm.DeleteJob("job-1")
	if jm.GetJob("job-1") != nil {
		t.Error("expected job to be deleted")
	}
}
