package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/turtle-id/internal/corpus"
	"github.com/kozaktomas/turtle-id/internal/retrieval"
)

// fakeEngine is a scripted Engine for handler tests.
type fakeEngine struct {
	mu sync.Mutex

	results   []retrieval.RankedCandidate
	searchErr error
	insertErr error
	archive   retrieval.StoredFeature
	archErr   error
	report    *retrieval.RebuildReport
	rebuildFn func(ctx context.Context, opts retrieval.RebuildOptions) error
	stats     retrieval.Stats

	lastLocation string
	lastLimit    int
	lastInsert   [3]string
	rebuilds     int
}

func (f *fakeEngine) SearchImage(_ context.Context, _ image.Image, location string, limit int) ([]retrieval.RankedCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLocation = location
	f.lastLimit = limit
	return f.results, f.searchErr
}

func (f *fakeEngine) InsertIdentityVector(_ context.Context, path, siteID, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastInsert = [3]string{path, siteID, location}
	return f.insertErr
}

func (f *fakeEngine) ExtractAndArchive(_ context.Context, path string) (retrieval.StoredFeature, error) {
	if f.archErr != nil {
		return retrieval.StoredFeature{}, f.archErr
	}
	stored := f.archive
	stored.Path = path
	return stored, nil
}

func (f *fakeEngine) Rebuild(ctx context.Context, entries []corpus.Entry, opts retrieval.RebuildOptions) (*retrieval.RebuildReport, error) {
	f.mu.Lock()
	f.rebuilds++
	fn := f.rebuildFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, opts); err != nil {
			return nil, err
		}
	}
	if opts.OnProgress != nil {
		for i := range entries {
			opts.OnProgress(retrieval.ProgressInfo{
				Phase:   retrieval.PhaseExtracting,
				Current: i + 1,
				Total:   len(entries),
				Path:    entries[i].Path,
			})
		}
	}
	return f.report, nil
}

func (f *fakeEngine) Stats() retrieval.Stats {
	return f.stats
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// pngBytes returns a small encoded test image.
func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*16 + y*7) % 256)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

// multipartRequest builds a multipart upload with the given file and fields.
func multipartRequest(t *testing.T, path string, file []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if file != nil {
		part, err := mw.CreateFormFile("file", "query.png")
		if err != nil {
			t.Fatalf("creating form file: %v", err)
		}
		part.Write(file)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest("POST", path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
