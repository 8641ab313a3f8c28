// Package fingerprint is the client of the learned local-feature service used
// by the deep-feature backend.
package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	defaultFeatureURL   = "http://localhost:8000"
	defaultFeatureModel = "superpoint" // model name for reference only
)

// KeypointClient requests keypoints and descriptors from the feature server.
type KeypointClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewKeypointClient creates a new feature server client.
func NewKeypointClient(baseURL, model string, timeout time.Duration) *KeypointClient {
	if baseURL == "" {
		baseURL = defaultFeatureURL
	}
	if model == "" {
		model = defaultFeatureModel
	}
	return &KeypointClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

// keypointResponse represents the response from the feature server
type keypointResponse struct {
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Dim         int          `json:"dim"`
	Model       string       `json:"model"`
	Keypoints   [][2]float32 `json:"keypoints"` // [x, y] in pixels of the submitted image
	Scores      []float32    `json:"scores"`
	Descriptors [][]float32  `json:"descriptors"`
}

// KeypointResult contains the local features of one image
type KeypointResult struct {
	Keypoints   [][2]float32
	Scores      []float32
	Descriptors [][]float32
	Width       int
	Height      int
	Dim         int
	Model       string
}

// postMultipartImage constructs a multipart form with the image data and posts it to the given endpoint.
// The part carries an explicit Content-Type header based on magic byte detection.
func (c *KeypointClient) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// ComputeKeypoints extracts local features for an encoded image
func (c *KeypointClient) ComputeKeypoints(ctx context.Context, imageData []byte) (*KeypointResult, error) {
	body, err := c.postMultipartImage(ctx, "/embed/keypoints", imageData)
	if err != nil {
		return nil, err
	}

	var kpResp keypointResponse
	if err := json.Unmarshal(body, &kpResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(kpResp.Keypoints) != len(kpResp.Descriptors) {
		return nil, fmt.Errorf("response has %d keypoints but %d descriptors", len(kpResp.Keypoints), len(kpResp.Descriptors))
	}
	if len(kpResp.Scores) != 0 && len(kpResp.Scores) != len(kpResp.Keypoints) {
		return nil, errors.New("response scores do not match keypoints")
	}

	return &KeypointResult{
		Keypoints:   kpResp.Keypoints,
		Scores:      kpResp.Scores,
		Descriptors: kpResp.Descriptors,
		Width:       kpResp.Width,
		Height:      kpResp.Height,
		Dim:         kpResp.Dim,
		Model:       kpResp.Model,
	}, nil
}

// Health checks that the feature server is reachable
func (c *KeypointClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feature server unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

// Model returns the model name being used
func (c *KeypointClient) Model() string {
	return c.model
}

// detectMIMEType detects the MIME type from image data
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// WebP: 52 49 46 46 ... 57 45 42 50
	if len(data) >= 12 && data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
		data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50 {
		return "image/webp"
	}
	return "application/octet-stream"
}
