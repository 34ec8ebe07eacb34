// pkg/scorer/http.go
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ironveil/hostwatch/pkg/event"
)

// HTTPScorer submits detection batches to a scoring service over HTTP.
type HTTPScorer struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPScorer constructs a scorer client for the given base URL.
func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type scoreResponse struct {
	Results []event.DetectionResult `json:"results"`
}

// Score sends the batch and decodes one result per submitted event.
func (s *HTTPScorer) Score(ctx context.Context, batch *event.DetectionBatch) ([]event.DetectionResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/score", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("scorer returned status %d", resp.StatusCode)
	}

	var decoded scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Results) != len(batch.Events) {
		return nil, fmt.Errorf("%w: got %d results for %d events",
			ErrResultCountMismatch, len(decoded.Results), len(batch.Events))
	}
	return decoded.Results, nil
}
