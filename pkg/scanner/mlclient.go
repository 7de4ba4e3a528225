package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPClassifier calls a remote scoring endpoint. The circuit breaker
// sheds calls while the service is down; the scanner treats breaker
// rejections like any classifier failure and stays regex-only.
type HTTPClassifier struct {
	url     string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPClassifier targets a POST endpoint accepting {"text": ...} and
// answering {"score": 0.0..1.0}.
func NewHTTPClassifier(url, apiKey string) *HTTPClassifier {
	return &HTTPClassifier{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ml-scanner",
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Score float64 `json:"score"`
}

// Classify returns the malicious-content score for text.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (float64, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.classify(ctx, text)
	})
	if err != nil {
		return 0, fmt.Errorf("ml classify: %w", err)
	}
	return out.(float64), nil
}

func (c *HTTPClassifier) classify(ctx context.Context, text string) (float64, error) {
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("classifier status %d: %s", resp.StatusCode, snippet)
	}

	var parsed classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, err
	}
	if parsed.Score < 0 || parsed.Score > 1 {
		return 0, fmt.Errorf("classifier score out of range: %f", parsed.Score)
	}
	return parsed.Score, nil
}
