package hydration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPOCR calls a remote recognition service. It is the only OCRClient
// shipped here; recognition itself always happens out of process. The
// breaker sheds calls while the service is down, and the router treats
// those failures as "no text", so a flaky OCR service degrades scans
// instead of failing runs.
type HTTPOCR struct {
	url     string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPOCR targets a POST endpoint accepting {"data": <base64>,
// "mime_type": ...} and answering {"text": ...}.
func NewHTTPOCR(url, apiKey string) *HTTPOCR {
	return &HTTPOCR{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: 60 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ocr",
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type ocrRequest struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

type ocrResponse struct {
	Text string `json:"text"`
}

// Recognize returns the text the service reads out of data.
func (c *HTTPOCR) Recognize(ctx context.Context, data []byte, mimeType string) (string, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.recognize(ctx, data, mimeType)
	})
	if err != nil {
		return "", fmt.Errorf("ocr recognize: %w", err)
	}
	return out.(string), nil
}

func (c *HTTPOCR) recognize(ctx context.Context, data []byte, mimeType string) (string, error) {
	body, err := json.Marshal(ocrRequest{
		Data:     base64.StdEncoding.EncodeToString(data),
		MIMEType: mimeType,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ocr status %d: %s", resp.StatusCode, snippet)
	}

	var parsed ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	return parsed.Text, nil
}
