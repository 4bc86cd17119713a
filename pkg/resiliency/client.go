package resiliency

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError is returned for HTTP responses that are not 2xx/3xx.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPClient wraps http.Client and classifies responses for the retry loop:
// transport errors, 429 and 5xx are transient; other 4xx are Permanent.
// Retrying and breaking are left to the caller's Guard.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient returns a client with a 30s timeout.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: 30 * time.Second}}
}

// NewHTTPClientFrom wraps an existing client (tests use httptest clients).
func NewHTTPClientFrom(c *http.Client) *HTTPClient {
	return &HTTPClient{client: c}
}

// Do sends req with a W3C traceparent header and classifies the result.
// On success the caller owns resp.Body.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var traceBytes [16]byte
	traceID := ""
	if _, err := rand.Read(traceBytes[:]); err == nil {
		traceID = hex.EncodeToString(traceBytes[:])
	} else {
		traceID = fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	req.Header.Set("traceparent", fmt.Sprintf("00-%s-0000000000000001-01", traceID))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, statusErr
	}
	return nil, Permanent(statusErr)
}
