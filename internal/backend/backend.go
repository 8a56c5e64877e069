package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/retry"
)

// maxBodyBytes caps how much of a response is kept for parsing and diagnostics
const maxBodyBytes = 1 << 20

// Backend fetches the latest raw payload from one CGM data source
type Backend interface {
	Source() cgm.Source
	FetchLatest(ctx context.Context) (*cgm.RawPayload, error)
	// Reset drops backend state after a payload could not be parsed, so the
	// next cycle starts clean (re-authenticates for Dexcom).
	Reset()
}

// LoopStatusFetcher is implemented by backends that expose a device status
// endpoint with the automated-dosing loop timestamp
type LoopStatusFetcher interface {
	FetchLoopStatus(ctx context.Context) (*time.Time, error)
}

// FetchError is a non-2xx response not attributable to authentication
type FetchError struct {
	Source     cgm.Source
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch failed: status %d: %s", e.Source, e.StatusCode, e.Body)
}

type response struct {
	StatusCode int
	Body       []byte
}

type requestFunc func(ctx context.Context) (*http.Request, error)

// send builds a fresh request per attempt and runs it through the retry policy
func send(ctx context.Context, client *http.Client, policy *retry.Policy, op string, build requestFunc) (*response, error) {
	return retry.Do(ctx, policy, op, func(ctx context.Context) (*response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, retry.MarkTransient(fmt.Errorf("failed to read response: %w", err))
		}
		return &response{StatusCode: resp.StatusCode, Body: body}, nil
	})
}

func jsonRequest(method, url string, payload []byte, headers map[string]string) requestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func payload(source cgm.Source, resp *response, fetchedAt time.Time) *cgm.RawPayload {
	return &cgm.RawPayload{
		Source:     source,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		FetchedAt:  fetchedAt,
	}
}

// NewHTTPClient returns the client shared by all backends
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
