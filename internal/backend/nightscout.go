package backend

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/normalize"
	"github.com/septivank/cgm-display-worker/internal/retry"
	"go.uber.org/zap"
)

const (
	nightscoutEntriesPath      = "/api/v1/entries/sgv?count=2"
	nightscoutDeviceStatusPath = "/api/v1/devicestatus?count=1"
)

// NightscoutClient reads the two most recent entries from a Nightscout site
type NightscoutClient struct {
	baseURL string
	http    *http.Client
	policy  *retry.Policy
	now     func() time.Time
	logger  *zap.Logger
}

// NewNightscoutClient creates a client for the site at baseURL
func NewNightscoutClient(baseURL string, client *http.Client, policy *retry.Policy, logger *zap.Logger) *NightscoutClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NightscoutClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		policy:  policy,
		now:     time.Now,
		logger:  logger.With(zap.String("backend", string(cgm.SourceNightscout))),
	}
}

// Source implements Backend
func (c *NightscoutClient) Source() cgm.Source {
	return cgm.SourceNightscout
}

// FetchLatest returns the current and previous sgv entries in one payload
func (c *NightscoutClient) FetchLatest(ctx context.Context) (*cgm.RawPayload, error) {
	resp, err := send(ctx, c.http, c.policy, "nightscout entries",
		jsonRequest(http.MethodGet, c.baseURL+nightscoutEntriesPath, nil, nil))
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		c.logger.Warn("fetch failed", zap.Int("status_code", resp.StatusCode))
		return nil, &FetchError{Source: cgm.SourceNightscout, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return payload(cgm.SourceNightscout, resp, c.now()), nil
}

// FetchLoopStatus returns the loop timestamp of the latest device status,
// or nil when the site reports none
func (c *NightscoutClient) FetchLoopStatus(ctx context.Context) (*time.Time, error) {
	resp, err := send(ctx, c.http, c.policy, "nightscout devicestatus",
		jsonRequest(http.MethodGet, c.baseURL+nightscoutDeviceStatusPath, nil, nil))
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		return nil, &FetchError{Source: cgm.SourceNightscout, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return normalize.ParseLoopStatus(resp.Body)
}

// Reset implements Backend; Nightscout keeps no state between cycles
func (c *NightscoutClient) Reset() {}
