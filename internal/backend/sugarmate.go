package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/retry"
	"go.uber.org/zap"
)

// SugarmateClient reads the relayed latest reading under a fixed access key
type SugarmateClient struct {
	latestURL string
	http      *http.Client
	policy    *retry.Policy
	now       func() time.Time
	logger    *zap.Logger
}

// NewSugarmateClient creates a client for <baseURL>/<apiKey>/latest.json
func NewSugarmateClient(baseURL, apiKey string, client *http.Client, policy *retry.Policy, logger *zap.Logger) *SugarmateClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SugarmateClient{
		latestURL: strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(apiKey) + "/latest.json",
		http:      client,
		policy:    policy,
		now:       time.Now,
		logger:    logger.With(zap.String("backend", string(cgm.SourceSugarmate))),
	}
}

// Source implements Backend
func (c *SugarmateClient) Source() cgm.Source {
	return cgm.SourceSugarmate
}

// FetchLatest returns the composite latest.json payload
func (c *SugarmateClient) FetchLatest(ctx context.Context) (*cgm.RawPayload, error) {
	resp, err := send(ctx, c.http, c.policy, "sugarmate latest",
		jsonRequest(http.MethodGet, c.latestURL, nil, nil))
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		c.logger.Warn("fetch failed", zap.Int("status_code", resp.StatusCode))
		return nil, &FetchError{Source: cgm.SourceSugarmate, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return payload(cgm.SourceSugarmate, resp, c.now()), nil
}

// Reset implements Backend; Sugarmate keeps no state between cycles
func (c *SugarmateClient) Reset() {}
