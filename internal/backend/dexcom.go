package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/retry"
	"github.com/septivank/cgm-display-worker/internal/session"
	"go.uber.org/zap"
)

const (
	dexcomUserAgent = "Dexcom Share/3.0.2.11 CFNetwork/711.2.23 Darwin/14.0.0"
	dexcomLoginPath = "/General/LoginPublisherAccountByName"
	dexcomFetchPath = "/Publisher/ReadPublisherLatestGlucoseValues"

	// lookback window and result cap for the latest-value request
	dexcomLookbackMinutes = 1440
	dexcomMaxCount        = 1
)

// session rejection codes Share reports with a 500
var dexcomSessionErrors = []string{"SessionNotValid", "SessionIdNotFound"}

// DexcomOptions configures the Dexcom Share client
type DexcomOptions struct {
	BaseURL            string
	Credentials        session.Credentials
	MaxAuthFails       int
	AuthRetryDelayBase float64
	MaxFetchFails      int
}

// DexcomClient talks to the session-gated Dexcom Share API
type DexcomClient struct {
	baseURL       string
	creds         session.Credentials
	http          *http.Client
	policy        *retry.Policy
	sessions      *session.Manager
	maxFetchFails int
	now           func() time.Time
	logger        *zap.Logger

	mu         sync.Mutex
	fetchFails int
}

// NewDexcomClient creates the client together with the session manager that
// uses it to log in
func NewDexcomClient(opts DexcomOptions, client *http.Client, policy *retry.Policy, logger *zap.Logger, sessionOpts ...session.Option) *DexcomClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &DexcomClient{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		creds:         opts.Credentials,
		http:          client,
		policy:        policy,
		maxFetchFails: opts.MaxFetchFails,
		now:           time.Now,
		logger:        logger.With(zap.String("backend", string(cgm.SourceDexcom))),
	}
	c.sessions = session.NewManager(c, opts.MaxAuthFails, opts.AuthRetryDelayBase, c.logger, sessionOpts...)
	return c
}

// Source implements Backend
func (c *DexcomClient) Source() cgm.Source {
	return cgm.SourceDexcom
}

// Sessions exposes the session manager for state reporting
func (c *DexcomClient) Sessions() *session.Manager {
	return c.sessions
}

// Authenticate posts the credentials once, through the retry policy. Any
// HTTP answer is returned as is; judging it is up to the session manager.
func (c *DexcomClient) Authenticate(ctx context.Context, creds session.Credentials) (*session.AuthResponse, error) {
	body, err := json.Marshal(map[string]string{
		"password":      creds.Password,
		"applicationId": creds.ApplicationID,
		"accountName":   creds.AccountName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal login: %w", err)
	}

	resp, err := send(ctx, c.http, c.policy, "dexcom login",
		jsonRequest(http.MethodPost, c.baseURL+dexcomLoginPath, body, c.headers()))
	if err != nil {
		return nil, err
	}
	return &session.AuthResponse{StatusCode: resp.StatusCode, Body: string(resp.Body)}, nil
}

// FetchLatest ensures a session and reads the most recent glucose value.
// 401/403 or a session error body drop the session at once; other failures
// drop it once they exceed half of MaxFetchFails.
func (c *DexcomClient) FetchLatest(ctx context.Context) (*cgm.RawPayload, error) {
	token, err := c.sessions.EnsureSession(ctx, c.creds)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{"applicationId": c.creds.ApplicationID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fetch: %w", err)
	}

	resp, err := send(ctx, c.http, c.policy, "dexcom fetch",
		jsonRequest(http.MethodPost, c.fetchURL(token), body, c.headers()))
	if err != nil {
		if errors.Is(err, retry.ErrNoResponse) {
			c.recordFailure()
		}
		return nil, err
	}

	if !isSuccess(resp.StatusCode) {
		fetchErr := &FetchError{Source: cgm.SourceDexcom, StatusCode: resp.StatusCode, Body: string(resp.Body)}
		if isSessionRejected(resp) {
			c.logger.Warn("session rejected by fetch",
				zap.Int("status_code", resp.StatusCode),
				zap.String("body", string(resp.Body)),
			)
			c.resetFailures()
			c.sessions.Invalidate()
			return nil, fetchErr
		}
		c.recordFailure()
		return nil, fetchErr
	}

	c.resetFailures()
	return payload(cgm.SourceDexcom, resp, c.now()), nil
}

// Reset invalidates the session so the next fetch logs in again
func (c *DexcomClient) Reset() {
	c.resetFailures()
	c.sessions.Invalidate()
}

// FetchFailures returns the consecutive fetch failure count
func (c *DexcomClient) FetchFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchFails
}

func (c *DexcomClient) recordFailure() {
	c.mu.Lock()
	c.fetchFails++
	fails := c.fetchFails
	exceeded := fails > c.maxFetchFails/2
	if exceeded {
		c.fetchFails = 0
	}
	c.mu.Unlock()

	c.logger.Warn("fetch failed", zap.Int("fetch_failures", fails))
	if exceeded {
		c.logger.Warn("too many fetch failures, dropping session",
			zap.Int("fetch_failures", fails),
			zap.Int("max_fetch_fails", c.maxFetchFails),
		)
		c.sessions.Invalidate()
	}
}

func (c *DexcomClient) resetFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchFails = 0
}

func (c *DexcomClient) fetchURL(token string) string {
	q := url.Values{}
	q.Set("sessionID", token)
	q.Set("minutes", fmt.Sprint(dexcomLookbackMinutes))
	q.Set("maxCount", fmt.Sprint(dexcomMaxCount))
	return c.baseURL + dexcomFetchPath + "?" + q.Encode()
}

func (c *DexcomClient) headers() map[string]string {
	return map[string]string{"User-Agent": dexcomUserAgent}
}

func isSessionRejected(resp *response) bool {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return true
	}
	body := string(resp.Body)
	for _, code := range dexcomSessionErrors {
		if strings.Contains(body, code) {
			return true
		}
	}
	return false
}
