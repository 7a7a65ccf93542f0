// Package upstream dispatches translated requests to Cloud Code, handling
// dual-endpoint failover, auth token refresh, per-account concurrency
// gating, and retry under the rate-limit policy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kvoss/ccproxy/internal/account"
	"github.com/kvoss/ccproxy/internal/ccerrors"
	"github.com/kvoss/ccproxy/internal/cloudcode"
	"github.com/kvoss/ccproxy/internal/metrics"
	"github.com/kvoss/ccproxy/internal/ratelimit"
)

// Endpoints is the fixed-precedence dual-endpoint failover order. It is
// never reordered heuristically, to keep operational behavior predictable.
var Endpoints = []string{
	"daily-cloudcode-pa.googleapis.com",
	"cloudcode-pa.googleapis.com",
}

const (
	connectTimeout        = 30 * time.Second
	nonStreamingTimeout   = 120 * time.Second
	forcedDisableDuration = 15 * time.Minute

	generateContentPath       = "/v1internal:generateContent"
	streamGenerateContentPath = "/v1internal:streamGenerateContent?alt=sse"

	userAgent      = "ccproxy/1.0"
	apiClientLabel = "ccproxy/1.0 gl-go"
)

// Client dispatches GenerateContentRequests to Cloud Code on behalf of a
// leased account.
type Client struct {
	httpClient *http.Client
	manager    *account.Manager
	refresher  *account.Refresher

	gatesMu sync.Mutex
	gates   map[string]*ratelimit.Gate
	gateCfg ratelimit.GateConfig

	backoffCfg ratelimit.BackoffConfig

	metrics *metrics.Registry

	// endpoints overrides the package-level Endpoints list when non-nil.
	// Entries may be bare hosts (dispatched over https, production shape)
	// or full "http://host:port" base URLs, which httptest.Server produces
	// and which let tests exercise the real failover loop.
	endpoints []string
}

// NewClient constructs a Client. httpClient, if nil, gets a default with
// connectTimeout-bounded dialing; streaming reads are bounded only by the
// request's context, per the unbounded-on-read contract.
func NewClient(httpClient *http.Client, manager *account.Manager, refresher *account.Refresher, gateCfg ratelimit.GateConfig) *Client {
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
		httpClient = &http.Client{Transport: transport}
	}
	return &Client{
		httpClient: httpClient,
		manager:    manager,
		refresher:  refresher,
		gates:      make(map[string]*ratelimit.Gate),
		gateCfg:    gateCfg,
		backoffCfg: ratelimit.DefaultBackoffConfig(),
	}
}

// SetBackoffConfig overrides the retry backoff schedule. Left at its
// NewClient default, the retry loop uses ratelimit.DefaultBackoffConfig.
func (c *Client) SetBackoffConfig(cfg ratelimit.BackoffConfig) {
	c.backoffCfg = cfg
}

// SetEndpoints overrides the failover order for this Client instance. Tests
// use it, and cmd/ccproxy calls it when the configuration lists upstream
// endpoints; otherwise the package-level Endpoints order applies.
func (c *Client) SetEndpoints(eps []string) {
	c.endpoints = eps
}

// SetMetrics wires a metrics registry so the retry loop can record retry
// attempts by account and outcome. Left nil, retries simply go unrecorded.
func (c *Client) SetMetrics(m *metrics.Registry) {
	c.metrics = m
}

func (c *Client) endpointList() []string {
	if c.endpoints != nil {
		return c.endpoints
	}
	return Endpoints
}

func (c *Client) gateFor(accountID string) *ratelimit.Gate {
	c.gatesMu.Lock()
	defer c.gatesMu.Unlock()
	g, ok := c.gates[accountID]
	if !ok {
		g = ratelimit.NewGate(c.gateCfg)
		c.gates[accountID] = g
	}
	return g
}

// Result is the outcome of one upstream dispatch.
type Result struct {
	Response *cloudcode.GenerateContentResponse
	Outcome  ratelimit.Outcome
}

// StreamResult is the outcome of a streaming dispatch: callers read body
// via sse.ParseChunks and must Close it.
type StreamResult struct {
	Body    io.ReadCloser
	Outcome ratelimit.Outcome
}

// Dispatch sends a non-streaming generateContent request, applying the
// endpoint failover, auth-refresh, and retry/backoff policy. The caller is
// responsible for obtaining and releasing the account lease around this
// call; Dispatch itself only gates per-account concurrency and spacing.
func (c *Client) Dispatch(ctx context.Context, lease *account.Lease, payload *cloudcode.GenerateContentRequest) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshaling request: %w", err)
	}

	gate := c.gateFor(lease.Account.ID)
	var attempt int
	for {
		release, err := gate.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		resp, outcome, dispatchErr := c.dispatchOnce(ctx, lease, generateContentPath, body)
		release()

		if outcome == ratelimit.OutcomeOK {
			return &Result{Response: resp, Outcome: outcome}, nil
		}
		if handled, retryErr := c.handleOutcomeForRetry(ctx, lease, outcome, &attempt); handled {
			if retryErr != nil {
				return nil, retryErr
			}
			continue
		}
		if dispatchErr != nil {
			return nil, dispatchErr
		}
		return &Result{Outcome: outcome}, c.classifyToError(outcome, lease.Account.ID, attempt)
	}
}

// DispatchStream sends a streamGenerateContent request and returns the
// live response body for the caller to parse incrementally. Unlike
// Dispatch, retries here only cover the connect phase: once bytes start
// flowing, a failure is the caller's problem (emit a synthetic stream
// error), since replaying a partially-consumed SSE stream is not safe.
func (c *Client) DispatchStream(ctx context.Context, lease *account.Lease, payload *cloudcode.GenerateContentRequest) (*StreamResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshaling request: %w", err)
	}

	gate := c.gateFor(lease.Account.ID)
	var attempt int
	for {
		release, err := gate.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		resp, outcome, dispatchErr := c.dispatchStreamOnce(ctx, lease, body)
		if outcome == ratelimit.OutcomeOK {
			// Concurrency slot is released by the caller once the body is
			// fully read and closed, via a wrapping ReadCloser.
			return &StreamResult{Body: wrapCloser(resp.Body, release), Outcome: outcome}, nil
		}
		release()

		if handled, retryErr := c.handleOutcomeForRetry(ctx, lease, outcome, &attempt); handled {
			if retryErr != nil {
				return nil, retryErr
			}
			continue
		}
		if dispatchErr != nil {
			return nil, dispatchErr
		}
		return nil, c.classifyToError(outcome, lease.Account.ID, attempt)
	}
}

// handleOutcomeForRetry applies the rate-limit policy's backoff/retry
// ceiling for a given outcome. It returns handled=true if the caller
// should loop and retry (possibly after a forced refresh), with retryErr
// non-nil only if retrying is no longer possible.
func (c *Client) handleOutcomeForRetry(ctx context.Context, lease *account.Lease, outcome ratelimit.Outcome, attempt *int) (handled bool, err error) {
	if outcome == ratelimit.OutcomeAuthExpired {
		if *attempt > 0 {
			now := time.Now()
			_ = c.manager.Disable(lease.Account.ID, now.Add(forcedDisableDuration))
			return false, &ccerrors.RateLimitedError{AccountID: lease.Account.ID, Cause: ccerrors.ErrNoAccounts}
		}
		*attempt++
		c.observeRetry(lease.Account.ID, outcome)
		// Cloud Code's own 401 is a stronger freshness signal than our
		// local expiry estimate, so force the exchange rather than letting
		// EnsureFresh decide the cached token still looks fine and resend
		// the same rejected credential.
		if _, err := account.ForceRefresh(ctx, c.manager, c.refresher, lease.Account.ID); err != nil {
			return false, err
		}
		return true, nil
	}

	if !outcome.Retryable() {
		return false, nil
	}

	maxRetries := ratelimit.MaxRetriesFor(outcome)
	if *attempt >= maxRetries {
		return false, nil
	}

	delay := ratelimit.BackoffWithConfig(*attempt, c.backoffCfg, nil)
	*attempt++
	c.observeRetry(lease.Account.ID, outcome)
	select {
	case <-time.After(delay):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// observeRetry records one retry attempt, if a metrics registry is wired.
func (c *Client) observeRetry(accountID string, outcome ratelimit.Outcome) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveRetry(accountID, string(outcome))
}

// classifyToError converts a terminal (non-retryable, or retry-ceiling-hit)
// outcome into the typed error the pipeline classifies for the client.
// attempt is the retry count already spent, used to estimate the
// retry-after hint from the same backoff schedule the retry loop used.
func (c *Client) classifyToError(outcome ratelimit.Outcome, accountID string, attempt int) error {
	switch outcome {
	case ratelimit.OutcomeRetryableRateLimited, ratelimit.OutcomeRetryableCapacity:
		retryAfter := int(ratelimit.BackoffWithConfig(attempt, c.backoffCfg, nil).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &ccerrors.RateLimitedError{AccountID: accountID, RetryAfterSecs: retryAfter}
	case ratelimit.OutcomeAuthExpired:
		return ccerrors.ErrUnauthenticated
	case ratelimit.OutcomeAuthInvalid:
		return &ccerrors.UpstreamError{StatusCode: http.StatusForbidden, Body: "account not permitted for this operation"}
	default:
		return &ccerrors.UpstreamError{}
	}
}

func (c *Client) dispatchOnce(ctx context.Context, lease *account.Lease, path string, body []byte) (*cloudcode.GenerateContentResponse, ratelimit.Outcome, error) {
	for _, host := range c.endpointList() {
		reqCtx, cancel := context.WithTimeout(ctx, nonStreamingTimeout)
		resp, outcome, err := c.doRequest(reqCtx, lease, host, path, body)

		if shouldFailover(outcome, err) {
			cancel()
			continue
		}
		if err != nil {
			cancel()
			return nil, outcome, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if readErr != nil {
			return nil, ratelimit.OutcomeRetryableTransient, readErr
		}

		if isEndpointLevelFailure(resp.StatusCode, string(respBody)) {
			continue
		}

		outcome = ratelimit.Classify(resp.StatusCode, string(respBody), nil)
		if outcome != ratelimit.OutcomeOK {
			return nil, outcome, nil
		}

		var envelope cloudcode.ResponseEnvelope
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return nil, ratelimit.OutcomeFatal, fmt.Errorf("upstream: decoding response: %w", err)
		}
		return envelope.Unwrap(), ratelimit.OutcomeOK, nil
	}
	return nil, ratelimit.OutcomeRetryableTransient, fmt.Errorf("upstream: all endpoints failed")
}

func (c *Client) dispatchStreamOnce(ctx context.Context, lease *account.Lease, body []byte) (*http.Response, ratelimit.Outcome, error) {
	for _, host := range c.endpointList() {
		// connectTimeout bounds only the wait for response headers; the
		// context stays live while the body is read and ends when it closes.
		connectCtx, cancel := context.WithCancel(ctx)
		connectTimer := time.AfterFunc(connectTimeout, cancel)
		resp, outcome, err := c.doRequest(connectCtx, lease, host, streamGenerateContentPath, body)
		connectTimer.Stop()

		if shouldFailover(outcome, err) {
			cancel()
			continue
		}
		if err != nil {
			cancel()
			return nil, outcome, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			cancel()
			if isEndpointLevelFailure(resp.StatusCode, string(respBody)) {
				continue
			}
			return nil, ratelimit.Classify(resp.StatusCode, string(respBody), nil), nil
		}
		resp.Body = wrapCloser(resp.Body, cancel)
		return resp, ratelimit.OutcomeOK, nil
	}
	return nil, ratelimit.OutcomeRetryableTransient, fmt.Errorf("upstream: all endpoints failed")
}

func shouldFailover(outcome ratelimit.Outcome, err error) bool {
	if err != nil {
		return true
	}
	return outcome == ratelimit.OutcomeRetryableTransient
}

// isEndpointLevelFailure reports whether a response indicates this
// specific endpoint (rather than the request itself) is the problem, which
// falls through to the next endpoint in the fixed failover order instead
// of being classified as a terminal error.
func isEndpointLevelFailure(statusCode int, body string) bool {
	if statusCode == http.StatusNotFound {
		return true
	}
	if statusCode == http.StatusForbidden && containsPermissionDenied(body) {
		return true
	}
	return false
}

func containsPermissionDenied(body string) bool {
	return bytes.Contains([]byte(body), []byte("PERMISSION_DENIED"))
}

func (c *Client) doRequest(ctx context.Context, lease *account.Lease, host, path string, body []byte) (*http.Response, ratelimit.Outcome, error) {
	accessToken, err := account.EnsureFresh(ctx, c.manager, c.refresher, lease.Account.ID)
	if err != nil {
		return nil, ratelimit.OutcomeAuthExpired, err
	}

	url := host + path
	if !strings.Contains(host, "://") {
		url = "https://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, ratelimit.OutcomeFatal, err
	}
	req.Header.Set("authorization", "Bearer "+accessToken)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-goog-api-client", apiClientLabel)
	req.Header.Set("user-agent", userAgent)
	if lease.Account.ProjectID != "" {
		req.Header.Set("x-goog-user-project", lease.Account.ProjectID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ratelimit.OutcomeRetryableTransient, err
	}
	return resp, ratelimit.OutcomeOK, nil
}

// wrapCloser returns a ReadCloser that releases the concurrency gate slot
// when the underlying body is closed.
func wrapCloser(rc io.ReadCloser, release func()) io.ReadCloser {
	return &releasingBody{ReadCloser: rc, release: release}
}

type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
