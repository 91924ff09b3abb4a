// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package platform is the single chokepoint for talking to the
// Platform: admission with priorities, per-installation token caching,
// primary and secondary rate limiting, bounded retries, a circuit
// breaker, and streaming artifact downloads. Callers receive the
// package's Error taxonomy; raw HTTP statuses never escape.
package platform

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/logging"

	"github.com/thc1006/flakeguard-sub004/internal/metrics"
)

const (
	defaultBaseURL        = "https://api.github.com"
	defaultRequestTimeout = 30 * time.Second
	defaultMaxArtifact    = 100 << 20

	userAgent = "flakeguard"

	// maxResponseBytes bounds buffered API responses. Artifact archives
	// stream through DownloadArtifact and are not subject to it.
	maxResponseBytes = 8 << 20
)

// Retry shape for one logical request.
const (
	maxAttempts     = 3
	retryBaseDelay  = time.Second
	retryMaxDelay   = 30 * time.Second
	retryMultiplier = 2
)

// Steady-state pacing. The primary limiter reacts to quota headers after
// the fact; the pacer keeps the sustained rate below the Platform's
// secondary limits in the first place. Bursts up to the bucket size pass
// untouched.
const (
	defaultPaceRPS   = 10
	defaultPaceBurst = 20
)

// sleepTag marks the client's backoff timers so tests can fast-forward
// them without touching request deadlines.
const sleepTag = "platform-retry"

// ClientOptions configures a Client.
type ClientOptions struct {
	// BaseURL is the Platform REST root, default https://api.github.com.
	BaseURL string
	// AppID and PrivateKey identify the application for JWT minting.
	AppID      int64
	PrivateKey *rsa.PrivateKey
	// RequestTimeout bounds one HTTP attempt, default 30s.
	RequestTimeout time.Duration
	// MaxArtifactBytes bounds one artifact download, default 100 MiB.
	MaxArtifactBytes int64
	// AuditSampleRate samples successful exchanges into the audit log.
	AuditSampleRate float64
	// SustainedRPS caps the steady request rate; zero applies the
	// default. PaceBurst is the bucket size, zero likewise.
	SustainedRPS float64
	PaceBurst    int
	// HTTPClient substitutes the transport, for tests.
	HTTPClient *http.Client
}

// Client is safe for concurrent use. One instance serves the whole
// process so that the token cache, limiter and breaker see all
// traffic.
type Client struct {
	baseURL          string
	appID            int64
	key              *rsa.PrivateKey
	httpc            *http.Client
	timeout          time.Duration
	maxArtifactBytes int64

	gate    *gate
	pace    *rate.Limiter
	limiter *rateLimiter
	breaker *gobreaker.CircuitBreaker
	tokens  *tokenCache
	audit   *auditor
}

// NewClient builds the process-wide Platform client. ctx scopes breaker
// state-change logging.
func NewClient(ctx context.Context, o ClientOptions) *Client {
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.MaxArtifactBytes <= 0 {
		o.MaxArtifactBytes = defaultMaxArtifact
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.SustainedRPS <= 0 {
		o.SustainedRPS = defaultPaceRPS
	}
	if o.PaceBurst <= 0 {
		o.PaceBurst = defaultPaceBurst
	}
	return &Client{
		baseURL:          strings.TrimRight(o.BaseURL, "/"),
		appID:            o.AppID,
		key:              o.PrivateKey,
		httpc:            o.HTTPClient,
		timeout:          o.RequestTimeout,
		maxArtifactBytes: o.MaxArtifactBytes,
		gate:             newGate(admissionCapacity),
		pace:             rate.NewLimiter(rate.Limit(o.SustainedRPS), o.PaceBurst),
		limiter:          &rateLimiter{},
		breaker:          newBreaker(ctx),
		tokens:           newTokenCache(),
		audit:            newAuditor(o.AuditSampleRate),
	}
}

// Request describes one Platform call.
type Request struct {
	Method string
	// Path is the URL path below the API root, starting with a slash.
	Path  string
	Query url.Values
	// Body is JSON-encoded when non-nil.
	Body interface{}
	// InstallationID authenticates as that installation; zero signs
	// with the app JWT.
	InstallationID int64
	Priority       Priority
	// Endpoint labels metrics and audit lines; keep the set small.
	Endpoint string
	// Accept overrides the JSON media type.
	Accept string
	// ETag makes the request conditional; a 304 yields NotModified.
	ETag string
	// Timeout overrides the client's per-attempt timeout.
	Timeout time.Duration

	// noGate requests skip admission. Reserved for the token exchange,
	// which can run while the caller already holds a slot.
	noGate bool
}

// Response is a complete, buffered Platform reply.
type Response struct {
	Status      int
	Header      http.Header
	Body        []byte
	ETag        string
	NotModified bool
}

// Do runs one request through admission, throttling, the breaker and
// the retry loop, returning a buffered response or a classified error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Endpoint == "" {
		req.Endpoint = "other"
	}
	if !req.noGate {
		if err := c.gate.acquire(ctx, req.Priority); err != nil {
			metrics.PlatformRequests.WithLabelValues(req.Endpoint, string(CodeOf(err))).Inc()
			return nil, err
		}
		defer c.gate.release()
	}

	var body []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, NewError(CodeUnknown, "encoding "+req.Endpoint+" request", err)
		}
		body = b
	}

	clockCtx := clock.Tag(ctx, sleepTag) // used by tests

	var lastErr error
	for attempt := 1; ; attempt++ {
		if req.Priority != PriorityCritical {
			if err := c.pace.Wait(ctx); err != nil {
				return nil, NewError(CodeTimeout, "canceled while pacing", err)
			}
		}
		if d := c.limiter.delayBefore(ctx, req.Priority == PriorityCritical); d > 0 {
			logging.Debugf(ctx, "platform: holding %s for %s (rate limit)", req.Endpoint, d)
			if tr := clock.Sleep(clockCtx, d); tr.Err != nil {
				return nil, NewError(CodeTimeout, "canceled while rate limited", tr.Err)
			}
		}

		res, err := c.attempt(ctx, req, body, attempt)
		if err == nil {
			metrics.PlatformRequests.WithLabelValues(req.Endpoint, "ok").Inc()
			return res, nil
		}
		lastErr = err

		if !Retryable(err) || attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		delay := nextRetryDelay(ctx, attempt)
		var pe *Error
		if stderrors.As(err, &pe) && pe.RetryAfter > delay {
			// The server asked for a specific wait; add a little jitter
			// so synchronized clients do not stampede.
			delay = pe.RetryAfter + time.Duration(mathrand.Int63n(ctx, int64(time.Second)))
		}
		logging.Warningf(ctx, "platform: %s attempt %d failed, retrying in %s: %s", req.Endpoint, attempt, delay, err)
		if tr := clock.Sleep(clockCtx, delay); tr.Err != nil {
			return nil, NewError(CodeTimeout, "canceled between attempts", tr.Err)
		}
	}
	metrics.PlatformRequests.WithLabelValues(req.Endpoint, string(CodeOf(lastErr))).Inc()
	return nil, lastErr
}

// attempt runs one try under the breaker.
func (c *Client) attempt(ctx context.Context, req *Request, body []byte, attempt int) (*Response, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, req, body, attempt)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, NewError(CodeCircuitBreakerOpen, req.Endpoint, err)
		}
		return nil, err
	}
	return out.(*Response), nil
}

func (c *Client) roundTrip(ctx context.Context, req *Request, body []byte, attempt int) (*Response, error) {
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	tctx, cancel := clock.WithTimeout(ctx, timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(tctx, req.Method, u, rd)
	if err != nil {
		return nil, NewError(CodeUnknown, "building "+req.Endpoint+" request", err)
	}
	if err := c.authorize(ctx, hreq, req.InstallationID); err != nil {
		return nil, err
	}
	accept := req.Accept
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	hreq.Header.Set("Accept", accept)
	hreq.Header.Set("User-Agent", userAgent)
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if req.ETag != "" {
		hreq.Header.Set("If-None-Match", req.ETag)
	}

	start := clock.Now(ctx)
	resp, err := c.httpc.Do(hreq)
	took := clock.Now(ctx).Sub(start)
	if err != nil {
		ferr := transportError(tctx, req.Endpoint, err)
		c.audit.record(ctx, req.Method, req.Path, 0, took, attempt, ferr)
		return nil, ferr
	}
	defer resp.Body.Close()

	metrics.PlatformRequestDuration.WithLabelValues(req.Endpoint).Observe(took.Seconds())
	c.limiter.observe(resp.Header)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		ferr := NewError(CodeServiceUnavailable, "reading "+req.Endpoint+" response", err)
		c.audit.record(ctx, req.Method, req.Path, resp.StatusCode, took, attempt, ferr)
		return nil, ferr
	}

	if resp.StatusCode == http.StatusNotModified && req.ETag != "" {
		c.audit.record(ctx, req.Method, req.Path, resp.StatusCode, took, attempt, nil)
		return &Response{Status: resp.StatusCode, Header: resp.Header, ETag: req.ETag, NotModified: true}, nil
	}
	if resp.StatusCode < 400 {
		c.audit.record(ctx, req.Method, req.Path, resp.StatusCode, took, attempt, nil)
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data, ETag: resp.Header.Get("ETag")}, nil
	}

	ferr := c.classifyResponse(req, resp, data)
	c.audit.record(ctx, req.Method, req.Path, resp.StatusCode, took, attempt, ferr)
	return nil, ferr
}

// classifyResponse maps an error status onto the client taxonomy.
func (c *Client) classifyResponse(req *Request, resp *http.Response, body []byte) *Error {
	status := resp.StatusCode
	cause := fmt.Errorf("HTTP %d: %s", status, errorMessage(body))

	switch status {
	case http.StatusTooManyRequests:
		e := NewError(CodeRateLimited, req.Endpoint, cause)
		e.RetryAfter = retryAfter(resp.Header)
		return e
	case http.StatusForbidden:
		msg := strings.ToLower(errorMessage(body))
		if strings.Contains(msg, "secondary rate limit") || strings.Contains(msg, "abuse") {
			e := NewError(CodeSecondaryRateLimited, req.Endpoint, cause)
			e.RetryAfter = retryAfter(resp.Header)
			return e
		}
		if resp.Header.Get("x-ratelimit-remaining") == "0" {
			e := NewError(CodeRateLimited, req.Endpoint, cause)
			e.RetryAfter = retryAfter(resp.Header)
			return e
		}
		return NewError(CodePermissionDenied, req.Endpoint, cause)
	case http.StatusUnauthorized:
		e := NewError(CodePermissionDenied, req.Endpoint, cause)
		if req.InstallationID != 0 {
			// The cached token may have been revoked; the next attempt
			// fetches a fresh one.
			c.tokens.invalidate(req.InstallationID)
			e.Retryable = true
		}
		return e
	default:
		code, _ := classifyStatus(status)
		e := NewError(code, req.Endpoint, cause)
		if statusRetryable(status) {
			e.Retryable = true
		}
		return e
	}
}

func (c *Client) authorize(ctx context.Context, hreq *http.Request, installationID int64) error {
	if installationID == 0 {
		tok, err := appJWT(ctx, c.appID, c.key)
		if err != nil {
			return NewError(CodeUnknown, "minting app token", err)
		}
		hreq.Header.Set("Authorization", "Bearer "+tok)
		return nil
	}
	tok, err := c.tokens.get(ctx, installationID, c.fetchInstallationToken)
	if err != nil {
		return err
	}
	hreq.Header.Set("Authorization", "token "+tok)
	return nil
}

// fetchInstallationToken exchanges the app JWT for an installation
// token. It skips the admission gate: the caller already holds a slot,
// and refreshes are bounded by the single flight.
func (c *Client) fetchInstallationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	res, err := c.Do(ctx, &Request{
		Method:   http.MethodPost,
		Path:     fmt.Sprintf("/app/installations/%d/access_tokens", installationID),
		Priority: PriorityCritical,
		Endpoint: "installation_token",
		noGate:   true,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return "", time.Time{}, NewError(CodeUnknown, "decoding installation token", err)
	}
	if payload.Token == "" {
		return "", time.Time{}, NewError(CodeUnknown, "installation token response carried no token", nil)
	}
	logging.Debugf(ctx, "platform: refreshed token for installation %d, expires %s",
		installationID, payload.ExpiresAt.Format(time.RFC3339))
	return payload.Token, payload.ExpiresAt, nil
}

// doJSON runs a request and decodes the response body into out.
func (c *Client) doJSON(ctx context.Context, req *Request, out interface{}) error {
	res, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(res.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return NewError(CodeUnknown, "decoding "+req.Endpoint+" response", err)
	}
	return nil
}

// Ping verifies connectivity and authentication without consuming
// quota; the rate-limit endpoint is free.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, &Request{
		Method:   http.MethodGet,
		Path:     "/rate_limit",
		Endpoint: "rate_limit",
	})
	return err
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// RateLimit exposes the last observed primary limit for health
// reporting.
func (c *Client) RateLimit() (limit, remaining int, resetAt time.Time) {
	return c.limiter.snapshot()
}

func transportError(ctx context.Context, endpoint string, err error) *Error {
	if stderrors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return NewError(CodeTimeout, endpoint, err)
	}
	return NewError(CodeServiceUnavailable, endpoint, err)
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "no error detail"
	}
	return s
}

// nextRetryDelay doubles from the base and spreads the result over
// plus or minus ten percent.
func nextRetryDelay(ctx context.Context, attempt int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= retryMultiplier
		if d >= retryMaxDelay {
			d = retryMaxDelay
			break
		}
	}
	if span := int64(d / 5); span > 0 {
		d = d - d/10 + time.Duration(mathrand.Int63n(ctx, span+1))
	}
	return d
}
