// Package esi is the Ingest Client: shared HTTP plumbing for the upstream
// market API (headers, ETag handling, retry/backoff, error classification)
// plus the three fetch protocols built on top of it (paginated structure
// orders, region orders, history fan-out).
//
// Grounded on the teacher's internal/clients/openfigi and
// internal/clients/tradernet/sdk clients for the request/retry shape, and
// on the Python reference implementation's esi_requests.py /
// async_history.py for the exact pagination, backoff, and two-limiter
// fan-out contract.
package esi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/wcmkt/market-sync/internal/errs"
)

const (
	maxBackoff       = 180 * time.Second
	consecutiveErrBudget = 3
)

// TokenSource supplies the bearer Authorization header for authenticated
// calls. internal/auth.Store satisfies this.
type TokenSource interface {
	AuthHeader(ctx context.Context) (string, error)
}

// Client is the shared HTTP plumbing every ESI protocol is built on.
type Client struct {
	baseURL           string
	userAgent         string
	compatibilityDate string
	httpClient        *http.Client
	tokens            TokenSource
	log               zerolog.Logger
}

// Config configures a new Client.
type Config struct {
	BaseURL           string
	UserAgent         string
	CompatibilityDate string
	Tokens            TokenSource // nil disables Authorization headers
	HTTPClient        *http.Client
}

// New creates an esi.Client.
func New(cfg Config, log zerolog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://esi.evetech.net/latest"
	}
	return &Client{
		baseURL:           baseURL,
		userAgent:         cfg.UserAgent,
		compatibilityDate: cfg.CompatibilityDate,
		httpClient:        httpClient,
		tokens:            cfg.Tokens,
		log:               log.With().Str("component", "esi").Logger(),
	}
}

// requestOpts customizes one outbound request.
type requestOpts struct {
	authenticated bool
	etag          string
	query         map[string]string
	body          []byte
}

// rawResponse is the result of one successful HTTP round trip.
type rawResponse struct {
	body      []byte
	status    int
	etag      string
	notModified bool
	pages     int // from X-Pages, 1 if absent
}

// do performs one request with the retry/backoff/classification contract
// shared by every protocol: exponential backoff with jitter bounded at
// maxBackoff total elapsed retry time, honouring Retry-After on 429,
// giving up immediately on non-429 4xx, retrying 5xx/transport errors.
func (c *Client) do(ctx context.Context, method, path string, opts requestOpts) (rawResponse, error) {
	var lastErr error
	deadline := time.Now().Add(maxBackoff)
	attempt := 0

	for {
		attempt++
		resp, err := c.attempt(ctx, method, path, opts)
		if err == nil {
			return resp, nil
		}

		var classified *errs.Error
		if !asErr(err, &classified) {
			lastErr = err
		} else if classified.Kind == errs.KindPermanent {
			return rawResponse{}, err
		} else {
			lastErr = err
		}

		if time.Now().After(deadline) {
			return rawResponse{}, errs.TransientFetchError(
				fmt.Sprintf("%s %s: retry budget of %s exhausted", method, path, maxBackoff), lastErr)
		}

		after, hasAfter := retryAfterOf(lastErr)
		wait := backoffFor(attempt, after, hasAfter)
		c.log.Warn().Str("path", path).Int("attempt", attempt).Dur("wait", wait).Err(lastErr).Msg("retrying request")

		select {
		case <-ctx.Done():
			return rawResponse{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, opts requestOpts) (rawResponse, error) {
	url := c.baseURL + path
	var bodyReader io.Reader
	if opts.body != nil {
		bodyReader = bytes.NewReader(opts.body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return rawResponse{}, errs.PermanentFetchError("build request", err)
	}

	q := req.URL.Query()
	for k, v := range opts.query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en")
	req.Header.Set("X-Compatibility-Date", c.compatibilityDate)
	req.Header.Set("User-Agent", c.userAgent)
	if opts.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.etag != "" {
		req.Header.Set("If-None-Match", opts.etag)
	}
	if opts.authenticated && c.tokens != nil {
		header, err := c.tokens.AuthHeader(ctx)
		if err != nil {
			return rawResponse{}, errs.AuthError("obtain bearer token for request", err)
		}
		req.Header.Set("Authorization", header)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return rawResponse{}, errs.TransientFetchError(fmt.Sprintf("%s %s", method, path), err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return rawResponse{}, errs.TransientFetchError("read response body", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusNotModified:
		return rawResponse{status: httpResp.StatusCode, notModified: true, etag: opts.etag}, nil

	case httpResp.StatusCode == http.StatusTooManyRequests:
		return rawResponse{}, retryAfterErr(httpResp)

	case httpResp.StatusCode >= 500:
		return rawResponse{}, errs.TransientFetchError(fmt.Sprintf("%s %s: %d", method, path, httpResp.StatusCode), nil)

	case httpResp.StatusCode >= 400:
		return rawResponse{}, errs.PermanentFetchError(fmt.Sprintf("%s %s: %d: %s", method, path, httpResp.StatusCode, truncate(body)), nil)

	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		pages := 1
		if raw := httpResp.Header.Get("X-Pages"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				pages = n
			}
		}
		return rawResponse{
			body:   body,
			status: httpResp.StatusCode,
			etag:   httpResp.Header.Get("ETag"),
			pages:  pages,
		}, nil

	default:
		return rawResponse{}, errs.TransientFetchError(fmt.Sprintf("%s %s: unexpected status %d", method, path, httpResp.StatusCode), nil)
	}
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// retryAfterErr wraps a 429 as a transient error carrying the Retry-After
// duration so backoffFor can honour it verbatim.
type retryAfterCause struct {
	after time.Duration
}

func (c retryAfterCause) Error() string { return fmt.Sprintf("rate limited, retry after %s", c.after) }

func retryAfterErr(resp *http.Response) error {
	after := time.Second
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			after = time.Duration(secs) * time.Second
		}
	}
	return errs.TransientFetchError("rate limited (429)", retryAfterCause{after: after})
}

func retryAfterOf(err error) (time.Duration, bool) {
	var e *errs.Error
	if asErr(err, &e) {
		if cause, ok := e.Cause.(retryAfterCause); ok {
			return cause.after, true
		}
	}
	return 0, false
}

// backoffFor computes the wait before attempt, honouring an explicit
// Retry-After when present, else exponential backoff with up-to-50ms jitter
// on top to avoid synchronized bursts across concurrent callers.
func backoffFor(attempt int, retryAfter time.Duration, hasRetryAfter bool) time.Duration {
	if hasRetryAfter {
		return retryAfter
	}
	base := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	if base > maxBackoff {
		base = maxBackoff
	}
	jitter := time.Duration(rand.Intn(50)) * time.Millisecond
	return base + jitter
}

func asErr(err error, target **errs.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if me, ok := e.(*errs.Error); ok {
			*target = me
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// preflightJitter sleeps a small random delay (≤50ms) before a fan-out
// request, spreading concurrent request start times.
func preflightJitter(ctx context.Context) error {
	d := time.Duration(rand.Intn(50)) * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func decodeJSON[T any](body []byte) (T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return v, errs.DataError("decode response body", err)
	}
	return v, nil
}
