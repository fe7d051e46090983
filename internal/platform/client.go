package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/umbrix/backend/internal/circuitbreaker"
	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/metrics"
)

const (
	defaultUserAgent      = "umbrix-discovery/1.0"
	defaultCallTimeout    = 30 * time.Second
	defaultRateLimitDelay = 60 * time.Second
	errorSnippetLimit     = 512
)

// Request describes one platform API call for the shared caller.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header

	// Body is JSON-encoded when non-nil.
	Body interface{}

	// BearerToken sets the Authorization header when non-empty.
	BearerToken string

	// Operation labels the call in metrics and logs ("discover", "audit", ...).
	Operation string
}

// Response is a fully-read successful platform reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Caller executes platform HTTP calls through the per-platform circuit
// breakers and maps replies onto the fault taxonomy. It performs exactly one
// attempt per call; retry and backoff policy belongs to the job layer.
type Caller struct {
	httpClient *http.Client
	breakers   *circuitbreaker.PlatformBreakers
	logger     *log.Logger
}

// NewCaller builds a caller. A nil httpClient gets a timeout-bounded default;
// a nil breaker set gets a default one.
func NewCaller(httpClient *http.Client, breakers *circuitbreaker.PlatformBreakers) *Caller {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultCallTimeout}
	}
	if breakers == nil {
		breakers = circuitbreaker.NewPlatformBreakers()
	}
	return &Caller{
		httpClient: httpClient,
		breakers:   breakers,
		logger:     log.New(log.Writer(), "[Platform] ", log.LstdFlags),
	}
}

// Breakers exposes the breaker set for health reporting.
func (c *Caller) Breakers() *circuitbreaker.PlatformBreakers { return c.breakers }

// Do executes the request and returns the reply when the status is 2xx.
// Non-2xx replies come back as classified faults.
func (c *Caller) Do(ctx context.Context, platform core.Platform, req *Request) (*Response, error) {
	var out *Response
	err := c.call(ctx, platform, req, func(resp *http.Response) error {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return faults.TransientPlatform(string(platform), readErr)
		}
		out = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DoJSON executes the request and unmarshals the 2xx reply body into out.
func (c *Caller) DoJSON(ctx context.Context, platform core.Platform, req *Request, out interface{}) (*Response, error) {
	resp, err := c.Do(ctx, platform, req)
	if err != nil {
		return nil, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return nil, faults.Invariant(fmt.Sprintf("%s returned malformed JSON for %s", platform, req.Operation)).WithCause(err)
		}
	}
	return resp, nil
}

// DoStream executes the request and hands back the undecoded 2xx body.
// The caller owns closing the stream; breaker accounting covers only the
// request itself, not the subsequent read.
func (c *Caller) DoStream(ctx context.Context, platform core.Platform, req *Request) (io.ReadCloser, error) {
	var out io.ReadCloser
	err := c.call(ctx, platform, req, func(resp *http.Response) error {
		out = resp.Body
		return errKeepBodyOpen
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// errKeepBodyOpen is an internal sentinel: the success handler took ownership
// of the response body.
var errKeepBodyOpen = errors.New("platform: response body handed off")

func (c *Caller) call(ctx context.Context, platform core.Platform, req *Request, onSuccess func(*http.Response) error) error {
	start := time.Now()
	err := c.breakers.Call(ctx, platform, func(ctx context.Context) error {
		return c.roundTrip(ctx, platform, req, onSuccess)
	})
	metrics.Default().RecordConnectorCall(string(platform), req.Operation, time.Since(start).Seconds(), errorKind(err))
	return err
}

func (c *Caller) roundTrip(ctx context.Context, platform core.Platform, req *Request, onSuccess func(*http.Response) error) error {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return faults.Invariant(fmt.Sprintf("building %s request for %s", req.Operation, platform)).WithCause(err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is ours, not the platform's.
			return ctx.Err()
		}
		return faults.TransientPlatform(string(platform), err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		handlerErr := onSuccess(resp)
		if handlerErr == errKeepBodyOpen {
			// Body ownership transferred to the caller.
			return nil
		}
		resp.Body.Close()
		return handlerErr
	}

	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
	fault := classifyStatus(platform, resp.StatusCode, resp.Header, snippet)
	c.logger.Printf("%s %s returned %d (%s)", platform, req.Operation, resp.StatusCode, fault.Code)
	return fault
}

func (c *Caller) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	u := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("User-Agent", defaultUserAgent)
	return httpReq, nil
}

// ============================================================================
// RESPONSE CLASSIFICATION
// ============================================================================

// classifyStatus maps a non-2xx platform reply onto the fault taxonomy.
// 401 means the token no longer works (expired or revoked), 403 means the
// token works but lacks scope, 429 carries a reset instant, and 5xx is the
// platform's problem. Anything else is a contract violation on our side.
func classifyStatus(platform core.Platform, status int, header http.Header, snippet []byte) *faults.Error {
	p := string(platform)
	switch {
	case status == http.StatusUnauthorized:
		return faults.ExpiredCredentials(p).WithDetail("body", string(snippet))
	case status == http.StatusForbidden:
		return faults.MissingPermissions(p, permissionsFromBody(snippet)).WithDetail("body", string(snippet))
	case status == http.StatusTooManyRequests:
		return faults.RateLimited(p, parseRetryAfter(header, time.Now()))
	case status == http.StatusRequestTimeout || status >= 500:
		return faults.TransientPlatform(p, fmt.Errorf("status %d: %s", status, snippet))
	default:
		return faults.Invariant(fmt.Sprintf("%s rejected the request with status %d", p, status)).
			WithDetail("body", string(snippet))
	}
}

// parseRetryAfter resolves the reset instant from rate-limit headers.
// Retry-After is either delta-seconds or an HTTP date; X-RateLimit-Reset
// variants are epoch seconds on some platforms and delta seconds on others,
// so values that parse as a plausible epoch are treated as one.
func parseRetryAfter(header http.Header, now time.Time) time.Time {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	for _, k := range []string{"X-RateLimit-Reset", "X-Rate-Limit-Reset", "RateLimit-Reset"} {
		v := strings.TrimSpace(header.Get(k))
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			continue
		}
		if n > 1_000_000_000 {
			return time.Unix(n, 0)
		}
		return now.Add(time.Duration(n) * time.Second)
	}
	return now.Add(defaultRateLimitDelay)
}

// permissionsFromBody pulls scope names out of a 403 body when the platform
// names them. Best effort; an empty slice is fine.
func permissionsFromBody(snippet []byte) []string {
	var payload struct {
		Needed   string   `json:"needed"`   // slack
		Scopes   []string `json:"scopes"`   // generic
		Required []string `json:"required"` // generic
	}
	if err := json.Unmarshal(snippet, &payload); err != nil {
		return nil
	}
	var out []string
	if payload.Needed != "" {
		out = append(out, strings.Split(payload.Needed, ",")...)
	}
	out = append(out, payload.Scopes...)
	out = append(out, payload.Required...)
	return out
}

// errorKind labels an error for connector metrics.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	if fe, ok := faults.As(err); ok {
		switch fe.Code {
		case "RATE_LIMITED":
			return "rate_limited"
		case "CREDENTIALS_EXPIRED", "AUTH_PERMANENT_FAILURE":
			return "auth"
		case "MISSING_PERMISSIONS":
			return "permissions"
		case "PLATFORM_UNAVAILABLE":
			return "transient"
		default:
			return "other"
		}
	}
	return "other"
}
