// Package sdk is the Go client for the Umbrix shadow-AI discovery API.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "https://umbrix.yourcompany.com",
//	    APIKey:  os.Getenv("UMBRIX_API_KEY"),
//	})
//
//	res, err := client.Connect(ctx, sdk.ConnectRequest{Platform: "google"})
//	if err != nil {
//	    return err
//	}
//	// Send the installing admin to res.AuthorizationURL, then poll the
//	// connection until it reports "active".
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the API endpoint, without a trailing slash.
	BaseURL string

	// APIKey is the full "ubx_..." key shown once at creation. A bearer
	// token issued by the API works here too.
	APIKey string

	// Timeout bounds each request (default 30s).
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the Umbrix API. All methods return *APIError for any
// non-2xx response, so callers can switch on the error code:
//
//	var apiErr *sdk.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == "CONNECTION_NOT_FOUND" { ... }
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a client. The zero Timeout defaults to 30 seconds.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{config: cfg, http: hc}
}

// Connect starts a platform connection. OAuth platforms return a pending
// connection plus the authorization URL; API-key platforms validate and
// activate in this call.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	var out ConnectResult
	if err := c.do(ctx, http.MethodPost, "/connections", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConnections returns every connection in the organization.
func (c *Client) ListConnections(ctx context.Context) ([]Connection, error) {
	var out struct {
		Connections []Connection `json:"connections"`
	}
	if err := c.do(ctx, http.MethodGet, "/connections", nil, &out); err != nil {
		return nil, err
	}
	return out.Connections, nil
}

// GetConnection fetches one connection by id.
func (c *Client) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var out struct {
		Connection Connection `json:"connection"`
	}
	if err := c.do(ctx, http.MethodGet, "/connections/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Connection, nil
}

// Disconnect tears a connection down. Discovered automations survive as
// inactive inventory; only the credential is destroyed.
func (c *Client) Disconnect(ctx context.Context, id string) (*DisconnectResult, error) {
	var out DisconnectResult
	if err := c.do(ctx, http.MethodDelete, "/connections/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Discover queues a discovery run for the connection and returns the job id.
func (c *Client) Discover(ctx context.Context, connectionID string) (*DiscoveryRun, error) {
	var out DiscoveryRun
	path := "/connections/" + url.PathEscape(connectionID) + "/discover"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAutomations pages through the automation inventory.
func (c *Client) ListAutomations(ctx context.Context, opts ListAutomationsOptions) (*AutomationPage, error) {
	q := url.Values{}
	if opts.Platform != "" {
		q.Set("platform", opts.Platform)
	}
	if opts.RiskLevel != "" {
		q.Set("riskLevel", opts.RiskLevel)
	}
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	if opts.ConnectionID != "" {
		q.Set("connectionId", opts.ConnectionID)
	}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.IncludeInactive {
		q.Set("includeInactive", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/automations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out AutomationPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAutomation fetches one automation with its latest risk assessment.
func (c *Client) GetAutomation(ctx context.Context, id string) (*AutomationDetail, error) {
	var out AutomationDetail
	if err := c.do(ctx, http.MethodGet, "/automations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitFeedback records an analyst verdict on a detection.
func (c *Client) SubmitFeedback(ctx context.Context, req FeedbackRequest) (*Feedback, error) {
	var out struct {
		Feedback Feedback `json:"feedback"`
	}
	if err := c.do(ctx, http.MethodPost, "/feedback", req, &out); err != nil {
		return nil, err
	}
	return &out.Feedback, nil
}

// GetFeedback fetches one feedback record by id.
func (c *Client) GetFeedback(ctx context.Context, id string) (*Feedback, error) {
	var out struct {
		Feedback Feedback `json:"feedback"`
	}
	if err := c.do(ctx, http.MethodGet, "/feedback/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Feedback, nil
}

// TrainingBatch exports recent feedback for model tuning. since zero means
// "from the beginning"; limit is capped server-side.
func (c *Client) TrainingBatch(ctx context.Context, since time.Time, limit int) (*TrainingBatch, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/feedback/ml-training-batch"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out TrainingBatch
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sdk: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("sdk: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sdk: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jerr := json.Unmarshal(raw, apiErr); jerr != nil || apiErr.Code == "" {
			apiErr.Code = "HTTP_" + strconv.Itoa(resp.StatusCode)
			apiErr.Message = string(raw)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("sdk: parse response: %w", err)
	}
	return nil
}
