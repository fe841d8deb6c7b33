// Package insureops is the Go client for the InsureOps agent-operations
// platform.
//
// The centre of the package is Feed, a reconnecting WebSocket subscription
// client that multiplexes backend event types over one socket. Client is a
// thin REST client for the endpoints live consumers fall back to while the
// feed is down.
//
// Example:
//
//	client := insureops.NewClient(token, insureops.WithBaseURL("https://ops.example.com/api"))
//
//	feed, _ := client.Realtime(insureops.RealtimeConfig{})
//	feed.Connect()
//	defer feed.Disconnect()
//
//	unsub := feed.Subscribe(insureops.EventNewTrace, func(ev insureops.Event) {
//		var t insureops.Trace
//		_ = ev.Decode(&t)
//	})
//	defer unsub()
package insureops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "http://localhost:8000/api"
	DefaultTimeout = 120 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token          string
	baseURL        string
	httpClient     *http.Client
	logger         *slog.Logger
	onUnauthorized func()

	Metrics *MetricsClient
	Traces  *TracesClient
	Alerts  *AlertsClient
	Agents  *AgentsClient
	Auth    *AuthClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithUnauthorizedHandler registers fn to run when a request is rejected
// with 401, e.g. to drop a stored session token.
func WithUnauthorizedHandler(fn func()) ClientOption {
	return func(c *Client) { c.onUnauthorized = fn }
}

// NewClient creates a new InsureOps client. token may be empty for the
// login endpoint.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.Metrics = &MetricsClient{c: c}
	c.Traces = &TracesClient{c: c}
	c.Alerts = &AlertsClient{c: c}
	c.Agents = &AgentsClient{c: c}
	c.Auth = &AuthClient{c: c}
	return c
}

// SetToken sets or replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the REST base the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime builds a Feed for this client's backend. Empty APIBase, Token
// and HTTPClient fields are filled from the client.
func (c *Client) Realtime(cfg RealtimeConfig, opts ...FeedOption) (*Feed, error) {
	if cfg.URL == "" && cfg.APIBase == "" {
		cfg.APIBase = c.baseURL
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = c.httpClient
	}
	opts = append([]FeedOption{WithFeedLogger(c.logger)}, opts...)
	return NewFeed(cfg, opts...)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(resp.StatusCode, data)
		c.logger.Warn("api error", "method", method, "path", path, "status", resp.StatusCode, "error", apiErr.Message)
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil && !strings.HasPrefix(path, "/auth/") {
			c.onUnauthorized()
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func get[T any](ctx context.Context, c *Client, path string, query url.Values) (*T, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

func timerangeQuery(timerange string) url.Values {
	if timerange == "" {
		timerange = "24h"
	}
	return url.Values{"timerange": {timerange}}
}

// ============================================================================
// Sub-clients
// ============================================================================

// MetricsClient reads dashboard metrics.
type MetricsClient struct{ c *Client }

// Overview returns the headline dashboard metrics for timerange ("24h" when empty).
func (m *MetricsClient) Overview(ctx context.Context, timerange string) (*OverviewMetrics, error) {
	return get[OverviewMetrics](ctx, m.c, "/metrics/overview", timerangeQuery(timerange))
}

// TracesClient reads agent decision traces.
type TracesClient struct{ c *Client }

func (t *TracesClient) List(ctx context.Context, opts *TraceListOptions) (*TraceList, error) {
	return get[TraceList](ctx, t.c, "/traces", opts.query())
}

func (t *TracesClient) Get(ctx context.Context, traceID string) (*Trace, error) {
	return get[Trace](ctx, t.c, "/traces/"+url.PathEscape(traceID), nil)
}

// AlertsClient reads and acknowledges alerts.
type AlertsClient struct{ c *Client }

func (a *AlertsClient) Active(ctx context.Context) ([]Alert, error) {
	res, err := get[alertList](ctx, a.c, "/alerts/active", nil)
	if err != nil {
		return nil, err
	}
	return res.alerts(), nil
}

func (a *AlertsClient) Acknowledge(ctx context.Context, alertID string) (*Alert, error) {
	data, err := a.c.doRequest(ctx, http.MethodPut, "/alerts/"+url.PathEscape(alertID)+"/acknowledge", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Alert](data)
}

// AgentsClient reports agent health.
type AgentsClient struct{ c *Client }

func (a *AgentsClient) Status(ctx context.Context) (map[string]AgentStatus, error) {
	res, err := get[map[string]AgentStatus](ctx, a.c, "/agents/status", nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// AuthClient handles sessions.
type AuthClient struct{ c *Client }

// Login exchanges credentials for a bearer token. The token is not applied
// to the client; call SetToken with it.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	data, err := a.c.doRequest(ctx, http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthResult](data)
}

// Me returns the user the current token belongs to.
func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	res, err := get[struct {
		User User `json:"user"`
	}](ctx, a.c, "/auth/me", nil)
	if err != nil {
		return nil, err
	}
	return &res.User, nil
}
