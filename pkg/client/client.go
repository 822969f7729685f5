// Package client is the HTTP client for a running portkeeper daemon. It
// is the programmatic equivalent of the CLI's --api-url mode.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the portkeeper daemon REST API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // optional
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:4040/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a portkeeper API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:4040/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks whether the daemon answers at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/port/allocations", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < http.StatusInternalServerError
}

// Allocate reserves a port for the identity.
func (c *Client) Allocate(ctx context.Context, req AllocateRequest) (int, error) {
	var out portBody
	if err := c.do(ctx, http.MethodPost, "/port/allocate", req, &out); err != nil {
		return 0, err
	}
	return out.Port, nil
}

// Release gives up the identity's allocation.
func (c *Client) Release(ctx context.Context, app, instance string) error {
	return c.do(ctx, http.MethodPost, "/port/release?"+identityQuery(app, instance), nil, nil)
}

// AssignedPort returns the identity's reserved port.
func (c *Client) AssignedPort(ctx context.Context, app, instance string) (int, error) {
	var out portBody
	if err := c.do(ctx, http.MethodGet, "/port/get?"+identityQuery(app, instance), nil, &out); err != nil {
		return 0, err
	}
	return out.Port, nil
}

// Allocations lists every allocation record.
func (c *Client) Allocations(ctx context.Context) ([]Allocation, error) {
	var out []Allocation
	if err := c.do(ctx, http.MethodGet, "/port/allocations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsAvailable reports whether a port could be allocated right now.
func (c *Client) IsAvailable(ctx context.Context, port int) (bool, error) {
	var out availableBody
	if err := c.do(ctx, http.MethodGet, "/port/check?port="+strconv.Itoa(port), nil, &out); err != nil {
		return false, err
	}
	return out.Available, nil
}

// FindAvailable returns a free port without reserving it. Zero min/max
// use the daemon's configured range.
func (c *Client) FindAvailable(ctx context.Context, min, max int) (int, error) {
	q := url.Values{}
	if min != 0 {
		q.Set("min", strconv.Itoa(min))
	}
	if max != 0 {
		q.Set("max", strconv.Itoa(max))
	}
	path := "/port/find"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out portBody
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Port, nil
}

// ReserveStatic excludes a port from automatic allocation.
func (c *Client) ReserveStatic(ctx context.Context, port int) error {
	return c.do(ctx, http.MethodPost, "/port/static?port="+strconv.Itoa(port), nil, nil)
}

// UnreserveStatic removes a static exclusion.
func (c *Client) UnreserveStatic(ctx context.Context, port int) error {
	return c.do(ctx, http.MethodDelete, "/port/static?port="+strconv.Itoa(port), nil, nil)
}

// StaticPorts lists static exclusions.
func (c *Client) StaticPorts(ctx context.Context) ([]int, error) {
	var out []int
	if err := c.do(ctx, http.MethodGet, "/port/static", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Register adds a service record for an identity that already holds a
// port allocation.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (Service, error) {
	if req.Identity.Instance == "" {
		req.Identity.Instance = "default"
	}
	var out Service
	if err := c.do(ctx, http.MethodPost, "/service/register", req, &out); err != nil {
		return Service{}, err
	}
	return out, nil
}

// Unregister removes a service record. The port stays allocated.
func (c *Client) Unregister(ctx context.Context, app, instance string) error {
	return c.do(ctx, http.MethodPost, "/service/unregister?"+identityQuery(app, instance), nil, nil)
}

// UpdateStatus reports a lifecycle transition for a service.
func (c *Client) UpdateStatus(ctx context.Context, app, instance, status string) error {
	q := identityQuery(app, instance) + "&status=" + url.QueryEscape(status)
	return c.do(ctx, http.MethodPost, "/service/status?"+q, nil, nil)
}

// GetService fetches one service record.
func (c *Client) GetService(ctx context.Context, app, instance string) (Service, error) {
	var out Service
	if err := c.do(ctx, http.MethodGet, "/service/get?"+identityQuery(app, instance), nil, &out); err != nil {
		return Service{}, err
	}
	return out, nil
}

// ListServices lists service records, optionally filtered.
func (c *Client) ListServices(ctx context.Context, app, technology, status string) ([]Service, error) {
	q := url.Values{}
	if app != "" {
		q.Set("app", app)
	}
	if technology != "" {
		q.Set("technology", technology)
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/service/list"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []Service
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveDependencies returns the identity keys a service needs, in
// start order, ending with the service itself.
func (c *Client) ResolveDependencies(ctx context.Context, app, instance string) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/service/deps?"+identityQuery(app, instance), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckService runs one health probe immediately.
func (c *Client) CheckService(ctx context.Context, app, instance string) (HealthResult, error) {
	var out HealthResult
	if err := c.do(ctx, http.MethodPost, "/service/check?"+identityQuery(app, instance), nil, &out); err != nil {
		return HealthResult{}, err
	}
	return out, nil
}

func identityQuery(app, instance string) string {
	q := url.Values{}
	q.Set("app", app)
	if instance != "" {
		q.Set("instance", instance)
	}
	return q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if jsonErr := json.Unmarshal(data, &eb); jsonErr != nil || eb.Error == "" {
			eb.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: eb.Code, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
