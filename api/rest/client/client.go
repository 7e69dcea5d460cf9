// Package client implements the HTTP client node agents and tools use to
// talk to a coordinator.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"

	"yqhp/topology-engine/api/rest"
	"yqhp/topology-engine/pkg/types"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// CoordinatorURL is the base URL of the coordinator (e.g., "http://localhost:8080").
	CoordinatorURL string

	// RequestTimeout is the timeout for HTTP requests.
	RequestTimeout time.Duration
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		CoordinatorURL: "http://localhost:8080",
		RequestTimeout: 10 * time.Second,
	}
}

// APIError is a non-success response from the coordinator. It matches the
// core sentinel errors with errors.Is.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("coordinator returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("coordinator returned status %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes back to sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case types.ErrNotFound:
		return e.StatusCode == fiber.StatusNotFound
	case types.ErrAlreadyRegistered:
		return e.StatusCode == fiber.StatusConflict
	case types.ErrInfeasible:
		return e.StatusCode == fiber.StatusUnprocessableEntity
	case types.ErrBackpressure:
		return e.StatusCode == fiber.StatusTooManyRequests
	case types.ErrNotStarted:
		return e.StatusCode == fiber.StatusServiceUnavailable
	}
	return false
}

// Client talks to one coordinator.
type Client struct {
	config *Config
	agent  *fiber.Client
}

// NewClient creates a new HTTP client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Client{
		config: config,
		agent:  fiber.AcquireClient(),
	}
}

// Close releases the underlying client.
func (c *Client) Close() {
	fiber.ReleaseClient(c.agent)
}

// Health checks that the coordinator answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, fiber.MethodGet, "/api/v1/health", nil, nil)
}

// Register registers a node. An empty id asks the coordinator to assign one.
func (c *Client) Register(ctx context.Context, id types.NodeID, profile types.NodeProfile) (*rest.RegisterResponse, error) {
	var resp rest.RegisterResponse
	req := rest.RegisterRequest{NodeID: id, Profile: profile}
	if err := c.do(ctx, fiber.MethodPost, "/api/v1/nodes/register", req, &resp); err != nil {
		return nil, fmt.Errorf("register %s: %w", id, err)
	}
	return &resp, nil
}

// UpdateProfile replaces the node's profile.
func (c *Client) UpdateProfile(ctx context.Context, id types.NodeID, profile types.NodeProfile) error {
	return c.do(ctx, fiber.MethodPut, "/api/v1/nodes/"+url.PathEscape(string(id))+"/profile", profile, nil)
}

// Heartbeat reports the node alive.
func (c *Client) Heartbeat(ctx context.Context, id types.NodeID) error {
	return c.do(ctx, fiber.MethodPost, "/api/v1/nodes/"+url.PathEscape(string(id))+"/heartbeat", nil, nil)
}

// Leave removes the node gracefully.
func (c *Client) Leave(ctx context.Context, id types.NodeID) error {
	return c.do(ctx, fiber.MethodPost, "/api/v1/nodes/"+url.PathEscape(string(id))+"/leave", nil, nil)
}

// ReportProbes sends a batch of probe results.
func (c *Client) ReportProbes(ctx context.Context, probes []types.ProbeResult) (*rest.ProbeReportResponse, error) {
	var resp rest.ProbeReportResponse
	if err := c.do(ctx, fiber.MethodPost, "/api/v1/probes", rest.ProbeReportRequest{Probes: probes}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportProbe sends one probe result.
func (c *Client) ReportProbe(ctx context.Context, probe types.ProbeResult) error {
	resp, err := c.ReportProbes(ctx, []types.ProbeResult{probe})
	if err != nil {
		return err
	}
	if len(resp.Rejected) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidProbe, resp.Rejected[0].Error)
	}
	return nil
}

// ListNodes lists registered nodes.
func (c *Client) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var resp rest.NodeListResponse
	if err := c.do(ctx, fiber.MethodGet, "/api/v1/nodes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// GetNode returns one node.
func (c *Client) GetNode(ctx context.Context, id types.NodeID) (*types.Node, error) {
	var node types.Node
	if err := c.do(ctx, fiber.MethodGet, "/api/v1/nodes/"+url.PathEscape(string(id)), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// Topology returns the current graph.
func (c *Client) Topology(ctx context.Context) (*rest.TopologyResponse, error) {
	var resp rest.TopologyResponse
	if err := c.do(ctx, fiber.MethodGet, "/api/v1/topology", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BestPath queries the cheapest path under metric.
func (c *Client) BestPath(ctx context.Context, from, to types.NodeID, metric string, bytes int64) (*rest.PathResponse, error) {
	q := url.Values{}
	q.Set("from", string(from))
	q.Set("to", string(to))
	if metric != "" {
		q.Set("metric", metric)
	}
	if bytes > 0 {
		q.Set("bytes", fmt.Sprint(bytes))
	}

	var resp rest.PathResponse
	if err := c.do(ctx, fiber.MethodGet, "/api/v1/topology/path?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Plan requests a route plan.
func (c *Client) Plan(ctx context.Context, req *rest.PlanRequest) (*rest.PlanResponse, error) {
	var resp rest.PlanResponse
	if err := c.do(ctx, fiber.MethodPost, "/api/v1/plans", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Members returns membership states.
func (c *Client) Members(ctx context.Context) ([]types.Member, error) {
	var resp rest.MemberListResponse
	if err := c.do(ctx, fiber.MethodGet, "/api/v1/members", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// Stats returns the coordinator summary.
func (c *Client) Stats(ctx context.Context) (*rest.StatsResponse, error) {
	var resp rest.StatsResponse
	if err := c.do(ctx, fiber.MethodGet, "/api/v1/diagnostics/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends one request. A nil in sends no body; a nil out discards the
// response body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = sonic.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	timeout := c.config.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	var req *fiber.Agent
	switch method {
	case fiber.MethodPost:
		req = c.agent.Post(c.config.CoordinatorURL + path)
	case fiber.MethodPut:
		req = c.agent.Put(c.config.CoordinatorURL + path)
	default:
		req = c.agent.Get(c.config.CoordinatorURL + path)
	}
	req.Timeout(timeout)

	if body != nil {
		req.Body(body)
		req.Set("Content-Type", "application/json")
	}

	statusCode, respBody, errs := req.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("request %s %s: %w", method, path, errors.Join(errs...))
	}

	if statusCode < 200 || statusCode >= 300 {
		apiErr := &APIError{StatusCode: statusCode}
		var errResp rest.ErrorResponse
		if err := sonic.Unmarshal(respBody, &errResp); err == nil {
			apiErr.Kind = errResp.Error
			apiErr.Message = errResp.Message
		}
		return apiErr
	}

	if out != nil {
		if err := sonic.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
