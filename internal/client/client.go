package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentsh/agentgate/pkg/emergency"
	"github.com/agentsh/agentgate/pkg/types"
)

// Client talks to the agentgate HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	header     string
	httpClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHeader sets the header that carries the API key.
func WithHeader(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.header = name
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func New(baseURL string, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		header:  "X-API-Key",
		// Submit blocks until a human decides, so there is no client-wide timeout.
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	Status     string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Path, e.Status, body)
}

// Submit sends req and waits for its decision.
func (c *Client) Submit(ctx context.Context, req types.OperationRequest) (types.Decision, error) {
	var out types.Decision
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/requests", nil, req, &out)
	return out, err
}

// CheckResult is the dry-run policy answer.
type CheckResult struct {
	Decision types.PolicyResult `json:"decision"`
	Rule     string             `json:"rule,omitempty"`
	Source   string             `json:"source"`
	Version  int64              `json:"policy_version"`
}

func (c *Client) Check(ctx context.Context, op types.Operation, target, sessionID string) (CheckResult, error) {
	var out CheckResult
	body := map[string]any{"operation": op, "target": target}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/check", nil, body, &out)
	return out, err
}

func (c *Client) ListPending(ctx context.Context, sessionID string) ([]types.PendingRequest, error) {
	var q url.Values
	if sessionID != "" {
		q = url.Values{"session_id": {sessionID}}
	}
	var out []types.PendingRequest
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/requests/pending", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecideOptions carry the optional parts of a decision.
type DecideOptions struct {
	Remember bool
	Scope    types.RememberScope // only sent when Remember is set
	TOTPCode string
}

// Decide resolves a waiting request.
func (c *Client) Decide(ctx context.Context, id string, outcome types.Outcome, opts DecideOptions) error {
	body := map[string]any{"outcome": outcome}
	if opts.Remember {
		body["remember"] = true
		body["scope"] = opts.Scope
	}
	if opts.TOTPCode != "" {
		body["totp_code"] = opts.TOTPCode
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/requests/"+url.PathEscape(id)+"/decision", nil, body, nil)
}

func (c *Client) EmergencyStop(ctx context.Context, reason string) (emergency.KillAllResult, error) {
	var out emergency.KillAllResult
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/emergency/stop", nil, map[string]any{"reason": reason}, &out)
	return out, err
}

func (c *Client) EmergencyReset(ctx context.Context) (emergency.KillSwitchState, error) {
	var out emergency.KillSwitchState
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/emergency/reset", nil, nil, &out)
	return out, err
}

func (c *Client) EmergencyStatus(ctx context.Context) (emergency.KillSwitchState, error) {
	var out emergency.KillSwitchState
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/emergency", nil, nil, &out)
	return out, err
}

// ExportAudit streams the in-memory audit export document into w.
func (c *Client) ExportAudit(ctx context.Context, w io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/audit/export", nil, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// StreamEvents opens the server-sent event stream. The caller closes the body.
func (c *Client) StreamEvents(ctx context.Context) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/events", nil, nil, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	resp, err := c.do(ctx, method, path, q, body, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any, accept string) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(c.header, c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		herr := &HTTPError{Method: method, Path: path, Status: resp.Status, StatusCode: resp.StatusCode, Body: string(b)}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if d, err := time.ParseDuration(s + "s"); err == nil {
				herr.RetryAfter = d
			}
		}
		return nil, herr
	}
	return resp, nil
}
