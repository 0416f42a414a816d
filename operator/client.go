package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quailyquaily/airlock/guard"
	"github.com/quailyquaily/airlock/skills"
)

// Client talks to a running daemon's operator API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" && !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		BaseURL: baseURL,
		Token:   strings.TrimSpace(token),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("operator api: %d: %s (field %s)", e.Status, e.Message, e.Field)
	}
	return fmt.Sprintf("operator api: %d: %s", e.Status, e.Message)
}

// Is maps HTTP statuses back onto the guard sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusNotFound:
		return target == guard.ErrNotFound
	case http.StatusUnauthorized:
		return target == guard.ErrUnauthorized
	case http.StatusConflict:
		return target == guard.ErrConflict
	case http.StatusBadRequest:
		return target == guard.ErrValidation && e.Field != ""
	}
	return false
}

func (c *Client) ListPending(ctx context.Context) ([]guard.ApprovalRequest, error) {
	var out []guard.ApprovalRequest
	err := c.do(ctx, http.MethodGet, "/v1/pending", nil, &out)
	return out, err
}

func (c *Client) GetApproval(ctx context.Context, commandID string) (guard.ApprovalRequest, error) {
	var out guard.ApprovalRequest
	err := c.do(ctx, http.MethodGet, "/v1/pending/"+url.PathEscape(commandID), nil, &out)
	return out, err
}

func (c *Client) Resolve(ctx context.Context, commandID string, approved bool) (ResolveResult, error) {
	var out ResolveResult
	path := "/v1/pending/" + url.PathEscape(commandID) + "/resolve"
	err := c.do(ctx, http.MethodPost, path, ResolveRequest{Approved: approved}, &out)
	return out, err
}

func (c *Client) Policy(ctx context.Context) (guard.PolicySnapshot, error) {
	var out guard.PolicySnapshot
	err := c.do(ctx, http.MethodGet, "/v1/policy", nil, &out)
	return out, err
}

func (c *Client) UpdateToolPolicy(ctx context.Context, draft guard.ToolPolicyDraft) (guard.ToolPolicyState, error) {
	var out guard.ToolPolicyState
	err := c.do(ctx, http.MethodPut, "/v1/policy/tools", draft, &out)
	return out, err
}

func (c *Client) UpdatePermissions(ctx context.Context, draft guard.AdminPermissions) (guard.PermissionsState, error) {
	var out guard.PermissionsState
	err := c.do(ctx, http.MethodPut, "/v1/policy/permissions", draft, &out)
	return out, err
}

func (c *Client) Audit(ctx context.Context, limit int) ([]guard.AuditEvent, error) {
	var out []guard.AuditEvent
	path := "/v1/audit"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Classify(ctx context.Context, tool, method string) (ClassifyResult, error) {
	var out ClassifyResult
	q := url.Values{"tool": {tool}, "method": {method}}
	err := c.do(ctx, http.MethodGet, "/v1/classify?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) Skills(ctx context.Context) ([]skills.Manifest, error) {
	var out []skills.Manifest
	err := c.do(ctx, http.MethodGet, "/v1/skills", nil, &out)
	return out, err
}

// Gate blocks until the daemon decides; the client timeout does not apply.
func (c *Client) Gate(ctx context.Context, req GateRequest) (guard.GateResult, error) {
	var out guard.GateResult
	err := c.doWith(ctx, c.streamingClient(), http.MethodPost, "/v1/gate", req, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return c.doWith(ctx, c.HTTP, method, path, in, out)
}

func (c *Client) streamingClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	cp := *c.HTTP
	cp.Timeout = 0
	return &cp
}

func (c *Client) doWith(ctx context.Context, hc *http.Client, method, path string, in, out any) error {
	if c == nil || c.BaseURL == "" {
		return fmt.Errorf("operator client: missing base url")
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) != nil || eb.Message == "" {
			eb.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: eb.Message, Field: eb.Field}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
