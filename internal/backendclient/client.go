// Package backendclient implements the per-backend HTTP/WS adapter: the
// only component that speaks the upstream ComfyUI wire protocol. The
// upstream WebSocket reconnect loop is built on gorilla/websocket with
// cenkalti/backoff driving the retry schedule.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/comfylb/balancer/internal/config"
	"github.com/comfylb/balancer/internal/errs"
)

type HistoryEntry struct {
	Status  string
	Outputs json.RawMessage
}

type QueueSnapshot struct {
	Pending []string
	Running []string
}

// Client is the adapter for exactly one backend. It owns a bounded HTTP
// connection pool and, once Subscribe is called, a single upstream
// WebSocket with its own reconnect loop.
type Client struct {
	name    string
	baseURL string
	wsURL   string
	timeout time.Duration
	http    *http.Client
}

func New(name, baseURL, wsURL string, timeout time.Duration) *Client {
	return &Client{
		name: name, baseURL: baseURL, wsURL: wsURL, timeout: timeout,
		http: &http.Client{
			Transport: &http.Transport{MaxIdleConnsPerHost: 8, IdleConnTimeout: 90 * time.Second},
		},
	}
}

func FromConfig(c config.BackendConfig, timeout time.Duration) *Client {
	return New(c.Name, c.BaseURL(), c.WSURL(), timeout)
}

func (c *Client) Name() string { return c.name }

// Submit POSTs prompt to /prompt and returns the upstream prompt id.
func (c *Client) Submit(ctx context.Context, prompt []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(prompt))
	if err != nil {
		return "", errs.Wrap(errs.SubmitUnavailable, "build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, body, err := c.do(ctx, req)
	if err != nil {
		return "", errs.Wrap(errs.SubmitUnavailable, "submit to "+c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", errs.New(errs.SubmitRejected, fmt.Sprintf("backend %s rejected prompt (%d): %s", c.name, resp.StatusCode, truncate(body)))
	}
	if resp.StatusCode >= 500 {
		return "", errs.New(errs.SubmitUnavailable, fmt.Sprintf("backend %s unavailable (%d)", c.name, resp.StatusCode))
	}

	promptID := gjson.GetBytes(body, "prompt_id").String()
	if promptID == "" {
		return "", errs.New(errs.SubmitRejected, "backend "+c.name+" returned no prompt_id")
	}
	if nodeErrs := gjson.GetBytes(body, "node_errors"); nodeErrs.IsObject() && len(nodeErrs.Map()) > 0 {
		return "", errs.New(errs.SubmitRejected, "backend "+c.name+" reported node_errors: "+nodeErrs.Raw)
	}
	return promptID, nil
}

// QueryHistory fetches /history/{id}. NotFound-kind error when absent.
func (c *Client) QueryHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, errs.Wrap(errs.SubmitUnavailable, "build history request", err)
	}
	resp, body, err := c.do(ctx, req)
	if err != nil {
		return nil, errs.Wrap(errs.SubmitUnavailable, "query history on "+c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.New(errs.NotFound, "prompt "+promptID+" not found on "+c.name)
	}
	entry := gjson.GetBytes(body, promptID)
	if !entry.Exists() {
		return nil, errs.New(errs.NotFound, "prompt "+promptID+" not found in history response")
	}
	status := entry.Get("status.status_str").String()
	return &HistoryEntry{Status: status, Outputs: json.RawMessage(entry.Get("outputs").Raw)}, nil
}

// QueryQueue fetches /queue, used by the Health Monitor's probe and by
// the Proxy Facade's aggregate `/queue` view.
func (c *Client) QueryQueue(ctx context.Context) (*QueueSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return nil, err
	}
	resp, body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s/queue", resp.StatusCode, c.name)
	}
	snap := &QueueSnapshot{}
	for _, item := range gjson.GetBytes(body, "queue_running").Array() {
		snap.Running = append(snap.Running, item.Array()[1].String())
	}
	for _, item := range gjson.GetBytes(body, "queue_pending").Array() {
		snap.Pending = append(snap.Pending, item.Array()[1].String())
	}
	return snap, nil
}

// Cancel posts the documented delete body to /queue. Best-effort: errors
// are returned for logging but never block the caller's own state
// transition.
func (c *Client) Cancel(ctx context.Context, promptID string) error {
	body, _ := json.Marshal(map[string]any{"delete": []string{promptID}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/queue", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, _, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// ProxyGET passes a read-only endpoint straight through to the backend,
// returning the raw body for the Proxy Facade to forward unmodified.
func (c *Client) ProxyGET(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, body, err := c.do(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, body, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req = req.WithContext(callCtx)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, classifyNetError(callCtx, err)
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, nil, readErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, body, nil
}

func classifyNetError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timeout: %w", err)
	}
	if nErr, ok := err.(net.Error); ok && nErr.Timeout() {
		return fmt.Errorf("timeout: %w", err)
	}
	return err
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
