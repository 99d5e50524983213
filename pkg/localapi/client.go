package localapi

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

	"github.com/callsync/callsync/pkg/engine"
)

// Client calls a running agent's local API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for addr, either "host:port" or a URL.
func NewClient(addr string, httpClient *http.Client) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: base, httpClient: httpClient}
}

// APIError is a non-2xx response from the agent.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agent returned %d: %s", e.StatusCode, e.Message)
}

// Status returns the engine status.
func (c *Client) Status(ctx context.Context) (*engine.Status, error) {
	var status engine.Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Wake publishes a wake with the given reason.
func (c *Client) Wake(ctx context.Context, reason string) error {
	return c.do(ctx, http.MethodPost, "/wake", WakeRequest{Reason: reason}, nil)
}

// SetBackground switches the agent between foreground and background polling.
func (c *Client) SetBackground(ctx context.Context, background bool) error {
	return c.do(ctx, http.MethodPost, "/mode", ModeRequest{Background: background}, nil)
}

// Dial asks the agent to place a call.
func (c *Client) Dial(ctx context.Context, phoneNumber, requestID string) (*engine.AcceptResult, error) {
	var result engine.AcceptResult
	req := DialRequest{PhoneNumber: phoneNumber, RequestID: requestID}
	if err := c.do(ctx, http.MethodPost, "/dial", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Call returns the stored state of one call.
func (c *Client) Call(ctx context.Context, requestID string) (*engine.PendingCall, error) {
	var call engine.PendingCall
	if err := c.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(requestID), nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// DeadLetters lists parked reports.
func (c *Client) DeadLetters(ctx context.Context) ([]*engine.SyncTask, error) {
	var tasks []*engine.SyncTask
	if err := c.do(ctx, http.MethodGet, "/dead", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Requeue retries a parked report.
func (c *Client) Requeue(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/dead/"+url.PathEscape(requestID)+"/requeue", nil, nil)
}

// Purge discards a parked report.
func (c *Client) Purge(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodDelete, "/dead/"+url.PathEscape(requestID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach agent at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp ErrorResponse
		if json.Unmarshal(payload, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(payload))
		}
		return &APIError{StatusCode: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
