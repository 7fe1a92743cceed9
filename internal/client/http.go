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

	"github.com/agent-racer/conductor/internal/supervisor"
)

// HTTPClient calls the conductor admin REST endpoints.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting baseURL, e.g. "http://127.0.0.1:8090".
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Health fetches /api/health. A failed process still answers with a body,
// so 503 is decoded rather than treated as an error.
func (c *HTTPClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &h, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &h, nil
}

// Session fetches one session's current state.
func (c *HTTPClient) Session(ctx context.Context, id string) (*SessionState, error) {
	var s SessionState
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Shutdown asks the owning supervisor to remove a session.
func (c *HTTPClient) Shutdown(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/shutdown", nil, nil)
}

// Create asks an application's supervisor to start a session and returns
// the event id it was given.
func (c *HTTPClient) Create(ctx context.Context, appID string, req supervisor.CreateEvent) (string, error) {
	var out struct {
		EventID string `json:"eventId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/apps/"+url.PathEscape(appID)+"/sessions", req, &out); err != nil {
		return "", err
	}
	return out.EventID, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any, okStatus ...int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	accepted := resp.StatusCode < 300
	for _, s := range okStatus {
		accepted = accepted || resp.StatusCode == s
	}
	if !accepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
