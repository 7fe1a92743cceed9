// Package backend is the REST client for the application backend: app
// metadata, zone event listings, participant records, lifecycle transitions
// and saved developer context.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("backend: not found")
	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("backend: unauthorized")
)

// State is a session lifecycle state reported to the backend.
type State string

const (
	StateAnnounce State = "announce"
	StateLive     State = "live"
	StateClosed   State = "closed"
	StateCanceled State = "canceled"
)

// App is application metadata.
type App struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ZoneID     string `json:"zoneId"`
	Hosted     bool   `json:"hosted"`
	Spectators bool   `json:"spectators"`
}

// Event is one session as the backend sees it.
type Event struct {
	ID        string   `json:"id"`
	AppID     string   `json:"appId"`
	ZoneID    string   `json:"zoneId"`
	CreatorID string   `json:"creatorId"`
	State     State    `json:"state"`
	Hosted    bool     `json:"hosted"`
	Flags     []string `json:"flags,omitempty"`
}

// Participant is a participant's full record.
type Participant struct {
	ID      string `json:"id"`
	EventID string `json:"eventId"`
	UserID  string `json:"userId"`
	Name    string `json:"name"`
}

// Client calls the backend. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a client for baseURL. The transport is instrumented with
// OpenTelemetry.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "backend " + r.Method + " " + r.URL.Path
				})),
		},
	}
}

// FetchApp returns the application's metadata.
func (c *Client) FetchApp(ctx context.Context, appID string) (App, error) {
	var doc Document
	if err := c.do(ctx, http.MethodGet, "/apps/"+url.PathEscape(appID), nil, &doc); err != nil {
		return App{}, err
	}
	r, err := doc.One()
	if err != nil {
		return App{}, err
	}
	app := App{}
	if err := r.Decode(&app); err != nil {
		return App{}, err
	}
	app.ID = r.ID
	if zone, ok := r.Ref("zone"); ok && app.ZoneID == "" {
		app.ZoneID = zone.ID
	}
	return app, nil
}

// FetchZoneEvents lists the zone's sessions in any of the given states.
func (c *Client) FetchZoneEvents(ctx context.Context, zoneID string, states ...State) ([]Event, error) {
	path := "/zones/" + url.PathEscape(zoneID) + "/events"
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = string(s)
		}
		path += "?filter%5Bstate%5D=" + url.QueryEscape(strings.Join(names, ","))
	}
	var doc Document
	if err := c.do(ctx, http.MethodGet, path, nil, &doc); err != nil {
		return nil, err
	}
	rs, err := doc.Many()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(rs))
	for _, r := range rs {
		ev, err := eventFrom(r)
		if err != nil {
			return nil, err
		}
		if ev.ZoneID == "" {
			ev.ZoneID = zoneID
		}
		events = append(events, ev)
	}
	return events, nil
}

func eventFrom(r Resource) (Event, error) {
	ev := Event{}
	if err := r.Decode(&ev); err != nil {
		return Event{}, err
	}
	ev.ID = r.ID
	if creator, ok := r.Ref("creator"); ok && ev.CreatorID == "" {
		ev.CreatorID = creator.ID
	}
	if app, ok := r.Ref("app"); ok && ev.AppID == "" {
		ev.AppID = app.ID
	}
	return ev, nil
}

// FetchParticipant returns a participant's record, resolving the user
// relationship against the included side-table.
func (c *Client) FetchParticipant(ctx context.Context, participantID string) (Participant, error) {
	var doc Document
	if err := c.do(ctx, http.MethodGet, "/participants/"+url.PathEscape(participantID), nil, &doc); err != nil {
		return Participant{}, err
	}
	r, err := doc.One()
	if err != nil {
		return Participant{}, err
	}
	p := Participant{}
	if err := r.Decode(&p); err != nil {
		return Participant{}, err
	}
	p.ID = r.ID
	if ref, ok := r.Ref("user"); ok {
		if p.UserID == "" {
			p.UserID = ref.ID
		}
		if user, ok := doc.Resolve(ref); ok && p.Name == "" {
			var attrs struct {
				Name string `json:"name"`
			}
			if err := user.Decode(&attrs); err == nil {
				p.Name = attrs.Name
			}
		}
	}
	if ref, ok := r.Ref("event"); ok && p.EventID == "" {
		p.EventID = ref.ID
	}
	return p, nil
}

// Transition posts a lifecycle transition for an event.
func (c *Client) Transition(ctx context.Context, eventID string, state State) error {
	body := map[string]any{
		"data": map[string]any{
			"type":       "transitions",
			"attributes": map[string]string{"state": string(state)},
		},
	}
	return c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(eventID)+"/transitions", body, nil)
}

// FetchContext returns the saved developer context, or nil when none is saved.
func (c *Client) FetchContext(ctx context.Context, eventID string) (json.RawMessage, error) {
	var doc Document
	err := c.do(ctx, http.MethodGet, "/events/"+url.PathEscape(eventID)+"/context", nil, &doc)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r, err := doc.One()
	if err != nil {
		return nil, err
	}
	var attrs struct {
		Context json.RawMessage `json:"context"`
	}
	if err := r.Decode(&attrs); err != nil {
		return nil, err
	}
	return attrs.Context, nil
}

// SaveContext stores the developer context for later resume.
func (c *Client) SaveContext(ctx context.Context, eventID string, data json.RawMessage) error {
	body := map[string]any{
		"data": map[string]any{
			"type":       "contexts",
			"id":         eventID,
			"attributes": map[string]any{"context": data},
		},
	}
	return c.do(ctx, http.MethodPut, "/events/"+url.PathEscape(eventID)+"/context", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.api+json")
	if in != nil {
		req.Header.Set("Content-Type", "application/vnd.api+json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
