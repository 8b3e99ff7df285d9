// Package hub talks to the Home Assistant REST API: entity states for the
// environment snapshot and the automation config endpoint for deployment.
package hub

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned when the hub has no automation with the given id.
	ErrNotFound = errors.New("hub: not found")
	// ErrInvalidDocument is returned when a compiled document is not a YAML mapping.
	ErrInvalidDocument = errors.New("hub: invalid automation document")
)

// StatusError is a non-2xx hub response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub %s: status %d: %s", e.Op, e.Code, e.Body)
}

// Retryable reports whether the hub might accept the same request later.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// State is one entry of GET /api/states.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
}

// Automation is the stored config of a hub automation.
type Automation struct {
	ID          string         `json:"id"`
	Alias       string         `json:"alias"`
	Description string         `json:"description"`
	Raw         map[string]any `json:"-"`
}

// Client is a Home Assistant REST client using a long-lived access token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client. A zero timeout means no per-request timeout beyond ctx.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// States returns every entity state.
func (c *Client) States(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.do(ctx, "states", http.MethodGet, "/api/states", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

const areaTemplate = `{% for s in states %}{{ s.entity_id }}={{ area_id(s.entity_id) or '' }}
{% endfor %}`

// EntityAreas maps entity id to area id. Home Assistant only exposes the
// area registry over websocket, so this goes through the template endpoint.
func (c *Client) EntityAreas(ctx context.Context) (map[string]string, error) {
	body, err := json.Marshal(map[string]string{"template": areaTemplate})
	if err != nil {
		return nil, fmt.Errorf("marshal area template: %w", err)
	}
	var text string
	if err := c.do(ctx, "areas", http.MethodPost, "/api/template", body, &text); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		id, area, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok || id == "" || area == "" || area == "None" {
			continue
		}
		out[id] = area
	}
	return out, sc.Err()
}

// PutAutomation creates or overwrites the automation stored under id. The
// document is the compiled YAML; the hub's config API takes JSON.
func (c *Client) PutAutomation(ctx context.Context, id, document string) error {
	var cfg map[string]any
	if err := yaml.Unmarshal([]byte(document), &cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if cfg == nil {
		return fmt.Errorf("%w: empty", ErrInvalidDocument)
	}
	cfg["id"] = id
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode automation document: %w", err)
	}
	return c.do(ctx, "put automation", http.MethodPost, "/api/config/automation/config/"+id, body, nil)
}

// GetAutomation reads back the automation stored under id.
func (c *Client) GetAutomation(ctx context.Context, id string) (*Automation, error) {
	var raw map[string]any
	if err := c.do(ctx, "get automation", http.MethodGet, "/api/config/automation/config/"+id, nil, &raw); err != nil {
		return nil, err
	}
	a := &Automation{Raw: raw}
	a.ID, _ = raw["id"].(string)
	a.Alias, _ = raw["alias"].(string)
	a.Description, _ = raw["description"].(string)
	return a, nil
}

// Ping checks that the API accepts our token.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/api/", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("hub %s: create request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("hub %s: read body: %w", op, err)
		}
		*s = string(b)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hub %s: decode response: %w", op, err)
	}
	return nil
}
