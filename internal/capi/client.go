// Package capi talks to the server-side Conversions API gateway.
package capi

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

	"conversion-pipeline/internal/conversion"
)

const (
	DefaultBaseURL = "https://graph.facebook.com/v19.0"
	defaultTimeout = 10 * time.Second
)

// APIError is a non-2xx gateway response. It matches
// conversion.ErrGatewayUnreachable under errors.Is.
type APIError struct {
	StatusCode int
	Body       string // first 512 bytes
}

func (e *APIError) Error() string {
	return fmt.Sprintf("capi: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return conversion.ErrGatewayUnreachable
}

type Client struct {
	baseURL       string
	pixelID       string
	accessToken   string
	testEventCode string
	httpClient    *http.Client
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithTestEventCode routes events to the platform's test events tool.
func WithTestEventCode(code string) Option {
	return func(c *Client) { c.testEventCode = code }
}

func New(baseURL, pixelID, accessToken string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		pixelID:     pixelID,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts events in a single request. It makes exactly one attempt;
// retries belong to the caller.
func (c *Client) Send(ctx context.Context, events ...Event) error {
	raw := make([]json.RawMessage, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("capi: marshal: %w", err)
		}
		raw = append(raw, b)
	}
	return c.post(ctx, raw)
}

// Forward sends a delivery whose payload is an already normalized Event.
func (c *Client) Forward(ctx context.Context, d conversion.Delivery) error {
	return c.post(ctx, []json.RawMessage{d.Payload})
}

func (c *Client) post(ctx context.Context, data []json.RawMessage) error {
	body := map[string]any{"data": data}
	if c.testEventCode != "" {
		body["test_event_code"] = c.testEventCode
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("capi: marshal: %w", err)
	}

	endpoint := c.baseURL + "/" + url.PathEscape(c.pixelID) + "/events"
	if c.accessToken != "" {
		endpoint += "?" + url.Values{"access_token": {c.accessToken}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("capi: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", conversion.ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &APIError{StatusCode: resp.StatusCode, Body: string(snippet)}
}
