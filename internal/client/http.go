package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the server has no such pad.
var ErrNotFound = errors.New("client: pad not found")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, strings.TrimSpace(e.Body))
}

// HTTPClient calls the read endpoints of an emailpad server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:3000").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Pads fetches /api/pads.
func (c *HTTPClient) Pads(ctx context.Context) ([]PadStatus, error) {
	var out []PadStatus
	if err := c.getJSON(ctx, "/api/pads", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Pad fetches the cached content of a pad.
func (c *HTTPClient) Pad(ctx context.Context, padName string) (*PadContent, error) {
	var out PadContent
	if err := c.getJSON(ctx, "/api/pads/"+url.PathEscape(padName), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenderHTML fetches the email HTML of a pad.
func (c *HTTPClient) RenderHTML(ctx context.Context, padName string) (string, error) {
	return c.getText(ctx, "/render-html/"+url.PathEscape(padName))
}

// RenderText fetches the plain-text page of a pad.
func (c *HTTPClient) RenderText(ctx context.Context, padName string) (string, error) {
	return c.getText(ctx, "/render-text/"+url.PathEscape(padName))
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) getText(ctx context.Context, path string) (string, error) {
	resp, err := c.do(ctx, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", path, err)
	}
	return string(body), nil
}

func (c *HTTPClient) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Method: http.MethodGet, Path: path, Status: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}
