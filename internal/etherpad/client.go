// Package etherpad fetches plain-text snapshots of pads from an Etherpad
// server's export endpoint.
package etherpad

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout      = 3 * time.Second
	DefaultMaxBodyBytes = 1 << 20
	DefaultUserAgent    = "emailpad/1.0"
)

// ErrFetch is matched by every error returned from Client.Fetch.
var ErrFetch = errors.New("etherpad: fetch failed")

// FetchError describes a failed export request. Status is 0 when the
// request never produced an HTTP response.
type FetchError struct {
	Pad    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("etherpad: fetch %q: unexpected status %d", e.Pad, e.Status)
	}
	return fmt.Sprintf("etherpad: fetch %q: %v", e.Pad, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Fetcher is the contract the poll scheduler depends on.
type Fetcher interface {
	Fetch(ctx context.Context, pad string) (string, error)
}

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	HTTPClient   *http.Client
}

// Client retrieves `<base>/p/<pad>/export/txt`. It never retries; the
// scheduler's next cycle is the retry.
type Client struct {
	baseURL      string
	timeout      time.Duration
	userAgent    string
	maxBodyBytes int64
	http         *http.Client
}

var _ Fetcher = (*Client)(nil)

// NewClient creates a client for the Etherpad instance at baseURL
// (e.g. "https://pad.example.org").
func NewClient(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("etherpad: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("etherpad: base url %q must be http or https", baseURL)
	}

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		timeout:      opts.Timeout,
		userAgent:    opts.UserAgent,
		maxBodyBytes: opts.MaxBodyBytes,
		http:         opts.HTTPClient,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.maxBodyBytes <= 0 {
		c.maxBodyBytes = DefaultMaxBodyBytes
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c, nil
}

// ExportURL returns the text export URL for pad.
func (c *Client) ExportURL(pad string) string {
	return c.baseURL + "/p/" + url.PathEscape(pad) + "/export/txt"
}

// Fetch performs one bounded GET of the pad's text export.
func (c *Client) Fetch(ctx context.Context, pad string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ExportURL(pad), nil)
	if err != nil {
		return "", &FetchError{Pad: pad, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &FetchError{Pad: pad, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return "", &FetchError{Pad: pad, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return "", &FetchError{Pad: pad, Err: err}
	}
	if int64(len(body)) > c.maxBodyBytes {
		return "", &FetchError{Pad: pad, Err: fmt.Errorf("body exceeds %d bytes", c.maxBodyBytes)}
	}
	return string(body), nil
}
