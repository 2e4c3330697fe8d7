// Package fetch provides the pooled HTTP client used for bulk catalog
// and registry requests. Connections are reused across calls to the
// same host and responses are transparently decoded from gzip or zstd.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/wolfeidau/pkgdash"
	"golang.org/x/net/http2"
)

const (
	// DefaultTimeout bounds a single request end to end.
	DefaultTimeout = 30 * time.Second

	defaultMaxIdlePerHost = 10
	defaultIdleTimeout    = 90 * time.Second
)

// HTTPError is returned for non-success upstream responses.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Client is a thin wrapper around http.Client with a persistent
// connection pool and per-call timeouts.
type Client struct {
	client  *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// New creates a Client with a pooled transport.
func New(opts ...Option) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: defaultMaxIdlePerHost,
		IdleConnTimeout:     defaultIdleTimeout,
		// Encoding is negotiated explicitly so zstd can be offered
		// alongside gzip.
		DisableCompression: true,
	}
	// Only fails for a transport already configured for HTTP/2.
	_ = http2.ConfigureTransport(transport)

	c := &Client{
		client:  &http.Client{Transport: transport},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches url and returns the decoded response body. A 404 maps to
// pkgdash.ErrNotFound, a deadline to pkgdash.ErrTimeout, any other
// non-2xx status to *HTTPError.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "zstd, gzip")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("GET %s: %w", url, pkgdash.ErrTimeout)
		}
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("GET %s: %w", url, pkgdash.ErrNotFound)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url}
	}

	body, err := decodeBody(resp)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("GET %s: %w", url, pkgdash.ErrTimeout)
		}
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return body, nil
}

// GetJSON fetches url and decodes the JSON payload into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	body, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &pkgdash.ParseError{Origin: url, Err: err}
	}
	return nil
}

func decodeBody(resp *http.Response) ([]byte, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gr.Close() }()
		return io.ReadAll(gr)
	default:
		return io.ReadAll(resp.Body)
	}
}
