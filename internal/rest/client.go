// Package rest provides the signed HTTP client used by every exchange
// connector. Each call carries a fixed client-side timeout in addition to the
// caller's context, and non-2xx responses surface as *HTTPError so they can be
// classified by status code.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/johnayoung/go-broker-connectors/internal/signing"
)

const (
	// DefaultTimeout bounds every REST call regardless of the caller's context
	DefaultTimeout = 10 * time.Second

	userAgent       = "go-broker-connectors/1.0"
	maxErrorBodyLen = 512
)

// Observer receives one observation per completed request
type Observer interface {
	ObserveRequest(exchange, path string, status int, duration time.Duration)
}

// HTTPError is returned for responses with a status code >= 400
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// HTTPStatus exposes the status code for error classification
func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

// Request describes one REST call. Signed requests are authenticated with the
// client's signer; public endpoints leave Signed false.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Signed bool
}

// Client is a small JSON REST client bound to one exchange base URL
type Client struct {
	httpClient *http.Client
	baseURL    string
	exchange   string
	signer     signing.Signer
	headers    http.Header
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithObserver sets the request observer
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithClock overrides the time source used for signing
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithHeader adds a static header sent with every request
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// NewClient creates a client for baseURL
func NewClient(exchange, baseURL string, signer signing.Signer, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:  strings.TrimRight(baseURL, "/"),
		exchange: exchange,
		signer:   signer,
		headers:  http.Header{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes req and decodes a successful JSON response into out. out may
// be nil when the body is not needed.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	rawQuery := ""
	if len(req.Query) > 0 {
		rawQuery = req.Query.Encode()
	}
	var authHeaders http.Header
	if req.Signed && c.signer != nil {
		signed := c.signer.Sign(signing.Request{
			Method: req.Method,
			Path:   req.Path,
			Query:  req.Query,
			Body:   body,
		}, c.now())
		rawQuery = signed.RawQuery
		authHeaders = signed.Headers
	}

	target := c.baseURL + req.Path
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		httpReq.Header[k] = v
	}
	for k, v := range authHeaders {
		httpReq.Header[k] = v
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.observe(req.Path, 0, start)
		return fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	c.observe(req.Path, resp.StatusCode, start)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("rest request completed",
		"exchange", c.exchange,
		"method", req.Method,
		"path", req.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode >= 400 {
		snippet := string(responseBody)
		if len(snippet) > maxErrorBodyLen {
			snippet = snippet[:maxErrorBodyLen]
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Method:     req.Method,
			Path:       req.Path,
			Body:       snippet,
		}
	}

	if out == nil || len(responseBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.Path, err)
	}
	return nil
}

func (c *Client) observe(path string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRequest(c.exchange, path, status, time.Since(start))
	}
}

// CloseIdleConnections releases pooled connections
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
