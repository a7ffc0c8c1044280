// Package http is the request layer used by virtual users. Every call
// returns a Response with phase timings or a classified *RequestError.
package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptrace"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultUserAgent is sent when no User-Agent header is configured.
const DefaultUserAgent = "stampede/1.0"

// Client represents an HTTP client with customizable options
type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
	timeout    time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// NewClient creates a new HTTP client with the given options
func NewClient(options ...ClientOption) *Client {
	client := &Client{
		httpClient: &http.Client{
			Transport: http.DefaultTransport,
		},
		headers: map[string]string{"User-Agent": DefaultUserAgent},
		timeout: 30 * time.Second,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// WithBaseURL sets the base URL for relative request paths
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithTimeout sets the default per-request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithHeader adds a header sent with every request
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithUserAgent overrides the User-Agent header
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.headers["User-Agent"] = ua
		}
	}
}

// WithTransport sets the round tripper, typically one shared by all VUs
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

// WithCookieJar gives the client its own cookie jar
func WithCookieJar(jar http.CookieJar) ClientOption {
	return func(c *Client) {
		c.httpClient.Jar = jar
	}
}

// WithoutRedirects makes the client return 3xx responses as-is
func WithoutRedirects() ClientOption {
	return func(c *Client) {
		c.httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
}

// NewCookieJar returns an empty jar that honours public suffix boundaries.
func NewCookieJar() http.CookieJar {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New never fails with a non-nil options value
		panic(err)
	}
	return jar
}

// TransportConfig tunes the connection pool shared by a test run.
type TransportConfig struct {
	MaxConnsPerHost     int
	MaxIdleConns        int
	IdleConnTimeout     time.Duration
	InsecureSkipVerify  bool
	DisableKeepAlives   bool
	DisableCompression  bool
	TLSHandshakeTimeout time.Duration
}

// NewTransport builds a pooled transport from cfg.
func NewTransport(cfg TransportConfig) *http.Transport {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = 10 * time.Second
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
		DisableCompression:  cfg.DisableCompression,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed test targets
		},
	}
}

// BaseURL returns the base URL relative paths are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Jar returns the client's cookie jar, or nil.
func (c *Client) Jar() http.CookieJar {
	return c.httpClient.Jar
}

// Do executes an HTTP request and returns the response with detailed timing information.
//
// Transport failures are returned as *RequestError. Any status code,
// including 4xx and 5xx, is a successful round trip.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, sent, err := req.Build(ctx, c.baseURL)
	if err != nil {
		return nil, &RequestError{Kind: ErrorKindInvalid, Method: req.Method, URL: req.Path, Err: err}
	}

	for key, value := range c.headers {
		if httpReq.Header.Get(key) == "" {
			httpReq.Header.Set(key, value)
		}
	}

	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(httpReq.Context(), timeout)
	defer cancel()

	tracer := newTracer()
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(ctx, tracer.trace()))

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(err, httpReq.Method, httpReq.URL.String(), time.Since(start))
	}

	body, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	end := time.Now()
	if err != nil {
		return nil, classify(err, httpReq.Method, httpReq.URL.String(), end.Sub(start))
	}

	return &Response{
		StatusCode:    httpResp.StatusCode,
		Status:        httpResp.Status,
		Proto:         httpResp.Proto,
		URL:           httpResp.Request.URL.String(),
		Headers:       httpResp.Header,
		Cookies:       httpResp.Cookies(),
		Body:          body,
		Timing:        tracer.timing(start, end),
		BytesSent:     int64(sent) + headerSize(httpReq.Header),
		BytesReceived: int64(len(body)) + headerSize(httpResp.Header),
	}, nil
}

// headerSize approximates the wire size of a header block.
func headerSize(h http.Header) int64 {
	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		return 0
	}
	return int64(buf.Len())
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Kind == ErrorKindTimeout
}
