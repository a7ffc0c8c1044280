package http

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
)

// Request represents an HTTP request
type Request struct {
	Name        string // metric name tag, defaults to the URL
	Method      string
	Path        string // absolute URL, or a path joined to the client's base URL
	QueryParams url.Values
	Headers     map[string]string
	Body        interface{}
	Timeout     time.Duration
}

// NewRequest creates a new HTTP request
func NewRequest(method, path string) *Request {
	return &Request{
		Method:      method,
		Path:        path,
		QueryParams: make(url.Values),
		Headers:     make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *Request) WithHeader(key, value string) *Request {
	r.Headers[key] = value
	return r
}

// WithQueryParam adds a query parameter to the request
func (r *Request) WithQueryParam(key, value string) *Request {
	r.QueryParams.Add(key, value)
	return r
}

// WithQueryParams adds multiple query parameters to the request
func (r *Request) WithQueryParams(params map[string]string) *Request {
	for key, value := range params {
		r.QueryParams.Add(key, value)
	}
	return r
}

// WithBody sets the body of the request.
//
// Strings, byte slices and readers are sent as-is, url.Values are form
// encoded, anything else is marshalled to JSON.
func (r *Request) WithBody(body interface{}) *Request {
	r.Body = body
	return r
}

// WithTimeout overrides the client timeout for this request
func (r *Request) WithTimeout(d time.Duration) *Request {
	r.Timeout = d
	return r
}

// ResolveURL joins the request path to baseURL unless it is already absolute.
func (r *Request) ResolveURL(baseURL string) (*url.URL, error) {
	if r.Path == "" && baseURL == "" {
		return nil, fmt.Errorf("request has no URL")
	}

	target, err := url.Parse(r.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", r.Path, err)
	}

	if !target.IsAbs() {
		if baseURL == "" {
			return nil, fmt.Errorf("relative URL %q without a base URL", r.Path)
		}
		base, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
		}
		joined := *base
		joined.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(target.Path, "/")
		joined.RawPath = ""
		joined.RawQuery = target.RawQuery
		target = &joined
	}

	if target.Host == "" {
		return nil, fmt.Errorf("URL %q has no host", target.String())
	}

	if len(r.QueryParams) > 0 {
		query := target.Query()
		for key, values := range r.QueryParams {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		target.RawQuery = query.Encode()
	}
	return target, nil
}

// Build constructs an http.Request bound to ctx. It also returns the body
// size in bytes when known up front.
func (r *Request) Build(ctx context.Context, baseURL string) (*http.Request, int, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}

	reqURL, err := r.ResolveURL(baseURL)
	if err != nil {
		return nil, 0, err
	}

	var (
		bodyReader  io.Reader
		size        int
		contentType string
	)
	if r.Body != nil {
		switch body := r.Body.(type) {
		case string:
			bodyReader, size = strings.NewReader(body), len(body)
		case []byte:
			bodyReader, size = bytes.NewReader(body), len(body)
		case url.Values:
			encoded := body.Encode()
			bodyReader, size = strings.NewReader(encoded), len(encoded)
			contentType = "application/x-www-form-urlencoded"
		case io.Reader:
			bodyReader = body
		default:
			jsonBody, err := json.Marshal(body)
			if err != nil {
				return nil, 0, fmt.Errorf("encoding JSON body: %w", err)
			}
			bodyReader, size = bytes.NewReader(jsonBody), len(jsonBody)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), bodyReader)
	if err != nil {
		return nil, 0, err
	}

	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	return req, size, nil
}
