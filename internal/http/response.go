package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/wesleyorama2/stampede/pkg/jsonpath"
)

// ErrPathNotFound is returned by Path when the body has no value at the path.
var ErrPathNotFound = jsonpath.ErrNotFound

// Response is a fully read HTTP response.
type Response struct {
	StatusCode    int
	Status        string
	Proto         string
	URL           string
	Headers       http.Header
	Cookies       []*http.Cookie
	Body          []byte
	Timing        Timing
	BytesSent     int64
	BytesReceived int64
}

// GetBody returns the raw response body
func (r *Response) GetBody() []byte {
	return r.Body
}

// String returns the response body as a string
func (r *Response) String() string {
	return string(r.Body)
}

// JSON unmarshals the body into v
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Path resolves a JSONPath or gjson path in the body.
func (r *Response) Path(path string) (gjson.Result, error) {
	return jsonpath.Get(r.Body, path)
}

// GetHeader returns the value of the specified header
func (r *Response) GetHeader(key string) string {
	return r.Headers.Get(key)
}

// Cookie returns the named cookie set by this response.
func (r *Response) Cookie(name string) (*http.Cookie, bool) {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// IsJSON reports whether the response declares a JSON content type.
func (r *Response) IsJSON() bool {
	return strings.Contains(r.Headers.Get("Content-Type"), "json")
}

// IsSuccess returns true if the status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRedirect returns true if the status code is 3xx
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// IsClientError returns true if the status code is 4xx
func (r *Response) IsClientError() bool {
	return r.StatusCode >= 400 && r.StatusCode < 500
}

// IsServerError returns true if the status code is 5xx
func (r *Response) IsServerError() bool {
	return r.StatusCode >= 500
}
