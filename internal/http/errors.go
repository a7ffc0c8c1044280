package http

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"time"
)

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	ErrorKindTimeout  ErrorKind = "timeout"
	ErrorKindRefused  ErrorKind = "connection_refused"
	ErrorKindReset    ErrorKind = "connection_reset"
	ErrorKindDNS      ErrorKind = "dns"
	ErrorKindTLS      ErrorKind = "tls"
	ErrorKindCanceled ErrorKind = "canceled"
	ErrorKindInvalid  ErrorKind = "invalid_request"
	ErrorKindOther    ErrorKind = "other"
)

// RequestError is returned when a request never produced a response.
type RequestError struct {
	Kind     ErrorKind
	Method   string
	URL      string
	Duration time.Duration
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Method, e.URL, e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// classify wraps err in a RequestError with the best matching kind.
func classify(err error, method, rawURL string, d time.Duration) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	kind := ErrorKindOther
	var (
		dnsErr  *net.DNSError
		urlErr  *url.Error
		certErr *tls.CertificateVerificationError
		unkAuth x509.UnknownAuthorityError
		hostErr x509.HostnameError
		recErr  tls.RecordHeaderError
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		kind = ErrorKindCanceled
	case errors.As(err, &dnsErr):
		kind = ErrorKindDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = ErrorKindRefused
	case errors.Is(err, syscall.ECONNRESET):
		kind = ErrorKindReset
	case errors.As(err, &certErr), errors.As(err, &unkAuth), errors.As(err, &hostErr), errors.As(err, &recErr):
		kind = ErrorKindTLS
	case errors.As(err, &urlErr) && urlErr.Timeout():
		kind = ErrorKindTimeout
	}

	return &RequestError{Kind: kind, Method: method, URL: rawURL, Duration: d, Err: err}
}
