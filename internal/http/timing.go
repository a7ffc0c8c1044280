package http

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

// Timing breaks a request down into its network phases.
//
// Duration is sending + waiting + receiving, i.e. the time spent on the
// request once a connection was available.
type Timing struct {
	Blocked        time.Duration `json:"blocked"`
	DNSLookup      time.Duration `json:"dnsLookup"`
	Connecting     time.Duration `json:"connecting"`
	TLSHandshaking time.Duration `json:"tlsHandshaking"`
	Sending        time.Duration `json:"sending"`
	Waiting        time.Duration `json:"waiting"`
	Receiving      time.Duration `json:"receiving"`
	Duration       time.Duration `json:"duration"`
	Total          time.Duration `json:"total"`
	ConnReused     bool          `json:"connReused"`
}

// tracer records httptrace callbacks. Callbacks may fire from transport
// goroutines, so every field is guarded.
type tracer struct {
	mu sync.Mutex

	gotConn      time.Time
	dnsStart     time.Time
	dnsDone      time.Time
	connectStart time.Time
	connectDone  time.Time
	tlsStart     time.Time
	tlsDone      time.Time
	wroteRequest time.Time
	firstByte    time.Time
	reused       bool
}

func newTracer() *tracer {
	return &tracer{}
}

func (t *tracer) set(field *time.Time) {
	t.mu.Lock()
	if field.IsZero() {
		*field = time.Now()
	}
	t.mu.Unlock()
}

func (t *tracer) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart:          func(httptrace.DNSStartInfo) { t.set(&t.dnsStart) },
		DNSDone:           func(httptrace.DNSDoneInfo) { t.set(&t.dnsDone) },
		ConnectStart:      func(string, string) { t.set(&t.connectStart) },
		ConnectDone:       func(string, string, error) { t.set(&t.connectDone) },
		TLSHandshakeStart: func() { t.set(&t.tlsStart) },
		TLSHandshakeDone:  func(tls.ConnectionState, error) { t.set(&t.tlsDone) },
		GotConn: func(info httptrace.GotConnInfo) {
			t.mu.Lock()
			t.reused = info.Reused
			t.mu.Unlock()
			t.set(&t.gotConn)
		},
		WroteRequest:         func(httptrace.WroteRequestInfo) { t.set(&t.wroteRequest) },
		GotFirstResponseByte: func() { t.set(&t.firstByte) },
	}
}

func between(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

// timing computes phase durations for a request that started at start and
// whose body was fully read at end.
func (t *tracer) timing(start, end time.Time) Timing {
	t.mu.Lock()
	defer t.mu.Unlock()

	tm := Timing{
		DNSLookup:      between(t.dnsStart, t.dnsDone),
		Connecting:     between(t.connectStart, t.connectDone),
		TLSHandshaking: between(t.tlsStart, t.tlsDone),
		Total:          between(start, end),
		ConnReused:     t.reused,
	}

	if !t.gotConn.IsZero() {
		tm.Blocked = between(start, t.gotConn)
		tm.Sending = between(t.gotConn, t.wroteRequest)
	}

	firstByte := t.firstByte
	if firstByte.IsZero() {
		firstByte = end
	}
	tm.Waiting = between(t.wroteRequest, firstByte)
	tm.Receiving = between(firstByte, end)
	tm.Duration = tm.Sending + tm.Waiting + tm.Receiving
	return tm
}
