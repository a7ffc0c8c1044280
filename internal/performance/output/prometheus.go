package output

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

const namespace = "stampede"

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Collector exposes a live metrics engine to Prometheus.
//
// Every metric is exported under the stampede namespace with a "submetric"
// label holding the tag filter ("{step:login}"), empty for the metric
// itself. Trends become summaries, time trends in seconds.
type Collector struct {
	source func() *metrics.Engine
	labels prometheus.Labels

	vus   *prometheus.Desc
	phase *prometheus.Desc
}

// NewCollector creates a collector reading from the engine source returns.
// source may return nil before the run starts.
func NewCollector(source func() *metrics.Engine, constLabels map[string]string) *Collector {
	return &Collector{
		source: source,
		labels: constLabels,
		vus: prometheus.NewDesc(namespace+"_active_vus",
			"Number of VUs currently running iterations.", nil, constLabels),
		phase: prometheus.NewDesc(namespace+"_phase",
			"Current phase of the run; the active phase is 1.", []string{"phase"}, constLabels),
	}
}

// Describe sends nothing: the metric set depends on the script, which makes
// this an unchecked collector.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.source()
	if m == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.vus, prometheus.GaugeValue, float64(m.GetActiveVUs()))
	ch <- prometheus.MustNewConstMetric(c.phase, prometheus.GaugeValue, 1, string(m.GetPhase()))

	descs := make(map[string]*prometheus.Desc)
	desc := func(name, help string) *prometheus.Desc {
		if d, ok := descs[name]; ok {
			return d
		}
		d := prometheus.NewDesc(name, help, []string{"submetric"}, c.labels)
		descs[name] = d
		return d
	}

	for _, s := range m.Summary() {
		sub := ""
		if len(s.Tags) > 0 {
			sub = s.Tags.String()
		}
		base := namespace + "_" + invalidNameChars.ReplaceAllString(s.Name, "_")
		v := s.Values

		switch s.Type {
		case "counter":
			ch <- prometheus.MustNewConstMetric(
				desc(base+"_total", fmt.Sprintf("Counter %s.", s.Name)),
				prometheus.CounterValue, v["count"], sub)
		case "rate":
			ch <- prometheus.MustNewConstMetric(
				desc(base+"_rate", fmt.Sprintf("Fraction of non-zero %s samples.", s.Name)),
				prometheus.GaugeValue, v["rate"], sub)
			ch <- prometheus.MustNewConstMetric(
				desc(base+"_samples_total", fmt.Sprintf("Samples of %s.", s.Name)),
				prometheus.CounterValue, v["passes"]+v["fails"], sub)
		case "gauge":
			ch <- prometheus.MustNewConstMetric(
				desc(base, fmt.Sprintf("Gauge %s.", s.Name)),
				prometheus.GaugeValue, v["value"], sub)
		case "trend":
			scale := 1.0
			name := base
			if s.Contains == "time" {
				scale = 1.0 / 1000
				name += "_seconds"
			}
			count := uint64(v["count"])
			quantiles := map[float64]float64{
				0.5:  v["med"] * scale,
				0.9:  v["p(90)"] * scale,
				0.95: v["p(95)"] * scale,
				0.99: v["p(99)"] * scale,
			}
			ch <- prometheus.MustNewConstSummary(
				desc(name, fmt.Sprintf("Distribution of %s.", s.Name)),
				count, v["avg"]*float64(count)*scale, quantiles, sub)
		}
	}
}

// NewRegistry returns a registry holding only c.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return reg
}

// MetricsServer serves /metrics for the duration of a run.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetricsServer listens on addr and prepares to serve reg on /metrics.
func NewMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) (*MetricsServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("stampede: metrics at /metrics\n"))
	})

	return &MetricsServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger,
	}, nil
}

// Addr returns the address the server listens on.
func (s *MetricsServer) Addr() string {
	return s.listener.Addr().String()
}

// Serve serves until ctx is done, then shuts down gracefully.
func (s *MetricsServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.listener)
	}()
	s.logger.Info("serving prometheus metrics", zap.String("addr", "http://"+s.Addr()+"/metrics"))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}
	return nil
}
