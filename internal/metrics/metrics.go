// Package metrics exposes connector and relay measurements to Prometheus and
// serves them together with a health endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/johnayoung/go-broker-connectors/internal/config"
	"github.com/johnayoung/go-broker-connectors/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker reports per-instance connector health
type HealthChecker interface {
	HealthCheckAll(ctx context.Context) map[string]bool
}

// HealthStatus is the body of the health endpoint
type HealthStatus struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Uptime    string          `json:"uptime"`
	Instances map[string]bool `json:"instances,omitempty"`
}

// Collector owns a private Prometheus registry. It satisfies the connector
// instrumentation interface.
type Collector struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimited    *prometheus.CounterVec
	marketData     *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	streamFailures *prometheus.CounterVec
	resubscribes   *prometheus.CounterVec
	journalWrites  *prometheus.CounterVec
	connected      prometheus.Gauge
}

// NewCollector registers every broker metric under namespace
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "broker"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rest_requests_total",
			Help:      "REST requests sent to exchanges, by HTTP status.",
		}, []string{"exchange", "path", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rest_request_duration_seconds",
			Help:      "Latency of REST requests sent to exchanges.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11),
		}, []string{"exchange", "path"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Calls denied by the local admission limiter.",
		}, []string{"exchange", "endpoint"}),
		marketData: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "market_data_total",
			Help:      "Normalized market-data updates received.",
		}, []string{"exchange"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a consumer buffer was full.",
		}, []string{"exchange"}),
		streamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_failures_total",
			Help:      "Market-data streams that terminated with an error.",
		}, []string{"exchange"}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubscribes_total",
			Help:      "Relay resubscription attempts, by outcome.",
		}, []string{"exchange", "outcome"}),
		journalWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_writes_total",
			Help:      "Records written to the journal, by kind.",
		}, []string{"kind"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectors_connected",
			Help:      "Connectors currently connected.",
		}),
	}

	c.registry.MustRegister(
		c.requests, c.requestLatency, c.rateLimited, c.marketData,
		c.eventsDropped, c.streamFailures, c.resubscribes, c.journalWrites, c.connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveRequest(exchange, path string, status int, duration time.Duration) {
	c.requests.WithLabelValues(exchange, path, strconv.Itoa(status)).Inc()
	c.requestLatency.WithLabelValues(exchange, path).Observe(duration.Seconds())
}

func (c *Collector) RateLimited(exchange, endpoint string) {
	c.rateLimited.WithLabelValues(exchange, endpoint).Inc()
}

func (c *Collector) MarketDataReceived(exchange string) {
	c.marketData.WithLabelValues(exchange).Inc()
}

func (c *Collector) EventDropped(exchange string) {
	c.eventsDropped.WithLabelValues(exchange).Inc()
}

func (c *Collector) StreamFailed(exchange string) {
	c.streamFailures.WithLabelValues(exchange).Inc()
}

// Resubscribed records one relay resubscription attempt
func (c *Collector) Resubscribed(exchange string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.resubscribes.WithLabelValues(exchange, outcome).Inc()
}

// JournalWrite records one journal insert of the given kind
func (c *Collector) JournalWrite(kind string) {
	c.journalWrites.WithLabelValues(kind).Inc()
}

// SetConnected sets the number of connected connectors
func (c *Collector) SetConnected(n int) {
	c.connected.Set(float64(n))
}

// Server serves /metrics and /health
type Server struct {
	config    config.MetricsConfig
	collector *Collector
	health    HealthChecker
	logger    *logger.ComponentLogger
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server. health may be nil.
func NewServer(cfg config.MetricsConfig, collector *Collector, health HealthChecker, loggerMgr *logger.LoggerManager) *Server {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	return &Server{
		config:    cfg,
		collector: collector,
		health:    health,
		logger:    loggerMgr.GetComponentLogger("metrics"),
		startTime: time.Now(),
	}
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, promhttp.HandlerFor(s.collector.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving. It is a no-op when metrics are disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("metrics endpoint disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("metrics server already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to start metrics HTTP server: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		s.logger.Info("metrics HTTP server starting", "addr", ln.Addr().String(), "path", s.config.Path)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.ErrorWithContext(ctx, "error shutting down metrics server", err)
		return err
	}
	s.logger.Info("metrics server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	code := http.StatusOK
	if s.health != nil {
		status.Instances = s.health.HealthCheckAll(r.Context())
		for _, ok := range status.Instances {
			if !ok {
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
				break
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
