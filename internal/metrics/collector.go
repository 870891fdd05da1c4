package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaultfs/vaultfs/pkg/health"
)

// Collector implements types.MetricsCollector against a Prometheus
// registry, covering the block/cache/blob/filesystem layers (L0-L7)
// instead of S3 object operations.
type Collector struct {
	mu     sync.RWMutex
	config *Config

	registry *prometheus.Registry

	operationCounter    *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	operationSize       *prometheus.HistogramVec
	cacheRequestCounter *prometheus.CounterVec
	integrityViolations *prometheus.CounterVec
	openFileGauge       prometheus.Gauge
	errorCounter        *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server   *http.Server
	reporter health.Reporter
}

// Config configures the metrics endpoint.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// OperationMetrics aggregates counters for one operation name, exposed
// through the debug endpoints alongside the Prometheus registry.
type OperationMetrics struct {
	Count         int64
	TotalDuration time.Duration
	TotalSize     int64
	Errors        int64
	LastOperation time.Time
	AvgDuration   time.Duration
	AvgSize       float64
}

// NewCollector creates a Collector. A nil Config yields an enabled
// Collector on port 9090; an empty Path or Namespace defaults to
// "/metrics" or "vaultfs". A disabled Config returns a Collector whose
// methods are no-ops, so callers can pass it unconditionally to every
// layer's constructor without an enabled-check at every call site.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "vaultfs",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "vaultfs"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		config:     config,
		registry:   registry,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

// Start serves the Prometheus endpoint and a couple of debug endpoints.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics HTTP server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation implements types.MetricsCollector: records one
// filesystem or blob operation's outcome, duration, and size.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, exists := c.operations[operation]
	if !exists {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
	if !success {
		c.errorCounter.With(prometheus.Labels{"operation": operation, "type": "failure"}).Inc()
	}
}

// RecordCacheHit implements types.MetricsCollector: the L3 cache served
// blockID without reaching the underlying (L2) store.
func (c *Collector) RecordCacheHit(blockID string) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequestCounter.With(prometheus.Labels{"result": "hit"}).Inc()
}

// RecordCacheMiss implements types.MetricsCollector: the L3 cache had to
// load blockID from the underlying store.
func (c *Collector) RecordCacheMiss(blockID string) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequestCounter.With(prometheus.Labels{"result": "miss"}).Inc()
}

// RecordIntegrityViolation implements types.MetricsCollector: the L2
// integrity store rejected a block for reason (§4.3's V1-V5 checks).
func (c *Collector) RecordIntegrityViolation(blockID string, reason string) {
	if !c.config.Enabled {
		return
	}
	c.integrityViolations.With(prometheus.Labels{"reason": reason}).Inc()
}

// RecordError implements types.MetricsCollector: a standalone error not
// already folded into a RecordOperation call.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{"operation": operation, "type": c.classifyError(err)}).Inc()
}

// SetHealthReporter wires the mount's health.Reporter (normally
// internal/integrity.Store) into the /health endpoint. Safe to call before
// or after Start.
func (c *Collector) SetHealthReporter(r health.Reporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reporter = r
}

// SetOpenFileCount updates the gauge tracking internal/filesystem's open
// file table size.
func (c *Collector) SetOpenFileCount(n int) {
	if !c.config.Enabled {
		return
	}
	c.openFileGauge.Set(float64(n))
}

// GetMetrics returns a snapshot of the internal operation counters, used by
// the debug endpoints and tests.
func (c *Collector) GetMetrics() map[string]*OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		out[k] = &cp
	}
	return out
}

// ResetMetrics clears the internal operation counters (not the Prometheus
// registry, which is cumulative by design).
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operations_total",
			Help:      "Total number of filesystem/blob operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of filesystem/blob operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us to ~13s
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operation_size_bytes",
			Help:      "Size in bytes of filesystem/blob operations",
			Buckets:   prometheus.ExponentialBuckets(512, 2, 20), // 512B to ~256MB
		},
		[]string{"operation"},
	)

	c.cacheRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "cache_requests_total",
			Help:      "Total number of L3 cache block requests by result",
		},
		[]string{"result"},
	)

	c.integrityViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "integrity_violations_total",
			Help:      "Total number of L2 integrity violations by reason",
		},
		[]string{"reason"},
	)

	c.openFileGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "open_files",
			Help:      "Number of entries in the filesystem's open file table",
		},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and classification",
		},
		[]string{"operation", "type"},
	)
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheRequestCounter,
		c.integrityViolations,
		c.openFileGauge,
		c.errorCounter,
	}
	for _, m := range collectors {
		if err := c.registry.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) classifyError(err error) string {
	if err == nil {
		return "none"
	}
	errStr := err.Error()
	switch {
	case contains(errStr, "timeout"):
		return "timeout"
	case contains(errStr, "not found"):
		return "not_found"
	case contains(errStr, "permission"):
		return "permission"
	case contains(errStr, "integrity"):
		return "integrity"
	case contains(errStr, "exist"):
		return "already_exists"
	default:
		return "other"
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	reporter := c.reporter
	c.mu.RUnlock()

	state := health.Healthy
	if reporter != nil {
		state = reporter.Health()
	}

	w.Header().Set("Content-Type", "application/json")
	if state == health.Poisoned {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = fmt.Fprintf(w, `{"status":"%s","service":"vaultfs-metrics"}`, state)
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := c.GetMetrics()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("VaultFS Operations Summary\n")
	writef("===========================\n\n")
	writef("Uptime: %v\n\n", time.Since(c.lastReset))

	if len(metrics) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-20s %10s %10s %14s %12s %10s\n",
		"Operation", "Count", "Errors", "Avg Duration", "Avg Size", "Last Op")
	for name, op := range metrics {
		writef("%-20s %10d %10d %14v %12.0f %10s\n",
			name, op.Count, op.Errors, op.AvgDuration, op.AvgSize, op.LastOperation.Format("15:04:05"))
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
