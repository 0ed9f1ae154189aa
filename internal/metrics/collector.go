package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srcds-exporter/srcds-exporter/internal/circuit"
	"github.com/srcds-exporter/srcds-exporter/internal/scrape"
	"github.com/srcds-exporter/srcds-exporter/pkg/errors"
)

// Collector records the exporter's own behaviour in a private registry.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	cacheRequests   *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	refreshErrors   *prometheus.CounterVec
	invalidMetrics  *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	poolSize        prometheus.Gauge
}

// Config represents self-metrics configuration
type Config struct {
	Enabled     bool              `yaml:"enabled"`
	Path        string            `yaml:"path"`
	Namespace   string            `yaml:"namespace"`
	Labels      map[string]string `yaml:"labels"`
	GoCollector bool              `yaml:"go_collector"`
}

// DefaultConfig returns the self-metrics defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Path:        "/exporter/metrics",
		Namespace:   "srcds_exporter",
		Labels:      make(map[string]string),
		GoCollector: true,
	}
}

// NewCollector creates a new metrics collector. A nil config uses
// DefaultConfig; a disabled config yields a collector whose methods are
// no-ops.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Collector{config: config}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to register metrics", err).
			WithComponent("metrics")
	}
	return c, nil
}

var _ scrape.Observer = (*Collector)(nil)

// CacheResult counts how a scrape was answered.
func (c *Collector) CacheResult(target string, result scrape.CacheResult) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues(target, string(result)).Inc()
}

// RefreshCompleted records the outcome and duration of a refresh.
func (c *Collector) RefreshCompleted(target string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
		c.refreshErrors.WithLabelValues(target, errorCode(err)).Inc()
	}
	c.refreshes.WithLabelValues(target, outcome).Inc()
	c.refreshDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// InvalidMetrics counts metrics dropped during validation.
func (c *Collector) InvalidMetrics(target string, count int) {
	if !c.config.Enabled || count <= 0 {
		return
	}
	c.invalidMetrics.WithLabelValues(target).Add(float64(count))
}

// BreakerStateChanged matches circuit.Config.OnStateChange.
func (c *Collector) BreakerStateChanged(target string, _, to circuit.State) {
	if !c.config.Enabled {
		return
	}
	c.breakerState.WithLabelValues(target).Set(float64(to))
}

// SetPoolSize reports the number of cached coordinators.
func (c *Collector) SetPoolSize(n int) {
	if !c.config.Enabled {
		return
	}
	c.poolSize.Set(float64(n))
}

// ForgetTarget drops every series labelled with target.
func (c *Collector) ForgetTarget(target string) {
	if !c.config.Enabled {
		return
	}
	labels := prometheus.Labels{"target": target}
	c.cacheRequests.DeletePartialMatch(labels)
	c.refreshes.DeletePartialMatch(labels)
	c.refreshDuration.DeletePartialMatch(labels)
	c.refreshErrors.DeletePartialMatch(labels)
	c.invalidMetrics.DeletePartialMatch(labels)
	c.breakerState.DeletePartialMatch(labels)
}

// Register adds a component's own collector, such as a storage reader, to
// the registry. It is a no-op when self metrics are disabled.
func (c *Collector) Register(collector prometheus.Collector) error {
	if !c.config.Enabled {
		return nil
	}
	if err := c.registry.Register(collector); err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, "failed to register collector", err).
			WithComponent("metrics")
	}
	return nil
}

// Namespace returns the metric name prefix.
func (c *Collector) Namespace() string {
	return c.config.Namespace
}

// Registry returns the registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry:          c.registry,
		EnableOpenMetrics: false,
	})
}

// Path returns the configured endpoint path.
func (c *Collector) Path() string {
	if c.config.Path == "" {
		return DefaultConfig().Path
	}
	return c.config.Path
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	constLabels := prometheus.Labels(c.config.Labels)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "cache_requests_total",
			Help:        "Scrapes answered by the cache, by result.",
			ConstLabels: constLabels,
		},
		[]string{"target", "result"},
	)

	c.refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "refreshes_total",
			Help:        "Backend refreshes, by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"target", "outcome"},
	)

	c.refreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "refresh_duration_seconds",
			Help:        "Duration of backend refreshes in seconds.",
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			ConstLabels: constLabels,
		},
		[]string{"target"},
	)

	c.refreshErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "refresh_errors_total",
			Help:        "Failed refreshes, by error code.",
			ConstLabels: constLabels,
		},
		[]string{"target", "code"},
	)

	c.invalidMetrics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "invalid_metrics_total",
			Help:        "Metrics dropped because they failed validation.",
			ConstLabels: constLabels,
		},
		[]string{"target"},
	)

	c.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "circuit_breaker_state",
			Help:        "Circuit breaker state per target (0 closed, 1 open, 2 half-open).",
			ConstLabels: constLabels,
		},
		[]string{"target"},
	)

	c.poolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "targets_cached",
			Help:        "Number of targets with a cached coordinator.",
			ConstLabels: constLabels,
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheRequests,
		c.refreshes,
		c.refreshDuration,
		c.refreshErrors,
		c.invalidMetrics,
		c.breakerState,
		c.poolSize,
	}
	if c.config.GoCollector {
		metrics = append(metrics,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// errorCode labels a failure by its innermost code, so a FETCH_FAILURE
// caused by a refused connection counts as CONNECTION_REFUSED.
func errorCode(err error) string {
	return string(errors.RootCode(err))
}
