package s3

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReaderMetrics tracks object reads made by a Reader.
type ReaderMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// MetricsCollector aggregates ReaderMetrics.
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics ReaderMetrics
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records one GetObject call with its duration and outcome.
func (mc *MetricsCollector) RecordRequest(duration time.Duration, bytes int64, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Requests++
	mc.metrics.BytesDownloaded += bytes
	if err != nil {
		mc.metrics.Errors++
		mc.metrics.LastError = err.Error()
		mc.metrics.LastErrorTime = time.Now()
	}

	// Rolling average latency
	if mc.metrics.Requests == 1 {
		mc.metrics.AverageLatency = duration
	} else {
		mc.metrics.AverageLatency = time.Duration(
			(int64(mc.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

// Snapshot returns a copy of the current metrics.
func (mc *MetricsCollector) Snapshot() ReaderMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}

// readerCollector exposes a reader's statistics to a Prometheus registry.
type readerCollector struct {
	reader *Reader

	requests *prometheus.Desc
	errors   *prometheus.Desc
	bytes    *prometheus.Desc
	latency  *prometheus.Desc
	lastErr  *prometheus.Desc
}

// Collector returns a prometheus.Collector reporting the reader's object
// reads under namespace.
func (r *Reader) Collector(namespace string) prometheus.Collector {
	labels := prometheus.Labels{"bucket": r.config.Bucket, "prefix": r.config.Prefix}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "s3", name), help, nil, labels)
	}
	return &readerCollector{
		reader:   r,
		requests: desc("requests_total", "GetObject calls made to read console output."),
		errors:   desc("errors_total", "GetObject calls that failed."),
		bytes:    desc("downloaded_bytes_total", "Bytes of console output read from the bucket."),
		latency:  desc("average_latency_seconds", "Moving average of GetObject latency."),
		lastErr:  desc("last_error_timestamp_seconds", "Time of the last failed GetObject call, 0 if none."),
	}
}

func (rc *readerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- rc.requests
	ch <- rc.errors
	ch <- rc.bytes
	ch <- rc.latency
	ch <- rc.lastErr
}

func (rc *readerCollector) Collect(ch chan<- prometheus.Metric) {
	m := rc.reader.Metrics()

	var lastErr float64
	if !m.LastErrorTime.IsZero() {
		lastErr = float64(m.LastErrorTime.UnixNano()) / 1e9
	}

	ch <- prometheus.MustNewConstMetric(rc.requests, prometheus.CounterValue, float64(m.Requests))
	ch <- prometheus.MustNewConstMetric(rc.errors, prometheus.CounterValue, float64(m.Errors))
	ch <- prometheus.MustNewConstMetric(rc.bytes, prometheus.CounterValue, float64(m.BytesDownloaded))
	ch <- prometheus.MustNewConstMetric(rc.latency, prometheus.GaugeValue, m.AverageLatency.Seconds())
	ch <- prometheus.MustNewConstMetric(rc.lastErr, prometheus.GaugeValue, lastErr)
}
