// Package model holds the normalized in-memory representation of collected
// measurements, independent of how they are encoded for scraping.
package model

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/srcds-exporter/srcds-exporter/pkg/errors"
)

// Kind is the type of a metric.
type Kind int

const (
	KindUnknown Kind = iota
	KindCounter
	KindGauge
	KindHistogramBucket
)

// String returns the exposition type name of the kind
func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogramBucket:
		return "histogram"
	default:
		return "unknown"
	}
}

// BucketLabel is the label carrying a histogram bucket's upper bound.
const BucketLabel = "le"

// Label is one name/value pair attached to a metric.
type Label struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Labels builds a label slice from alternating name/value strings.
// A trailing name without value gets an empty value.
func Labels(pairs ...string) []Label {
	labels := make([]Label, 0, (len(pairs)+1)/2)
	for i := 0; i < len(pairs); i += 2 {
		l := Label{Name: pairs[i]}
		if i+1 < len(pairs) {
			l.Value = pairs[i+1]
		}
		labels = append(labels, l)
	}
	return labels
}

// Metric is one named, typed, labeled measurement.
type Metric struct {
	Name   string  `json:"name"`
	Kind   Kind    `json:"kind"`
	Labels []Label `json:"labels,omitempty"`
	Value  float64 `json:"value"`

	// Bucket is the upper bound of a histogram bucket; ignored for other kinds.
	Bucket float64 `json:"bucket,omitempty"`

	Help      string    `json:"help,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// SortedLabels returns a copy of the labels ordered by name.
func (m Metric) SortedLabels() []Label {
	out := make([]Label, len(m.Labels))
	copy(out, m.Labels)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks the metric on its own, without regard to other metrics in
// the same snapshot.
func (m Metric) Validate() error {
	if m.Name == "" {
		return invalid(m, "empty metric name")
	}
	if !validMetricName(m.Name) {
		return invalid(m, "invalid metric name")
	}
	switch m.Kind {
	case KindCounter, KindGauge:
	case KindHistogramBucket:
		if math.IsNaN(m.Bucket) {
			return invalid(m, "histogram bucket bound is NaN")
		}
	default:
		return invalid(m, fmt.Sprintf("unrecognized kind %d", int(m.Kind)))
	}

	seen := make(map[string]struct{}, len(m.Labels))
	for _, l := range m.Labels {
		if !validLabelName(l.Name) {
			return invalid(m, fmt.Sprintf("invalid label name %q", l.Name))
		}
		if l.Name == BucketLabel {
			return invalid(m, "label \"le\" is reserved for histogram buckets")
		}
		if _, dup := seen[l.Name]; dup {
			return invalid(m, fmt.Sprintf("duplicate label %q", l.Name))
		}
		seen[l.Name] = struct{}{}
	}
	return nil
}

// identity returns the key under which a metric must be unique in a snapshot.
func (m Metric) identity() string {
	var sb strings.Builder
	sb.WriteString(ExpositionName(m.Name))
	for _, l := range m.SortedLabels() {
		sb.WriteByte(0)
		sb.WriteString(l.Name)
		sb.WriteByte(0)
		sb.WriteString(l.Value)
	}
	if m.Kind == KindHistogramBucket {
		sb.WriteByte(0)
		sb.WriteString(BucketLabel)
		sb.WriteByte(0)
		sb.WriteString(FormatFloat(m.Bucket))
	}
	return sb.String()
}

// ExpositionName maps a dot-delimited name onto the exposition charset.
func ExpositionName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// FormatFloat formats a sample value or bucket bound for exposition.
func FormatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	default:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
}

func invalid(m Metric, reason string) error {
	return errors.NewError(errors.ErrCodeInvalidMetric, reason).WithDetail("metric", m.Name)
}

func validMetricName(name string) bool {
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
		case (r >= '0' && r <= '9') || r == '.':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func validLabelName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
