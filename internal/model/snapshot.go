package model

import (
	"fmt"
	"time"

	"github.com/srcds-exporter/srcds-exporter/pkg/errors"
)

// Snapshot is an immutable set of metrics captured at one point in time.
// A non-nil Err marks a partial or total collection failure.
type Snapshot struct {
	metrics    []Metric
	capturedAt time.Time
	err        error
}

// NewSnapshot validates metrics and builds a snapshot from the valid ones.
// Invalid metrics are dropped; one error per dropped metric is returned so
// the caller can log and count them. fetchErr is carried as the snapshot's
// error indicator.
func NewSnapshot(metrics []Metric, capturedAt time.Time, fetchErr error) (*Snapshot, []error) {
	var dropped []error
	kept := make([]Metric, 0, len(metrics))
	kinds := make(map[string]Kind, len(metrics))
	owners := make(map[string]string, len(metrics))
	seen := make(map[string]struct{}, len(metrics))

	for i, m := range metrics {
		if err := m.Validate(); err != nil {
			dropped = append(dropped, fmt.Errorf("metric %d: %w", i, err))
			continue
		}

		name := ExpositionName(m.Name)
		if k, ok := kinds[name]; ok && k != m.Kind {
			dropped = append(dropped, fmt.Errorf("metric %d: %w", i,
				invalid(m, fmt.Sprintf("kind %s conflicts with earlier %s", m.Kind, k))))
			continue
		}

		if clash := claimedByOther(owners, name, m.Kind); clash != "" {
			dropped = append(dropped, fmt.Errorf("metric %d: %w", i,
				invalid(m, fmt.Sprintf("sample name %s is used by family %s", clash, owners[clash]))))
			continue
		}

		id := m.identity()
		if _, dup := seen[id]; dup {
			dropped = append(dropped, fmt.Errorf("metric %d: %w", i, invalid(m, "duplicate name and labels")))
			continue
		}

		kinds[name] = m.Kind
		for _, n := range sampleNames(name, m.Kind) {
			owners[n] = name
		}
		seen[id] = struct{}{}
		m.Labels = append([]Label(nil), m.Labels...)
		kept = append(kept, m)
	}

	return &Snapshot{metrics: kept, capturedAt: capturedAt, err: fetchErr}, dropped
}

// sampleNames lists the sample names a family of the given kind occupies in
// the exposition.
func sampleNames(family string, kind Kind) []string {
	if kind == KindHistogramBucket {
		return []string{family, family + "_bucket", family + "_count", family + "_sum"}
	}
	return []string{family}
}

// claimedByOther returns the first sample name of family that another family
// already occupies, or "".
func claimedByOther(owners map[string]string, family string, kind Kind) string {
	for _, n := range sampleNames(family, kind) {
		if owner, ok := owners[n]; ok && owner != family {
			return n
		}
	}
	return ""
}

// ErrorSnapshot builds a snapshot that carries only a failure.
func ErrorSnapshot(capturedAt time.Time, err error) *Snapshot {
	if err == nil {
		err = errors.NewError(errors.ErrCodeFetchFailure, "collection failed")
	}
	return &Snapshot{capturedAt: capturedAt, err: err}
}

// WithError returns a snapshot with the same metrics and capture time that
// carries err. The receiver is left untouched.
func (s *Snapshot) WithError(err error) *Snapshot {
	return &Snapshot{metrics: s.metrics, capturedAt: s.capturedAt, err: err}
}

// Metrics returns a copy of the snapshot's metrics in capture order.
func (s *Snapshot) Metrics() []Metric {
	out := make([]Metric, len(s.metrics))
	for i, m := range s.metrics {
		m.Labels = append([]Label(nil), m.Labels...)
		out[i] = m
	}
	return out
}

// Len returns the number of metrics in the snapshot.
func (s *Snapshot) Len() int { return len(s.metrics) }

// CapturedAt returns the capture time.
func (s *Snapshot) CapturedAt() time.Time { return s.capturedAt }

// Err returns the collection error, if any.
func (s *Snapshot) Err() error { return s.err }

// Failed reports whether the snapshot carries an error indicator.
func (s *Snapshot) Failed() bool { return s.err != nil }
