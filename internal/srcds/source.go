// Package srcds collects metrics from Source engine dedicated servers by
// running the status and stats console commands and parsing their output.
package srcds

import (
	"context"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/srcds-exporter/srcds-exporter/internal/model"
)

// Console commands run on every collection.
const (
	CommandStatus = "status"
	CommandStats  = "stats"
)

// Namespace prefixes every metric produced by this package.
const Namespace = "srcds"

// TargetLabel names the label that identifies the queried server.
const TargetLabel = "target"

// PingBuckets are the upper bounds of the player ping histogram.
var PingBuckets = []float64{25, 50, 100, 150, 250, 500, math.Inf(1)}

var statsHelp = map[string]string{
	"cpu":      "CPU usage of the server process in percent.",
	"netin":    "Incoming network traffic in KB/s.",
	"netout":   "Outgoing network traffic in KB/s.",
	"uptime":   "Server uptime in minutes.",
	"maps":     "Number of map changes since start.",
	"fps":      "Server frames per second.",
	"players":  "Number of players reported by the stats command.",
	"users":    "Number of users reported by the stats command.",
	"connects": "Number of client connections since start.",
	"svarms":   "Server frame time in milliseconds.",
	"varms":    "Variance of the server frame time in milliseconds.",
	"vartick":  "Variance of the server tick time in milliseconds.",
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Querier runs a console command on a server and returns its output.
type Querier interface {
	Query(ctx context.Context, command string) (string, error)
}

// Source collects the metrics of one server through a Querier.
type Source struct {
	querier Querier
	target  string
	logger  *zap.Logger
}

// NewSource creates a source for target. The target is attached to every
// metric as the target label.
func NewSource(querier Querier, target string, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		querier: querier,
		target:  target,
		logger:  logger.With(zap.String("target", target)),
	}
}

// Fetch runs the status and stats commands. When status succeeds but stats
// fails, the status metrics are returned together with the error.
func (s *Source) Fetch(ctx context.Context) ([]model.Metric, error) {
	statusOut, err := s.querier.Query(ctx, CommandStatus)
	if err != nil {
		return nil, err
	}

	var metrics []model.Metric
	var errs error

	status, err := ParseStatus(statusOut)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else {
		metrics = append(metrics, s.statusMetrics(status)...)
	}

	statsOut, err := s.querier.Query(ctx, CommandStats)
	if err != nil {
		return metrics, multierr.Append(errs, err)
	}

	stats, columnErrs, err := ParseStats(statsOut)
	if err != nil {
		return metrics, multierr.Append(errs, err)
	}
	for _, cerr := range columnErrs {
		s.logger.Debug("Skipped stats column", zap.Error(cerr))
	}
	metrics = append(metrics, s.statsMetrics(stats)...)

	return metrics, errs
}

// Close closes the querier when it holds a connection.
func (s *Source) Close() error {
	if closer, ok := s.querier.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (s *Source) labels(pairs ...string) []model.Label {
	return model.Labels(append([]string{TargetLabel, s.target}, pairs...)...)
}

func (s *Source) statusMetrics(st *Status) []model.Metric {
	var out []model.Metric

	if st.Hostname != "" || st.Map != "" {
		out = append(out, model.Metric{
			Name:   Namespace + "_info",
			Kind:   model.KindGauge,
			Labels: s.labels("hostname", st.Hostname, "map", st.Map),
			Value:  1,
			Help:   "Server information from the status command.",
		})
	}

	if st.HasPlayers {
		out = append(out,
			model.Metric{
				Name:   Namespace + "_status_players",
				Kind:   model.KindGauge,
				Labels: s.labels(),
				Value:  float64(st.Players),
				Help:   "Number of human players reported by the status command.",
			},
			model.Metric{
				Name:   Namespace + "_max_players",
				Kind:   model.KindGauge,
				Labels: s.labels(),
				Value:  float64(st.MaxPlayers),
				Help:   "Maximum number of players.",
			})
		if st.HasBots {
			out = append(out, model.Metric{
				Name:   Namespace + "_status_bots",
				Kind:   model.KindGauge,
				Labels: s.labels(),
				Value:  float64(st.Bots),
				Help:   "Number of bots reported by the status command.",
			})
		}
	}

	for _, bound := range PingBuckets {
		count := 0
		for _, ping := range st.Pings {
			if float64(ping) <= bound {
				count++
			}
		}
		out = append(out, model.Metric{
			Name:   Namespace + "_player_ping",
			Kind:   model.KindHistogramBucket,
			Labels: s.labels(),
			Bucket: bound,
			Value:  float64(count),
			Help:   "Ping of connected human players in milliseconds.",
		})
	}

	return out
}

func (s *Source) statsMetrics(stats []Stat) []model.Metric {
	out := make([]model.Metric, 0, len(stats))
	seen := make(map[string]struct{}, len(stats))
	for _, st := range stats {
		key := StatMetricSuffix(st.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		kind := model.KindGauge
		if key == "maps" {
			kind = model.KindCounter
		}
		help := statsHelp[key]
		if help == "" {
			help = "Value of the " + strconv.Quote(st.Name) + " column of the stats command."
		}
		out = append(out, model.Metric{
			Name:   Namespace + "_" + key,
			Kind:   kind,
			Labels: s.labels(),
			Value:  st.Value,
			Help:   help,
		})
	}
	return out
}

// StatMetricSuffix turns a stats column name into a metric name suffix.
func StatMetricSuffix(name string) string {
	return invalidNameChars.ReplaceAllString(strings.ToLower(name), "_")
}
