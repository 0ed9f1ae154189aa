// Package render turns a metric snapshot into Prometheus text exposition.
//
// Output is a pure function of the snapshot: families are sorted by name,
// samples by their label signature, labels by name, and histogram buckets by
// bound, so identical snapshots always render byte-identical text.
package render

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/srcds-exporter/srcds-exporter/internal/model"
)

const expositionTemplate = `{{- range . -}}
# HELP {{ .Name }} {{ .Help }}
# TYPE {{ .Name }} {{ .Type }}
{{ range .Samples -}}
{{ .Name }}{{ .Labels }} {{ .Value }}{{ if .Timestamp }} {{ .Timestamp }}{{ end }}
{{ end -}}
{{- end -}}`

// Options configures a Renderer.
type Options struct {
	// Namespace prefixes the synthetic up metric, e.g. "srcds" gives "srcds_up".
	Namespace string
}

// Renderer renders snapshots. It is safe for concurrent use.
type Renderer struct {
	tmpl   *template.Template
	upName string
}

type family struct {
	Name    string
	Help    string
	Type    string
	Samples []sample

	kind model.Kind
}

type sample struct {
	Name      string
	Labels    string
	Value     string
	Timestamp string

	signature string
	bucket    float64
}

// New creates a renderer.
func New(opts Options) *Renderer {
	upName := "up"
	if opts.Namespace != "" {
		upName = model.ExpositionName(opts.Namespace) + "_up"
	}
	return &Renderer{
		tmpl:   template.Must(template.New("exposition").Parse(expositionTemplate)),
		upName: upName,
	}
}

// UpMetricName returns the name of the synthetic success gauge.
func (r *Renderer) UpMetricName() string {
	return r.upName
}

// Render returns the exposition text for s. It never fails: the synthetic
// up gauge is always present, set to 0 when s carries an error.
func (r *Renderer) Render(s *model.Snapshot) string {
	families := r.families(s)

	var sb strings.Builder
	if err := r.tmpl.Execute(&sb, families); err != nil {
		sb.Reset()
		sb.WriteString("# TYPE " + r.upName + " gauge\n" + r.upName + " 0\n")
	}
	return sb.String()
}

func (r *Renderer) families(s *model.Snapshot) []*family {
	byName := make(map[string]*family)

	for _, m := range s.Metrics() {
		name := model.ExpositionName(m.Name)
		if name == r.upName {
			continue
		}

		f, ok := byName[name]
		if !ok {
			f = &family{Name: name, Type: m.Kind.String(), kind: m.Kind}
			byName[name] = f
		}
		if f.Help == "" && m.Help != "" {
			f.Help = escapeHelp(m.Help)
		}

		labels := m.SortedLabels()
		smp := sample{
			Name:      name,
			Value:     model.FormatFloat(m.Value),
			signature: formatLabels(labels),
		}
		if !m.Timestamp.IsZero() {
			smp.Timestamp = strconv.FormatInt(m.Timestamp.UnixMilli(), 10)
		}

		if m.Kind == model.KindHistogramBucket {
			smp.Name = name + "_bucket"
			smp.bucket = m.Bucket
			smp.Labels = formatLabels(append(labels, model.Label{
				Name:  model.BucketLabel,
				Value: model.FormatFloat(m.Bucket),
			}))
		} else {
			smp.Labels = smp.signature
		}
		f.Samples = append(f.Samples, smp)
	}

	up := "1"
	if s.Failed() {
		up = "0"
	}
	byName[r.upName] = &family{
		Name:    r.upName,
		Help:    "Whether the last collection from the backend succeeded.",
		Type:    model.KindGauge.String(),
		Samples: []sample{{Name: r.upName, Value: up}},
		kind:    model.KindGauge,
	}

	out := make([]*family, 0, len(byName))
	for _, f := range byName {
		if f.Help == "" {
			f.Help = "Collected metric " + f.Name + "."
		}
		sortSamples(f)
		if f.kind == model.KindHistogramBucket {
			addCounts(f)
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortSamples(f *family) {
	sort.SliceStable(f.Samples, func(i, j int) bool {
		a, b := f.Samples[i], f.Samples[j]
		if a.signature != b.signature {
			return a.signature < b.signature
		}
		if f.kind == model.KindHistogramBucket {
			return a.bucket < b.bucket
		}
		return false
	})
}

// addCounts emits <name>_count after the +Inf bucket of every label set.
// Sources report buckets only, so no _sum sample is written.
func addCounts(f *family) {
	samples := make([]sample, 0, len(f.Samples)+len(f.Samples)/4)
	for _, smp := range f.Samples {
		samples = append(samples, smp)
		if math.IsInf(smp.bucket, 1) {
			samples = append(samples, sample{
				Name:      f.Name + "_count",
				Labels:    smp.signature,
				Value:     smp.Value,
				Timestamp: smp.Timestamp,
				signature: smp.signature,
				bucket:    smp.bucket,
			})
		}
	}
	f.Samples = samples
}

var labelValueEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func formatLabels(labels []model.Label) string {
	if len(labels) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, l := range labels {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(l.Name)
		sb.WriteString(`="`)
		sb.WriteString(labelValueEscaper.Replace(l.Value))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

func escapeHelp(help string) string {
	return helpEscaper.Replace(help)
}
