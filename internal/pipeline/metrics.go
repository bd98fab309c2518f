package pipeline

import (
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// MetricConfig defines one metric of the metrics stage
type MetricConfig struct {
	Type        string            `yaml:"type"`
	Description string            `yaml:"description,omitempty"`
	Source      string            `yaml:"source,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Config      struct {
		Value           string    `yaml:"value,omitempty"`
		Action          string    `yaml:"action,omitempty"`
		MatchAll        bool      `yaml:"match_all,omitempty"`
		CountEntryBytes bool      `yaml:"count_entry_bytes,omitempty"`
		Buckets         []float64 `yaml:"buckets,omitempty"`
	} `yaml:"config"`
}

// metricsStage records prometheus metrics from extracted data. Metrics are
// registered with the collector's registry under the custom prefix.
type metricsStage struct {
	base
	extractor *metrics.Extractor
}

func newMetricsStage(en env, cfg config.StageConfig) (*metricsStage, error) {
	defs := map[string]MetricConfig{}
	if err := cfg.Decode(&defs); err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("metrics stage requires at least one metric")
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	rules := make([]metrics.ExtractionRule, 0, len(defs))
	for _, name := range names {
		def := defs[name]
		source := def.Source
		if source == "" && !def.Config.MatchAll {
			source = name
		}
		rules = append(rules, metrics.ExtractionRule{
			Name:        name,
			Type:        metrics.MetricType(def.Type),
			Source:      source,
			Value:       def.Config.Value,
			MatchAll:    def.Config.MatchAll,
			CountBytes:  def.Config.CountEntryBytes,
			Action:      def.Config.Action,
			Help:        def.Description,
			Buckets:     def.Config.Buckets,
			LabelFields: def.Labels,
		})
	}

	var reg prometheus.Registerer = prometheus.NewRegistry()
	if en.collector != nil {
		reg = en.collector.Registry()
	}

	extractor, err := metrics.NewExtractor(reg, rules)
	if err != nil {
		return nil, err
	}

	return &metricsStage{base: en.base(StageTypeMetrics), extractor: extractor}, nil
}

func (s *metricsStage) Process(e *types.Entry) bool {
	s.extractor.Extract(e.Extracted, e.Labels, e.Line)
	return true
}
