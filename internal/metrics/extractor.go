package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricType represents the type of metric to extract
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Actions applied to the extracted value
const (
	ActionInc     = "inc"
	ActionAdd     = "add"
	ActionSet     = "set"
	ActionDec     = "dec"
	ActionSub     = "sub"
	ActionObserve = "observe"
)

// CustomPrefix is prepended to every metric defined by a pipeline
const CustomPrefix = namespace + "_custom_"

// ExtractionRule defines how to derive a metric from an entry
type ExtractionRule struct {
	Name        string            // Metric name, without prefix
	Type        MetricType        // Metric type
	Source      string            // Extracted field holding the value
	Value       string            // Only count entries whose source equals this
	MatchAll    bool              // Count every entry regardless of source
	CountBytes  bool              // With MatchAll, add the line length instead of 1
	Action      string            // inc, add, set, dec, sub, observe
	Help        string            // Metric description
	Buckets     []float64         // Histogram buckets (optional)
	LabelFields map[string]string // metric label -> extracted field or entry label
}

type compiledRule struct {
	ExtractionRule
	labelNames []string
	collector  prometheus.Collector
}

// Extractor turns pipeline entries into prometheus metrics
type Extractor struct {
	rules []*compiledRule
}

// NewExtractor registers the rule metrics with reg. Rules sharing a name with an
// already registered metric reuse it.
func NewExtractor(reg prometheus.Registerer, rules []ExtractionRule) (*Extractor, error) {
	e := &Extractor{}

	for _, rule := range rules {
		rule.Type = MetricType(strings.ToLower(string(rule.Type)))
		if rule.Help == "" {
			rule.Help = fmt.Sprintf("%s extracted from log entries", rule.Name)
		}
		if rule.Action == "" {
			rule.Action = defaultAction(rule.Type)
		}
		if err := validateRule(rule); err != nil {
			return nil, err
		}

		cr := &compiledRule{ExtractionRule: rule}
		for labelName := range rule.LabelFields {
			cr.labelNames = append(cr.labelNames, labelName)
		}
		sort.Strings(cr.labelNames)

		collector, err := register(reg, newCollector(cr))
		if err != nil {
			return nil, fmt.Errorf("failed to register metric %s: %w", rule.Name, err)
		}
		cr.collector = collector
		e.rules = append(e.rules, cr)
	}

	return e, nil
}

func defaultAction(t MetricType) string {
	switch t {
	case MetricTypeGauge:
		return ActionSet
	case MetricTypeHistogram:
		return ActionObserve
	default:
		return ActionInc
	}
}

func validateRule(rule ExtractionRule) error {
	if rule.Name == "" {
		return fmt.Errorf("metric name must be set")
	}
	if rule.Source == "" && !rule.MatchAll {
		return fmt.Errorf("metric %s: source must be set unless match_all is true", rule.Name)
	}

	var valid []string
	switch rule.Type {
	case MetricTypeCounter:
		valid = []string{ActionInc, ActionAdd}
	case MetricTypeGauge:
		valid = []string{ActionSet, ActionInc, ActionDec, ActionAdd, ActionSub}
	case MetricTypeHistogram:
		valid = []string{ActionObserve}
	default:
		return fmt.Errorf("unsupported metric type: %s", rule.Type)
	}
	for _, a := range valid {
		if a == rule.Action {
			return nil
		}
	}
	return fmt.Errorf("metric %s: action %q is not valid for a %s", rule.Name, rule.Action, rule.Type)
}

func newCollector(cr *compiledRule) prometheus.Collector {
	name := CustomPrefix + cr.Name

	switch cr.Type {
	case MetricTypeGauge:
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: cr.Help}, cr.labelNames)
	case MetricTypeHistogram:
		buckets := cr.Buckets
		if buckets == nil {
			buckets = prometheus.DefBuckets
		}
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: cr.Help, Buckets: buckets}, cr.labelNames)
	default:
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: cr.Help}, cr.labelNames)
	}
}

func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}

// Extract records every rule against one entry
func (e *Extractor) Extract(extracted, labels map[string]string, line string) {
	for _, rule := range e.rules {
		rule.record(extracted, labels, line)
	}
}

func (cr *compiledRule) record(extracted, labels map[string]string, line string) {
	var (
		raw     string
		present bool
	)
	if !cr.MatchAll {
		raw, present = extracted[cr.Source]
		if !present {
			return
		}
		if cr.Value != "" && raw != cr.Value {
			return
		}
	}

	values := make([]string, len(cr.labelNames))
	for i, name := range cr.labelNames {
		field := cr.LabelFields[name]
		if v, ok := extracted[field]; ok {
			values[i] = v
		} else {
			values[i] = labels[field]
		}
	}

	amount := 1.0
	switch {
	case cr.MatchAll && cr.CountBytes:
		amount = float64(len(line))
	case cr.Action != ActionInc && cr.Action != ActionDec:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return
		}
		amount = f
	}

	switch c := cr.collector.(type) {
	case *prometheus.CounterVec:
		if amount < 0 {
			return
		}
		c.WithLabelValues(values...).Add(amount)
	case *prometheus.GaugeVec:
		g := c.WithLabelValues(values...)
		switch cr.Action {
		case ActionSet:
			g.Set(amount)
		case ActionInc:
			g.Inc()
		case ActionDec:
			g.Dec()
		case ActionAdd:
			g.Add(amount)
		case ActionSub:
			g.Sub(amount)
		}
	case *prometheus.HistogramVec:
		c.WithLabelValues(values...).Observe(amount)
	}
}
