package pipeline

import (
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// Stage types
const (
	StageTypeRegex        = "regex"
	StageTypeJSON         = "json"
	StageTypeLogfmt       = "logfmt"
	StageTypeGrok         = "grok"
	StageTypeReplace      = "replace"
	StageTypeMultiline    = "multiline"
	StageTypeTimestamp    = "timestamp"
	StageTypeLabels       = "labels"
	StageTypeStaticLabels = "static_labels"
	StageTypeLabelDrop    = "labeldrop"
	StageTypeLabelAllow   = "labelallow"
	StageTypeOutput       = "output"
	StageTypeDrop         = "drop"
	StageTypeMatch        = "match"
	StageTypeLimit        = "limit"
	StageTypeMetrics      = "metrics"
	StageTypeTenant       = "tenant"
)

// Stage mutates an entry in place. Returning false drops the entry.
type Stage interface {
	Name() string
	Process(e *types.Entry) bool
}

// Aggregator is a stage that holds entries and releases them later, possibly
// combined. Entries are keyed by their Source.
type Aggregator interface {
	Stage
	Aggregate(e *types.Entry) []*types.Entry
	Flush(source string, now time.Time, force bool) []*types.Entry
	Sources() []string
}

// dropReasoner lets a stage name the reason counted for the entries it drops
type dropReasoner interface {
	DropReason() string
}

// base carries what every stage needs for reporting
type base struct {
	name      string
	job       string
	logger    *logging.Logger
	collector *metrics.Collector
}

func (b *base) Name() string {
	return b.name
}

// fail records a stage error. The entry continues down the pipeline.
func (b *base) fail(e *types.Entry, err error) {
	b.logger.Debug().
		Err(err).
		Str("stage", b.name).
		Str("source", e.Source).
		Msg("Stage failed to process entry")
	if b.collector != nil {
		b.collector.PipelineStageErrors.WithLabelValues(b.job, b.name).Inc()
	}
}

// input returns the value a stage reads: the line, or an extracted field
func input(e *types.Entry, source string) (string, bool) {
	if source == "" {
		return e.Line, true
	}
	v, ok := e.Extracted[source]
	return v, ok
}

type env struct {
	job       string
	logger    *logging.Logger
	collector *metrics.Collector
}

func (en env) base(name string) base {
	return base{name: name, job: en.job, logger: en.logger, collector: en.collector}
}

// newStage builds one stage from its configuration
func newStage(en env, cfg config.StageConfig) (Stage, error) {
	switch cfg.Type {
	case StageTypeRegex:
		return newRegexStage(en, cfg)
	case StageTypeJSON:
		return newJSONStage(en, cfg)
	case StageTypeLogfmt:
		return newLogfmtStage(en, cfg)
	case StageTypeGrok:
		return newGrokStage(en, cfg)
	case StageTypeReplace:
		return newReplaceStage(en, cfg)
	case StageTypeMultiline:
		return newMultilineStage(en, cfg)
	case StageTypeTimestamp:
		return newTimestampStage(en, cfg)
	case StageTypeLabels:
		return newLabelsStage(en, cfg)
	case StageTypeStaticLabels:
		return newStaticLabelsStage(en, cfg)
	case StageTypeLabelDrop:
		return newLabelDropStage(en, cfg)
	case StageTypeLabelAllow:
		return newLabelAllowStage(en, cfg)
	case StageTypeOutput:
		return newOutputStage(en, cfg)
	case StageTypeDrop:
		return newDropStage(en, cfg)
	case StageTypeMatch:
		return newMatchStage(en, cfg)
	case StageTypeLimit:
		return newLimitStage(en, cfg)
	case StageTypeMetrics:
		return newMetricsStage(en, cfg)
	case StageTypeTenant:
		return newTenantStage(en, cfg)
	default:
		return nil, fmt.Errorf("unknown stage type: %s", cfg.Type)
	}
}
