package pipeline

import (
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/labels"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// Reasons recorded when the pipeline itself drops an entry
const (
	ReasonNoLabels = "no_labels"
)

// Pipeline runs the stages of one scrape job in order
type Pipeline struct {
	job       string
	stages    []Stage
	logger    *logging.Logger
	collector *metrics.Collector
}

// New builds the pipeline for a job. collector may be nil.
func New(job string, stages []config.StageConfig, collector *metrics.Collector, logger *logging.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("pipeline").WithField("job", job)

	en := env{job: job, logger: logger, collector: collector}
	p := &Pipeline{
		job:       job,
		stages:    make([]Stage, 0, len(stages)),
		logger:    logger,
		collector: collector,
	}

	for i, sc := range stages {
		stage, err := newStage(en, sc)
		if err != nil {
			return nil, fmt.Errorf("job %s stage %d: %w", job, i, err)
		}
		p.stages = append(p.stages, stage)
	}

	return p, nil
}

// Name returns the job the pipeline belongs to
func (p *Pipeline) Name() string {
	return p.job
}

// Stages returns the stage names in order
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Process runs an entry through every stage. It returns the entries ready to
// ship: none when the entry was dropped or is held by an aggregating stage.
// Dropped entries are acknowledged.
func (p *Pipeline) Process(e *types.Entry) []*types.Entry {
	start := time.Now()
	if p.collector != nil {
		p.collector.PipelineEntriesTotal.WithLabelValues(p.job).Inc()
	}

	out := p.run(0, []*types.Entry{e})

	if p.collector != nil {
		p.collector.PipelineDuration.WithLabelValues(p.job).Observe(time.Since(start).Seconds())
	}
	return out
}

// FlushSource releases entries held for one source. Aggregators release blocks
// older than their wait time, or everything when force is set.
func (p *Pipeline) FlushSource(source string, now time.Time, force bool) []*types.Entry {
	var out []*types.Entry
	for i, s := range p.stages {
		agg, ok := s.(Aggregator)
		if !ok {
			continue
		}
		if released := agg.Flush(source, now, force); len(released) > 0 {
			out = append(out, p.run(i+1, released)...)
		}
	}
	return out
}

// Flush releases held entries for every source
func (p *Pipeline) Flush(now time.Time, force bool) []*types.Entry {
	var out []*types.Entry
	for i, s := range p.stages {
		agg, ok := s.(Aggregator)
		if !ok {
			continue
		}
		for _, source := range agg.Sources() {
			if released := agg.Flush(source, now, force); len(released) > 0 {
				out = append(out, p.run(i+1, released)...)
			}
		}
	}
	return out
}

func (p *Pipeline) run(from int, entries []*types.Entry) []*types.Entry {
	out := make([]*types.Entry, 0, len(entries))

	for _, e := range entries {
		kept := true
		for i := from; i < len(p.stages); i++ {
			stage := p.stages[i]

			if agg, ok := stage.(Aggregator); ok {
				out = append(out, p.run(i+1, agg.Aggregate(e))...)
				kept = false
				break
			}

			if !stage.Process(e) {
				reason := stage.Name()
				if r, ok := stage.(dropReasoner); ok {
					reason = r.DropReason()
				}
				p.drop(e, reason)
				kept = false
				break
			}
		}
		if !kept {
			continue
		}

		if p.finalize(e) {
			out = append(out, e)
		}
	}

	return out
}

// finalize strips internal labels and rejects unlabeled entries
func (p *Pipeline) finalize(e *types.Entry) bool {
	ls, invalid, err := labels.Finalize(e.Labels)
	if invalid > 0 && p.collector != nil {
		p.collector.InvalidLabelsTotal.WithLabelValues(p.job).Add(float64(invalid))
	}
	if err != nil {
		p.logger.Debug().Err(err).Str("source", e.Source).Msg("Dropping entry")
		p.drop(e, ReasonNoLabels)
		return false
	}
	if t, ok := e.Labels[labels.TenantLabel]; ok && e.Tenant == "" {
		e.Tenant = t
	}
	e.Labels = ls
	return true
}

func (p *Pipeline) drop(e *types.Entry, reason string) {
	if p.collector != nil {
		p.collector.PipelineDropped.WithLabelValues(p.job, reason).Inc()
	}
	e.Ack()
}
