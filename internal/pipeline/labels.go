package pipeline

import (
	"fmt"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/labels"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// labelsStage promotes extracted values to stream labels
type labelsStage struct {
	base
	mapping map[string]string // label name -> extracted field
}

func newLabelsStage(en env, cfg config.StageConfig) (*labelsStage, error) {
	mapping := map[string]string{}
	if err := cfg.Decode(&mapping); err != nil {
		return nil, err
	}
	if len(mapping) == 0 {
		return nil, fmt.Errorf("labels stage requires at least one label")
	}

	for name, source := range mapping {
		if !labels.ValidName(name) {
			return nil, fmt.Errorf("invalid label name %q", name)
		}
		if source == "" {
			mapping[name] = name
		}
	}

	return &labelsStage{base: en.base(StageTypeLabels), mapping: mapping}, nil
}

func (s *labelsStage) Process(e *types.Entry) bool {
	promoted := make(types.LabelSet, len(s.mapping))
	for name, source := range s.mapping {
		v, ok := e.Extracted[source]
		if !ok {
			continue
		}
		if err := labels.Validate(name, v); err != nil {
			s.invalid(e, err)
			continue
		}
		promoted[name] = v
	}
	if len(promoted) > 0 {
		e.Labels = labels.Merge(e.Labels, promoted)
	}
	return true
}

func (s *labelsStage) invalid(e *types.Entry, err error) {
	s.logger.Debug().Err(err).Str("source", e.Source).Msg("Skipping label")
	if s.collector != nil {
		s.collector.InvalidLabelsTotal.WithLabelValues(s.job).Inc()
	}
}

// staticLabelsStage adds fixed labels
type staticLabelsStage struct {
	base
	values types.LabelSet
}

func newStaticLabelsStage(en env, cfg config.StageConfig) (*staticLabelsStage, error) {
	values := types.LabelSet{}
	if err := cfg.Decode(&values); err != nil {
		return nil, err
	}
	for name, v := range values {
		if err := labels.Validate(name, v); err != nil {
			return nil, err
		}
	}
	return &staticLabelsStage{base: en.base(StageTypeStaticLabels), values: values}, nil
}

func (s *staticLabelsStage) Process(e *types.Entry) bool {
	e.Labels = labels.Merge(e.Labels, s.values)
	return true
}

// labelDropStage removes the named labels
type labelDropStage struct {
	base
	names []string
}

func newLabelDropStage(en env, cfg config.StageConfig) (*labelDropStage, error) {
	var names []string
	if err := cfg.Decode(&names); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("labeldrop requires at least one label name")
	}
	return &labelDropStage{base: en.base(StageTypeLabelDrop), names: names}, nil
}

func (s *labelDropStage) Process(e *types.Entry) bool {
	for _, name := range s.names {
		delete(e.Labels, name)
	}
	return true
}

// labelAllowStage keeps only the named labels, plus internal ones
type labelAllowStage struct {
	base
	allow map[string]struct{}
}

func newLabelAllowStage(en env, cfg config.StageConfig) (*labelAllowStage, error) {
	var names []string
	if err := cfg.Decode(&names); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("labelallow requires at least one label name")
	}
	allow := make(map[string]struct{}, len(names))
	for _, n := range names {
		allow[n] = struct{}{}
	}
	return &labelAllowStage{base: en.base(StageTypeLabelAllow), allow: allow}, nil
}

func (s *labelAllowStage) Process(e *types.Entry) bool {
	for name := range e.Labels {
		if _, ok := s.allow[name]; ok || labels.IsReserved(name) {
			continue
		}
		delete(e.Labels, name)
	}
	return true
}
