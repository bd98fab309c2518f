package pipeline

import (
	"fmt"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/labels"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// Match actions
const (
	MatchActionKeep = "keep"
	MatchActionDrop = "drop"
)

// MatchConfig configures the match stage. Entries whose labels satisfy Selector
// either run through Stages or are dropped.
type MatchConfig struct {
	Selector          string               `yaml:"selector"`
	Action            string               `yaml:"action,omitempty"`
	Stages            []config.StageConfig `yaml:"stages,omitempty"`
	DropCounterReason string               `yaml:"drop_counter_reason,omitempty"`
}

type matchStage struct {
	base
	selector labels.Selector
	action   string
	stages   []Stage
	reason   string
}

func newMatchStage(en env, cfg config.StageConfig) (*matchStage, error) {
	var mc MatchConfig
	if err := cfg.Decode(&mc); err != nil {
		return nil, err
	}

	sel, err := labels.ParseSelector(mc.Selector)
	if err != nil {
		return nil, err
	}

	s := &matchStage{
		base:     en.base(StageTypeMatch),
		selector: sel,
		action:   mc.Action,
		reason:   mc.DropCounterReason,
	}
	if s.action == "" {
		s.action = MatchActionKeep
	}
	if s.reason == "" {
		s.reason = "match_stage"
	}

	switch s.action {
	case MatchActionDrop:
		if len(mc.Stages) > 0 {
			return nil, fmt.Errorf("match stage with action drop cannot have nested stages")
		}
	case MatchActionKeep:
		if len(mc.Stages) == 0 {
			return nil, fmt.Errorf("match stage with action keep requires nested stages")
		}
	default:
		return nil, fmt.Errorf("invalid match action %q", s.action)
	}

	for i, sc := range mc.Stages {
		stage, err := newStage(en, sc)
		if err != nil {
			return nil, fmt.Errorf("nested stage %d: %w", i, err)
		}
		if _, ok := stage.(Aggregator); ok {
			return nil, fmt.Errorf("nested stage %d: %s cannot be used inside match", i, sc.Type)
		}
		s.stages = append(s.stages, stage)
	}

	return s, nil
}

// DropReason names the counter reason for dropped entries
func (s *matchStage) DropReason() string {
	return s.reason
}

func (s *matchStage) Process(e *types.Entry) bool {
	if !s.selector.Matches(e.Labels) {
		return true
	}
	if s.action == MatchActionDrop {
		return false
	}

	for _, stage := range s.stages {
		if !stage.Process(e) {
			return false
		}
	}
	return true
}
