package pipeline

import (
	"fmt"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// OutputConfig configures the output stage
type OutputConfig struct {
	Source string `yaml:"source"`
}

// outputStage replaces the line with an extracted value
type outputStage struct {
	base
	source string
}

func newOutputStage(en env, cfg config.StageConfig) (*outputStage, error) {
	var oc OutputConfig
	if err := cfg.Decode(&oc); err != nil {
		return nil, err
	}
	if oc.Source == "" {
		return nil, fmt.Errorf("output source is required")
	}
	return &outputStage{base: en.base(StageTypeOutput), source: oc.Source}, nil
}

func (s *outputStage) Process(e *types.Entry) bool {
	if v, ok := e.Extracted[s.source]; ok {
		e.Line = v
	}
	return true
}
