package pipeline

import (
	"fmt"
	"regexp"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// ReplaceConfig configures the replace stage. Every match of Expression is
// replaced with Replace, which may reference groups as $1 or ${name}. The
// result is written back to the line, or to Source when it is set.
type ReplaceConfig struct {
	Expression string `yaml:"expression"`
	Replace    string `yaml:"replace"`
	Source     string `yaml:"source,omitempty"`
}

type replaceStage struct {
	base
	re      *regexp.Regexp
	replace string
	source  string
}

func newReplaceStage(en env, cfg config.StageConfig) (*replaceStage, error) {
	var rc ReplaceConfig
	if err := cfg.Decode(&rc); err != nil {
		return nil, err
	}
	if rc.Expression == "" {
		return nil, fmt.Errorf("replace expression is required")
	}

	re, err := regexp.Compile(rc.Expression)
	if err != nil {
		return nil, fmt.Errorf("failed to compile replace expression: %w", err)
	}

	return &replaceStage{
		base:    en.base(StageTypeReplace),
		re:      re,
		replace: rc.Replace,
		source:  rc.Source,
	}, nil
}

func (s *replaceStage) Process(e *types.Entry) bool {
	in, ok := input(e, s.source)
	if !ok {
		return true
	}

	// named groups of the first match stay available to later stages
	if !extractGroups(s.re, in, e.Extracted) {
		return true
	}

	out := s.re.ReplaceAllString(in, s.replace)
	if s.source == "" {
		e.Line = out
	} else {
		e.Extracted[s.source] = out
	}
	return true
}
