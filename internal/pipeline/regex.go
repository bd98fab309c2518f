package pipeline

import (
	"fmt"
	"regexp"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// RegexConfig configures the regex stage
type RegexConfig struct {
	Expression string `yaml:"expression"`
	Source     string `yaml:"source,omitempty"`
}

// regexStage copies named capture groups into the extracted map
type regexStage struct {
	base
	re     *regexp.Regexp
	source string
}

func newRegexStage(en env, cfg config.StageConfig) (*regexStage, error) {
	var rc RegexConfig
	if err := cfg.Decode(&rc); err != nil {
		return nil, err
	}
	if rc.Expression == "" {
		return nil, fmt.Errorf("regex expression is required")
	}

	re, err := regexp.Compile(rc.Expression)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex expression: %w", err)
	}

	named := 0
	for _, name := range re.SubexpNames() {
		if name != "" {
			named++
		}
	}
	if named == 0 {
		return nil, fmt.Errorf("regex expression must contain at least one named group")
	}

	return &regexStage{
		base:   en.base(StageTypeRegex),
		re:     re,
		source: rc.Source,
	}, nil
}

// Process extracts the named groups. A line that does not match passes through.
func (s *regexStage) Process(e *types.Entry) bool {
	in, ok := input(e, s.source)
	if !ok {
		return true
	}

	extractGroups(s.re, in, e.Extracted)
	return true
}

// extractGroups stores each named group of the first match into dst and
// reports whether the input matched
func extractGroups(re *regexp.Regexp, in string, dst map[string]string) bool {
	match := re.FindStringSubmatch(in)
	if match == nil {
		return false
	}
	for i, name := range re.SubexpNames() {
		if i != 0 && name != "" && i < len(match) {
			dst[name] = match[i]
		}
	}
	return true
}
