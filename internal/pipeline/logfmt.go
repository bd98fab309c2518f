package pipeline

import (
	"fmt"
	"strings"

	"github.com/go-logfmt/logfmt"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// LogfmtConfig configures the logfmt stage. Mapping names the extracted field
// for each logfmt key; an empty key uses the field name. Without a mapping every
// pair is extracted.
type LogfmtConfig struct {
	Mapping map[string]string `yaml:"mapping,omitempty"`
	Source  string            `yaml:"source,omitempty"`
}

type logfmtStage struct {
	base
	mapping map[string]string // logfmt key -> extracted name
	source  string
}

func newLogfmtStage(en env, cfg config.StageConfig) (*logfmtStage, error) {
	var lc LogfmtConfig
	if err := cfg.Decode(&lc); err != nil {
		return nil, err
	}

	var mapping map[string]string
	if len(lc.Mapping) > 0 {
		mapping = make(map[string]string, len(lc.Mapping))
		for name, key := range lc.Mapping {
			if key == "" {
				key = name
			}
			mapping[key] = name
		}
	}

	return &logfmtStage{
		base:    en.base(StageTypeLogfmt),
		mapping: mapping,
		source:  lc.Source,
	}, nil
}

func (s *logfmtStage) Process(e *types.Entry) bool {
	in, ok := input(e, s.source)
	if !ok {
		return true
	}

	pairs, err := parseLogfmt(in)
	if err != nil {
		s.fail(e, err)
	}
	for _, kv := range pairs {
		name := kv[0]
		if s.mapping != nil {
			if name, ok = s.mapping[kv[0]]; !ok {
				continue
			}
		}
		e.Extracted[name] = kv[1]
	}
	return true
}

// parseLogfmt reads the key=value pairs of every record in line. Pairs read
// before a syntax error are returned with the error.
func parseLogfmt(line string) ([][2]string, error) {
	var pairs [][2]string
	dec := logfmt.NewDecoder(strings.NewReader(line))
	for dec.ScanRecord() {
		for dec.ScanKeyval() {
			pairs = append(pairs, [2]string{string(dec.Key()), string(dec.Value())})
		}
	}
	if err := dec.Err(); err != nil {
		return pairs, fmt.Errorf("logfmt: %w", err)
	}
	return pairs, nil
}
