package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// DefaultDropReason is counted for entries removed by a drop stage
const DefaultDropReason = "drop_stage"

// DropConfig configures the drop stage. Every condition that is set must hold
// for the entry to be dropped.
type DropConfig struct {
	Source            string        `yaml:"source,omitempty"`
	Expression        string        `yaml:"expression,omitempty"`
	Value             string        `yaml:"value,omitempty"`
	OlderThan         time.Duration `yaml:"older_than,omitempty"`
	LongerThan        string        `yaml:"longer_than,omitempty"`
	DropCounterReason string        `yaml:"drop_counter_reason,omitempty"`
}

type dropStage struct {
	base
	source     string
	re         *regexp.Regexp
	value      *string
	olderThan  time.Duration
	longerThan int
	reason     string
	now        func() time.Time
}

func newDropStage(en env, cfg config.StageConfig) (*dropStage, error) {
	var dc DropConfig
	if err := cfg.Decode(&dc); err != nil {
		return nil, err
	}

	s := &dropStage{
		base:      en.base(StageTypeDrop),
		source:    dc.Source,
		olderThan: dc.OlderThan,
		reason:    dc.DropCounterReason,
		now:       time.Now,
	}
	if s.reason == "" {
		s.reason = DefaultDropReason
	}

	if dc.Expression != "" && dc.Value != "" {
		return nil, fmt.Errorf("drop stage cannot set both expression and value")
	}
	if dc.Value != "" {
		if dc.Source == "" {
			return nil, fmt.Errorf("drop stage value requires a source")
		}
		v := dc.Value
		s.value = &v
	}
	if dc.Expression != "" {
		re, err := regexp.Compile(dc.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile drop expression: %w", err)
		}
		s.re = re
	}
	if dc.LongerThan != "" {
		n, err := ParseByteSize(dc.LongerThan)
		if err != nil {
			return nil, fmt.Errorf("invalid longer_than: %w", err)
		}
		s.longerThan = n
	}

	if dc.Source == "" && s.re == nil && dc.OlderThan == 0 && s.longerThan == 0 {
		return nil, fmt.Errorf("drop stage requires at least one condition")
	}
	return s, nil
}

// DropReason names the counter reason for dropped entries
func (s *dropStage) DropReason() string {
	return s.reason
}

// Process returns false when every configured condition holds
func (s *dropStage) Process(e *types.Entry) bool {
	if s.olderThan > 0 && !e.Timestamp.Before(s.now().Add(-s.olderThan)) {
		return true
	}
	if s.longerThan > 0 && len(e.Line) <= s.longerThan {
		return true
	}

	if s.source != "" {
		v, ok := e.Extracted[s.source]
		if !ok {
			return true
		}
		if s.value != nil && v != *s.value {
			return true
		}
		if s.re != nil && !s.re.MatchString(v) {
			return true
		}
	} else if s.re != nil && !s.re.MatchString(e.Line) {
		return true
	}

	return false
}

// ParseByteSize parses sizes such as 512, 8KB, 8KiB or 1MB
func ParseByteSize(s string) (int, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := 1
	for _, u := range []struct {
		suffix string
		mult   int
	}{
		{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30},
		{"KB", 1000}, {"MB", 1000 * 1000}, {"GB", 1000 * 1000 * 1000},
		{"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return n * mult, nil
}
