package labels

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// MatchType is the comparison a Matcher performs
type MatchType int

const (
	MatchEqual MatchType = iota
	MatchNotEqual
	MatchRegexp
	MatchNotRegexp
)

func (m MatchType) String() string {
	switch m {
	case MatchNotEqual:
		return "!="
	case MatchRegexp:
		return "=~"
	case MatchNotRegexp:
		return "!~"
	default:
		return "="
	}
}

// Matcher tests a single label
type Matcher struct {
	Name  string
	Type  MatchType
	Value string
	re    *regexp.Regexp
}

// NewMatcher builds a matcher, compiling regexp values anchored on both ends
func NewMatcher(t MatchType, name, value string) (*Matcher, error) {
	m := &Matcher{Name: name, Type: t, Value: value}
	if t == MatchRegexp || t == MatchNotRegexp {
		re, err := regexp.Compile("^(?:" + value + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid regexp for %s: %w", name, err)
		}
		m.re = re
	}
	return m, nil
}

// Matches reports whether a label value satisfies the matcher. A missing label
// is treated as the empty string.
func (m *Matcher) Matches(value string) bool {
	switch m.Type {
	case MatchEqual:
		return value == m.Value
	case MatchNotEqual:
		return value != m.Value
	case MatchRegexp:
		return m.re.MatchString(value)
	case MatchNotRegexp:
		return !m.re.MatchString(value)
	}
	return false
}

func (m *Matcher) String() string {
	return m.Name + m.Type.String() + strconv.Quote(m.Value)
}

// Selector is a conjunction of matchers, written {a="b", c=~"d.*"}
type Selector []*Matcher

// Matches reports whether every matcher accepts the label set
func (s Selector) Matches(ls types.LabelSet) bool {
	for _, m := range s {
		if !m.Matches(ls[m.Name]) {
			return false
		}
	}
	return true
}

func (s Selector) String() string {
	parts := make([]string, len(s))
	for i, m := range s {
		parts[i] = m.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ParseSelector parses a stream selector
func ParseSelector(input string) (Selector, error) {
	s := strings.TrimSpace(input)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("selector %q must be enclosed in braces", input)
	}
	s = strings.TrimSpace(s[1 : len(s)-1])

	var sel Selector
	for s != "" {
		i := 0
		for i < len(s) && isNameChar(s[i], i == 0) {
			i++
		}
		name := s[:i]
		if name == "" {
			return nil, fmt.Errorf("selector %q: expected label name at %q", input, s)
		}
		s = strings.TrimSpace(s[i:])

		var mt MatchType
		switch {
		case strings.HasPrefix(s, "=~"):
			mt, s = MatchRegexp, s[2:]
		case strings.HasPrefix(s, "!~"):
			mt, s = MatchNotRegexp, s[2:]
		case strings.HasPrefix(s, "!="):
			mt, s = MatchNotEqual, s[2:]
		case strings.HasPrefix(s, "="):
			mt, s = MatchEqual, s[1:]
		default:
			return nil, fmt.Errorf("selector %q: expected operator after %s", input, name)
		}
		s = strings.TrimSpace(s)

		value, rest, err := readQuoted(s)
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", input, err)
		}
		m, err := NewMatcher(mt, name, value)
		if err != nil {
			return nil, err
		}
		sel = append(sel, m)

		s = strings.TrimSpace(rest)
		if strings.HasPrefix(s, ",") {
			s = strings.TrimSpace(s[1:])
		} else if s != "" {
			return nil, fmt.Errorf("selector %q: expected ',' before %q", input, s)
		}
	}

	if len(sel) == 0 {
		return nil, fmt.Errorf("selector %q has no matchers", input)
	}
	return sel, nil
}

func isNameChar(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

// readQuoted reads a double or back quoted string from the front of s
func readQuoted(s string) (string, string, error) {
	if s == "" {
		return "", "", fmt.Errorf("expected quoted value")
	}
	quote := s[0]
	if quote != '"' && quote != '`' {
		return "", "", fmt.Errorf("expected quoted value at %q", s)
	}
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if quote == '"' {
				i++
			}
		case quote:
			value, err := strconv.Unquote(s[:i+1])
			if err != nil {
				return "", "", fmt.Errorf("invalid quoted value %s: %w", s[:i+1], err)
			}
			return value, s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("unterminated quoted value %q", s)
}
