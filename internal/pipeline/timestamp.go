package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// Actions taken when a timestamp cannot be parsed
const (
	ActionOnFailureFudge = "fudge"
	ActionOnFailureSkip  = "skip"
)

// TimestampConfig configures the timestamp stage
type TimestampConfig struct {
	Source          string   `yaml:"source"`
	Format          string   `yaml:"format,omitempty"`
	FallbackFormats []string `yaml:"fallback_formats,omitempty"`
	Location        string   `yaml:"location,omitempty"`
	ActionOnFailure string   `yaml:"action_on_failure,omitempty"`
}

var namedFormats = map[string]string{
	"ANSIC":       time.ANSIC,
	"UnixDate":    time.UnixDate,
	"RubyDate":    time.RubyDate,
	"RFC822":      time.RFC822,
	"RFC822Z":     time.RFC822Z,
	"RFC850":      time.RFC850,
	"RFC1123":     time.RFC1123,
	"RFC1123Z":    time.RFC1123Z,
	"RFC3339":     time.RFC3339,
	"RFC3339Nano": time.RFC3339Nano,
	"Kitchen":     time.Kitchen,
	"Stamp":       time.Stamp,
	"StampMilli":  time.StampMilli,
	"StampMicro":  time.StampMicro,
	"StampNano":   time.StampNano,
	"DateTime":    time.DateTime,
}

// Epoch formats
const (
	FormatUnix   = "Unix"
	FormatUnixMs = "UnixMs"
	FormatUnixUs = "UnixUs"
	FormatUnixNs = "UnixNs"
)

type timestampStage struct {
	base
	source   string
	formats  []string
	location *time.Location
	action   string

	mu   sync.Mutex
	last map[string]time.Time
}

func newTimestampStage(en env, cfg config.StageConfig) (*timestampStage, error) {
	var tc TimestampConfig
	if err := cfg.Decode(&tc); err != nil {
		return nil, err
	}
	if tc.Source == "" {
		return nil, fmt.Errorf("timestamp source is required")
	}

	var formats []string
	if tc.Format != "" {
		formats = append(formats, resolveFormat(tc.Format))
		for _, f := range tc.FallbackFormats {
			formats = append(formats, resolveFormat(f))
		}
	}

	var loc *time.Location
	if tc.Location != "" {
		var err error
		if loc, err = time.LoadLocation(tc.Location); err != nil {
			return nil, fmt.Errorf("invalid timestamp location: %w", err)
		}
	}

	switch tc.ActionOnFailure {
	case "":
		tc.ActionOnFailure = ActionOnFailureFudge
	case ActionOnFailureFudge, ActionOnFailureSkip:
	default:
		return nil, fmt.Errorf("invalid action_on_failure %q", tc.ActionOnFailure)
	}

	return &timestampStage{
		base:     en.base(StageTypeTimestamp),
		source:   tc.Source,
		formats:  formats,
		location: loc,
		action:   tc.ActionOnFailure,
		last:     make(map[string]time.Time),
	}, nil
}

func resolveFormat(f string) string {
	if layout, ok := namedFormats[f]; ok {
		return layout
	}
	return f
}

func (s *timestampStage) Process(e *types.Entry) bool {
	raw, ok := e.Extracted[s.source]
	if !ok {
		return true
	}

	ts, err := ParseTimestamp(strings.TrimSpace(raw), s.location, s.formats...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.fail(e, err)
		if s.action == ActionOnFailureFudge {
			if last, ok := s.last[e.Source]; ok {
				e.Timestamp = last.Add(time.Nanosecond)
				s.last[e.Source] = e.Timestamp
			}
		}
		return true
	}

	e.Timestamp = ts
	s.last[e.Source] = ts
	return true
}

// ParseTimestamp parses ts with the first layout that accepts it. Without
// layouts the common formats are tried. loc applies to layouts without a zone.
func ParseTimestamp(ts string, loc *time.Location, formats ...string) (time.Time, error) {
	if len(formats) == 0 {
		formats = DefaultTimeFormats()
	}
	if loc == nil {
		loc = time.UTC
	}

	for _, format := range formats {
		switch format {
		case FormatUnix, FormatUnixMs, FormatUnixUs, FormatUnixNs:
			if t, ok := parseEpoch(ts, format); ok {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(format, ts, loc); err == nil {
			if t.Year() == 0 {
				t = t.AddDate(time.Now().In(loc).Year(), 0, 0)
			}
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp: %s", ts)
}

func parseEpoch(ts, format string) (time.Time, bool) {
	if format == FormatUnix && strings.Contains(ts, ".") {
		f, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			return time.Time{}, false
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), true
	}

	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	switch format {
	case FormatUnixMs:
		return time.UnixMilli(n).UTC(), true
	case FormatUnixUs:
		return time.UnixMicro(n).UTC(), true
	case FormatUnixNs:
		return time.Unix(0, n).UTC(), true
	default:
		return time.Unix(n, 0).UTC(), true
	}
}

// DefaultTimeFormats returns common timestamp formats
func DefaultTimeFormats() []string {
	return []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05,000",
		"2006/01/02 15:04:05",
		"Jan 02 15:04:05",
		"Jan _2 15:04:05",
		"Jan 02, 2006 15:04:05",
		"02/Jan/2006:15:04:05 -0700",
	}
}
