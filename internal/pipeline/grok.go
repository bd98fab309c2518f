package pipeline

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// GrokConfig configures the grok stage. Pattern is either the name of a
// template (syslog, apache, nginx, java, python, go, pipe) or an expression
// using %{PATTERN:field} references.
type GrokConfig struct {
	Pattern string `yaml:"pattern"`
	Source  string `yaml:"source,omitempty"`
}

// Base patterns, a subset of the logstash set
var grokPatterns = map[string]string{
	// Base patterns
	"USERNAME":   `[a-zA-Z0-9._-]+`,
	"USER":       `%{USERNAME}`,
	"INT":        `(?:[+-]?(?:[0-9]+))`,
	"NUMBER":     `(?:%{INT})`,
	"WORD":       `\b\w+\b`,
	"NOTSPACE":   `\S+`,
	"SPACE":      `\s*`,
	"DATA":       `.*?`,
	"GREEDYDATA": `.*`,

	// Date/Time patterns
	"MONTHDAY":   `(?:(?:0[1-9])|(?:[12][0-9])|(?:3[01])|[1-9])`,
	"MONTH":      `\b(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:tember)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)\b`,
	"YEAR":       `(\d\d){1,2}`,
	"HOUR":       `(?:2[0123]|[01]?[0-9])`,
	"MINUTE":     `(?:[0-5][0-9])`,
	"SECOND":     `(?:(?:[0-5]?[0-9]|60)(?:[:.,][0-9]+)?)`,
	"TIME":       `%{HOUR}:%{MINUTE}(?::%{SECOND})?`,
	"TIMESTAMP_ISO8601": `%{YEAR}-%{MONTHDAY}-%{MONTHDAY}[T ]%{HOUR}:?%{MINUTE}(?::?%{SECOND})?%{ISO8601_TIMEZONE}?`,
	"ISO8601_TIMEZONE": `(?:Z|[+-]%{HOUR}(?::?%{MINUTE}))`,

	// Network patterns
	"IP":         `(?:%{IPV4}|%{IPV6})`,
	"IPV4":       `(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)`,
	"IPV6":       `((([0-9A-Fa-f]{1,4}:){7}([0-9A-Fa-f]{1,4}|:))|(([0-9A-Fa-f]{1,4}:){6}(:[0-9A-Fa-f]{1,4}|((25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)(\.(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)){3})|:))|(([0-9A-Fa-f]{1,4}:){5}(((:[0-9A-Fa-f]{1,4}){1,2})|:((25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)(\.(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)){3})|:))|(([0-9A-Fa-f]{1,4}:){4}(((:[0-9A-Fa-f]{1,4}){1,3})|((:[0-9A-Fa-f]{1,4})?:((25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)(\.(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)){3}))|:))|(([0-9A-Fa-f]{1,4}:){3}(((:[0-9A-Fa-f]{1,4}){1,4})|((:[0-9A-Fa-f]{1,4}){0,2}:((25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)(\.(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)){3}))|:))|(([0-9A-Fa-f]{1,4}:){2}(((:[0-9A-Fa-f]{1,4}){1,5})|((:[0-9A-Fa-f]{1,4}){0,3}:((25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)(\.(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)){3}))|:))|(([0-9A-Fa-f]{1,4}:){1}(((:[0-9A-Fa-f]{1,4}){1,6})|((:[0-9A-Fa-f]{1,4}){0,4}:((25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)(\.(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)){3}))|:))|(:(((:[0-9A-Fa-f]{1,4}){1,7})|((:[0-9A-Fa-f]{1,4}){0,5}:((25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)(\.(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)){3}))|:)))`,
	"HOSTNAME":   `\b(?:[0-9A-Za-z][0-9A-Za-z-]{0,62})(?:\.(?:[0-9A-Za-z][0-9A-Za-z-]{0,62}))*(\.?|\b)`,

	// Log level patterns
	"LOGLEVEL":   `(?:DEBUG|TRACE|INFO|WARN(?:ING)?|ERROR|FATAL|CRITICAL)`,

	// Common log formats
	"SYSLOGBASE": `%{MONTH} +%{MONTHDAY} %{TIME} %{HOSTNAME} %{DATA:program}(?:\[%{POSINT:pid}\])?:`,
	"COMMONAPACHELOG": `%{IPORHOST:clientip} %{USER:ident} %{USER:auth} \[%{HTTPDATE:timestamp}\] "(?:%{WORD:verb} %{NOTSPACE:request}(?: HTTP/%{NUMBER:httpversion})?|%{DATA:rawrequest})" %{NUMBER:response} (?:%{NUMBER:bytes}|-)`,
	"HTTPDATE":   `%{MONTHDAY}/%{MONTH}/%{YEAR}:%{TIME} %{INT}`,
	"IPORHOST":   `(?:%{IP}|%{HOSTNAME})`,
	"POSINT":     `\b(?:[1-9][0-9]*)\b`,
}

// Named templates usable as the whole grok pattern
var grokTemplates = map[string]string{
	"syslog":       `%{SYSLOGBASE} %{GREEDYDATA:message}`,
	"apache":       `%{COMMONAPACHELOG}`,
	"nginx":        `%{IPORHOST:clientip} - %{USER:ident} \[%{HTTPDATE:timestamp}\] "(?:%{WORD:verb} %{NOTSPACE:request}(?: HTTP/%{NUMBER:httpversion})?|%{DATA:rawrequest})" %{NUMBER:response} %{NUMBER:bytes} "%{DATA:referrer}" "%{DATA:agent}"`,
	"java":         `%{TIMESTAMP_ISO8601:timestamp} %{LOGLEVEL:level} \[%{DATA:thread}\] %{DATA:logger} - %{GREEDYDATA:message}`,
	"python":       `%{TIMESTAMP_ISO8601:timestamp} - %{DATA:logger} - %{LOGLEVEL:level} - %{GREEDYDATA:message}`,
	"go":           `%{TIMESTAMP_ISO8601:timestamp} %{LOGLEVEL:level} %{GREEDYDATA:message}`,
	"pipe":         `%{DATA:time}\s*\|\s*%{DATA:level}\s*\|\s*%{GREEDYDATA:message}`,
}

var grokRef = regexp.MustCompile(`%\{([A-Z0-9_]+)(?::([a-zA-Z0-9_]+))?\}`)

type grokStage struct {
	base
	re      *regexp.Regexp
	pattern string
	source  string
}

func newGrokStage(en env, cfg config.StageConfig) (*grokStage, error) {
	var gc GrokConfig
	if err := cfg.Decode(&gc); err != nil {
		return nil, err
	}
	if gc.Pattern == "" {
		return nil, fmt.Errorf("grok pattern is required")
	}

	pattern := gc.Pattern
	if tmpl, ok := grokTemplates[pattern]; ok {
		pattern = tmpl
	}

	expanded, err := expandGrok(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to expand grok pattern: %w", err)
	}

	re, err := regexp.Compile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expanded pattern: %w", err)
	}

	return &grokStage{
		base:    en.base(StageTypeGrok),
		re:      re,
		pattern: gc.Pattern,
		source:  gc.Source,
	}, nil
}

// expandGrok replaces %{NAME} and %{NAME:field} references until none remain
func expandGrok(pattern string) (string, error) {
	expanded := pattern
	const maxDepth = 100

	for i := 0; i < maxDepth; i++ {
		if !grokRef.MatchString(expanded) {
			return expanded, nil
		}

		var unknown string
		expanded = grokRef.ReplaceAllStringFunc(expanded, func(ref string) string {
			m := grokRef.FindStringSubmatch(ref)
			replacement, ok := grokPatterns[m[1]]
			if !ok {
				unknown = m[1]
				return ref
			}
			if m[2] != "" {
				return fmt.Sprintf("(?P<%s>%s)", m[2], replacement)
			}
			return replacement
		})
		if unknown != "" {
			return "", fmt.Errorf("unknown grok pattern: %s", unknown)
		}
	}

	return "", fmt.Errorf("grok pattern nests deeper than %d levels", maxDepth)
}

func (s *grokStage) Process(e *types.Entry) bool {
	in, ok := input(e, s.source)
	if !ok {
		return true
	}
	extractGroups(s.re, in, e.Extracted)
	return true
}

// GrokTemplates returns the names of the built-in templates
func GrokTemplates() []string {
	names := make([]string, 0, len(grokTemplates))
	for name := range grokTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
