package pipeline

import (
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

func buildStage(t *testing.T, doc string) Stage {
	t.Helper()
	stages := parseStages(t, doc)
	if len(stages) != 1 {
		t.Fatalf("Expected one stage, got %d", len(stages))
	}
	s, err := newStage(env{job: "test", logger: logging.Nop()}, stages[0])
	if err != nil {
		t.Fatalf("Failed to create stage: %v", err)
	}
	return s
}

func assertExtracted(t *testing.T, e *types.Entry, want map[string]string) {
	t.Helper()
	for k, v := range want {
		if got := e.Extracted[k]; got != v {
			t.Errorf("Extracted[%s] = %q, want %q", k, got, v)
		}
	}
}

func TestRegexStageSource(t *testing.T) {
	s := buildStage(t, `
- regex:
    expression: '^(?P<method>[A-Z]+) (?P<path>\S+)$'
    source: message
`)
	e := newTestEntry("ignored")
	e.Extracted["message"] = "GET /api/users"
	s.Process(e)
	assertExtracted(t, e, map[string]string{"method": "GET", "path": "/api/users"})

	missing := newTestEntry("GET /x")
	s.Process(missing)
	if _, ok := missing.Extracted["method"]; ok {
		t.Error("Expected nothing extracted when the source field is missing")
	}
}

func TestJSONStage(t *testing.T) {
	s := buildStage(t, `
- json:
    expressions:
      level:
      msg: message
      code: error.code
      first_tag: tags[0]
      enabled:
      error:
`)

	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{
			name:  "nested fields",
			input: `{"level":"INFO","message":"Application started","error":{"code":500,"message":"Internal error"},"tags":["a","b"],"enabled":true}`,
			want: map[string]string{
				"level":     "INFO",
				"msg":       "Application started",
				"code":      "500",
				"first_tag": "a",
				"enabled":   "true",
				"error":     `{"code":500,"message":"Internal error"}`,
			},
		},
		{
			name:  "missing fields",
			input: `{"level":"WARN"}`,
			want:  map[string]string{"level": "WARN", "msg": "", "code": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEntry(tt.input)
			s.Process(e)
			assertExtracted(t, e, tt.want)
		})
	}
}

func TestParseJSONPath(t *testing.T) {
	for _, bad := range []string{"a..b", "a[x]", "a[1", "a[-1]"} {
		if _, err := parseJSONPath(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
	p, err := parseJSONPath("a.b[1][0]")
	if err != nil {
		t.Fatalf("Failed to parse path: %v", err)
	}
	if len(p) != 4 {
		t.Errorf("Expected 4 segments, got %v", p)
	}
}

func TestLogfmtStage(t *testing.T) {
	all := buildStage(t, `
- logfmt: {}
`)
	e := newTestEntry(`level=info msg="request served" duration=12ms path=/api user="a \"quoted\" name" flag`)
	all.Process(e)
	assertExtracted(t, e, map[string]string{
		"level":    "info",
		"msg":      "request served",
		"duration": "12ms",
		"path":     "/api",
		"user":     `a "quoted" name`,
		"flag":     "",
	})

	mapped := buildStage(t, `
- logfmt:
    mapping:
      severity: level
      duration:
`)
	e = newTestEntry(`level=warn duration=3s other=x`)
	mapped.Process(e)
	assertExtracted(t, e, map[string]string{"severity": "warn", "duration": "3s"})
	if _, ok := e.Extracted["other"]; ok {
		t.Error("Unmapped keys must not be extracted")
	}
}

func TestParseLogfmtErrors(t *testing.T) {
	pairs, err := parseLogfmt(`a=1 b="unterminated`)
	if err == nil {
		t.Fatal("Expected error for unterminated quote")
	}
	if len(pairs) != 1 || pairs[0][0] != "a" {
		t.Errorf("Expected pairs before the error to be kept, got %v", pairs)
	}
}

func TestGrokStage(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		input   string
		want    map[string]string
	}{
		{
			name:    "syslog template",
			pattern: "syslog",
			input:   "Jan 15 10:30:00 server1 myapp[1234]: Application started successfully",
			want:    map[string]string{"program": "myapp", "message": "Application started successfully"},
		},
		{
			name:    "java template",
			pattern: "java",
			input:   "2024-01-15T10:30:00.123Z INFO [main] com.example.App - Starting application",
			want:    map[string]string{"level": "INFO", "thread": "main", "logger": "com.example.App", "message": "Starting application"},
		},
		{
			name:    "pipe template",
			pattern: "pipe",
			input:   "2024-01-15 10:30:00 | WARN | disk almost full",
			want:    map[string]string{"time": "2024-01-15 10:30:00", "level": "WARN", "message": "disk almost full"},
		},
		{
			name:    "custom pattern",
			pattern: `%{IP:client_ip} - %{USER:user} \[%{DATA:timestamp}\] "%{WORD:method} %{NOTSPACE:request}" %{NUMBER:status}`,
			input:   `192.168.1.1 - john [15/Jan/2024:10:30:00] "GET /api/users" 200`,
			want:    map[string]string{"client_ip": "192.168.1.1", "user": "john", "method": "GET", "request": "/api/users", "status": "200"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := config.NewStage(StageTypeGrok, GrokConfig{Pattern: tt.pattern})
			if err != nil {
				t.Fatalf("Failed to build stage config: %v", err)
			}
			s, err := newStage(env{job: "test", logger: logging.Nop()}, sc)
			if err != nil {
				t.Fatalf("Failed to create grok stage: %v", err)
			}
			e := newTestEntry(tt.input)
			s.Process(e)
			assertExtracted(t, e, tt.want)
		})
	}
}

func TestGrokTemplates(t *testing.T) {
	names := GrokTemplates()
	if len(names) == 0 {
		t.Fatal("Expected built-in templates")
	}
	for _, name := range names {
		if _, err := expandGrok(grokTemplates[name]); err != nil {
			t.Errorf("Template %s does not expand: %v", name, err)
		}
	}
}

func TestReplaceStage(t *testing.T) {
	s := buildStage(t, `
- replace:
    expression: 'password=(?P<secret>\S+)'
    replace: 'password=****'
`)
	e := newTestEntry("login user=bob password=hunter2 ok")
	s.Process(e)
	if e.Line != "login user=bob password=**** ok" {
		t.Errorf("Unexpected line %q", e.Line)
	}
	if e.Extracted["secret"] != "hunter2" {
		t.Errorf("Expected named group to be extracted, got %v", e.Extracted)
	}

	sourced := buildStage(t, `
- replace:
    expression: '(\d+)ms'
    replace: '${1}000us'
    source: duration
`)
	e = newTestEntry("line")
	e.Extracted["duration"] = "12ms"
	sourced.Process(e)
	if e.Extracted["duration"] != "12000us" || e.Line != "line" {
		t.Errorf("Unexpected replace result %q / %q", e.Extracted["duration"], e.Line)
	}
}

func TestTimestampStage(t *testing.T) {
	s := buildStage(t, `
- timestamp:
    source: time
    format: "2006-01-02 15:04:05"
    fallback_formats: [RFC3339, UnixMs]
    location: UTC
`)

	tests := []struct {
		raw  string
		want time.Time
	}{
		{"2024-01-15 10:30:00", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"2024-01-15T10:30:00Z", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"1705314600000", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		e := newTestEntry("x")
		e.Extracted["time"] = tt.raw
		s.Process(e)
		if !e.Timestamp.Equal(tt.want) {
			t.Errorf("Timestamp for %q = %v, want %v", tt.raw, e.Timestamp, tt.want)
		}
	}
}

func TestTimestampFudge(t *testing.T) {
	s := buildStage(t, `
- timestamp:
    source: time
    format: RFC3339
`)
	good := newTestEntry("x")
	good.Extracted["time"] = "2024-01-15T10:30:00Z"
	s.Process(good)

	bad := newTestEntry("y")
	bad.Extracted["time"] = "garbage"
	s.Process(bad)

	want := good.Timestamp.Add(time.Nanosecond)
	if !bad.Timestamp.Equal(want) {
		t.Errorf("Expected fudged timestamp %v, got %v", want, bad.Timestamp)
	}

	skip := buildStage(t, `
- timestamp:
    source: time
    format: RFC3339
    action_on_failure: skip
`)
	read := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEntry("z")
	e.Timestamp = read
	e.Extracted["time"] = "garbage"
	skip.Process(e)
	if !e.Timestamp.Equal(read) {
		t.Errorf("Expected timestamp to be left alone, got %v", e.Timestamp)
	}
}

func TestParseTimestampDefaults(t *testing.T) {
	ts, err := ParseTimestamp("2024-01-15 10:30:00.123", nil)
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}
	if ts.Nanosecond() != 123000000 {
		t.Errorf("Expected milliseconds to be kept, got %v", ts)
	}

	ts, err = ParseTimestamp("Jan 15 10:30:00", nil)
	if err != nil {
		t.Fatalf("Failed to parse syslog timestamp: %v", err)
	}
	if ts.Year() != time.Now().UTC().Year() {
		t.Errorf("Expected current year, got %d", ts.Year())
	}

	if _, err := ParseTimestamp("not a time", nil); err == nil {
		t.Error("Expected error for garbage timestamp")
	}

	ts, err = ParseTimestamp("1705314600.5", nil, FormatUnix)
	if err != nil {
		t.Fatalf("Failed to parse epoch: %v", err)
	}
	if ts.Unix() != 1705314600 || ts.Nanosecond() != 500000000 {
		t.Errorf("Unexpected epoch result %v", ts)
	}
}

func TestLabelStages(t *testing.T) {
	e := newTestEntry("x")
	e.Labels["env"] = "prod"
	e.Labels["pod"] = "web-1"
	e.Extracted["lvl"] = "error"
	e.Extracted["bad"] = ""

	buildStage(t, `
- labels:
    level: lvl
    empty: bad
`).Process(e)
	if e.Labels["level"] != "error" {
		t.Errorf("Expected level label, got %v", e.Labels)
	}
	if _, ok := e.Labels["empty"]; ok {
		t.Error("Empty values must not become labels")
	}

	buildStage(t, `
- labeldrop: [pod]
`).Process(e)
	if _, ok := e.Labels["pod"]; ok {
		t.Error("Expected pod label to be dropped")
	}

	buildStage(t, `
- labelallow: [job, level]
`).Process(e)
	want := types.LabelSet{"job": "backend-app-logs", "level": "error", "__path__": "/var/log/app.log"}
	if !e.Labels.Equal(want) {
		t.Errorf("Expected %v, got %v", want, e.Labels)
	}
}

func TestOutputStage(t *testing.T) {
	s := buildStage(t, `
- output:
    source: message
`)
	e := newTestEntry("2024-01-15 | INFO | hello")
	e.Extracted["message"] = "hello"
	s.Process(e)
	if e.Line != "hello" {
		t.Errorf("Expected line to be replaced, got %q", e.Line)
	}
}

func TestDropStage(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		doc      string
		line     string
		ts       time.Time
		level    string
		wantKeep bool
	}{
		{"expression on line drops", "- drop: {expression: 'healthz'}", "GET /healthz", now, "", false},
		{"expression on line keeps", "- drop: {expression: 'healthz'}", "GET /api", now, "", true},
		{"source exists drops", "- drop: {source: level}", "x", now, "DEBUG", false},
		{"source missing keeps", "- drop: {source: other}", "x", now, "DEBUG", true},
		{"source regex", "- drop: {source: level, expression: 'DEBUG|TRACE'}", "x", now, "TRACE", false},
		{"older than drops", "- drop: {older_than: 1h}", "x", now.Add(-2 * time.Hour), "", false},
		{"older than keeps", "- drop: {older_than: 1h}", "x", now.Add(-time.Minute), "", true},
		{"longer than drops", "- drop: {longer_than: 4B}", "12345", now, "", false},
		{"longer than keeps", "- drop: {longer_than: 1KB}", "12345", now, "", true},
		{"all conditions must hold", "- drop: {expression: 'x', longer_than: 10}", "x", now, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := buildStage(t, tt.doc).(*dropStage)
			s.now = func() time.Time { return now }

			e := newTestEntry(tt.line)
			e.Timestamp = tt.ts
			if tt.level != "" {
				e.Extracted["level"] = tt.level
			}
			if got := s.Process(e); got != tt.wantKeep {
				t.Errorf("Process() = %v, want %v", got, tt.wantKeep)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := map[string]int{
		"512":  512,
		"8KB":  8000,
		"8kib": 8192,
		"1 MB": 1000000,
		"2GiB": 2 << 30,
		"100B": 100,
	}
	for in, want := range tests {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Errorf("ParseByteSize(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseByteSize("lots"); err == nil {
		t.Error("Expected error for invalid size")
	}
}

func TestLimitStage(t *testing.T) {
	s := buildStage(t, `
- limit:
    rate: 1
    burst: 2
    drop: true
`)
	kept := 0
	for i := 0; i < 5; i++ {
		if s.Process(newTestEntry("x")) {
			kept++
		}
	}
	if kept != 2 {
		t.Errorf("Expected burst of 2 entries, kept %d", kept)
	}

	blocking := buildStage(t, `
- limit:
    rate: 1000
    burst: 1
`)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if !blocking.Process(newTestEntry("x")) {
			t.Fatal("Blocking limit must never drop")
		}
	}
	if time.Since(start) < time.Millisecond {
		t.Error("Expected the blocking limit to wait for tokens")
	}
}

func TestTenantStage(t *testing.T) {
	e := newTestEntry("x")
	e.Extracted["org"] = "team-a"
	buildStage(t, "- tenant: {source: org}").Process(e)
	if e.Tenant != "team-a" {
		t.Errorf("Expected tenant from source, got %q", e.Tenant)
	}

	buildStage(t, "- tenant: {value: fixed}").Process(e)
	if e.Tenant != "fixed" {
		t.Errorf("Expected fixed tenant, got %q", e.Tenant)
	}

	buildStage(t, "- tenant: {label: job}").Process(e)
	if e.Tenant != "backend-app-logs" {
		t.Errorf("Expected tenant from label, got %q", e.Tenant)
	}
}

func TestMultilineMaxLines(t *testing.T) {
	s := buildStage(t, `
- multiline:
    firstline: '^START'
    max_lines: 3
`).(*multilineStage)

	var out []*types.Entry
	for _, l := range []string{"START", "a", "b", "c"} {
		out = append(out, s.Aggregate(newTestEntry(l))...)
	}
	if len(out) != 1 || out[0].Line != "START\na\nb" {
		t.Fatalf("Expected a block of 3 lines, got %v", out)
	}

	if got := s.Sources(); len(got) != 1 {
		t.Fatalf("Expected one open source, got %v", got)
	}
	rest := s.Flush("/var/log/app.log", time.Now(), true)
	if len(rest) != 1 || rest[0].Line != "c" {
		t.Fatalf("Expected forced flush to release the open block, got %v", rest)
	}
}

func TestMultilineKeepsSourcesApart(t *testing.T) {
	s := buildStage(t, `
- multiline:
    firstline: '^START'
`).(*multilineStage)

	a := types.NewEntry("a.log", "START a", time.Now(), types.LabelSet{"job": "x"})
	b := types.NewEntry("b.log", "START b", time.Now(), types.LabelSet{"job": "x"})
	s.Aggregate(a)
	s.Aggregate(b)
	s.Aggregate(types.NewEntry("a.log", "  more a", time.Now(), types.LabelSet{"job": "x"}))

	out := s.Flush("a.log", time.Now(), true)
	if len(out) != 1 || out[0].Line != "START a\n  more a" {
		t.Fatalf("Unexpected block for a.log: %v", out)
	}
	out = s.Flush("b.log", time.Now(), true)
	if len(out) != 1 || out[0].Line != "START b" {
		t.Fatalf("Unexpected block for b.log: %v", out)
	}
}
