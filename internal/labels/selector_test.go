package labels

import (
	"testing"

	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

func TestParseSelector(t *testing.T) {
	sel, err := ParseSelector(`{job="backend-app-logs", level=~"ERROR|WARN", env!="dev", host!~"test.*"}`)
	if err != nil {
		t.Fatalf("Failed to parse selector: %v", err)
	}
	if len(sel) != 4 {
		t.Fatalf("Expected 4 matchers, got %d", len(sel))
	}

	tests := []struct {
		labels types.LabelSet
		want   bool
	}{
		{types.LabelSet{"job": "backend-app-logs", "level": "ERROR", "env": "prod", "host": "web1"}, true},
		{types.LabelSet{"job": "backend-app-logs", "level": "WARN", "host": "web1"}, true},
		{types.LabelSet{"job": "backend-app-logs", "level": "INFO", "host": "web1"}, false},
		{types.LabelSet{"job": "backend-app-logs", "level": "ERROR", "env": "dev", "host": "web1"}, false},
		{types.LabelSet{"job": "backend-app-logs", "level": "ERROR", "host": "test-1"}, false},
		{types.LabelSet{"job": "other", "level": "ERROR"}, false},
	}

	for i, tt := range tests {
		if got := sel.Matches(tt.labels); got != tt.want {
			t.Errorf("Case %d: Matches(%v) = %v, want %v", i, tt.labels, got, tt.want)
		}
	}
}

func TestParseSelectorRegexpIsAnchored(t *testing.T) {
	sel, err := ParseSelector(`{level=~"ERR"}`)
	if err != nil {
		t.Fatalf("Failed to parse selector: %v", err)
	}
	if sel.Matches(types.LabelSet{"level": "ERROR"}) {
		t.Error("Regexp must match the whole value")
	}
}

func TestParseSelectorEscapes(t *testing.T) {
	sel, err := ParseSelector("{msg=\"say \\\"hi\\\"\", path=`C:\\logs`}")
	if err != nil {
		t.Fatalf("Failed to parse selector: %v", err)
	}
	if sel[0].Value != `say "hi"` {
		t.Errorf("Unexpected value %q", sel[0].Value)
	}
	if sel[1].Value != `C:\logs` {
		t.Errorf("Unexpected raw value %q", sel[1].Value)
	}
}

func TestParseSelectorErrors(t *testing.T) {
	bad := []string{
		``,
		`job="x"`,
		`{}`,
		`{job}`,
		`{job="x" level="y"}`,
		`{job="unterminated}`,
		`{level=~"("}`,
		`{1job="x"}`,
	}
	for _, s := range bad {
		if _, err := ParseSelector(s); err == nil {
			t.Errorf("Expected error for %q", s)
		}
	}
}

func TestSelectorString(t *testing.T) {
	sel, err := ParseSelector(`{ job = "a" ,level!~"b" }`)
	if err != nil {
		t.Fatalf("Failed to parse selector: %v", err)
	}
	if got := sel.String(); got != `{job="a", level!~"b"}` {
		t.Errorf("Unexpected string form %s", got)
	}
}
