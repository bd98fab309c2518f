package labels

import (
	"strings"
	"testing"

	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

func TestMerge(t *testing.T) {
	static := types.LabelSet{"job": "backend-app-logs", PathLabel: "/usr/backend/app.log"}
	extracted := types.LabelSet{"level": "ERROR", "job": "override", PathLabel: "/etc/passwd"}

	merged := Merge(static, extracted)

	if merged["level"] != "ERROR" {
		t.Errorf("Expected extracted level, got %v", merged)
	}
	if merged["job"] != "override" {
		t.Errorf("Expected extracted value to win for job, got %s", merged["job"])
	}
	if merged[PathLabel] != "/usr/backend/app.log" {
		t.Errorf("Reserved target label must not be overridden, got %s", merged[PathLabel])
	}
}

func TestValidName(t *testing.T) {
	valid := []string{"level", "_x", "job_name2", "__path__"}
	invalid := []string{"", "2level", "log-level", "lev el", "é"}

	for _, n := range valid {
		if !ValidName(n) {
			t.Errorf("Expected %q to be valid", n)
		}
	}
	for _, n := range invalid {
		if ValidName(n) {
			t.Errorf("Expected %q to be invalid", n)
		}
	}
}

func TestValidValue(t *testing.T) {
	if ValidValue("") {
		t.Error("Empty value must be invalid")
	}
	if ValidValue(string([]byte{0xff, 0xfe})) {
		t.Error("Invalid UTF-8 must be rejected")
	}
	if ValidValue(strings.Repeat("a", MaxValueLength+1)) {
		t.Error("Oversized value must be rejected")
	}
	if !ValidValue("INFO") {
		t.Error("Expected INFO to be valid")
	}
}

func TestFinalize(t *testing.T) {
	ls := types.LabelSet{
		"job":       "backend-app-logs",
		"level":     "INFO",
		PathLabel:   "/usr/backend/app.log",
		TenantLabel: "team-a",
		"bad-name":  "x",
	}

	out, invalid, err := Finalize(ls)
	if err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}
	if invalid != 1 {
		t.Errorf("Expected 1 invalid label, got %d", invalid)
	}
	want := types.LabelSet{"job": "backend-app-logs", "level": "INFO"}
	if !out.Equal(want) {
		t.Errorf("Expected %v, got %v", want, out)
	}

	if _, _, err := Finalize(types.LabelSet{PathLabel: "/x"}); err == nil {
		t.Error("Expected error for a label set with only reserved labels")
	}
}

func TestSet(t *testing.T) {
	ls := types.LabelSet{}
	if !Set(ls, "level", "warn") {
		t.Error("Expected valid label to be set")
	}
	if Set(ls, "level", "") {
		t.Error("Expected empty value to be rejected")
	}
	if ls["level"] != "warn" {
		t.Errorf("Rejected update must keep the old value, got %q", ls["level"])
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("level", "INFO"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if err := Validate("log-level", "INFO"); err == nil {
		t.Error("Expected error for bad name")
	}
	if err := Validate("level", ""); err == nil {
		t.Error("Expected error for empty value")
	}
}
