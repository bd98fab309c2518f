package labels

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// Well-known label names
const (
	ReservedPrefix = "__"
	PathLabel      = "__path__"
	TenantLabel    = "__tenant_id__"
	FilenameLabel  = "filename"
	JobLabel       = "job"

	// MaxValueLength bounds label values pushed downstream
	MaxValueLength = 2048
)

var nameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidName reports whether name is a legal label name
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// ValidValue reports whether value may be used as a label value
func ValidValue(value string) bool {
	return value != "" && len(value) <= MaxValueLength && utf8.ValidString(value)
}

// IsReserved reports whether the label is internal and never shipped
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// Merge combines static target labels with labels extracted from an entry.
// Extracted values win, except that reserved labels set by the target cannot
// be overridden.
func Merge(static, extracted types.LabelSet) types.LabelSet {
	out := make(types.LabelSet, len(static)+len(extracted))
	for k, v := range static {
		out[k] = v
	}
	for k, v := range extracted {
		if _, ok := static[k]; ok && IsReserved(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Set validates and assigns one label. It reports false if the pair was rejected.
func Set(ls types.LabelSet, name, value string) bool {
	if Validate(name, value) != nil {
		return false
	}
	ls[name] = value
	return true
}

// Finalize strips reserved and invalid labels, returning the set that
// identifies the stream downstream.
func Finalize(ls types.LabelSet) (types.LabelSet, int, error) {
	out := make(types.LabelSet, len(ls))
	invalid := 0
	for k, v := range ls {
		if IsReserved(k) {
			continue
		}
		if Validate(k, v) != nil {
			invalid++
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil, invalid, fmt.Errorf("entry has no labels")
	}
	return out, invalid, nil
}

// Validate returns an error describing why a label pair is unusable
func Validate(name, value string) error {
	if !ValidName(name) {
		return fmt.Errorf("invalid label name %q", name)
	}
	if !ValidValue(value) {
		return fmt.Errorf("invalid value for label %s", name)
	}
	return nil
}
