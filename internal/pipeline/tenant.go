package pipeline

import (
	"fmt"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// TenantConfig configures the tenant stage. Exactly one of Source, Label and
// Value must be set.
type TenantConfig struct {
	Source string `yaml:"source,omitempty"`
	Label  string `yaml:"label,omitempty"`
	Value  string `yaml:"value,omitempty"`
}

// tenantStage sets the tenant an entry is pushed for
type tenantStage struct {
	base
	cfg TenantConfig
}

func newTenantStage(en env, cfg config.StageConfig) (*tenantStage, error) {
	var tc TenantConfig
	if err := cfg.Decode(&tc); err != nil {
		return nil, err
	}

	set := 0
	for _, v := range []string{tc.Source, tc.Label, tc.Value} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("tenant stage requires exactly one of source, label or value")
	}

	return &tenantStage{base: en.base(StageTypeTenant), cfg: tc}, nil
}

func (s *tenantStage) Process(e *types.Entry) bool {
	var tenant string
	switch {
	case s.cfg.Value != "":
		tenant = s.cfg.Value
	case s.cfg.Source != "":
		tenant = e.Extracted[s.cfg.Source]
	default:
		tenant = e.Labels[s.cfg.Label]
	}
	if tenant != "" {
		e.Tenant = tenant
	}
	return true
}
