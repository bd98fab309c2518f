package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// LimitConfig configures the limit stage. Rate is in entries per second.
// With Drop unset the stage waits for a token instead of dropping.
type LimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
	Drop  bool    `yaml:"drop,omitempty"`
}

type limitStage struct {
	base
	limiter *rate.Limiter
	drop    bool
}

func newLimitStage(en env, cfg config.StageConfig) (*limitStage, error) {
	var lc LimitConfig
	if err := cfg.Decode(&lc); err != nil {
		return nil, err
	}
	if lc.Rate <= 0 {
		return nil, fmt.Errorf("limit rate must be positive")
	}
	if lc.Burst <= 0 {
		lc.Burst = int(lc.Rate)
		if lc.Burst < 1 {
			lc.Burst = 1
		}
	}

	return &limitStage{
		base:    en.base(StageTypeLimit),
		limiter: rate.NewLimiter(rate.Limit(lc.Rate), lc.Burst),
		drop:    lc.Drop,
	}, nil
}

// DropReason names the counter reason for dropped entries
func (s *limitStage) DropReason() string {
	return "rate_limited"
}

func (s *limitStage) Process(e *types.Entry) bool {
	if s.drop {
		return s.limiter.Allow()
	}
	if err := s.limiter.Wait(context.Background()); err != nil {
		s.fail(e, err)
	}
	return true
}
