package target

import (
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/worker"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// Target types
const (
	TypeFile       = "file"
	TypeSyslog     = "syslog"
	TypePush       = "loki_push_api"
	TypeKafka      = "kafka"
	TypeKubernetes = "kubernetes"
)

// Target produces entries for one scrape job and hands them to the job's
// worker pool. Handing off blocks when the pool is full.
type Target interface {
	Job() string
	Type() string
	Start() error
	Stop() error
	Ready() bool
	Status() Status
}

// Status describes a target for the /targets endpoint
type Status struct {
	Job     string            `json:"job"`
	Type    string            `json:"type"`
	Ready   bool              `json:"ready"`
	Labels  map[string]string `json:"labels,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

// base carries what every target needs
type base struct {
	job       string
	typ       string
	labels    types.LabelSet
	next      worker.Handler
	collector *metrics.Collector
	logger    *logging.Logger
}

func newBase(job, typ string, ls map[string]string, next worker.Handler, collector *metrics.Collector, logger *logging.Logger) base {
	if logger == nil {
		logger = logging.Nop()
	}
	return base{
		job:       job,
		typ:       typ,
		labels:    types.LabelSet(ls).Clone(),
		next:      next,
		collector: collector,
		logger:    logger.WithComponent("target-" + typ).WithField("job", job),
	}
}

func (b *base) Job() string  { return b.job }
func (b *base) Type() string { return b.typ }

// received counts entries handed to the pipeline
func (b *base) received(n int) {
	if b.collector != nil && n > 0 {
		b.collector.TargetEntriesTotal.WithLabelValues(b.job, b.typ).Add(float64(n))
	}
}

func (b *base) active(delta float64) {
	if b.collector != nil {
		b.collector.TargetsActive.WithLabelValues(b.typ).Add(delta)
	}
}
