package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// Multiline defaults
const (
	DefaultMultilineMaxLines = 128
	DefaultMultilineMaxWait  = 3 * time.Second
)

// MultilineConfig configures the multiline stage. A line matching Firstline
// starts a new block; other lines are appended to the open block of their source.
type MultilineConfig struct {
	Firstline   string        `yaml:"firstline"`
	MaxLines    int           `yaml:"max_lines,omitempty"`
	MaxWaitTime time.Duration `yaml:"max_wait_time,omitempty"`
}

type block struct {
	entries    []*types.Entry
	lastUpdate time.Time
}

type multilineStage struct {
	base
	firstline *regexp.Regexp
	maxLines  int
	maxWait   time.Duration

	mu     sync.Mutex
	blocks map[string]*block
	now    func() time.Time
}

func newMultilineStage(en env, cfg config.StageConfig) (*multilineStage, error) {
	var mc MultilineConfig
	if err := cfg.Decode(&mc); err != nil {
		return nil, err
	}
	if mc.Firstline == "" {
		return nil, fmt.Errorf("multiline firstline is required")
	}

	re, err := regexp.Compile(mc.Firstline)
	if err != nil {
		return nil, fmt.Errorf("failed to compile multiline firstline: %w", err)
	}

	if mc.MaxLines <= 0 {
		mc.MaxLines = DefaultMultilineMaxLines
	}
	if mc.MaxWaitTime <= 0 {
		mc.MaxWaitTime = DefaultMultilineMaxWait
	}

	return &multilineStage{
		base:      en.base(StageTypeMultiline),
		firstline: re,
		maxLines:  mc.MaxLines,
		maxWait:   mc.MaxWaitTime,
		blocks:    make(map[string]*block),
		now:       time.Now,
	}, nil
}

// Process is never called for aggregators
func (s *multilineStage) Process(e *types.Entry) bool {
	return true
}

// Aggregate buffers the entry and returns any block it completes
func (s *multilineStage) Aggregate(e *types.Entry) []*types.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*types.Entry

	b, open := s.blocks[e.Source]
	if open && s.firstline.MatchString(e.Line) {
		out = append(out, combine(b.entries))
		open = false
	}

	if !open {
		s.blocks[e.Source] = &block{entries: []*types.Entry{e}, lastUpdate: now}
		return out
	}

	b.entries = append(b.entries, e)
	b.lastUpdate = now
	if len(b.entries) >= s.maxLines {
		delete(s.blocks, e.Source)
		out = append(out, combine(b.entries))
	}
	return out
}

// Flush releases the source's block if it has waited long enough
func (s *multilineStage) Flush(source string, now time.Time, force bool) []*types.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[source]
	if !ok {
		return nil
	}
	if !force && now.Sub(b.lastUpdate) < s.maxWait {
		return nil
	}
	delete(s.blocks, source)
	return []*types.Entry{combine(b.entries)}
}

// Sources lists the sources with an open block
func (s *multilineStage) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sources := make([]string, 0, len(s.blocks))
	for source := range s.blocks {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	return sources
}

// combine joins a block into its first entry. Acknowledging the result
// acknowledges every part.
func combine(entries []*types.Entry) *types.Entry {
	first := entries[0]
	if len(entries) == 1 {
		return first
	}

	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Line
	}

	out := first.Clone()
	out.Line = strings.Join(lines, "\n")
	out.Done = func() {
		for _, e := range entries {
			e.Ack()
		}
	}
	return out
}
