package tailer

import "sync"

// pendingLine is one line handed out but not yet acknowledged
type pendingLine struct {
	end   int64
	acked bool
}

// ackTracker commits a file offset only once every line before it has been
// acknowledged, so lines may be acknowledged in any order.
type ackTracker struct {
	mu      sync.Mutex
	base    int64
	last    int64
	pending []*pendingLine
	retired bool
}

func newAckTracker(offset int64) *ackTracker {
	return &ackTracker{base: offset, last: offset}
}

// track registers a line ending at end
func (a *ackTracker) track(end int64) *pendingLine {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := &pendingLine{end: end}
	a.pending = append(a.pending, p)
	a.last = end
	return p
}

// ack marks a line done and returns the new committed offset when it moved
func (a *ackTracker) ack(p *pendingLine) (int64, bool) {
	return a.ackCommit(p, nil)
}

// ackCommit is ack with commit called on the new offset before the tracker
// is unlocked. retire waits for it, so no commit lands after a reset.
func (a *ackTracker) ackCommit(p *pendingLine, commit func(int64)) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.retired || p.acked {
		return 0, false
	}
	p.acked = true

	advanced := false
	for len(a.pending) > 0 && a.pending[0].acked {
		a.base = a.pending[0].end
		a.pending[0] = nil
		a.pending = a.pending[1:]
		advanced = true
	}
	if advanced && commit != nil {
		commit(a.base)
	}
	return a.base, advanced
}

// retire detaches the tracker from its file; later acks are ignored
func (a *ackTracker) retire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retired = true
	a.pending = nil
}

func (a *ackTracker) committed() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.base
}

func (a *ackTracker) readOffset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *ackTracker) outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
