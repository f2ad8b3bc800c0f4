package dispatch

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/registry"
)

// PendingCall is one per-node Exec that has been issued and not yet settled.
type PendingCall struct {
	CorrelationID correlation.ID
	Index         int
	Node          registry.Node
	StartedAt     time.Time
	// Deadline is zero when the call has no per-call timeout.
	Deadline time.Time
}

// Inflight tracks pending calls across concurrent dispatches. Entries are
// keyed by a ticket, so two dispatches reusing one correlation id never
// collide.
type Inflight struct {
	mu    sync.RWMutex
	next  uint64
	items map[uint64]PendingCall
}

func NewInflight() *Inflight {
	return &Inflight{items: make(map[uint64]PendingCall)}
}

// Begin records call and returns the ticket Finish takes.
func (f *Inflight) Begin(call PendingCall) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.items[f.next] = call
	return f.next
}

func (f *Inflight) Finish(ticket uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, ticket)
}

func (f *Inflight) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

// List returns pending calls ordered by correlation id, registry index, then
// start time.
func (f *Inflight) List() []PendingCall {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]PendingCall, 0, len(f.items))
	for _, item := range f.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].CorrelationID[:], out[j].CorrelationID[:]); c != 0 {
			return c < 0
		}
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
