package dispatch

import (
	"testing"
	"time"

	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/registry"
	"github.com/danmuck/decexec/internal/testutil/testlog"
)

func TestInflightKeepsDispatchesSharingACorrelationID(t *testing.T) {
	testlog.Start(t)
	f := NewInflight()
	id := correlation.Join(9, 9)
	node := registry.Node{ID: "node-0", Addr: "h:1"}
	start := time.Now()

	first := f.Begin(PendingCall{CorrelationID: id, Index: 0, Node: node, StartedAt: start})
	second := f.Begin(PendingCall{CorrelationID: id, Index: 0, Node: node, StartedAt: start.Add(time.Millisecond)})
	if first == second {
		t.Fatalf("tickets must be distinct: %d", first)
	}
	if n := f.Len(); n != 2 {
		t.Fatalf("expected both calls tracked, got %d", n)
	}

	f.Finish(first)
	pending := f.List()
	if len(pending) != 1 || !pending[0].StartedAt.Equal(start.Add(time.Millisecond)) {
		t.Fatalf("finishing one dispatch must leave the other: %+v", pending)
	}
	f.Finish(second)
	f.Finish(second)
	if n := f.Len(); n != 0 {
		t.Fatalf("expected no pending calls, got %d", n)
	}
}
