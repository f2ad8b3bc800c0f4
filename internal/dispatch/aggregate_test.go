package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/protocol/session"
	"github.com/danmuck/decexec/internal/registry"
	"github.com/danmuck/decexec/internal/testutil/testlog"
)

func results(n int) []NodeResult {
	id := correlation.Join(1, 1)
	out := make([]NodeResult, n)
	for i := range out {
		node := registry.Node{ID: fmt.Sprintf("node-%d", i), Addr: fmt.Sprintf("h:%d", 50050+i)}
		out[i] = NodeResult{
			Index:  i,
			Node:   node,
			Result: session.ExecResult{NodeID: node.ID, Correlation: id, Status: session.StatusOK},
		}
	}
	return out
}

func TestAggregateAllSuccessKeepsRegistryOrder(t *testing.T) {
	testlog.Start(t)
	in := results(3)
	out, err := Aggregate(correlation.Join(1, 1), in)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	got := out.Results()
	for i := range in {
		if got[i] != in[i].Result || out.Responses[i].Node != in[i].Node {
			t.Fatalf("response %d mismatch: %+v", i, out.Responses[i])
		}
	}
}

func TestAggregateAnyFailureIsTotalFailure(t *testing.T) {
	testlog.Start(t)
	for failing := 0; failing < 4; failing++ {
		in := results(4)
		in[failing].Err = &session.RemoteError{Code: session.CodeAppFailure, Message: "exit 1"}
		out, err := Aggregate(correlation.Join(1, 1), in)
		if len(out.Responses) != 0 {
			t.Fatalf("failing=%d: partial success leaked: %+v", failing, out)
		}
		var derr *DispatchError
		if !errors.As(err, &derr) {
			t.Fatalf("failing=%d: expected *DispatchError, got %v", failing, err)
		}
		if len(derr.Calls) != 1 || derr.Calls[0].Index != failing || derr.Calls[0].Kind != KindRemote {
			t.Fatalf("failing=%d: unexpected calls %+v", failing, derr.Calls)
		}
		if !strings.Contains(err.Error(), fmt.Sprintf("node-%d", failing)) {
			t.Fatalf("failing=%d: error does not name node: %v", failing, err)
		}
	}
}

func TestAggregateRejectsEmptyInput(t *testing.T) {
	testlog.Start(t)
	if _, err := Aggregate(correlation.Nil, nil); !errors.Is(err, ErrNoConnections) {
		t.Fatalf("expected ErrNoConnections, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		kind Kind
		code uint32
	}{
		{&session.RemoteError{Code: 404}, KindRemote, 404},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), KindDeadline, 0},
		{fmt.Errorf("read: %w", os.ErrDeadlineExceeded), KindDeadline, 0},
		{context.Canceled, KindCanceled, 0},
		{fmt.Errorf("%w: bad echo", ErrProtocol), KindProtocol, 0},
		{errors.New("connection reset"), KindTransport, 0},
	}
	for _, tc := range cases {
		kind, code := classify(tc.err)
		if kind != tc.kind || code != tc.code {
			t.Fatalf("classify(%v)=%s,%d want %s,%d", tc.err, kind, code, tc.kind, tc.code)
		}
	}
}

func TestDispatchErrorCausePrefersRootFailure(t *testing.T) {
	testlog.Start(t)
	derr := &DispatchError{Calls: []*CallError{
		{Index: 0, Kind: KindCanceled, Err: context.Canceled},
		{Index: 1, Kind: KindRemote, Code: 500, Err: errors.New("boom")},
	}}
	if c := derr.Cause(); c == nil || c.Index != 1 {
		t.Fatalf("unexpected cause: %+v", c)
	}
	if !errors.Is(derr, context.Canceled) {
		t.Fatalf("every call error should stay reachable")
	}
}

func TestDispatchErrorWrapsConnectError(t *testing.T) {
	testlog.Start(t)
	refused := errors.New("connection refused")
	derr := &DispatchError{
		CorrelationID: correlation.Join(3, 4),
		Connect: &ConnectError{Failures: []NodeFailure{
			{Index: 1, Node: registry.Node{ID: "b", Addr: "h:2"}, Err: refused},
		}},
	}
	var cerr *ConnectError
	if !errors.As(derr, &cerr) || !errors.Is(derr, refused) {
		t.Fatalf("connect error not reachable: %v", derr)
	}
	if nodes := derr.FailedNodes(); len(nodes) != 1 || nodes[0].ID != "b" {
		t.Fatalf("unexpected failed nodes: %+v", nodes)
	}
	if !strings.Contains(derr.Error(), "b@h:2") {
		t.Fatalf("unexpected text: %v", derr)
	}
}

func TestRequestWireClonesLists(t *testing.T) {
	testlog.Start(t)
	req := Request{AppName: "a", FuncName: "f", Args: []string{"x"}}
	wire := req.wire(correlation.Join(1, 2))
	wire.Args[0] = "mutated"
	if req.Args[0] != "x" {
		t.Fatalf("wire shares backing array with request")
	}
	if wire.InFiles == nil || len(wire.InFiles) != 0 {
		t.Fatalf("nil lists should become empty lists: %+v", wire.InFiles)
	}
}
