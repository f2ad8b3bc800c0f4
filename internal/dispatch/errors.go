package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/protocol/session"
	"github.com/danmuck/decexec/internal/registry"
)

var (
	ErrNoConnections  = errors.New("dispatch: no connections")
	ErrInvalidRequest = errors.New("dispatch: invalid request")
	ErrPoolClosed     = errors.New("dispatch: pool closed")
	ErrConnBroken     = errors.New("dispatch: connection broken")
	ErrProtocol       = errors.New("dispatch: protocol violation")
)

// Kind classifies why one per-node call failed.
type Kind string

const (
	KindRemote    Kind = "remote"
	KindDeadline  Kind = "deadline"
	KindCanceled  Kind = "canceled"
	KindTransport Kind = "transport"
	KindProtocol  Kind = "protocol"
)

// CallError is one failed per-node Exec on an established connection.
type CallError struct {
	Index int
	Node  registry.Node
	Kind  Kind
	// Code is the executor error code for KindRemote, zero otherwise.
	Code uint32
	Err  error
}

func (e *CallError) Error() string {
	if e.Kind == KindRemote {
		return fmt.Sprintf("dispatch: node[%d] %s: %s (code=%d): %v", e.Index, e.Node, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("dispatch: node[%d] %s: %s: %v", e.Index, e.Node, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// NodeFailure is one registry entry that could not be connected.
type NodeFailure struct {
	Index int
	Node  registry.Node
	Err   error
}

// ConnectError lists every node that failed during ConnectAll.
type ConnectError struct {
	Failures []NodeFailure
}

func (e *ConnectError) Error() string {
	if len(e.Failures) == 0 {
		return "dispatch: connect failed"
	}
	first := e.Failures[0]
	msg := fmt.Sprintf("dispatch: connect node[%d] %s: %v", first.Index, first.Node, first.Err)
	if n := len(e.Failures); n > 1 {
		msg += fmt.Sprintf(" (and %d more: %s)", n-1, strings.Join(e.failedNodes()[1:], ", "))
	}
	return msg
}

func (e *ConnectError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

func (e *ConnectError) failedNodes() []string {
	out := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Node.String()
	}
	return out
}

// DispatchError is the aggregated failure of one logical request. Exactly one
// of Connect or Calls is set.
type DispatchError struct {
	CorrelationID correlation.ID
	Connect       *ConnectError
	Calls         []*CallError
}

func (e *DispatchError) Error() string {
	if e.Connect != nil {
		return fmt.Sprintf("dispatch %s: %v", e.CorrelationID, e.Connect)
	}
	if len(e.Calls) == 0 {
		return fmt.Sprintf("dispatch %s: failed", e.CorrelationID)
	}
	first := e.Cause()
	if len(e.Calls) == 1 {
		return fmt.Sprintf("dispatch %s: %v", e.CorrelationID, first)
	}
	return fmt.Sprintf("dispatch %s: %d calls failed, first: %v", e.CorrelationID, len(e.Calls), first)
}

func (e *DispatchError) Unwrap() []error {
	if e.Connect != nil {
		return []error{e.Connect}
	}
	out := make([]error, len(e.Calls))
	for i, c := range e.Calls {
		out[i] = c
	}
	return out
}

// Cause returns the first call failure in registry order that was not a
// cancellation, falling back to the first failure. Fail-fast cancellations
// of sibling calls therefore never mask the node that tripped them.
func (e *DispatchError) Cause() *CallError {
	for _, c := range e.Calls {
		if c.Kind != KindCanceled {
			return c
		}
	}
	if len(e.Calls) > 0 {
		return e.Calls[0]
	}
	return nil
}

// FailedNodes lists every failed node in registry order.
func (e *DispatchError) FailedNodes() []registry.Node {
	if e.Connect != nil {
		out := make([]registry.Node, len(e.Connect.Failures))
		for i, f := range e.Connect.Failures {
			out[i] = f.Node
		}
		return out
	}
	out := make([]registry.Node, len(e.Calls))
	for i, c := range e.Calls {
		out[i] = c.Node
	}
	return out
}

// classify maps an Exec error to a failure kind and remote code.
func classify(err error) (Kind, uint32) {
	var rerr *session.RemoteError
	switch {
	case errors.As(err, &rerr):
		return KindRemote, rerr.Code
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindDeadline, 0
	case errors.Is(err, context.Canceled):
		return KindCanceled, 0
	case errors.Is(err, ErrProtocol):
		return KindProtocol, 0
	default:
		return KindTransport, 0
	}
}
