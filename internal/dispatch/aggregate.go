package dispatch

import (
	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/protocol/session"
	"github.com/danmuck/decexec/internal/registry"
)

// NodeResult is the settled outcome of one per-node call.
type NodeResult struct {
	Index  int
	Node   registry.Node
	Result session.ExecResult
	Err    error
}

// NodeResponse pairs a node with its successful reply.
type NodeResponse struct {
	Index  int                `json:"index"`
	Node   registry.Node      `json:"node"`
	Result session.ExecResult `json:"result"`
}

// Outcome is a fully successful dispatch: one response per node, in registry
// order.
type Outcome struct {
	CorrelationID correlation.ID `json:"correlation_id"`
	Responses     []NodeResponse `json:"responses"`
}

// Results returns the bare replies in registry order.
func (o Outcome) Results() []session.ExecResult {
	out := make([]session.ExecResult, len(o.Responses))
	for i, r := range o.Responses {
		out[i] = r.Result
	}
	return out
}

// Aggregate folds registry-ordered results into an Outcome, or a
// *DispatchError listing every failure when any call failed. A dispatch is
// never partially successful.
func Aggregate(id correlation.ID, results []NodeResult) (Outcome, error) {
	if len(results) == 0 {
		return Outcome{}, ErrNoConnections
	}
	var failed []*CallError
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		failed = append(failed, asCallError(r))
	}
	if len(failed) > 0 {
		return Outcome{}, &DispatchError{CorrelationID: id, Calls: failed}
	}
	out := Outcome{CorrelationID: id, Responses: make([]NodeResponse, len(results))}
	for i, r := range results {
		out.Responses[i] = NodeResponse{Index: r.Index, Node: r.Node, Result: r.Result}
	}
	return out, nil
}

func asCallError(r NodeResult) *CallError {
	if ce, ok := r.Err.(*CallError); ok {
		return ce
	}
	kind, code := classify(r.Err)
	return &CallError{Index: r.Index, Node: r.Node, Kind: kind, Code: code, Err: r.Err}
}
