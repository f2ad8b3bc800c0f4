// Package dispatch fans one logical execution request out to every executor
// in a registry and folds the per-node replies into one outcome.
//
// A dispatch has two join barriers: ConnectAll waits for every dial, and
// Dispatch waits for every Exec. Results are written into slices indexed by
// registry position, so completion order never affects reporting order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/logging"
	"github.com/danmuck/decexec/internal/protocol/session"
	"github.com/danmuck/decexec/internal/registry"
	"github.com/rs/zerolog"
)

// Policy selects how a dispatch reacts to the first failed call.
type Policy string

const (
	// PolicyWaitAll lets every call settle and reports every failure.
	PolicyWaitAll Policy = "wait_all"
	// PolicyFailFast cancels the remaining calls on the first failure.
	PolicyFailFast Policy = "fail_fast"
)

func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "wait_all", "wait-all", "all":
		return PolicyWaitAll, nil
	case "fail_fast", "fail-fast", "failfast":
		return PolicyFailFast, nil
	default:
		return "", fmt.Errorf("dispatch: unknown policy %q", raw)
	}
}

// Metrics receives dispatch lifecycle observations.
type Metrics interface {
	ObserveConnect(node string, err error)
	ObserveCall(node, outcome, kind string, duration time.Duration)
	ObserveDispatch(policy, outcome string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveConnect(string, error)                      {}
func (nopMetrics) ObserveCall(string, string, string, time.Duration) {}
func (nopMetrics) ObserveDispatch(string, string, time.Duration)     {}

type Options struct {
	// Generator draws correlation ids; nil uses crypto/rand.
	Generator *correlation.Generator
	Policy    Policy
	// CallTimeout bounds every per-node call of a dispatch; zero means only
	// the caller's context bounds the wait for a reply.
	CallTimeout time.Duration
	Metrics     Metrics
}

type Dispatcher struct {
	gen         *correlation.Generator
	policy      Policy
	callTimeout time.Duration
	metrics     Metrics
	inflight    *Inflight
	log         zerolog.Logger
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		gen:         opts.Generator,
		policy:      opts.Policy,
		callTimeout: opts.CallTimeout,
		metrics:     opts.Metrics,
		inflight:    NewInflight(),
		log:         logging.For("dispatch"),
	}
	if d.gen == nil {
		d.gen = correlation.NewGenerator(nil)
	}
	if d.policy == "" {
		d.policy = PolicyWaitAll
	}
	if d.metrics == nil {
		d.metrics = nopMetrics{}
	}
	return d
}

// Inflight returns a snapshot of calls issued and not yet settled.
func (d *Dispatcher) Inflight() []PendingCall {
	return d.inflight.List()
}

// Run performs one full logical request: draw the correlation id, connect
// every node, dispatch, and close. A connect failure is returned as a
// *DispatchError wrapping the *ConnectError; no Exec is sent in that case.
func (d *Dispatcher) Run(ctx context.Context, reg *registry.Registry, cfg session.Config, req Request) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	id, err := d.correlationFor(req)
	if err != nil {
		return Outcome{}, err
	}
	req.CorrelationID = id

	pool, err := connectAll(ctx, reg, cfg, d.metrics)
	if err != nil {
		var cerr *ConnectError
		if errors.As(err, &cerr) {
			d.metrics.ObserveDispatch(string(d.policy), "connect_error", 0)
			return Outcome{}, &DispatchError{CorrelationID: id, Connect: cerr}
		}
		return Outcome{}, err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			d.log.Debug().Err(err).Msg("pool close")
		}
	}()
	return d.Dispatch(ctx, pool.Conns(), req)
}

// Dispatch issues one Exec per connection concurrently, every call stamped
// with the same correlation id, and waits for all of them to settle.
func (d *Dispatcher) Dispatch(ctx context.Context, conns []*Conn, req Request) (Outcome, error) {
	if len(conns) == 0 {
		return Outcome{}, ErrNoConnections
	}
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	id, err := d.correlationFor(req)
	if err != nil {
		return Outcome{}, err
	}
	wire := req.wire(id)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	results := make([]NodeResult, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Conn) {
			defer wg.Done()
			results[i] = d.call(callCtx, i, c, wire)
			if results[i].Err != nil && d.policy == PolicyFailFast {
				cancel()
			}
		}(i, c)
	}
	wg.Wait()

	out, err := Aggregate(id, results)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		d.log.Warn().Str("correlation_id", id.String()).Str("policy", string(d.policy)).Err(err).Msg("dispatch failed")
	} else {
		d.log.Info().Str("correlation_id", id.String()).Int("nodes", len(conns)).Dur("elapsed", time.Since(start)).Msg("dispatch complete")
	}
	d.metrics.ObserveDispatch(string(d.policy), outcome, time.Since(start))
	return out, err
}

func (d *Dispatcher) call(ctx context.Context, index int, c *Conn, req session.ExecRequest) NodeResult {
	node := c.Node()
	pending := PendingCall{CorrelationID: req.Correlation, Index: index, Node: node, StartedAt: time.Now()}
	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
		pending.Deadline = pending.StartedAt.Add(d.callTimeout)
	}
	ticket := d.inflight.Begin(pending)
	defer d.inflight.Finish(ticket)

	res, err := c.Exec(ctx, req)
	elapsed := time.Since(pending.StartedAt)
	if err != nil {
		kind, code := classify(err)
		d.metrics.ObserveCall(node.ID, "error", string(kind), elapsed)
		d.log.Debug().
			Int("index", index).
			Str("node", node.String()).
			Str("kind", string(kind)).
			Err(err).
			Msg("exec failed")
		return NodeResult{
			Index: index,
			Node:  node,
			Err:   &CallError{Index: index, Node: node, Kind: kind, Code: code, Err: err},
		}
	}
	d.metrics.ObserveCall(node.ID, "ok", "", elapsed)
	return NodeResult{Index: index, Node: node, Result: res}
}

func (d *Dispatcher) correlationFor(req Request) (correlation.ID, error) {
	if !req.CorrelationID.IsZero() {
		return req.CorrelationID, nil
	}
	id, err := d.gen.New()
	if err != nil {
		return correlation.Nil, fmt.Errorf("dispatch: %w", err)
	}
	return id, nil
}
