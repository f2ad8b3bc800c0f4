package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/danmuck/decexec/internal/logging"
	"github.com/danmuck/decexec/internal/protocol/session"
	"github.com/danmuck/decexec/internal/registry"
)

// Pool holds one connection per registry entry, in registry order.
type Pool struct {
	conns  []*Conn
	closed atomic.Bool
}

// ConnectAll dials every node concurrently and waits for all attempts. It is
// all-or-nothing: if any node fails, every established connection is closed
// and a *ConnectError naming each failed node is returned.
func ConnectAll(ctx context.Context, reg *registry.Registry, cfg session.Config) (*Pool, error) {
	return connectAll(ctx, reg, cfg, nopMetrics{})
}

func connectAll(ctx context.Context, reg *registry.Registry, cfg session.Config, metrics Metrics) (*Pool, error) {
	if reg == nil || reg.Len() == 0 {
		return nil, registry.ErrEmptyRegistry
	}
	logger := logging.For("dispatch")
	nodes := reg.Nodes()
	conns := make([]*Conn, len(nodes))
	errs := make([]error, len(nodes))

	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node registry.Node) {
			defer wg.Done()
			c, err := Dial(ctx, node, cfg)
			metrics.ObserveConnect(node.ID, err)
			if err != nil {
				errs[i] = err
				logger.Warn().Int("index", i).Str("node", node.String()).Err(err).Msg("connect failed")
				return
			}
			conns[i] = c
			logger.Debug().Int("index", i).Str("node", node.String()).Str("remote_id", c.RemoteID()).Msg("connected")
		}(i, node)
	}
	wg.Wait()

	var cerr ConnectError
	for i, err := range errs {
		if err != nil {
			cerr.Failures = append(cerr.Failures, NodeFailure{Index: i, Node: nodes[i], Err: err})
		}
	}
	if len(cerr.Failures) > 0 {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
		return nil, &cerr
	}
	return &Pool{conns: conns}, nil
}

// Conns returns the connections in registry order.
func (p *Pool) Conns() []*Conn {
	out := make([]*Conn, len(p.conns))
	copy(out, p.conns)
	return out
}

func (p *Pool) Len() int {
	return len(p.conns)
}

// Close closes every connection once. Later calls return ErrPoolClosed.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}
	var errs []error
	for _, c := range p.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
