package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/decexec/internal/protocol/frame"
	"github.com/danmuck/decexec/internal/protocol/session"
	"github.com/danmuck/decexec/internal/registry"
)

var aLongTimeAgo = time.Unix(1, 0)

// Conn is one live, handshaken connection to an executor. Calls on a Conn
// are serialized; the pool hands each Conn to at most one call per dispatch.
type Conn struct {
	node     registry.Node
	remoteID string
	cfg      session.Config

	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	nextID atomic.Uint64
	broken bool
}

// Dial connects to one node and completes the hello exchange.
func Dial(ctx context.Context, node registry.Node, cfg session.Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	raw, err := session.Dial(ctx, node.Addr, cfg)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		node: node,
		cfg:  cfg,
		conn: raw,
		r:    bufio.NewReader(raw),
	}
	if err := c.hello(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) hello(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	err := session.WriteHello(c.conn, session.Hello{
		ClientID:        c.cfg.ClientID,
		ProtocolVersion: frame.Version,
		Token:           c.cfg.AuthToken,
	})
	if err != nil {
		return ctxErr(ctx, err)
	}
	ack, err := session.ReadHelloAck(c.r)
	if err != nil {
		return ctxErr(ctx, err)
	}
	if err := ack.Err(); err != nil {
		return err
	}
	c.remoteID = ack.NodeID
	return nil
}

// Node is the registry entry this connection serves.
func (c *Conn) Node() registry.Node {
	return c.node
}

// RemoteID is the node id the executor announced in its hello ack.
func (c *Conn) RemoteID() string {
	return c.remoteID
}

// Exec sends one exec frame and waits for its reply. The reply must carry the
// request message id and echo the request correlation id.
func (c *Conn) Exec(ctx context.Context, req session.ExecRequest) (session.ExecResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return session.ExecResult{}, ErrConnBroken
	}
	if err := ctx.Err(); err != nil {
		return session.ExecResult{}, err
	}

	id := c.nextID.Add(1)
	raw, err := session.EncodeExecFrame(id, req)
	if err != nil {
		return session.ExecResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	// The reply wait is bounded only by ctx: a job may legitimately run for
	// as long as the caller is willing to wait.
	readDeadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(capDeadline(ctx, time.Now().Add(c.cfg.WriteTimeout)))
	_ = c.conn.SetReadDeadline(readDeadline)
	defer c.conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	if _, err := c.conn.Write(raw); err != nil {
		c.broken = true
		return session.ExecResult{}, ctxErr(ctx, err)
	}
	f, err := frame.ReadFrame(c.r, frame.DefaultLimits())
	if err != nil {
		c.broken = true
		if isFrameError(err) {
			return session.ExecResult{}, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return session.ExecResult{}, ctxErr(ctx, err)
	}
	if f.Header.MessageID != id {
		c.broken = true
		return session.ExecResult{}, fmt.Errorf("%w: reply message_id=%d want %d", ErrProtocol, f.Header.MessageID, id)
	}

	res, err := session.DecodeReply(f)
	var rerr *session.RemoteError
	if errors.As(err, &rerr) {
		if rerr.Correlation != req.Correlation {
			return session.ExecResult{}, fmt.Errorf("%w: error reply correlation %s want %s", ErrProtocol, rerr.Correlation, req.Correlation)
		}
		return session.ExecResult{}, rerr
	}
	if err != nil {
		return session.ExecResult{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if res.Correlation != req.Correlation {
		return session.ExecResult{}, fmt.Errorf("%w: reply correlation %s want %s", ErrProtocol, res.Correlation, req.Correlation)
	}
	return res, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func capDeadline(ctx context.Context, d time.Time) time.Time {
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// ctxErr prefers the context's reason over the I/O error it caused.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w (%v)", cerr, err)
	}
	return err
}

func isFrameError(err error) bool {
	for _, target := range []error{
		frame.ErrInvalidMagic,
		frame.ErrUnsupportedVersion,
		frame.ErrHeaderLenTooSmall,
		frame.ErrHeaderLenMismatch,
		frame.ErrPayloadTooLarge,
		frame.ErrAuthTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
