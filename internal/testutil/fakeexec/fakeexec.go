// Package fakeexec runs scriptable in-process executor endpoints on loopback
// for dispatcher tests.
package fakeexec

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/protocol/frame"
	"github.com/danmuck/decexec/internal/protocol/session"
)

// ErrDrop makes the server close the connection instead of replying.
var ErrDrop = errors.New("fakeexec: drop connection")

// Handler answers one exec. A *session.RemoteError is sent as an error frame.
type Handler func(ctx context.Context, req session.ExecRequest) (session.ExecResult, error)

type Option func(*Server)

// RejectHello makes the server refuse every session at hello time.
func RejectHello() Option {
	return func(s *Server) { s.rejectHello = true }
}

type Server struct {
	nodeID      string
	handler     Handler
	rejectHello bool

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	requests []session.ExecRequest
	conns    map[net.Conn]struct{}
}

// Start listens on 127.0.0.1 and serves until the test ends.
func Start(t testing.TB, nodeID string, handler Handler, opts ...Option) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakeexec listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		nodeID:  nodeID,
		handler: handler,
		ln:      ln,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Requests returns every exec received so far, in arrival order.
func (s *Server) Requests() []session.ExecRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.ExecRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// ActiveConns is the number of sessions the server still holds open.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) Close() {
	s.cancel()
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	if _, err := session.ReadHello(r); err != nil {
		return
	}
	ack := session.HelloAck{Status: session.AckStatusAccepted, NodeID: s.nodeID, TimestampMS: uint64(time.Now().UnixMilli())}
	if s.rejectHello {
		ack.Status = session.AckStatusRejected
		ack.Code = 403
		ack.Message = "rejected by fakeexec"
	}
	if err := session.WriteHelloAck(conn, ack); err != nil || s.rejectHello {
		return
	}

	for {
		f, err := frame.ReadFrame(r, frame.DefaultLimits())
		if err != nil {
			return
		}
		req, err := session.DecodeExecFrame(f)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		res, err := s.handler(s.ctx, req)
		var raw []byte
		var rerr *session.RemoteError
		switch {
		case errors.Is(err, ErrDrop):
			return
		case errors.As(err, &rerr):
			raw, err = session.EncodeErrorFrame(f.Header.MessageID, *rerr)
		case err != nil:
			raw, err = session.EncodeErrorFrame(f.Header.MessageID, session.RemoteError{
				Correlation: req.Correlation,
				Code:        session.CodeAppFailure,
				Message:     err.Error(),
			})
		default:
			raw, err = session.EncodeExecResultFrame(f.Header.MessageID, res)
		}
		if err != nil {
			return
		}
		if _, err := conn.Write(raw); err != nil {
			return
		}
	}
}

// OK echoes the correlation id back with status ok and the node id as stdout.
func OK(nodeID string) Handler {
	return func(_ context.Context, req session.ExecRequest) (session.ExecResult, error) {
		return session.ExecResult{
			NodeID:      nodeID,
			Correlation: req.Correlation,
			Status:      session.StatusOK,
			Stdout:      nodeID + ":" + req.AppName + "." + req.FuncName,
		}, nil
	}
}

// Reject answers every exec with a remote error.
func Reject(code uint32, message string) Handler {
	return func(_ context.Context, req session.ExecRequest) (session.ExecResult, error) {
		return session.ExecResult{}, &session.RemoteError{Correlation: req.Correlation, Code: code, Message: message}
	}
}

// Hang never answers until the server shuts down.
func Hang() Handler {
	return func(ctx context.Context, _ session.ExecRequest) (session.ExecResult, error) {
		<-ctx.Done()
		return session.ExecResult{}, ErrDrop
	}
}

// Delay runs next after d, or drops the connection if the server closes first.
func Delay(d time.Duration, next Handler) Handler {
	return func(ctx context.Context, req session.ExecRequest) (session.ExecResult, error) {
		select {
		case <-time.After(d):
			return next(ctx, req)
		case <-ctx.Done():
			return session.ExecResult{}, ErrDrop
		}
	}
}

// WrongCorrelation replies ok under a different correlation id.
func WrongCorrelation(nodeID string) Handler {
	return func(_ context.Context, req session.ExecRequest) (session.ExecResult, error) {
		hi, lo := correlation.Split(req.Correlation)
		return session.ExecResult{
			NodeID:      nodeID,
			Correlation: correlation.Join(hi, lo+1),
			Status:      session.StatusOK,
		}, nil
	}
}

// ClosedAddr returns a loopback address with nothing listening on it.
func ClosedAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakeexec listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}
