// Package executor serves Exec calls for one node: a framed TCP/TLS session
// endpoint backed by an apps.Registry, plus an optional admin HTTP surface.
package executor

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/decexec/internal/apps"
	"github.com/danmuck/decexec/internal/auth"
	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/logging"
	"github.com/danmuck/decexec/internal/observability"
	"github.com/danmuck/decexec/internal/protocol/frame"
	"github.com/danmuck/decexec/internal/protocol/schema"
	"github.com/danmuck/decexec/internal/protocol/session"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Service is the executor runtime for one node.
type Service struct {
	cfg    Config
	apps   *apps.Registry
	tokens auth.Validator
	log    zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	activeSessions atomic.Int64
	served         atomic.Uint64
	ready          atomic.Bool
	started        time.Time
}

func NewService(cfg Config, registry *apps.Registry) *Service {
	cfg = cfg.WithDefaults()
	if registry == nil {
		registry = apps.NewRegistry()
	}
	return &Service{
		cfg:     cfg,
		apps:    registry,
		tokens:  auth.FromTokens(cfg.AuthTokens),
		log:     logging.For("executor").With().Str("node", cfg.NodeID).Logger(),
		conns:   make(map[net.Conn]struct{}),
		started: time.Now(),
	}
}

func (s *Service) NodeID() string {
	return s.cfg.NodeID
}

// Run listens on the configured addresses and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.Session.TLS.Enabled).Msg("executor listening")

	adminErr := make(chan error, 1)
	if s.cfg.AdminAddr != "" {
		go func() {
			adminErr <- s.ServeAdmin(ctx, s.cfg.AdminAddr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

// Listen opens a TCP or TLS listener per the session transport policy.
func (s *Service) Listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts dispatcher sessions on ln until ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	s.ready.Store(true)
	defer s.ready.Store(false)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.activeSessions.Add(1)
	s.log.Debug().Str("remote", remote).Int64("active", active).Msg("session opened")
	defer func() {
		remaining := s.activeSessions.Add(-1)
		s.log.Debug().Str("remote", remote).Int64("active", remaining).Msg("session closed")
	}()

	peer, err := s.authenticateConn(conn)
	if err != nil {
		s.log.Warn().Str("remote", remote).Err(err).Msg("transport auth failed")
		return
	}
	reader := bufio.NewReader(conn)
	hello, err := s.handshake(conn, reader)
	if err != nil {
		s.log.Warn().Str("remote", remote).Err(err).Msg("hello failed")
		return
	}
	s.log.Info().Str("remote", remote).Str("client_id", hello.ClientID).Str("peer", peer).Msg("session accepted")

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	}
	for {
		f, err := s.nextFrame(conn, reader)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.log.Debug().Str("remote", remote).Err(err).Msg("read frame")
			}
			return
		}
		if f.Header.MessageType != schema.MsgExec {
			s.log.Warn().Str("remote", remote).Str("message", schema.MessageName(f.Header.MessageType)).Msg("unexpected message")
			return
		}
		raw, err := s.handleExec(ctx, f, limiter)
		if err != nil {
			s.log.Warn().Str("remote", remote).Err(err).Msg("encode reply")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
		if _, err := conn.Write(raw); err != nil {
			s.log.Warn().Str("remote", remote).Err(err).Msg("write reply")
			return
		}
	}
}

// nextFrame waits without a deadline for the next frame to begin, so an idle
// session stays open between dispatches. Once a byte arrives the rest of the
// frame must land within ReadTimeout.
func (s *Service) nextFrame(conn net.Conn, reader *bufio.Reader) (frame.Frame, error) {
	_ = conn.SetReadDeadline(time.Time{})
	if _, err := reader.Peek(1); err != nil {
		return frame.Frame{}, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.ReadTimeout))
	return frame.ReadFrame(reader, frame.DefaultLimits())
}

func (s *Service) handshake(conn net.Conn, reader *bufio.Reader) (session.Hello, error) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello, err := session.ReadHello(reader)
	ack := session.HelloAck{
		Status:      session.AckStatusAccepted,
		NodeID:      s.cfg.NodeID,
		Apps:        s.apps.Names(),
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if err == nil && hello.ProtocolVersion != frame.Version {
		err = fmt.Errorf("%w: protocol_version %d", session.ErrInvalidHello, hello.ProtocolVersion)
	}
	if err == nil && s.tokens != nil {
		if verr := s.tokens.Validate(hello.Token); verr != nil {
			err = fmt.Errorf("%w: client_id=%q", verr, hello.ClientID)
		}
	}
	if err != nil {
		code := uint32(0)
		switch {
		case errors.Is(err, session.ErrInvalidHello):
			code = session.CodeBadRequest
		case errors.Is(err, auth.ErrUnauthorized):
			code = session.CodeUnauthorized
		}
		if code != 0 {
			ack.Status = session.AckStatusRejected
			ack.Code = code
			ack.Message = err.Error()
			ack.Apps = nil
			_ = session.WriteHelloAck(conn, ack)
		}
		return session.Hello{}, err
	}
	return hello, session.WriteHelloAck(conn, ack)
}

// handleExec runs one exec frame and encodes the reply frame.
func (s *Service) handleExec(ctx context.Context, f frame.Frame, limiter *rate.Limiter) ([]byte, error) {
	msgID := f.Header.MessageID
	req, err := session.DecodeExecFrame(f)
	if err != nil {
		observability.RecordExecutorExec(s.cfg.NodeID, "", "bad_request")
		return session.EncodeErrorFrame(msgID, session.RemoteError{
			Correlation: correlation.Nil,
			Code:        session.CodeBadRequest,
			Message:     err.Error(),
		})
	}
	reject := func(code uint32, outcome string, err error) ([]byte, error) {
		observability.RecordExecutorExec(s.cfg.NodeID, req.AppName, outcome)
		s.log.Warn().
			Str("correlation_id", req.Correlation.String()).
			Str("app", req.AppName).
			Uint32("code", code).
			Err(err).
			Msg("exec rejected")
		return session.EncodeErrorFrame(msgID, session.RemoteError{
			Correlation: req.Correlation,
			Code:        code,
			Message:     err.Error(),
		})
	}

	if limiter != nil && !limiter.Allow() {
		return reject(session.CodeRateLimited, "rate_limited", errors.New("executor: rate limit exceeded"))
	}
	app, ok := s.apps.Resolve(req.AppName)
	if !ok {
		return reject(session.CodeUnknownApp, "unknown_app", fmt.Errorf("executor: unknown app %q", req.AppName))
	}
	if err := apps.CheckFunc(app.Metadata(), req.FuncName); err != nil {
		return reject(session.CodeBadRequest, "bad_request", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	defer cancel()
	start := time.Now()
	res, err := app.Exec(execCtx, apps.Invocation{
		NodeID:      s.cfg.NodeID,
		AppUID:      req.AppUID,
		Correlation: req.Correlation,
		ClientID:    req.ClientID,
		FuncName:    req.FuncName,
		InFiles:     req.InFiles,
		OutFiles:    req.OutFiles,
		Args:        req.Args,
	})
	if err != nil {
		if errors.Is(err, apps.ErrUnknownFunc) {
			return reject(session.CodeBadRequest, "bad_request", err)
		}
		return reject(session.CodeAppFailure, "app_error", err)
	}
	status := res.Status
	if status == "" {
		status = session.StatusOK
	}
	raw, err := session.EncodeExecResultFrame(msgID, session.ExecResult{
		NodeID:      s.cfg.NodeID,
		Correlation: req.Correlation,
		Status:      status,
		ExitCode:    uint32(res.ExitCode),
		Stdout:      string(res.Stdout),
		Stderr:      string(res.Stderr),
	})
	if err != nil {
		// The app ran, but its output does not fit one frame.
		return reject(session.CodeAppFailure, "reply_too_large", fmt.Errorf("executor: encode result (%d bytes output): %w", len(res.Stdout)+len(res.Stderr), err))
	}
	s.served.Add(1)
	observability.RecordExecutorExec(s.cfg.NodeID, req.AppName, status)
	s.log.Info().
		Str("correlation_id", req.Correlation.String()).
		Str("app", req.AppName).
		Str("func", req.FuncName).
		Int("exit_code", res.ExitCode).
		Dur("elapsed", time.Since(start)).
		Msg("exec served")
	return raw, nil
}

// authenticateConn enforces the TLS policy and returns the peer identity, if
// the peer presented a certificate.
func (s *Service) authenticateConn(conn net.Conn) (string, error) {
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if !s.cfg.Session.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return "", session.ErrTLSRequired
		}
		return "", nil
	}

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", fmt.Errorf("executor: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return "", err
	}
	state := tlsConn.ConnectionState()
	needPeer := s.cfg.Session.TLS.Mutual || mode == session.SecurityModeProduction
	if len(state.PeerCertificates) == 0 {
		if needPeer {
			return "", session.ErrMTLSRequired
		}
		return "", nil
	}
	return session.PeerIdentityFromCert(state.PeerCertificates[0]), nil
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
