package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/decexec/internal/apps"
	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/dispatch"
	"github.com/danmuck/decexec/internal/protocol/session"
	"github.com/danmuck/decexec/internal/registry"
	"github.com/danmuck/decexec/internal/testutil/testlog"
	"github.com/danmuck/decexec/internal/testutil/tlstest"
)

func echoRegistry(t *testing.T) *apps.Registry {
	t.Helper()
	r := apps.NewRegistry()
	if err := r.Register(apps.Echo{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	if err := r.Register(apps.Echo{Name: "mpspdz"}); err != nil {
		t.Fatalf("register mpspdz: %v", err)
	}
	return r
}

// startService serves cfg on a loopback listener until the test ends.
func startService(t *testing.T, cfg Config, reg *apps.Registry) (*Service, string) {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	svc := NewService(cfg, reg)
	ln, err := svc.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return svc, ln.Addr().String()
}

func clientConfig() session.Config {
	return session.Config{ClientID: "executor-test", ConnectTimeout: 2 * time.Second, HandshakeTimeout: 2 * time.Second}
}

func TestServiceAnswersDispatcherAcrossCluster(t *testing.T) {
	testlog.Start(t)
	var nodes []registry.Node
	for _, id := range []string{"exec-a", "exec-b", "exec-c"} {
		_, addr := startService(t, Config{NodeID: id}, echoRegistry(t))
		nodes = append(nodes, registry.Node{ID: id, Addr: addr})
	}
	reg, err := registry.New(nodes)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	req := dispatch.DefaultRequest()
	req.Args = []string{"-N", "3"}
	out, err := dispatch.New(dispatch.Options{}).Run(context.Background(), reg, clientConfig(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, r := range out.Responses {
		if r.Result.NodeID != nodes[i].ID || r.Result.Status != session.StatusOK {
			t.Fatalf("response %d: %+v", i, r)
		}
		for _, want := range []string{"node=" + nodes[i].ID, "func=unused", "in=input", "out=output", "args=-N 3", out.CorrelationID.String()} {
			if !strings.Contains(r.Result.Stdout, want) {
				t.Fatalf("response %d stdout missing %q:\n%s", i, want, r.Result.Stdout)
			}
		}
	}
}

func TestServiceRejectsUnknownAppAndFunc(t *testing.T) {
	testlog.Start(t)
	catalogue := apps.NewRegistry()
	err := catalogue.Register(apps.Command{
		Meta: apps.Metadata{Name: "mpspdz", Description: "x", Funcs: []string{"compile"}},
		Path: "/bin/true",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, addr := startService(t, Config{NodeID: "exec-a"}, catalogue)
	conn, err := dispatch.Dial(context.Background(), singleNode(addr), clientConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	id := correlation.Join(5, 6)
	_, err = conn.Exec(context.Background(), session.ExecRequest{AppName: "nope", FuncName: "unused", Correlation: id})
	var rerr *session.RemoteError
	if !errors.As(err, &rerr) || rerr.Code != session.CodeUnknownApp || rerr.Correlation != id {
		t.Fatalf("expected 404 remote error, got %v", err)
	}
	_, err = conn.Exec(context.Background(), session.ExecRequest{AppName: "mpspdz", FuncName: "unused", Correlation: id})
	if !errors.As(err, &rerr) || rerr.Code != session.CodeBadRequest {
		t.Fatalf("expected 400 remote error, got %v", err)
	}
}

func singleNode(addr string) registry.Node {
	return registry.Node{ID: "node-0", Addr: addr}
}

// loudApp reports more stdout than one reply frame can carry.
type loudApp struct{}

func (loudApp) Metadata() apps.Metadata {
	return apps.Metadata{Name: "loud", Description: "oversized stdout"}
}

func (loudApp) Exec(context.Context, apps.Invocation) (apps.Result, error) {
	return apps.Result{Status: apps.StatusOK, Stdout: bytes.Repeat([]byte("x"), 17<<20)}, nil
}

func TestServiceOversizedResultIsRemoteError(t *testing.T) {
	testlog.Start(t)
	catalogue := echoRegistry(t)
	if err := catalogue.Register(loudApp{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, addr := startService(t, Config{NodeID: "exec-a"}, catalogue)
	conn, err := dispatch.Dial(context.Background(), singleNode(addr), clientConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	id := correlation.Join(7, 8)
	_, err = conn.Exec(context.Background(), session.ExecRequest{AppName: "loud", FuncName: "f", Correlation: id})
	var rerr *session.RemoteError
	if !errors.As(err, &rerr) || rerr.Code != session.CodeAppFailure || rerr.Correlation != id {
		t.Fatalf("expected 500 remote error, got %v", err)
	}
	if !strings.Contains(rerr.Message, "payload too large") {
		t.Fatalf("unexpected message: %q", rerr.Message)
	}
	res, err := conn.Exec(context.Background(), session.ExecRequest{AppName: "echo", FuncName: "f", Correlation: id})
	if err != nil || res.Status != session.StatusOK {
		t.Fatalf("session must survive an oversized result: %+v %v", res, err)
	}

	reg, err := registry.New([]registry.Node{singleNode(addr)})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	req := dispatch.DefaultRequest()
	req.AppName = "loud"
	_, err = dispatch.New(dispatch.Options{}).Run(context.Background(), reg, clientConfig(), req)
	var cerr *dispatch.CallError
	if !errors.As(err, &cerr) || cerr.Kind != dispatch.KindRemote || cerr.Code != session.CodeAppFailure {
		t.Fatalf("expected remote call error, got %v", err)
	}
}

func TestServiceKeepsIdleSessionOpen(t *testing.T) {
	testlog.Start(t)
	cfg := Config{NodeID: "exec-a", Session: session.Config{ReadTimeout: 100 * time.Millisecond}}
	_, addr := startService(t, cfg, echoRegistry(t))
	conn, err := dispatch.Dial(context.Background(), singleNode(addr), clientConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(400 * time.Millisecond)
	req := session.ExecRequest{AppName: "echo", FuncName: "f", Correlation: correlation.Join(3, 4)}
	if _, err := conn.Exec(context.Background(), req); err != nil {
		t.Fatalf("exec after idle gap: %v", err)
	}
}

func TestServiceDropsStalledFrame(t *testing.T) {
	testlog.Start(t)
	cfg := Config{NodeID: "exec-a", Session: session.Config{ReadTimeout: 100 * time.Millisecond}}
	_, addr := startService(t, cfg, echoRegistry(t))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := session.WriteHello(conn, session.Hello{ProtocolVersion: 1}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	reader := bufio.NewReader(conn)
	if _, err := session.ReadHelloAck(reader); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if _, err := conn.Write([]byte{0xDE, 0xC0}); err != nil {
		t.Fatalf("write partial header: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := reader.ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected executor to close a stalled frame, got %v", err)
	}
}

func TestServiceRateLimitsPerSession(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, Config{NodeID: "exec-a", RateLimit: 0.001, RateBurst: 1}, echoRegistry(t))
	conn, err := dispatch.Dial(context.Background(), singleNode(addr), clientConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := session.ExecRequest{AppName: "echo", FuncName: "f", Correlation: correlation.Join(1, 1)}
	if _, err := conn.Exec(context.Background(), req); err != nil {
		t.Fatalf("first exec within burst: %v", err)
	}
	_, err = conn.Exec(context.Background(), req)
	var rerr *session.RemoteError
	if !errors.As(err, &rerr) || rerr.Code != session.CodeRateLimited {
		t.Fatalf("expected 429, got %v", err)
	}
}

func TestServiceRejectsUnsupportedHello(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, Config{NodeID: "exec-a"}, echoRegistry(t))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := session.WriteHello(conn, session.Hello{ProtocolVersion: 99}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	ack, err := session.ReadHelloAck(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Accepted() || ack.Code != session.CodeBadRequest || ack.NodeID != "exec-a" {
		t.Fatalf("expected rejection, got %+v", ack)
	}
}

func TestServiceRequiresAuthToken(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, Config{NodeID: "exec-a", AuthTokens: []string{"old", "new"}}, echoRegistry(t))
	node := registry.Node{ID: "exec-a", Addr: addr}

	cfg := clientConfig()
	if _, err := dispatch.Dial(context.Background(), node, cfg); !errors.Is(err, session.ErrHelloRejected) {
		t.Fatalf("expected hello rejection without a token, got %v", err)
	} else if !strings.Contains(err.Error(), "code=401") {
		t.Fatalf("expected 401 in rejection: %v", err)
	}

	cfg.AuthToken = "new"
	conn, err := dispatch.Dial(context.Background(), node, cfg)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer conn.Close()
	if conn.RemoteID() != "exec-a" {
		t.Fatalf("unexpected remote id: %q", conn.RemoteID())
	}
}

func TestServiceMutualTLS(t *testing.T) {
	testlog.Start(t)
	pki := tlstest.New(t)
	server := pki.Server(t, "exec-a")
	client := pki.Client(t, "dispatcher")

	_, addr := startService(t, Config{
		NodeID: "exec-a",
		Session: session.Config{
			SecurityMode: session.SecurityModeProduction,
			TLS: session.TLSConfig{
				Enabled:  true,
				Mutual:   true,
				CAFile:   pki.CAFile(),
				CertFile: server.CertFile,
				KeyFile:  server.KeyFile,
			},
		},
	}, echoRegistry(t))

	cfg := clientConfig()
	cfg.SecurityMode = session.SecurityModeProduction
	cfg.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CAFile:   pki.CAFile(),
		CertFile: client.CertFile,
		KeyFile:  client.KeyFile,
	}
	reg, err := registry.New([]registry.Node{{ID: "exec-a", Addr: addr}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	out, err := dispatch.New(dispatch.Options{}).Run(context.Background(), reg, cfg, dispatch.DefaultRequest())
	if err != nil {
		t.Fatalf("run over mtls: %v", err)
	}
	if len(out.Responses) != 1 || out.Responses[0].Result.NodeID != "exec-a" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	// A plaintext dispatcher never completes the hello.
	if _, err := dispatch.ConnectAll(context.Background(), reg, clientConfig()); err == nil {
		t.Fatalf("expected plaintext connect to fail against mtls executor")
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	svc, _ := startService(t, Config{NodeID: "exec-admin"}, echoRegistry(t))
	router := svc.AdminRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "exec-admin") {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/apps", nil))
	var body struct {
		Node string          `json:"node"`
		Apps []apps.Metadata `json:"apps"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode apps: %v", err)
	}
	if body.Node != "exec-admin" || len(body.Apps) != 2 || body.Apps[0].Name != "echo" || body.Apps[1].Name != "mpspdz" {
		t.Fatalf("unexpected apps body: %+v", body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if w.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ready: %d %s", w.Code, w.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "decexec_http_requests_total") {
		t.Fatalf("metrics: %d", w.Code)
	}
}
