package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/decexec/internal/dispatch"
	"github.com/danmuck/decexec/internal/protocol/session"
	"github.com/danmuck/decexec/internal/registry"
	"github.com/danmuck/decexec/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestClusterTemplateLoads(t *testing.T) {
	testlog.Start(t)
	for _, tc := range []struct {
		kind string
		name string
	}{
		{KindCluster, "cluster.toml"},
		{KindClusterYAML, "cluster.yaml"},
	} {
		t.Run(tc.kind, func(t *testing.T) {
			body, err := Template(tc.kind)
			if err != nil {
				t.Fatalf("template: %v", err)
			}
			cfg, err := LoadCluster(writeFile(t, tc.name, body))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			reg, err := cfg.Registry()
			if err != nil {
				t.Fatalf("registry: %v", err)
			}
			want := []string{"localhost:50050", "localhost:50051", "localhost:50052", "localhost:50053"}
			if got := reg.Addresses(); !reflect.DeepEqual(got, want) {
				t.Fatalf("unexpected addresses: %q", got)
			}
			if reg.Node(3).ID != "node-3" {
				t.Fatalf("unexpected node: %+v", reg.Node(3))
			}

			req := cfg.Request()
			if req.AppName != dispatch.DefaultAppName || req.FuncName != dispatch.DefaultFuncName {
				t.Fatalf("unexpected request: %+v", req)
			}
			if !reflect.DeepEqual(req.InFiles, []string{"input"}) || !reflect.DeepEqual(req.OutFiles, []string{"output"}) {
				t.Fatalf("unexpected files: %+v", req)
			}
			if len(req.Args) != 0 {
				t.Fatalf("unexpected args: %q", req.Args)
			}

			opts, err := cfg.Options()
			if err != nil {
				t.Fatalf("options: %v", err)
			}
			if opts.Policy != dispatch.PolicyWaitAll || opts.CallTimeout != 0 {
				t.Fatalf("unexpected options: %+v", opts)
			}

			sess, err := cfg.Transport()
			if err != nil {
				t.Fatalf("transport: %v", err)
			}
			if sess.ConnectTimeout != 5*time.Second || sess.SecurityMode != session.SecurityModeDevelopment {
				t.Fatalf("unexpected session: %+v", sess)
			}
		})
	}
}

func TestLoadClusterOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "cluster.toml", `
[[nodes]]
addr = "10.0.0.1:6000"

[[nodes]]
id = "beta"
addr = "10.0.0.2:6000"

[app]
name = "echo"
func = "run"
app_uid = 42
client_id = "cli-7"
in_files = []
args = ["-p", "3"]

[dispatch]
policy = "fail-fast"
call_timeout = "30s"
connect_attempts = 3

[session]
connect_timeout = "2s"
read_timeout = "1m"
auth_token = " s3cret "
security_mode = "Production"

[session.tls]
enabled = true
mutual = true
cert_file = " /etc/decexec/client.crt "
key_file = "/etc/decexec/client.key"
ca_file = "/etc/decexec/ca.crt"

[session.backoff]
initial = "100ms"
jitter = false
`)
	cfg, err := LoadCluster(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	want := []registry.Node{{ID: "node-0", Addr: "10.0.0.1:6000"}, {ID: "beta", Addr: "10.0.0.2:6000"}}
	if !reflect.DeepEqual(reg.Nodes(), want) {
		t.Fatalf("unexpected nodes: %+v", reg.Nodes())
	}

	req := cfg.Request()
	if req.AppName != "echo" || req.FuncName != "run" || req.AppUID != 42 || req.ClientID != "cli-7" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.InFiles) != 0 {
		t.Fatalf("explicit empty in_files must override the default: %q", req.InFiles)
	}
	if !reflect.DeepEqual(req.OutFiles, []string{"output"}) {
		t.Fatalf("unset out_files must keep the default: %q", req.OutFiles)
	}
	if !reflect.DeepEqual(req.Args, []string{"-p", "3"}) {
		t.Fatalf("unexpected args: %q", req.Args)
	}

	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Policy != dispatch.PolicyFailFast || opts.CallTimeout != 30*time.Second {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if cfg.Dispatch.ConnectAttempts != 3 {
		t.Fatalf("unexpected connect attempts: %d", cfg.Dispatch.ConnectAttempts)
	}

	sess, err := cfg.Transport()
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	if sess.AuthToken != "s3cret" {
		t.Fatalf("unexpected auth token: %q", sess.AuthToken)
	}
	if sess.ClientID != "cli-7" {
		t.Fatalf("client id must reach the hello: %q", sess.ClientID)
	}
	if sess.ConnectTimeout != 2*time.Second || sess.ReadTimeout != time.Minute {
		t.Fatalf("unexpected timeouts: %+v", sess)
	}
	if sess.HandshakeTimeout != session.DefaultConfig().HandshakeTimeout {
		t.Fatalf("unset timeout must keep the default: %v", sess.HandshakeTimeout)
	}
	if sess.SecurityMode != session.SecurityModeProduction {
		t.Fatalf("unexpected mode: %q", sess.SecurityMode)
	}
	if !sess.TLS.Enabled || !sess.TLS.Mutual || sess.TLS.CertFile != "/etc/decexec/client.crt" {
		t.Fatalf("unexpected tls: %+v", sess.TLS)
	}
	if sess.Backoff.InitialDelay != 100*time.Millisecond || sess.Backoff.Jitter {
		t.Fatalf("unexpected backoff: %+v", sess.Backoff)
	}
	if sess.Backoff.MaxDelay != session.DefaultConfig().Backoff.MaxDelay {
		t.Fatalf("unset backoff max must keep the default: %v", sess.Backoff.MaxDelay)
	}
}

func TestLoadClusterYAMLMatchesTOML(t *testing.T) {
	testlog.Start(t)
	tomlPath := writeFile(t, "c.toml", `
[[nodes]]
id = "a"
addr = "h:1"
[app]
name = "echo"
args = ["x"]
`)
	yamlPath := writeFile(t, "c.yml", `
nodes:
  - id: a
    addr: h:1
app:
  name: echo
  args: [x]
`)
	fromToml, err := LoadCluster(tomlPath)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	fromYAML, err := LoadCluster(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if !reflect.DeepEqual(fromToml.Request(), fromYAML.Request()) {
		t.Fatalf("requests differ:\n toml %+v\n yaml %+v", fromToml.Request(), fromYAML.Request())
	}
	if !reflect.DeepEqual(fromToml.Nodes, fromYAML.Nodes) {
		t.Fatalf("nodes differ: %+v vs %+v", fromToml.Nodes, fromYAML.Nodes)
	}
}

func TestLoadClusterRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		file    string
		content string
		want    error
		substr  string
	}{
		{name: "no nodes", file: "c.toml", content: "[app]\nname = \"echo\"\n", want: registry.ErrEmptyRegistry},
		{name: "duplicate node", file: "c.toml", content: "[[nodes]]\naddr = \"h:1\"\n[[nodes]]\naddr = \"h:1\"\n", want: registry.ErrDuplicateNode},
		{name: "bad duration", file: "c.toml", content: "[[nodes]]\naddr = \"h:1\"\n[session]\nconnect_timeout = \"soon\"\n", substr: "session.connect_timeout"},
		{name: "negative duration", file: "c.toml", content: "[[nodes]]\naddr = \"h:1\"\n[dispatch]\ncall_timeout = \"-1s\"\n", substr: "must not be negative"},
		{name: "bad policy", file: "c.toml", content: "[[nodes]]\naddr = \"h:1\"\n[dispatch]\npolicy = \"some\"\n", substr: "unknown policy"},
		{name: "bad mode", file: "c.toml", content: "[[nodes]]\naddr = \"h:1\"\n[session]\nsecurity_mode = \"lax\"\n", substr: "security_mode"},
		{name: "negative attempts", file: "c.toml", content: "[[nodes]]\naddr = \"h:1\"\n[dispatch]\nconnect_attempts = -1\n", substr: "connect_attempts"},
		{name: "bad toml", file: "c.toml", content: "[[nodes]\n", substr: "config parse failed"},
		{name: "bad yaml", file: "c.yaml", content: "nodes: [\n", substr: "config parse failed"},
		{name: "extension", file: "c.json", content: "{}", substr: "unsupported extension"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCluster(writeFile(t, tc.file, tc.content))
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if tc.substr != "" && !strings.Contains(err.Error(), tc.substr) {
				t.Fatalf("expected %q in %v", tc.substr, err)
			}
		})
	}
}

func TestLoadClusterMissingFile(t *testing.T) {
	testlog.Start(t)
	_, err := LoadCluster(filepath.Join(t.TempDir(), "absent.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

func TestWriteTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "executor.toml")
	if err := WriteTemplate(path, KindExecutor, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != executorTemplate {
		t.Fatalf("unexpected template contents")
	}
	if err := WriteTemplate(path, KindExecutor, false); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected existing file to be kept, got %v", err)
	}
	if err := WriteTemplate(path, KindCluster, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := Template("gateway"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
