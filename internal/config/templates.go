package config

import (
	"fmt"
	"os"
	"strings"
)

// Template kinds accepted by Template and WriteTemplate.
const (
	KindCluster     = "cluster"
	KindClusterYAML = "cluster-yaml"
	KindExecutor    = "executor"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindCluster:
		return clusterTemplate, nil
	case KindClusterYAML:
		return clusterYAMLTemplate, nil
	case KindExecutor:
		return executorTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clusterTemplate = `# Nodes are dispatched to and reported in this order.
[[nodes]]
id = "node-0"
addr = "localhost:50050"

[[nodes]]
id = "node-1"
addr = "localhost:50051"

[[nodes]]
id = "node-2"
addr = "localhost:50052"

[[nodes]]
id = "node-3"
addr = "localhost:50053"

[app]
name = "mpspdz"
func = "unused"
app_uid = 0
client_id = ""
in_files = ["input"]
out_files = ["output"]
args = []

[dispatch]
policy = "wait_all"
call_timeout = ""
connect_attempts = 1

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
read_timeout = "5m"
write_timeout = "15s"
auth_token = ""
security_mode = "development"

[session.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
server_name = ""

[session.backoff]
initial = "250ms"
multiplier = 2.0
max = "5s"
jitter = true
`

const clusterYAMLTemplate = `nodes:
  - id: node-0
    addr: localhost:50050
  - id: node-1
    addr: localhost:50051
  - id: node-2
    addr: localhost:50052
  - id: node-3
    addr: localhost:50053
app:
  name: mpspdz
  func: unused
  in_files: [input]
  out_files: [output]
  args: []
dispatch:
  policy: wait_all
  connect_attempts: 1
session:
  connect_timeout: 5s
  handshake_timeout: 5s
  security_mode: development
`

const executorTemplate = `id = "node-0"
addr = ":50050"
admin_addr = "127.0.0.1:7050"
cors_origins = ["http://localhost:3000"]
rate_limit = 0.0
rate_burst = 1
exec_timeout = "10m"
auth_tokens = []

[session]
read_timeout = "5m"
write_timeout = "15s"
security_mode = "development"

[session.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[[apps]]
name = "echo"
kind = "echo"

[[apps]]
name = "mpspdz"
kind = "command"
description = "MP-SPDZ party runner"
path = "/opt/mp-spdz/run-party.sh"
args = []
funcs = []
dir = ""
`
