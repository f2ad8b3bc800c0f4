// Package config loads cluster files and renders starter configs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/decexec/internal/dispatch"
	"github.com/danmuck/decexec/internal/protocol/session"
	"github.com/danmuck/decexec/internal/registry"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ClusterConfig is the on-disk description of one dispatch target: the
// ordered node list plus the job every node receives.
type ClusterConfig struct {
	Nodes    []registry.Node `toml:"nodes" yaml:"nodes"`
	App      AppConfig       `toml:"app" yaml:"app"`
	Dispatch DispatchConfig  `toml:"dispatch" yaml:"dispatch"`
	Session  SessionConfig   `toml:"session" yaml:"session"`
}

// AppConfig overrides the stock request. Nil lists keep the defaults; an
// explicit empty list sends an empty list.
type AppConfig struct {
	Name     string    `toml:"name" yaml:"name"`
	UID      uint64    `toml:"app_uid" yaml:"app_uid"`
	ClientID string    `toml:"client_id" yaml:"client_id"`
	Func     string    `toml:"func" yaml:"func"`
	InFiles  *[]string `toml:"in_files" yaml:"in_files"`
	OutFiles *[]string `toml:"out_files" yaml:"out_files"`
	Args     *[]string `toml:"args" yaml:"args"`
}

type DispatchConfig struct {
	Policy          string `toml:"policy" yaml:"policy"`
	CallTimeout     string `toml:"call_timeout" yaml:"call_timeout"`
	ConnectAttempts int    `toml:"connect_attempts" yaml:"connect_attempts"`
}

// SessionConfig is the file shape of session.Config. Durations use Go
// duration strings ("5s", "2m").
type SessionConfig struct {
	ConnectTimeout   string        `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout string        `toml:"handshake_timeout" yaml:"handshake_timeout"`
	ReadTimeout      string        `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout     string        `toml:"write_timeout" yaml:"write_timeout"`
	AuthToken        string        `toml:"auth_token" yaml:"auth_token"`
	SecurityMode     string        `toml:"security_mode" yaml:"security_mode"`
	TLS              TLSConfig     `toml:"tls" yaml:"tls"`
	Backoff          BackoffConfig `toml:"backoff" yaml:"backoff"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type BackoffConfig struct {
	Initial    string  `toml:"initial" yaml:"initial"`
	Multiplier float64 `toml:"multiplier" yaml:"multiplier"`
	Max        string  `toml:"max" yaml:"max"`
	Jitter     *bool   `toml:"jitter" yaml:"jitter"`
}

// LoadCluster reads a cluster file. The format follows the extension:
// .toml, .yaml or .yml.
func LoadCluster(path string) (ClusterConfig, error) {
	var cfg ClusterConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := loadToml(path, &cfg); err != nil {
			return ClusterConfig{}, err
		}
	case ".yaml", ".yml":
		if err := loadYAML(path, &cfg); err != nil {
			return ClusterConfig{}, err
		}
	default:
		return ClusterConfig{}, fmt.Errorf("config load failed (%s): unsupported extension", path)
	}
	if err := ValidateCluster(cfg); err != nil {
		return ClusterConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// ValidateCluster checks everything LoadCluster's accessors would later
// reject, so a loaded config converts without error.
func ValidateCluster(cfg ClusterConfig) error {
	if _, err := cfg.Registry(); err != nil {
		return err
	}
	if _, err := cfg.Transport(); err != nil {
		return err
	}
	if _, err := cfg.Options(); err != nil {
		return err
	}
	if err := cfg.Request().Validate(); err != nil {
		return err
	}
	if cfg.Dispatch.ConnectAttempts < 0 {
		return fmt.Errorf("dispatch.connect_attempts must not be negative")
	}
	return nil
}

// Registry freezes the node list in file order.
func (c ClusterConfig) Registry() (*registry.Registry, error) {
	return registry.New(c.Nodes)
}

// Transport resolves the [session] table on top of session.DefaultConfig.
// The app client id doubles as the hello client id.
func (c ClusterConfig) Transport() (session.Config, error) {
	out, err := c.Session.Resolve()
	if err != nil {
		return session.Config{}, err
	}
	out.ClientID = strings.TrimSpace(c.App.ClientID)
	return out, nil
}

// Request overlays [app] onto dispatch.DefaultRequest.
func (c ClusterConfig) Request() dispatch.Request {
	req := dispatch.DefaultRequest()
	if name := strings.TrimSpace(c.App.Name); name != "" {
		req.AppName = name
	}
	if fn := strings.TrimSpace(c.App.Func); fn != "" {
		req.FuncName = fn
	}
	req.AppUID = c.App.UID
	req.ClientID = strings.TrimSpace(c.App.ClientID)
	if c.App.InFiles != nil {
		req.InFiles = *c.App.InFiles
	}
	if c.App.OutFiles != nil {
		req.OutFiles = *c.App.OutFiles
	}
	if c.App.Args != nil {
		req.Args = *c.App.Args
	}
	return req
}

// Options returns the policy and call timeout. Generator and metrics are
// left for the caller.
func (c ClusterConfig) Options() (dispatch.Options, error) {
	policy, err := dispatch.ParsePolicy(c.Dispatch.Policy)
	if err != nil {
		return dispatch.Options{}, err
	}
	timeout, err := ParseDuration("dispatch.call_timeout", c.Dispatch.CallTimeout)
	if err != nil {
		return dispatch.Options{}, err
	}
	return dispatch.Options{Policy: policy, CallTimeout: timeout}, nil
}

// Resolve converts the file shape to session.Config with defaults applied.
func (s SessionConfig) Resolve() (session.Config, error) {
	out := session.DefaultConfig()
	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"session.connect_timeout", s.ConnectTimeout, &out.ConnectTimeout},
		{"session.handshake_timeout", s.HandshakeTimeout, &out.HandshakeTimeout},
		{"session.read_timeout", s.ReadTimeout, &out.ReadTimeout},
		{"session.write_timeout", s.WriteTimeout, &out.WriteTimeout},
		{"session.backoff.initial", s.Backoff.Initial, &out.Backoff.InitialDelay},
		{"session.backoff.max", s.Backoff.Max, &out.Backoff.MaxDelay},
	}
	for _, d := range durations {
		v, err := ParseDuration(d.field, d.raw)
		if err != nil {
			return session.Config{}, err
		}
		if v > 0 {
			*d.dst = v
		}
	}
	if s.Backoff.Multiplier > 0 {
		out.Backoff.Multiplier = s.Backoff.Multiplier
	}
	if s.Backoff.Jitter != nil {
		out.Backoff.Jitter = *s.Backoff.Jitter
	}

	switch mode := strings.ToLower(strings.TrimSpace(s.SecurityMode)); mode {
	case "":
	case string(session.SecurityModeDevelopment), string(session.SecurityModeProduction):
		out.SecurityMode = session.SecurityMode(mode)
	default:
		return session.Config{}, fmt.Errorf("session.security_mode %q must be development or production", s.SecurityMode)
	}
	out.AuthToken = strings.TrimSpace(s.AuthToken)
	out.TLS = session.TLSConfig{
		Enabled:            s.TLS.Enabled,
		Mutual:             s.TLS.Mutual,
		CertFile:           strings.TrimSpace(s.TLS.CertFile),
		KeyFile:            strings.TrimSpace(s.TLS.KeyFile),
		CAFile:             strings.TrimSpace(s.TLS.CAFile),
		ServerName:         strings.TrimSpace(s.TLS.ServerName),
		InsecureSkipVerify: s.TLS.InsecureSkipVerify,
	}
	return out.WithDefaults(), nil
}

// ParseDuration reads an optional, non-negative duration string. Blank is
// zero.
func ParseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
