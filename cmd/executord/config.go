package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/decexec/internal/apps"
	"github.com/danmuck/decexec/internal/config"
	"github.com/danmuck/decexec/internal/executor"
)

// executord config.toml key mapping to executor runtime settings.
type fileConfig struct {
	ID          string               `toml:"id"`
	Addr        string               `toml:"addr"`
	AdminAddr   string               `toml:"admin_addr"`
	CORSOrigins []string             `toml:"cors_origins"`
	RateLimit   float64              `toml:"rate_limit"`
	RateBurst   int                  `toml:"rate_burst"`
	ExecTimeout string               `toml:"exec_timeout"`
	AuthTokens  []string             `toml:"auth_tokens"`
	Session     config.SessionConfig `toml:"session"`
	Apps        []appFileConfig      `toml:"apps"`
}

// appFileConfig is one [[apps]] entry. Kind is echo or command.
type appFileConfig struct {
	Name        string   `toml:"name"`
	Kind        string   `toml:"kind"`
	Description string   `toml:"description"`
	Path        string   `toml:"path"`
	Args        []string `toml:"args"`
	Funcs       []string `toml:"funcs"`
	Dir         string   `toml:"dir"`
}

// loadNodeConfig overlays path onto executor.DefaultConfig. An empty path
// yields the defaults with a single echo app.
func loadNodeConfig(path string) (executor.Config, *apps.Registry, error) {
	cfg := executor.DefaultConfig()
	if strings.TrimSpace(path) == "" {
		catalogue, err := buildApps(nil)
		if err != nil {
			return executor.Config{}, nil, err
		}
		return cfg.WithDefaults(), catalogue, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return executor.Config{}, nil, fmt.Errorf("load executor config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return executor.Config{}, nil, fmt.Errorf("load executor config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("id") {
		cfg.NodeID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("rate_limit") {
		if raw.RateLimit < 0 {
			return executor.Config{}, nil, fmt.Errorf("load executor config: rate_limit must not be negative")
		}
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		if raw.RateBurst <= 0 {
			return executor.Config{}, nil, fmt.Errorf("load executor config: rate_burst must be positive")
		}
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("exec_timeout") {
		d, err := config.ParseDuration("exec_timeout", raw.ExecTimeout)
		if err != nil {
			return executor.Config{}, nil, fmt.Errorf("load executor config: %w", err)
		}
		cfg.ExecTimeout = d
	}
	if meta.IsDefined("auth_tokens") {
		cfg.AuthTokens = raw.AuthTokens
	}
	sess, err := raw.Session.Resolve()
	if err != nil {
		return executor.Config{}, nil, fmt.Errorf("load executor config: %w", err)
	}
	cfg.Session = sess
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return executor.Config{}, nil, fmt.Errorf("load executor config: %w", err)
	}

	catalogue, err := buildApps(raw.Apps)
	if err != nil {
		return executor.Config{}, nil, fmt.Errorf("load executor config: %w", err)
	}
	return cfg.WithDefaults(), catalogue, nil
}

func buildApps(entries []appFileConfig) (*apps.Registry, error) {
	catalogue := apps.NewRegistry()
	if len(entries) == 0 {
		return catalogue, catalogue.Register(apps.Echo{})
	}
	for i, entry := range entries {
		app, err := appFromEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("apps[%d]: %w", i, err)
		}
		if err := catalogue.Register(app); err != nil {
			return nil, fmt.Errorf("apps[%d]: %w", i, err)
		}
	}
	return catalogue, nil
}

func appFromEntry(entry appFileConfig) (apps.App, error) {
	name := strings.TrimSpace(entry.Name)
	switch strings.ToLower(strings.TrimSpace(entry.Kind)) {
	case "", "echo":
		return apps.Echo{Name: name}, nil
	case "command":
		path := strings.TrimSpace(entry.Path)
		if path == "" {
			return nil, apps.ErrCommandPath
		}
		desc := strings.TrimSpace(entry.Description)
		if desc == "" {
			desc = "runs " + path
		}
		return apps.Command{
			Meta:     apps.Metadata{Name: name, Description: desc, Funcs: entry.Funcs},
			Path:     path,
			BaseArgs: entry.Args,
			Dir:      strings.TrimSpace(entry.Dir),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported app kind %q (expected echo or command)", entry.Kind)
	}
}
