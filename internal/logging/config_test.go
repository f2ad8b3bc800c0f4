package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		" DEBUG ":  zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"off":      zerolog.Disabled,
		"inactive": zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be ignored")
	}
	if _, ok := parseLevel(""); ok {
		t.Fatalf("expected empty level to be ignored")
	}
}

func TestEnvOverridesProfileDefaults(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogJSON, "1")
	t.Setenv(EnvLogNoColor, "nope")

	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if !cfg.Timestamp || !cfg.JSON {
		t.Fatalf("expected timestamp and json overrides: %+v", cfg)
	}
	if !cfg.NoColor {
		t.Fatalf("invalid bool must keep the profile default: %+v", cfg)
	}
}

func TestApplyJSONWritesStructuredEvents(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	}()

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	logger := For("dispatch")
	logger.Info().Str("node", "node-0").Msg("exec ok")
	log.Debug().Msg("filtered")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one json line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "dispatch" || entry["node"] != "node-0" || entry["message"] != "exec ok" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestApplyConsoleWithoutTimestampOmitsTimeColumn(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	}()

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, NoColor: true, Out: &buf})
	logger := For("executor")
	logger.Info().Msg("session accepted")

	line := buf.String()
	if strings.Contains(line, "<nil>") || !strings.HasPrefix(line, "INF ") {
		t.Fatalf("unexpected console line: %q", line)
	}
	if !strings.Contains(line, "session accepted") || !strings.Contains(line, "component=executor") {
		t.Fatalf("missing message or fields: %q", line)
	}
}
