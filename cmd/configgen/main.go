package main

import (
	"flag"

	"github.com/danmuck/decexec/internal/config"
	"github.com/danmuck/decexec/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", config.KindCluster, "config kind: cluster|cluster-yaml|executor")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing cluster file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logging.ConfigureRuntime()
	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		if *kind == config.KindExecutor {
			log.Fatal().Msg("executor configs are validated with executord -check -config <path>")
		}
		cfg, err := config.LoadCluster(path)
		if err != nil {
			log.Fatal().Err(err).Msg("validate failed")
		}
		log.Info().Str("kind", *kind).Str("path", path).Int("nodes", len(cfg.Nodes)).Msg("validated config")
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("write template failed")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}

func defaultPath(kind string) string {
	switch kind {
	case config.KindCluster:
		return "cmd/dispatchctl/cluster.toml"
	case config.KindClusterYAML:
		return "cmd/dispatchctl/cluster.yaml"
	case config.KindExecutor:
		return "cmd/executord/config.toml"
	default:
		log.Fatal().Str("kind", kind).Msg("unknown kind")
		return ""
	}
}
