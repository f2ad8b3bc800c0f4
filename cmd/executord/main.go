package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/decexec/internal/executor"
	"github.com/danmuck/decexec/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "executor config.toml; empty runs defaults with the echo app")
	id := flag.String("id", "", "node id override")
	addr := flag.String("addr", "", "listen address override")
	check := flag.Bool("check", false, "validate the config and exit")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, catalogue, err := loadNodeConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load executor config")
	}
	if v := strings.TrimSpace(*id); v != "" {
		cfg.NodeID = v
	}
	if v := strings.TrimSpace(*addr); v != "" {
		cfg.ListenAddr = v
	}
	if *check {
		log.Info().
			Str("path", *configPath).
			Str("id", cfg.NodeID).
			Strs("apps", catalogue.Names()).
			Msg("executor config ok")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	svc := executor.NewService(cfg, catalogue)
	if err := svc.Run(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "executord: %v\n", err)
		os.Exit(1)
	}
}
