package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/dispatch"
	"github.com/danmuck/decexec/internal/logging"
	"github.com/danmuck/decexec/internal/observability"
	"github.com/danmuck/decexec/internal/registry"
)

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process globals. Exit codes: 0 every node
// succeeded, 1 the dispatch failed, 2 usage or config error.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "dispatchctl: %v\n", err)
		return 2
	}
	p, err := buildPlan(opts)
	if err != nil {
		fmt.Fprintf(stderr, "dispatchctl: %v\n", err)
		return 2
	}

	observability.RegisterMetrics()
	p.options.Metrics = observability.Prometheus{}
	d := dispatch.New(p.options)

	out, err := runWithRetry(ctx, d, p)
	enc := json.NewEncoder(stdout)
	if err != nil {
		var derr *dispatch.DispatchError
		if errors.As(err, &derr) {
			for _, line := range failureLines(derr) {
				_ = enc.Encode(line)
			}
		}
		fmt.Fprintf(stderr, "dispatchctl: %v\n", err)
		return 1
	}
	for _, resp := range out.Responses {
		if err := enc.Encode(responseLine{CorrelationID: out.CorrelationID, NodeResponse: resp}); err != nil {
			fmt.Fprintf(stderr, "dispatchctl: write result: %v\n", err)
			return 1
		}
	}
	return 0
}

// runWithRetry repeats Run while every failure is a connect failure and
// attempts remain. Once any Exec was sent the outcome is final.
func runWithRetry(ctx context.Context, d *dispatch.Dispatcher, p plan) (dispatch.Outcome, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	log := logging.For("dispatchctl")
	for attempt := 1; ; attempt++ {
		out, err := d.Run(ctx, p.registry, p.session, p.request)
		var derr *dispatch.DispatchError
		if err == nil || attempt >= p.attempts || !errors.As(err, &derr) || derr.Connect == nil {
			return out, err
		}
		delay := p.session.Backoff.Delay(attempt, rng)
		log.Warn().
			Int("attempt", attempt).
			Int("attempts", p.attempts).
			Dur("retry_in", delay).
			Err(err).
			Msg("connect failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return dispatch.Outcome{}, err
		case <-timer.C:
		}
	}
}

type responseLine struct {
	CorrelationID correlation.ID `json:"correlation_id"`
	dispatch.NodeResponse
}

type failureLine struct {
	CorrelationID correlation.ID `json:"correlation_id"`
	Index         int            `json:"index"`
	Node          registry.Node  `json:"node"`
	Kind          string         `json:"kind"`
	Code          uint32         `json:"code,omitempty"`
	Error         string         `json:"error"`
}

func failureLines(derr *dispatch.DispatchError) []failureLine {
	if derr.Connect != nil {
		out := make([]failureLine, len(derr.Connect.Failures))
		for i, f := range derr.Connect.Failures {
			out[i] = failureLine{
				CorrelationID: derr.CorrelationID,
				Index:         f.Index,
				Node:          f.Node,
				Kind:          "connect",
				Error:         f.Err.Error(),
			}
		}
		return out
	}
	out := make([]failureLine, len(derr.Calls))
	for i, c := range derr.Calls {
		out[i] = failureLine{
			CorrelationID: derr.CorrelationID,
			Index:         c.Index,
			Node:          c.Node,
			Kind:          string(c.Kind),
			Code:          c.Code,
			Error:         c.Err.Error(),
		}
	}
	return out
}
