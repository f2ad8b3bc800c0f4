package apps

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Environment exported to command apps.
const (
	EnvCorrelationID = "DECEXEC_CORRELATION_ID"
	EnvNodeID        = "DECEXEC_NODE_ID"
	EnvAppUID        = "DECEXEC_APP_UID"
	EnvClientID      = "DECEXEC_CLIENT_ID"
	EnvFunc          = "DECEXEC_FUNC"
	EnvInFiles       = "DECEXEC_IN_FILES"
	EnvOutFiles      = "DECEXEC_OUT_FILES"
)

var ErrCommandPath = errors.New("apps: command path required")

// Command runs a configured binary per invocation. Argv is BaseArgs followed
// by the invocation args; everything else travels in DECEXEC_* variables.
type Command struct {
	Meta     Metadata
	Path     string
	BaseArgs []string
	Dir      string
	Runner   CommandRunner
}

func (c Command) Metadata() Metadata {
	return c.Meta
}

func (c Command) Exec(ctx context.Context, inv Invocation) (Result, error) {
	if strings.TrimSpace(c.Path) == "" {
		return Result{}, ErrCommandPath
	}
	if err := CheckFunc(c.Meta, inv.FuncName); err != nil {
		return Result{}, err
	}
	runner := c.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	args := make([]string, 0, len(c.BaseArgs)+len(inv.Args))
	args = append(args, c.BaseArgs...)
	args = append(args, inv.Args...)
	stdout, stderr, code, err := runner.Run(ctx, Cmd{
		Path: c.Path,
		Args: args,
		Dir:  c.Dir,
		Env:  commandEnv(inv),
	})
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return Result{}, fmt.Errorf("apps: run %s: %w", c.Meta.Name, err)
		}
	}
	res := Result{Status: StatusOK, ExitCode: code, Stdout: stdout, Stderr: stderr}
	if code != 0 {
		res.Status = StatusFailed
	}
	return res, nil
}

func commandEnv(inv Invocation) []string {
	return []string{
		EnvCorrelationID + "=" + inv.Correlation.String(),
		EnvNodeID + "=" + inv.NodeID,
		EnvAppUID + "=" + strconv.FormatUint(inv.AppUID, 10),
		EnvClientID + "=" + inv.ClientID,
		EnvFunc + "=" + inv.FuncName,
		EnvInFiles + "=" + strings.Join(inv.InFiles, ","),
		EnvOutFiles + "=" + strings.Join(inv.OutFiles, ","),
	}
}
