package apps

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// Cmd is one process launch.
type Cmd struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the executor's own environment.
	Env []string
}

// CommandRunner abstracts process execution so Command can be tested without
// spawning binaries.
type CommandRunner interface {
	Run(ctx context.Context, cmd Cmd) (stdout, stderr []byte, exitCode int, err error)
}

// MaxOutputBytes caps each captured stream so stdout and stderr together
// still fit one reply frame.
const MaxOutputBytes = 4 << 20

const truncatedMarker = "\n[output truncated]\n"

// ExecRunner runs commands on the local host. MaxOutput caps each captured
// stream; zero means MaxOutputBytes.
type ExecRunner struct {
	MaxOutput int
}

// Run returns the exit code alongside any *exec.ExitError; 127 means the
// binary could not be started.
func (r ExecRunner) Run(ctx context.Context, c Cmd) ([]byte, []byte, int, error) {
	limit := r.MaxOutput
	if limit <= 0 {
		limit = MaxOutputBytes
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), err
	}

	exitCode := 1
	var execErr *exec.Error
	if errors.As(err, &execErr) || errors.Is(err, os.ErrNotExist) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// cappedBuffer keeps the first limit bytes and drops the rest while still
// reporting full writes, so the child never blocks or sees EPIPE.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room >= len(p) {
		return b.buf.Write(p)
	}
	b.truncated = true
	if room > 0 {
		b.buf.Write(p[:room])
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	if !b.truncated {
		return b.buf.Bytes()
	}
	return append(b.buf.Bytes(), truncatedMarker...)
}
