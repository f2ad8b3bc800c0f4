package apps

import (
	"context"

	"github.com/danmuck/decexec/internal/correlation"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Metadata is the identity an app registers under.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Funcs       []string `json:"funcs,omitempty"`
}

// Invocation is one Exec call as seen by an app.
type Invocation struct {
	NodeID      string
	AppUID      uint64
	Correlation correlation.ID
	ClientID    string
	FuncName    string
	InFiles     []string
	OutFiles    []string
	Args        []string
}

// Result is what an app reports back. A non-zero ExitCode is still a result,
// not an error.
type Result struct {
	Status   string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

type App interface {
	Metadata() Metadata
	Exec(ctx context.Context, inv Invocation) (Result, error)
}
