package dispatch

import (
	"fmt"
	"slices"
	"strings"

	"github.com/danmuck/decexec/internal/correlation"
	"github.com/danmuck/decexec/internal/protocol/session"
)

// Defaults reproduce the stock MP-SPDZ job the dispatcher was built for.
const (
	DefaultAppName  = "mpspdz"
	DefaultFuncName = "unused"
)

// Request is one logical execution, replicated verbatim to every node.
type Request struct {
	AppName string
	AppUID  uint64
	// CorrelationID is drawn per dispatch when zero.
	CorrelationID correlation.ID
	ClientID      string
	FuncName      string
	InFiles       []string
	OutFiles      []string
	Args          []string
}

// DefaultRequest returns the stock job shape: app mpspdz, func unused,
// in_files [input], out_files [output].
func DefaultRequest() Request {
	return Request{
		AppName:  DefaultAppName,
		FuncName: DefaultFuncName,
		InFiles:  []string{"input"},
		OutFiles: []string{"output"},
		Args:     []string{},
	}
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.AppName) == "" {
		return fmt.Errorf("%w: missing app_name", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.FuncName) == "" {
		return fmt.Errorf("%w: missing func_name", ErrInvalidRequest)
	}
	return nil
}

// wire stamps id onto a copy of r. Lists are cloned so the message never
// aliases the caller's slices; every per-node call then shares it read-only.
func (r Request) wire(id correlation.ID) session.ExecRequest {
	return session.ExecRequest{
		AppName:     r.AppName,
		AppUID:      r.AppUID,
		Correlation: id,
		ClientID:    r.ClientID,
		FuncName:    r.FuncName,
		InFiles:     cloneList(r.InFiles),
		OutFiles:    cloneList(r.OutFiles),
		Args:        cloneList(r.Args),
	}
}

func cloneList(in []string) []string {
	if in == nil {
		return []string{}
	}
	return slices.Clone(in)
}
