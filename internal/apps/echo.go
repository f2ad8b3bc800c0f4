package apps

import (
	"context"
	"fmt"
	"strings"
)

// Echo reports the invocation it received. It backs smoke runs and tests.
type Echo struct {
	Name string
}

func (e Echo) Metadata() Metadata {
	name := e.Name
	if name == "" {
		name = "echo"
	}
	return Metadata{Name: name, Description: "reports the received invocation"}
}

func (e Echo) Exec(ctx context.Context, inv Invocation) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "node=%s app=%s uid=%d func=%s correlation=%s\n",
		inv.NodeID, e.Metadata().Name, inv.AppUID, inv.FuncName, inv.Correlation)
	fmt.Fprintf(&b, "in=%s\n", strings.Join(inv.InFiles, ","))
	fmt.Fprintf(&b, "out=%s\n", strings.Join(inv.OutFiles, ","))
	fmt.Fprintf(&b, "args=%s\n", strings.Join(inv.Args, " "))
	return Result{Status: StatusOK, Stdout: []byte(b.String())}, nil
}
