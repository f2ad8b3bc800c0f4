package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/decexec/internal/config"
	"github.com/danmuck/decexec/internal/dispatch"
	"github.com/danmuck/decexec/internal/protocol/session"
	"github.com/danmuck/decexec/internal/registry"
)

type options struct {
	clusterPath     string
	nodes           int
	basePort        int
	app             string
	fn              string
	inFiles         string
	outFiles        string
	args            stringList
	appUID          uint64
	clientID        string
	timeout         time.Duration
	policy          string
	connectAttempts int

	// set holds the names of flags given on the command line.
	set map[string]bool
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, " ")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("dispatchctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.clusterPath, "cluster", "", "cluster file (.toml, .yaml, .yml); defaults to a localhost topology")
	fs.IntVar(&opts.nodes, "num", 0, "number of localhost nodes to dispatch to when -cluster is not set")
	fs.IntVar(&opts.basePort, "base-port", 50050, "first localhost port when -cluster is not set")
	fs.StringVar(&opts.app, "app", "", "app name (default "+dispatch.DefaultAppName+")")
	fs.StringVar(&opts.fn, "func", "", "func name (default "+dispatch.DefaultFuncName+")")
	fs.StringVar(&opts.inFiles, "in", "", "comma separated in_files")
	fs.StringVar(&opts.outFiles, "out", "", "comma separated out_files")
	fs.Var(&opts.args, "arg", "app argument; repeat for more")
	fs.Uint64Var(&opts.appUID, "app-uid", 0, "app uid")
	fs.StringVar(&opts.clientID, "client-id", "", "client id sent in hello and exec")
	fs.DurationVar(&opts.timeout, "timeout", 0, "per-node call timeout; 0 waits for every reply without limit")
	fs.StringVar(&opts.policy, "policy", "", "completion policy: wait_all|fail_fast")
	fs.IntVar(&opts.connectAttempts, "connect-attempts", 1, "connect attempts before giving up")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %q", fs.Args())
	}
	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})
	return opts, nil
}

// plan is everything one invocation dispatches with.
type plan struct {
	registry *registry.Registry
	session  session.Config
	request  dispatch.Request
	options  dispatch.Options
	attempts int
}

// buildPlan resolves the cluster file, or the localhost topology, and lays
// explicitly set flags over it.
func buildPlan(opts options) (plan, error) {
	var cluster config.ClusterConfig
	if opts.clusterPath != "" {
		if opts.set["num"] || opts.set["base-port"] {
			return plan{}, errors.New("-num and -base-port do not apply with -cluster")
		}
		loaded, err := config.LoadCluster(opts.clusterPath)
		if err != nil {
			return plan{}, err
		}
		cluster = loaded
	} else {
		if opts.nodes <= 0 {
			return plan{}, errors.New("either -cluster or -num > 0 is required")
		}
		reg, err := registry.Localhost(opts.nodes, opts.basePort)
		if err != nil {
			return plan{}, err
		}
		cluster.Nodes = reg.Nodes()
	}

	var p plan
	var err error
	if p.registry, err = cluster.Registry(); err != nil {
		return plan{}, err
	}
	if p.session, err = cluster.Transport(); err != nil {
		return plan{}, err
	}
	if p.options, err = cluster.Options(); err != nil {
		return plan{}, err
	}
	p.request = cluster.Request()
	p.attempts = cluster.Dispatch.ConnectAttempts

	if opts.set["app"] {
		p.request.AppName = strings.TrimSpace(opts.app)
	}
	if opts.set["func"] {
		p.request.FuncName = strings.TrimSpace(opts.fn)
	}
	if opts.set["in"] {
		p.request.InFiles = splitList(opts.inFiles)
	}
	if opts.set["out"] {
		p.request.OutFiles = splitList(opts.outFiles)
	}
	if opts.set["arg"] {
		p.request.Args = append([]string(nil), opts.args...)
	}
	if opts.set["app-uid"] {
		p.request.AppUID = opts.appUID
	}
	if opts.set["client-id"] {
		p.request.ClientID = strings.TrimSpace(opts.clientID)
		p.session.ClientID = p.request.ClientID
	}
	if opts.set["timeout"] {
		if opts.timeout < 0 {
			return plan{}, errors.New("-timeout must not be negative")
		}
		p.options.CallTimeout = opts.timeout
	}
	if opts.set["policy"] {
		if p.options.Policy, err = dispatch.ParsePolicy(opts.policy); err != nil {
			return plan{}, err
		}
	}
	if opts.set["connect-attempts"] {
		p.attempts = opts.connectAttempts
	}
	if p.attempts <= 0 {
		p.attempts = 1
	}
	if err := p.request.Validate(); err != nil {
		return plan{}, err
	}
	return p, nil
}

func splitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
