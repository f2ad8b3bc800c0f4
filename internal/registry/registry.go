// Package registry owns the static, ordered set of executor nodes for one job.
//
// Registry order is the order results are reported in, so a Registry is
// immutable once built and only hands out copies.
package registry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrEmptyRegistry = errors.New("registry: no nodes configured")
	ErrInvalidNode   = errors.New("registry: invalid node")
	ErrDuplicateNode = errors.New("registry: duplicate node")
)

// Node is one executor endpoint.
type Node struct {
	ID   string `json:"id" toml:"id" yaml:"id"`
	Addr string `json:"addr" toml:"addr" yaml:"addr"`
}

func (n Node) String() string {
	if n.ID == "" || n.ID == n.Addr {
		return n.Addr
	}
	return n.ID + "@" + n.Addr
}

// Registry is a fixed, ordered list of nodes.
type Registry struct {
	nodes []Node
}

// New validates nodes and freezes their order. Blank ids default to
// node-<index>.
func New(nodes []Node) (*Registry, error) {
	if len(nodes) == 0 {
		return nil, ErrEmptyRegistry
	}
	out := make([]Node, len(nodes))
	ids := make(map[string]int, len(nodes))
	addrs := make(map[string]int, len(nodes))
	for i, n := range nodes {
		n.ID = strings.TrimSpace(n.ID)
		n.Addr = strings.TrimSpace(n.Addr)
		if n.Addr == "" {
			return nil, fmt.Errorf("%w: nodes[%d] missing addr", ErrInvalidNode, i)
		}
		if _, _, err := net.SplitHostPort(n.Addr); err != nil {
			return nil, fmt.Errorf("%w: nodes[%d] addr %q: %v", ErrInvalidNode, i, n.Addr, err)
		}
		if n.ID == "" {
			n.ID = "node-" + strconv.Itoa(i)
		}
		if prev, ok := ids[n.ID]; ok {
			return nil, fmt.Errorf("%w: id %q at nodes[%d] and nodes[%d]", ErrDuplicateNode, n.ID, prev, i)
		}
		if prev, ok := addrs[n.Addr]; ok {
			return nil, fmt.Errorf("%w: addr %q at nodes[%d] and nodes[%d]", ErrDuplicateNode, n.Addr, prev, i)
		}
		ids[n.ID] = i
		addrs[n.Addr] = i
		out[i] = n
	}
	return &Registry{nodes: out}, nil
}

// FromAddresses builds a registry with generated ids.
func FromAddresses(addrs ...string) (*Registry, error) {
	nodes := make([]Node, 0, len(addrs))
	for _, addr := range addrs {
		nodes = append(nodes, Node{Addr: addr})
	}
	return New(nodes)
}

// Localhost builds n nodes on consecutive loopback ports starting at basePort.
func Localhost(n int, basePort int) (*Registry, error) {
	if n <= 0 {
		return nil, ErrEmptyRegistry
	}
	if basePort <= 0 || basePort+n-1 > 65535 {
		return nil, fmt.Errorf("%w: port range %d..%d", ErrInvalidNode, basePort, basePort+n-1)
	}
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = net.JoinHostPort("localhost", strconv.Itoa(basePort+i))
	}
	return FromAddresses(addrs...)
}

func (r *Registry) Len() int {
	return len(r.nodes)
}

// Node returns the node at registry position i.
func (r *Registry) Node(i int) Node {
	return r.nodes[i]
}

// Nodes returns a copy of the nodes in registry order.
func (r *Registry) Nodes() []Node {
	out := make([]Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Addresses returns node addresses in registry order.
func (r *Registry) Addresses() []string {
	out := make([]string, len(r.nodes))
	for i, n := range r.nodes {
		out[i] = n.Addr
	}
	return out
}
