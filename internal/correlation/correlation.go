// Package correlation owns the 128-bit id shared by every per-node call of
// one logical dispatch.
//
// Executors use the id as their only way to tie N independent Exec calls to
// the same job, so one id is drawn per dispatch and never reused. On the wire
// the id travels as two u64 halves (hi, lo) split at the 64-bit boundary.
package correlation

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

var ErrEntropy = errors.New("correlation: entropy source failed")

// ID is a 128-bit correlation id. The zero value means "unset".
type ID [16]byte

// Nil is the unset id.
var Nil ID

// Generator draws random v4 ids from an explicit entropy source.
type Generator struct {
	source io.Reader
}

// NewGenerator returns a generator reading from source. A nil source uses
// crypto/rand.
func NewGenerator(source io.Reader) *Generator {
	if source == nil {
		source = rand.Reader
	}
	return &Generator{source: source}
}

// New draws one fresh id.
func (g *Generator) New() (ID, error) {
	u, err := uuid.NewRandomFromReader(g.source)
	if err != nil {
		return Nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return ID(u), nil
}

// Split returns the upper and lower 64 bits of id.
func Split(id ID) (hi, lo uint64) {
	return binary.BigEndian.Uint64(id[:8]), binary.BigEndian.Uint64(id[8:])
}

// Join rebuilds an id from its wire halves.
func Join(hi, lo uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[:8], hi)
	binary.BigEndian.PutUint64(id[8:], lo)
	return id
}

// Parse accepts the canonical uuid text form.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("correlation: parse %q: %w", s, err)
	}
	return ID(u), nil
}

func (id ID) IsZero() bool {
	return id == Nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Halves is Split as a method for call sites holding an id value.
func (id ID) Halves() (hi, lo uint64) {
	return Split(id)
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
