package apps

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

var (
	ErrAppExists       = errors.New("apps: app already registered")
	ErrAppNil          = errors.New("apps: app is nil")
	ErrInvalidMetadata = errors.New("apps: invalid app metadata")
	ErrUnknownFunc     = errors.New("apps: unknown func")
)

// Registry stores apps by name.
type Registry struct {
	mu    sync.RWMutex
	items map[string]App
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]App)}
}

// ValidateMetadata checks the name format and that a description is set.
func ValidateMetadata(meta Metadata) error {
	name := strings.TrimSpace(meta.Name)
	if name == "" || strings.TrimSpace(meta.Description) == "" {
		return fmt.Errorf("%w: name and description are required", ErrInvalidMetadata)
	}
	if !isValidName(name) {
		return fmt.Errorf("%w: invalid name format %q", ErrInvalidMetadata, name)
	}
	for i, fn := range meta.Funcs {
		if strings.TrimSpace(fn) == "" {
			return fmt.Errorf("%w: funcs[%d] is empty", ErrInvalidMetadata, i)
		}
	}
	return nil
}

func (r *Registry) Register(app App) error {
	if app == nil {
		return ErrAppNil
	}
	meta := app.Metadata()
	if err := ValidateMetadata(meta); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[meta.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAppExists, meta.Name)
	}
	r.items[meta.Name] = app
	return nil
}

func (r *Registry) Resolve(name string) (App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.items[name]
	return app, ok
}

// Names returns registered app names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListMetadata returns metadata ordered by name.
func (r *Registry) ListMetadata() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Metadata, 0, len(r.items))
	for _, app := range r.items {
		list = append(list, app.Metadata())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// CheckFunc rejects fn when meta declares a func list that does not name it.
// Apps without a func list accept any func.
func CheckFunc(meta Metadata, fn string) error {
	if len(meta.Funcs) == 0 || slices.Contains(meta.Funcs, fn) {
		return nil
	}
	return fmt.Errorf("%w: %s.%s", ErrUnknownFunc, meta.Name, fn)
}

func isValidName(name string) bool {
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
