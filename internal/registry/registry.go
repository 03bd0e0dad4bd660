package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog/log"
)

const MaxNameLen = 128

var (
	ErrNameConflict = errors.New("registry: name already registered")
	ErrNotFound     = errors.New("registry: name not registered")
	ErrInvalidName  = errors.New("registry: invalid name")
	ErrNilHandle    = errors.New("registry: handle is nil")
)

// Handle is the registry's non-owning view of a connected terminal.
type Handle interface {
	// Alive reports whether the underlying connection is still open.
	Alive() bool
	// Deliver enqueues one encoded frame without blocking.
	Deliver(frame []byte) error
	// WorkDir is the directory remote commands run in.
	WorkDir() string
}

// Registry maps terminal names to live handles. All methods are safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Handle
}

func New() *Registry {
	return &Registry{items: make(map[string]Handle)}
}

// ValidateName checks a terminal name: non-empty, bounded and free of
// whitespace and control characters.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLen)
	}
	if strings.IndexFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidName, name)
	}
	return nil
}

// Register binds name to h. An entry whose handle is no longer alive is
// replaced; a live one yields ErrNameConflict.
func (r *Registry) Register(name string, h Handle) error {
	if h == nil {
		return ErrNilHandle
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.items[name]; ok {
		if cur == h {
			return nil
		}
		if cur.Alive() {
			log.Debug().Str("name", name).Msg("registry.Register conflict")
			return fmt.Errorf("%w: %q", ErrNameConflict, name)
		}
		log.Debug().Str("name", name).Msg("registry.Register replaced stale entry")
	}
	r.items[name] = h
	return nil
}

// Unregister removes name. Removing an absent name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.items, name)
	r.mu.Unlock()
}

// UnregisterIf removes name only while it is still bound to h, so a session
// tearing down cannot remove a newer registration of the same name.
func (r *Registry) UnregisterIf(name string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[name]
	if !ok || cur != h {
		return false
	}
	delete(r.items, name)
	return true
}

// Lookup resolves name to a live handle.
func (r *Registry) Lookup(name string) (Handle, error) {
	r.mu.RLock()
	h, ok := r.items[name]
	r.mu.RUnlock()
	if !ok || !h.Alive() {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return h, nil
}

// List returns the names bound to live handles in lexical order.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.items))
	for name, h := range r.items {
		if h.Alive() {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Clear drops every entry and returns the handles that were bound.
func (r *Registry) Clear() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.items))
	for name, h := range r.items {
		out = append(out, h)
		delete(r.items, name)
	}
	return out
}
