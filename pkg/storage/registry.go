package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownScheme is returned when no plugin matches a URI.
var ErrUnknownScheme = errors.New("no storage plugin for uri")

// Factory builds a storage from its URI.
type Factory func(ctx context.Context, uri string, deps Deps) (Storage, error)

type entry struct {
	prefix  string
	factory Factory
}

// Registry maps URI prefixes to storage constructors. The longest matching
// prefix wins.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	memory  *Namespace
}

// NewRegistry returns a registry with the built-in plugins: mem://, file://
// (or file:) and s3://.
func NewRegistry() *Registry {
	r := &Registry{memory: NewNamespace()}
	r.Register("mem://", func(ctx context.Context, uri string, deps Deps) (Storage, error) {
		return NewMemoryStorage(r.memory, uri)
	})
	r.Register("file:", func(ctx context.Context, uri string, deps Deps) (Storage, error) {
		return NewFilesystemStorage(uri, deps)
	})
	r.Register("s3://", func(ctx context.Context, uri string, deps Deps) (Storage, error) {
		return NewS3Storage(ctx, uri, deps)
	})
	return r
}

// Register adds or replaces the constructor for prefix.
func (r *Registry) Register(prefix string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].prefix == prefix {
			r.entries[i].factory = f
			return
		}
	}
	r.entries = append(r.entries, entry{prefix: prefix, factory: f})
}

// Resolve builds the storage registered for uri.
func (r *Registry) Resolve(ctx context.Context, uri string, deps Deps) (Storage, error) {
	r.mu.RLock()
	var match entry
	for _, e := range r.entries {
		if strings.HasPrefix(uri, e.prefix) && len(e.prefix) > len(match.prefix) {
			match = e
		}
	}
	r.mu.RUnlock()

	if match.factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, uri)
	}
	s, err := match.factory(ctx, uri, deps.withDefaults())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", uri, err)
	}
	return s, nil
}

// Memory returns the namespace backing mem:// storages.
func (r *Registry) Memory() *Namespace {
	return r.memory
}
