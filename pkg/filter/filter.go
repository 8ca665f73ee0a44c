package filter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ecssync/pkg/models"
)

// ErrUnknownFilter is returned for a filter type nobody registered.
var ErrUnknownFilter = errors.New("unknown filter type")

// Filter transforms an object on its way to the target. A filter may wrap the
// data stream, change metadata or fail the object.
type Filter interface {
	Name() string
	Apply(ctx context.Context, obj *models.SyncObject) (*models.SyncObject, error)
}

// Chain applies filters in order.
type Chain []Filter

func (c Chain) Apply(ctx context.Context, obj *models.SyncObject) (*models.SyncObject, error) {
	var err error
	for _, f := range c {
		if obj, err = f.Apply(ctx, obj); err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.Name(), err)
		}
	}
	return obj, nil
}

// Factory builds a filter from its parameters.
type Factory func(params map[string]string) (Filter, error)

// Registry maps filter types to constructors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in filters.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(MetadataFilterType, NewMetadataFilter)
	r.Register(ContentTypeFilterType, NewContentTypeFilter)
	return r
}

func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types lists the registered filter types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build constructs the chain described by configs.
func (r *Registry) Build(configs []models.FilterConfig) (Chain, error) {
	chain := make(Chain, 0, len(configs))
	for _, cfg := range configs {
		r.mu.RLock()
		factory, ok := r.factories[cfg.Type]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, cfg.Type)
		}
		f, err := factory(cfg.Params)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", cfg.Type, err)
		}
		chain = append(chain, f)
	}
	return chain, nil
}
