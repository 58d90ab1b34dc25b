package realbasicvsr

import (
	"sort"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// ModelName is the identifier under which this model is registered.
const ModelName = "real_basicvsr"

// BuilderFn constructs a model from a backend, a context holding (or to
// hold) its parameters, and a configuration.
type BuilderFn func(backend backends.Backend, ctx *context.Context, cfg Config) (*Model, error)

// Registry is an explicit name-to-builder map, so that models can be
// instantiated from a string identifier in configuration files. It is a
// plain value passed at composition time; there is no process-global
// registration side effect.
//
// Registry is not safe for concurrent mutation; register everything up
// front.
type Registry struct {
	builders map[string]BuilderFn
}

// NewRegistry returns a registry with the standard model pre-registered
// under ModelName.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]BuilderFn)}
	r.builders[ModelName] = New
	return r
}

// Register adds a builder under the given name. Duplicate names are
// rejected.
func (r *Registry) Register(name string, fn BuilderFn) error {
	if _, found := r.builders[name]; found {
		return errors.Errorf("model %q is already registered", name)
	}
	r.builders[name] = fn
	return nil
}

// New builds the model registered under name.
func (r *Registry) New(name string, backend backends.Backend, ctx *context.Context, cfg Config) (*Model, error) {
	fn, found := r.builders[name]
	if !found {
		return nil, errors.Errorf("unknown model %q, registered models are %v", name, r.Names())
	}
	return fn(backend, ctx, cfg)
}

// Names returns the registered model names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
