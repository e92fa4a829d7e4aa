package dal

import "context"

// Factory builds a backend from configuration.
type Factory func(ctx context.Context, cfg Config) (Backend, error)

// Registry maps backend types to their constructors.
type Registry map[BackendType]Factory

// DefaultRegistry returns the constructors for every supported backend type.
func DefaultRegistry() Registry {
	return Registry{
		BackendDocument:     newSQLDocumentBackend,
		BackendManagedNoSQL: newDynamoBackend,
		BackendKeyValue:     newRedisBackend,
		BackendWideColumn:   newCassandraBackend,
	}
}

// Lookup returns the factory for t, or a ConfigurationError.
func (r Registry) Lookup(t BackendType) (Factory, error) {
	factory, ok := r[t]
	if !ok || factory == nil {
		return nil, &ConfigurationError{Type: t, Err: ErrUnsupportedBackend}
	}
	return factory, nil
}

// Types lists registered backend types.
func (r Registry) Types() []BackendType {
	out := make([]BackendType, 0, len(r))
	for t := range r {
		out = append(out, t)
	}
	return out
}
