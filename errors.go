package dal

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedBackend = errors.New("dal: unsupported backend type")
	ErrInvalidKey         = errors.New("dal: invalid key")
	ErrUnsupportedFilter  = errors.New("dal: unsupported filter")
	ErrInvalidIdentifier  = errors.New("dal: invalid identifier")
)

// ConfigurationError reports a backend type the registry cannot build.
// It fails the calling request, not the process.
type ConfigurationError struct {
	Type BackendType
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("dal: configuration error for backend %q: %v", e.Type, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// BackendInitError reports a failed backend construction or connection.
// Every caller waiting on the same initialization receives the same value.
type BackendInitError struct {
	Type BackendType
	Err  error
}

func (e *BackendInitError) Error() string {
	return fmt.Sprintf("dal: init backend %q: %v", e.Type, e.Err)
}

func (e *BackendInitError) Unwrap() error { return e.Err }

// StorageError wraps a failed backend operation.
type StorageError struct {
	Op         string
	Collection string
	Backend    BackendType
	Err        error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("dal: %s %s on %s: %v", e.Op, e.Collection, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CacheError wraps a failed cache operation. The facade never returns it; it is
// logged and reported to the observer.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("dal: cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }
