package dal

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of a Selector.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Resolver yields the process-wide backend.
type Resolver interface {
	Resolve(ctx context.Context) (Backend, error)
}

// Selector lazily builds exactly one backend for the configured type.
// Concurrent first callers share a single in-flight construction.
type Selector struct {
	cfg      Config
	registry Registry
	logger   *zap.Logger
	group    singleflight.Group

	mu      sync.Mutex
	state   State
	backend Backend
	err     error
	// attempts counts finished constructions. A caller that saw an older count
	// shares the outcome of the attempt it overlapped instead of starting another.
	attempts uint64
}

// SelectorOption customizes a Selector.
type SelectorOption func(*Selector)

// WithRegistry replaces the default backend registry.
func WithRegistry(r Registry) SelectorOption {
	return func(s *Selector) {
		s.registry = r
	}
}

// WithSelectorLogger sets the logger used for initialization events.
func WithSelectorLogger(l *zap.Logger) SelectorOption {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSelector creates a selector for cfg. No I/O happens until Resolve.
func NewSelector(cfg Config, opts ...SelectorOption) *Selector {
	s := &Selector{
		cfg:      cfg.withDefaults(),
		registry: DefaultRegistry(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Type reports the configured backend type.
func (s *Selector) Type() BackendType { return s.cfg.DatabaseType }

// State reports the current lifecycle state.
func (s *Selector) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Resolve returns the backend, constructing it on first use.
//
// A caller that gives up (ctx done) while another caller's initialization is in
// flight gets ctx.Err(); the initialization itself continues.
func (s *Selector) Resolve(ctx context.Context) (Backend, error) {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		backend := s.backend
		s.mu.Unlock()
		return backend, nil
	case StateFailed:
		if s.cfg.FailurePolicy == StickyFailure {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
	}
	seen := s.attempts
	s.mu.Unlock()

	ch := s.group.DoChan(string(s.cfg.DatabaseType), func() (any, error) {
		return s.initialize(ctx, seen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Backend), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// initialize builds the backend unless an attempt finished after the caller
// observed attempt count seen; that outcome is returned instead.
func (s *Selector) initialize(ctx context.Context, seen uint64) (Backend, error) {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		backend := s.backend
		s.mu.Unlock()
		return backend, nil
	case StateFailed:
		if s.cfg.FailurePolicy == StickyFailure || s.attempts != seen {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
	}
	s.state = StateInitializing
	s.mu.Unlock()

	start := time.Now()
	backend, err := s.build(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if err != nil {
		s.state = StateFailed
		s.err = err
		s.backend = nil
		s.logger.Error("backend initialization failed",
			zap.String("backend", string(s.cfg.DatabaseType)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}
	s.state = StateReady
	s.backend = backend
	s.err = nil
	s.logger.Info("backend ready",
		zap.String("backend", string(s.cfg.DatabaseType)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return backend, nil
}

func (s *Selector) build(ctx context.Context) (Backend, error) {
	factory, err := s.registry.Lookup(s.cfg.DatabaseType)
	if err != nil {
		return nil, err
	}

	// Waiters share this attempt, so the first caller's cancellation must not end it.
	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.InitTimeout)
	defer cancel()

	backend, err := factory(buildCtx, s.cfg)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, cfgErr
		}
		return nil, &BackendInitError{Type: s.cfg.DatabaseType, Err: err}
	}
	if backend == nil {
		return nil, &BackendInitError{Type: s.cfg.DatabaseType, Err: errors.New("factory returned nil backend")}
	}
	return backend, nil
}

// Close releases the backend, if any, and resets the selector.
func (s *Selector) Close(ctx context.Context) error {
	s.mu.Lock()
	backend := s.backend
	s.backend = nil
	s.err = nil
	s.state = StateUninitialized
	s.mu.Unlock()

	if closer, ok := backend.(backendCloser); ok {
		return closer.Close(ctx)
	}
	return nil
}
