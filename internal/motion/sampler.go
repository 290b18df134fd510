package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Listener receives samples from a Source.
type Listener func(Sample)

// Registration is the handle for one registered listener.
type Registration interface {
	// Remove deregisters the listener. No callback fires after Remove returns.
	Remove() error
}

// Source is a sensor capability: permission, then listener registration.
type Source interface {
	Name() string
	RequestPermission(ctx context.Context) error
	AddListener(listener Listener) (Registration, error)
}

// registration runs remove exactly once.
type registration struct {
	once   sync.Once
	remove func() error
	err    error
}

func newRegistration(remove func() error) *registration {
	return &registration{remove: remove}
}

func (r *registration) Remove() error {
	r.once.Do(func() {
		r.err = r.remove()
	})
	return r.err
}

// Sampler wraps one Source and keeps at most one listener registered on it.
type Sampler struct {
	source Source

	mu           sync.Mutex
	registration Registration
}

// NewSampler constructs a Sampler for source.
func NewSampler(source Source) *Sampler {
	return &Sampler{source: source}
}

// Source returns the wrapped source.
func (s *Sampler) Source() Source {
	return s.source
}

// Active reports whether a listener is currently registered.
func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registration != nil
}

// Start requests permission and registers listener. Calling Start while active is a no-op.
func (s *Sampler) Start(ctx context.Context, listener Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registration != nil {
		return nil
	}
	if err := s.source.RequestPermission(ctx); err != nil {
		return fmt.Errorf("%s: request permission: %w", s.source.Name(), err)
	}
	reg, err := s.source.AddListener(listener)
	if err != nil {
		return fmt.Errorf("%s: add listener: %w", s.source.Name(), err)
	}
	s.registration = reg
	return nil
}

// Stop removes the registered listener. Stop on an idle sampler is a no-op.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	reg := s.registration
	s.registration = nil
	s.mu.Unlock()

	if reg == nil {
		return nil
	}
	if err := reg.Remove(); err != nil {
		return fmt.Errorf("%s: remove listener: %w", s.source.Name(), err)
	}
	return nil
}

// Refused reports whether err means the sensor cannot be used at all.
func Refused(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSensorUnavailable)
}
