package motion

import (
	"context"
	"errors"
	"sync"
)

// ErrListenerRegistered is returned when a Bridge already has a listener.
var ErrListenerRegistered = errors.New("listener already registered")

// Bridge is a push-style Source for a platform binding. The host calls Emit for each
// reading it receives from the OS sensor API.
type Bridge struct {
	name       string
	permission func(ctx context.Context) error

	mu            sync.RWMutex
	available     bool
	listener      Listener
	registrations int
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithPermission installs the platform permission prompt.
func WithPermission(fn func(ctx context.Context) error) BridgeOption {
	return func(b *Bridge) {
		b.permission = fn
	}
}

// WithAvailability sets whether the sensor exists on the device.
func WithAvailability(available bool) BridgeOption {
	return func(b *Bridge) {
		b.available = available
	}
}

// NewBridge constructs an available Bridge that grants permission.
func NewBridge(name string, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		name:      name,
		available: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements Source.
func (b *Bridge) Name() string {
	return b.name
}

// RequestPermission implements Source.
func (b *Bridge) RequestPermission(ctx context.Context) error {
	b.mu.RLock()
	available := b.available
	b.mu.RUnlock()
	if !available {
		return ErrSensorUnavailable
	}
	if b.permission == nil {
		return nil
	}
	return b.permission(ctx)
}

// AddListener implements Source.
func (b *Bridge) AddListener(listener Listener) (Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.available {
		return nil, ErrSensorUnavailable
	}
	if b.listener != nil {
		return nil, ErrListenerRegistered
	}
	b.listener = listener
	b.registrations++
	return newRegistration(func() error {
		b.mu.Lock()
		b.listener = nil
		b.mu.Unlock()
		return nil
	}), nil
}

// Emit delivers sample to the registered listener and reports whether one was registered.
func (b *Bridge) Emit(sample Sample) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.listener == nil {
		return false
	}
	b.listener(sample)
	return true
}

// Listening reports whether a listener is registered.
func (b *Bridge) Listening() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listener != nil
}

// Registrations counts AddListener calls that succeeded.
func (b *Bridge) Registrations() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.registrations
}
