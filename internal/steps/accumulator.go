// Package steps holds the running step total of a tracking session.
package steps

import (
	"errors"
	"sync"
)

var (
	// ErrNegativeCount is returned when a count or increment is below zero.
	ErrNegativeCount = errors.New("step count must be >= 0")
	// ErrReentrantUpdate is returned when a subscriber mutates the accumulator it is observing.
	ErrReentrantUpdate = errors.New("step count updated from inside a subscriber")
)

// Callback observes the new running total.
type Callback func(count int)

// Subscription identifies one registered callback.
type Subscription uint64

type subscriber struct {
	id Subscription
	cb Callback
}

// Accumulator is the running total of one session. Each update notifies every subscriber
// once, synchronously and in registration order.
type Accumulator struct {
	mu          sync.Mutex
	count       int
	nextID      Subscription
	subscribers []subscriber
	dispatching bool
}

// NewAccumulator returns an Accumulator at zero.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Count returns the running total.
func (a *Accumulator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// RecordStep adds one step.
func (a *Accumulator) RecordStep() (int, error) {
	return a.RecordSteps(1)
}

// RecordSteps adds n steps with a single notification. Zero is a no-op.
func (a *Accumulator) RecordSteps(n int) (int, error) {
	if n < 0 {
		return a.Count(), ErrNegativeCount
	}
	if n == 0 {
		return a.Count(), nil
	}
	return a.update(func(current int) int { return current + n })
}

// SetCount overwrites the total, as when hydrating from the remote store.
func (a *Accumulator) SetCount(n int) (int, error) {
	if n < 0 {
		return a.Count(), ErrNegativeCount
	}
	return a.update(func(int) int { return n })
}

// Reset sets the total back to zero.
func (a *Accumulator) Reset() error {
	_, err := a.update(func(int) int { return 0 })
	return err
}

func (a *Accumulator) update(next func(int) int) (int, error) {
	a.mu.Lock()
	if a.dispatching {
		count := a.count
		a.mu.Unlock()
		return count, ErrReentrantUpdate
	}
	a.count = next(a.count)
	count := a.count
	subs := make([]subscriber, len(a.subscribers))
	copy(subs, a.subscribers)
	a.dispatching = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.dispatching = false
		a.mu.Unlock()
	}()
	for _, s := range subs {
		s.cb(count)
	}
	return count, nil
}

// Subscribe registers cb and returns its handle.
func (a *Accumulator) Subscribe(cb Callback) Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	a.subscribers = append(a.subscribers, subscriber{id: a.nextID, cb: cb})
	return a.nextID
}

// Unsubscribe removes the callback and reports whether it was registered.
func (a *Accumulator) Unsubscribe(id Subscription) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.subscribers {
		if s.id == id {
			a.subscribers = append(a.subscribers[:i:i], a.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribers returns how many callbacks are registered.
func (a *Accumulator) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subscribers)
}
