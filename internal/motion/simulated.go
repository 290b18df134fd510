package motion

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultSimulationInterval is the pause between simulated ticks.
const DefaultSimulationInterval = 2 * time.Second

// Simulated ticks emit between 1 and MaxSimulatedSteps steps.
const MaxSimulatedSteps = 5

// SimulatedSource emits a synthetic tick of 1 to 5 steps at a fixed interval.
// It stands in for the sensor when permission is refused or no sensor exists.
type SimulatedSource struct {
	interval time.Duration
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// SimulationOption configures a SimulatedSource.
type SimulationOption func(*SimulatedSource)

// WithInterval overrides the tick interval.
func WithInterval(d time.Duration) SimulationOption {
	return func(s *SimulatedSource) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSeed makes the step counts reproducible.
func WithSeed(seed uint64) SimulationOption {
	return func(s *SimulatedSource) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// NewSimulatedSource constructs a SimulatedSource.
func NewSimulatedSource(opts ...SimulationOption) *SimulatedSource {
	s := &SimulatedSource{
		interval: DefaultSimulationInterval,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Source.
func (s *SimulatedSource) Name() string {
	return "simulation"
}

// RequestPermission implements Source. Simulation needs no permission.
func (s *SimulatedSource) RequestPermission(context.Context) error {
	return nil
}

// AddListener implements Source. Each registration runs its own ticker.
func (s *SimulatedSource) AddListener(listener Listener) (Registration, error) {
	return startLoop(func(stop <-chan struct{}) {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				listener(SimulatedSample(s.now(), s.nextSteps()))
			}
		}
	}), nil
}

func (s *SimulatedSource) nextSteps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(MaxSimulatedSteps) + 1
}

// startLoop runs body in a goroutine; removing the registration stops it and waits for exit.
func startLoop(body func(stop <-chan struct{})) Registration {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		body(stop)
	}()
	return newRegistration(func() error {
		close(stop)
		<-done
		return nil
	})
}
