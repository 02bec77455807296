// Package daemon supervises the long-running subsystems of the anchoring
// process (scheduler, HTTP server) with ordered startup, reverse-ordered
// shutdown, and per-service state tracking.
package daemon

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/invanchor/invanchor/log"
)

// State is the lifecycle state of a supervised service.
type State int

const (
	StateCreated  State = iota // registered but not started
	StateStarting              // start in progress
	StateRunning               // running normally
	StateStopping              // stop in progress
	StateStopped               // stopped cleanly
	StateFailed                // failed to start or stop
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Service is a subsystem the supervisor can start and stop. Start must
// return promptly, launching background work on its own goroutines; Stop
// must block until the service has wound down.
type Service interface {
	Start() error
	Stop() error
	Name() string
}

// Config holds supervisor settings.
type Config struct {
	// StopTimeout bounds how long StopAll waits for each service.
	StopTimeout time.Duration
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{StopTimeout: 30 * time.Second}
}

type entry struct {
	svc       Service
	state     State
	err       error
	priority  int // lower starts first
	startedAt time.Time
}

// Supervisor starts services in ascending priority order and stops them in
// reverse, tracking each service's state for health reporting.
type Supervisor struct {
	mu       sync.Mutex
	cfg      Config
	logger   *log.Logger
	services []*entry
	byName   map[string]*entry
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(cfg Config, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger.Module("daemon"),
		byName: make(map[string]*entry),
	}
}

// Register adds a service. Lower priority values start first and stop last.
// Service names must be unique.
func (s *Supervisor) Register(svc Service, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[svc.Name()]; exists {
		return fmt.Errorf("daemon: service %q already registered", svc.Name())
	}
	e := &entry{svc: svc, state: StateCreated, priority: priority}
	s.services = append(s.services, e)
	s.byName[svc.Name()] = e
	return nil
}

// StartAll starts every registered service in priority order. The first
// start failure aborts the sequence and already-started services are stopped
// in reverse before the error is returned.
func (s *Supervisor) StartAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := s.sorted()
	for i, e := range ordered {
		e.state = StateStarting
		s.logger.Info("starting service", "service", e.svc.Name())
		if err := e.svc.Start(); err != nil {
			e.state = StateFailed
			e.err = err
			s.stopEntries(ordered[:i])
			return fmt.Errorf("daemon: start %s: %w", e.svc.Name(), err)
		}
		e.state = StateRunning
		e.startedAt = time.Now()
	}
	return nil
}

// StopAll stops all running services in reverse priority order. A service
// that exceeds the stop timeout is marked failed and the shutdown moves on.
func (s *Supervisor) StopAll() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopEntries(s.sorted())
}

// stopEntries stops the given services in reverse order. Caller holds s.mu.
func (s *Supervisor) stopEntries(ordered []*entry) []error {
	var errs []error
	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		if e.state != StateRunning {
			continue
		}
		e.state = StateStopping
		s.logger.Info("stopping service", "service", e.svc.Name())

		done := make(chan error, 1)
		go func() { done <- e.svc.Stop() }()

		var err error
		select {
		case err = <-done:
		case <-time.After(s.cfg.StopTimeout):
			err = fmt.Errorf("stop timed out after %s", s.cfg.StopTimeout)
		}
		if err != nil {
			e.state = StateFailed
			e.err = err
			errs = append(errs, fmt.Errorf("daemon: stop %s: %w", e.svc.Name(), err))
			continue
		}
		e.state = StateStopped
	}
	return errs
}

// ServiceState returns the state of a named service, StateFailed when the
// name is unknown.
func (s *Supervisor) ServiceState(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byName[name]
	if !ok {
		return StateFailed
	}
	return e.state
}

// RunningCount returns how many services are currently running.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.services {
		if e.state == StateRunning {
			n++
		}
	}
	return n
}

// Health maps each service name to whether it is running; the health
// endpoint serves this.
func (s *Supervisor) Health() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.services))
	for _, e := range s.services {
		out[e.svc.Name()] = e.state == StateRunning
	}
	return out
}

// sorted returns the services by ascending priority. Caller holds s.mu.
func (s *Supervisor) sorted() []*entry {
	out := make([]*entry, len(s.services))
	copy(out, s.services)
	sort.Slice(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	return out
}
