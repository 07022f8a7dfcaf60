// Package concurrency provides the supervised background loops that keep a
// coordinator's heartbeat, sync, and checkpoint activities running, and the
// bounded shutdown that joins them.
package concurrency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/log"
)

// TaskFunc runs one tick of a supervised task. Long ticks must honor ctx so
// shutdown can join them inside the grace period.
type TaskFunc func(ctx context.Context)

type task struct {
	name     string
	interval time.Duration
	run      TaskFunc
	kick     chan struct{}
	done     chan struct{}
}

// Supervisor owns a set of named periodic tasks. Each task ticks on its own
// interval, can be kicked to run early, and is joined on Stop within a grace
// period. Tasks that miss the deadline are reported, not waited for.
type Supervisor struct {
	owner string

	mu      sync.Mutex
	tasks   map[string]*task
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewSupervisor creates a supervisor. owner labels forced-termination
// reports, typically with the session id the tasks belong to.
func NewSupervisor(owner string) *Supervisor {
	return &Supervisor{
		owner: owner,
		tasks: make(map[string]*task),
	}
}

// Register adds a task to run every interval. The first tick fires
// immediately after Start. Registration after Start is an error.
func (s *Supervisor) Register(name string, interval time.Duration, run TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cannot register task %q: supervisor already started", name)
	}
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	s.tasks[name] = &task{
		name:     name,
		interval: interval,
		run:      run,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	return nil
}

// Start launches one goroutine per registered task.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor already started")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true

	for _, t := range s.tasks {
		go s.loop(t)
	}
	return nil
}

// Kick schedules an early tick for a task without waiting for its interval.
// Kicks coalesce: a task with a pending kick absorbs further ones.
func (s *Supervisor) Kick(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (s *Supervisor) loop(t *task) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.run(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			t.run(s.ctx)
		case <-t.kick:
			t.run(s.ctx)
		}
	}
}

// Stop cancels every task and waits up to grace for them to join. Tasks
// still running at the deadline are named in the returned
// ForcedTerminationError; their goroutines are abandoned, not killed.
func (s *Supervisor) Stop(grace time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor not started")
	}
	s.started = false
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	s.cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	var stragglers []string
	expired := false
	for _, t := range tasks {
		if expired {
			select {
			case <-t.done:
			default:
				stragglers = append(stragglers, t.name)
			}
			continue
		}
		select {
		case <-t.done:
		case <-timer.C:
			expired = true
			select {
			case <-t.done:
			default:
				stragglers = append(stragglers, t.name)
			}
		}
	}

	if len(stragglers) > 0 {
		sort.Strings(stragglers)
		log.WarningLog.Printf("%s: %d background tasks missed the %s shutdown grace: %v", s.owner, len(stragglers), grace, stragglers)
		return errors.NewForcedTerminationError(s.owner, grace, stragglers)
	}
	return nil
}
