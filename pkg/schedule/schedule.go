// Package schedule runs named periodic and one-shot tasks that can be canceled
// individually. Policies map one-to-one onto task names, so toggling a policy
// starts or stops exactly its own task.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Func is a task body. ctx is canceled when the task is stopped.
type Func func(ctx context.Context)

type task struct {
	cancel context.CancelFunc
	timer  clockwork.Timer // one-shot tasks only
	gen    uint64
}

type Scheduler struct {
	clock clockwork.Clock

	mu     sync.Mutex
	tasks  map[string]*task
	gen    uint64
	closed bool
	wg     sync.WaitGroup
}

func New(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock: clock,
		tasks: make(map[string]*task),
	}
}

// Every starts fn on a fixed interval under name. It returns false without
// doing anything when a task with that name is already running. The first run
// happens one interval from now.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.tasks[name]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := s.clock.NewTicker(interval)
	s.gen++
	s.tasks[name] = &task{cancel: cancel, gen: s.gen}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				fn(ctx)
			}
		}
	}()
	return true
}

// After runs fn once after delay. A pending task with the same name is
// canceled first, so at most one instance per name is ever pending.
func (s *Scheduler) After(name string, delay time.Duration, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopLocked(name)

	ctx, cancel := context.WithCancel(context.Background())
	s.gen++
	gen := s.gen
	t := &task{cancel: cancel, gen: gen}
	s.wg.Add(1)
	t.timer = s.clock.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		current, ok := s.tasks[name]
		if !ok || current.gen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, name)
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
		cancel()
	})
	s.tasks[name] = t
}

// Stop cancels the named task and reports whether one was registered.
func (s *Scheduler) Stop(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(name)
}

func (s *Scheduler) stopLocked(name string) bool {
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	delete(s.tasks, name)
	t.cancel()
	if t.timer != nil && t.timer.Stop() {
		// The callback will never run, so release its wait slot here.
		s.wg.Done()
	}
	return true
}

// Running reports whether a task is registered under name. One-shot tasks
// stop being registered once they fire.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Names returns the registered task names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}

// Close stops every task and waits for running bodies to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for name := range s.tasks {
		s.stopLocked(name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
