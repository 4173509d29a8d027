// Package scheduler runs named maintenance tasks on a fixed period and on demand.
// A task never overlaps itself: a tick that arrives while the previous run is
// still going is skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/midastechnical/storefront-sync/internal/obs"
)

var (
	// ErrAlreadyRunning is returned by RunNow while the task is in flight.
	ErrAlreadyRunning = errors.New("task already running")
	// ErrUnknownTask is returned for names that were never registered.
	ErrUnknownTask = errors.New("unknown task")
	// ErrSkip lets a task report that it chose not to run.
	ErrSkip = errors.New("task skipped")
)

// Task is one unit of maintenance work.
type Task func(ctx context.Context) error

// Outcome of one invocation.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Trigger tells scheduled and operator invocations apart.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Invocation is the audit record of one start or skip.
type Invocation struct {
	Task       string    `json:"task"`
	Trigger    Trigger   `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

type entry struct {
	name     string
	task     Task
	interval time.Duration
	running  atomic.Bool
}

// Scheduler owns the registered tasks and their audit history.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*entry
	history []Invocation // newest last
	limit   int
	wg      sync.WaitGroup
	now     func() time.Time
}

func New(historyLimit int) *Scheduler {
	if historyLimit <= 0 {
		historyLimit = 500
	}
	return &Scheduler{tasks: make(map[string]*entry), limit: historyLimit, now: time.Now}
}

// Register makes a task available to RunNow without scheduling it.
func (s *Scheduler) Register(name string, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tasks[name]; ok {
		e.task = task
		return
	}
	s.tasks[name] = &entry{name: name, task: task}
}

// ScheduleRecurring registers task and runs it every interval until ctx ends.
// Ticks follow the wall clock, not the end of the previous run.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, name string, task Task, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive, got %s", name, interval)
	}
	s.Register(name, task)
	s.mu.Lock()
	e := s.tasks[name]
	e.interval = interval
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		obs.Logger.Info("task_scheduled", "task", name, "interval", interval.String())
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !e.running.CompareAndSwap(false, true) {
					s.skip(e, TriggerScheduled)
					continue
				}
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.invoke(ctx, e, TriggerScheduled)
				}()
			}
		}
	}()
	return nil
}

// RunNow runs a registered task synchronously, the same way a tick would.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Invocation, error) {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return Invocation{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if !e.running.CompareAndSwap(false, true) {
		inv := s.skip(e, TriggerManual)
		return inv, ErrAlreadyRunning
	}
	inv := s.invoke(ctx, e, TriggerManual)
	if inv.Outcome == OutcomeFailed {
		return inv, errors.New(inv.Error)
	}
	return inv, nil
}

// invoke runs e and clears its running flag. The caller has set the flag.
func (s *Scheduler) invoke(ctx context.Context, e *entry, trigger Trigger) Invocation {
	defer e.running.Store(false)
	inv := Invocation{Task: e.name, Trigger: trigger, StartedAt: s.now().UTC()}
	obs.Logger.Info("task_started", "task", e.name, "trigger", string(trigger), "started_at", inv.StartedAt)

	err := runSafely(ctx, e.task)
	inv.FinishedAt = s.now().UTC()
	switch {
	case err == nil:
		inv.Outcome = OutcomeOK
	case errors.Is(err, ErrSkip):
		inv.Outcome = OutcomeSkipped
		inv.Error = err.Error()
	default:
		inv.Outcome = OutcomeFailed
		inv.Error = err.Error()
	}
	attrs := []any{
		"task", e.name,
		"trigger", string(trigger),
		"outcome", string(inv.Outcome),
		"started_at", inv.StartedAt,
		"finished_at", inv.FinishedAt,
		"duration_ms", inv.FinishedAt.Sub(inv.StartedAt).Milliseconds(),
	}
	if inv.Outcome == OutcomeFailed {
		obs.Logger.Error("task_finished", append(attrs, "err", inv.Error)...)
	} else {
		obs.Logger.Info("task_finished", attrs...)
	}
	s.record(inv)
	return inv
}

func (s *Scheduler) skip(e *entry, trigger Trigger) Invocation {
	now := s.now().UTC()
	inv := Invocation{Task: e.name, Trigger: trigger, StartedAt: now, FinishedAt: now, Outcome: OutcomeSkipped, Error: ErrAlreadyRunning.Error()}
	obs.Logger.Warn("task_skipped", "task", e.name, "trigger", string(trigger), "reason", "previous run still in flight")
	s.record(inv)
	return inv
}

// runSafely turns a panicking task into a failed one.
func runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (s *Scheduler) record(inv Invocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, inv)
	if len(s.history) > s.limit {
		s.history = s.history[len(s.history)-s.limit:]
	}
}

// History returns up to n invocations, newest first. n <= 0 returns all.
func (s *Scheduler) History(n int) []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Invocation, 0, n)
	for i := len(s.history) - 1; i >= len(s.history)-n; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Tasks lists registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Running reports whether the named task is in flight.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	return ok && e.running.Load()
}

// Wait blocks until every scheduling loop and in-flight run has returned.
// Cancel the context passed to ScheduleRecurring first.
func (s *Scheduler) Wait() { s.wg.Wait() }
