package sched

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ttakah/trackmirror/internal/model"
)

// Dispatcher executes one due task.
type Dispatcher interface {
	HandleTask(ctx context.Context, task model.Task, now time.Time) error
}

// Manager drives the task queue from a fixed-cadence tick. It alternates
// between Idle (waiting for the next tick) and Running (draining one due
// task); a tick that fires while a pass is still in flight is dropped, not
// queued, which bounds sink write concurrency to one.
type Manager struct {
	queue      *Queue
	dispatcher Dispatcher
	interval   time.Duration
	bootstrap  func(ctx context.Context) error

	// mu is the reentrancy guard. Administrative reads of shared state go
	// through Guard so they serialize behind the same lock as ticks.
	mu      sync.Mutex
	nextDue time.Time

	logf func(format string, args ...any)
}

func NewManager(queue *Queue, dispatcher Dispatcher, interval time.Duration, bootstrap func(ctx context.Context) error) *Manager {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Manager{
		queue:      queue,
		dispatcher: dispatcher,
		interval:   interval,
		bootstrap:  bootstrap,
		logf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, "trackmirrord: "+format+"\n", args...)
		},
	}
}

// Run performs the one-time bootstrap and then ticks until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.bootstrap != nil {
		if err := m.bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick runs one Idle to Running to Idle pass: pop at most one due task and
// dispatch it. Dispatch errors are logged and never abort the pass, so one
// track's failure cannot starve the others.
func (m *Manager) Tick(ctx context.Context, now time.Time) {
	if !m.mu.TryLock() {
		return
	}
	defer m.mu.Unlock()

	if !m.nextDue.IsZero() && now.Before(m.nextDue) {
		return
	}
	task, nextDue, ok := m.queue.PopDue(now)
	if !ok {
		m.nextDue = nextDue
		return
	}
	m.nextDue = time.Time{}
	if err := m.dispatcher.HandleTask(ctx, task, now); err != nil {
		m.logf("task %s %s: %v", task.Kind, task.Track, err)
	}
}

// Kick clears the cached wake hint so the next pass consults the queue
// again. Pushes from outside a tick (the admin force-poll path) must call
// this: the hint recorded during an idle pass would otherwise delay a
// due-now task until the previously observed head comes due.
func (m *Manager) Kick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDue = time.Time{}
}

// Guard runs fn while holding the scheduler lock. Administrative commands
// that read or mutate shared state use this so they serialize behind the
// single-worker discipline instead of racing a live tick.
func (m *Manager) Guard(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// QueueDepth reports the number of pending tasks.
func (m *Manager) QueueDepth() int {
	return m.queue.Len()
}
