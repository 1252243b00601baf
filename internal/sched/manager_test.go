package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttakah/trackmirror/internal/model"
)

type recordingDispatcher struct {
	tasks []model.Task
	err   error
}

func (d *recordingDispatcher) HandleTask(_ context.Context, task model.Task, _ time.Time) error {
	d.tasks = append(d.tasks, task)
	return d.err
}

func newTestManager(dispatcher Dispatcher) (*Manager, *Queue) {
	q := NewQueue()
	m := NewManager(q, dispatcher, 5*time.Second, nil)
	m.logf = func(string, ...any) {}
	return m, q
}

func TestTickDispatchesOneTaskPerPass(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	m, q := newTestManager(dispatcher)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	q.Push(model.Task{Due: now, Kind: model.TaskPollSink, Track: "go"})
	q.Push(model.Task{Due: now, Kind: model.TaskPollSource, Track: "go"})

	m.Tick(context.Background(), now)
	require.Len(t, dispatcher.tasks, 1)
	assert.Equal(t, model.TaskPollSource, dispatcher.tasks[0].Kind)

	m.Tick(context.Background(), now)
	require.Len(t, dispatcher.tasks, 2)
	assert.Equal(t, model.TaskPollSink, dispatcher.tasks[1].Kind)
	assert.Equal(t, 0, m.QueueDepth())
}

func TestTickDroppedWhilePassInFlight(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	m, q := newTestManager(dispatcher)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.Push(model.Task{Due: now, Kind: model.TaskPollSource, Track: "go"})

	m.Guard(func() {
		m.Tick(context.Background(), now)
	})
	assert.Empty(t, dispatcher.tasks)
	assert.Equal(t, 1, m.QueueDepth())
}

func TestTickHonorsWakeHint(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	m, q := newTestManager(dispatcher)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(time.Minute)
	q.Push(model.Task{Due: due, Kind: model.TaskPollSource, Track: "go"})

	// First pass records the hint; idle passes before it skip the queue.
	m.Tick(context.Background(), now)
	assert.Empty(t, dispatcher.tasks)
	m.Tick(context.Background(), now.Add(time.Second))
	assert.Empty(t, dispatcher.tasks)

	m.Tick(context.Background(), due)
	require.Len(t, dispatcher.tasks, 1)
	assert.Equal(t, model.TaskPollSource, dispatcher.tasks[0].Kind)
}

func TestKickClearsWakeHint(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	m, q := newTestManager(dispatcher)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.Push(model.Task{Due: now.Add(30 * time.Minute), Kind: model.TaskPollSource, Track: "go"})

	// Idle pass caches the far-future head as the wake hint.
	m.Tick(context.Background(), now)
	assert.Empty(t, dispatcher.tasks)

	// A due-now push from outside the scheduler plus a kick dispatches on
	// the very next pass instead of waiting out the hint.
	q.Push(model.Task{Due: now, Kind: model.TaskPollSource, Track: "rust"})
	m.Kick()
	m.Tick(context.Background(), now.Add(time.Second))
	require.Len(t, dispatcher.tasks, 1)
	assert.Equal(t, "rust", dispatcher.tasks[0].Track)
}

func TestTickLogsDispatchErrors(t *testing.T) {
	dispatcher := &recordingDispatcher{err: errors.New("remote unavailable")}
	m, q := newTestManager(dispatcher)
	var logged []string
	m.logf = func(format string, args ...any) {
		logged = append(logged, format)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.Push(model.Task{Due: now, Kind: model.TaskPollSource, Track: "go"})
	q.Push(model.Task{Due: now, Kind: model.TaskPollSource, Track: "rust"})

	m.Tick(context.Background(), now)
	m.Tick(context.Background(), now)

	// Both tasks dispatch; an error never aborts subsequent passes.
	assert.Len(t, dispatcher.tasks, 2)
	assert.Len(t, logged, 2)
}

func TestRunBootstrapFailure(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	q := NewQueue()
	m := NewManager(q, dispatcher, time.Millisecond, func(context.Context) error {
		return errors.New("no mappings")
	})
	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap")
}
