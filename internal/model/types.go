package model

import "time"

// TaskKind identifies what a scheduled task does when it comes due. The
// numeric order is part of the queue's tie-break contract: tasks sharing a
// due time execute in ascending kind order.
type TaskKind int

const (
	TaskPollSource TaskKind = iota + 1
	TaskPollSink
	TaskSinkAdd
	TaskSinkDelete
)

func (k TaskKind) String() string {
	switch k {
	case TaskPollSource:
		return "poll_source"
	case TaskPollSink:
		return "poll_sink"
	case TaskSinkAdd:
		return "sink_add"
	case TaskSinkDelete:
		return "sink_delete"
	default:
		return "unknown"
	}
}

// Task is one pending scheduled operation. Detail carries the work item id
// for sink mutations and is empty for polls.
type Task struct {
	Due    time.Time
	Kind   TaskKind
	Track  string
	Detail string
}

// Less orders tasks by (due, kind, track, detail). The queue relies on this
// for deterministic tie-breaking.
func (t Task) Less(other Task) bool {
	if !t.Due.Equal(other.Due) {
		return t.Due.Before(other.Due)
	}
	if t.Kind != other.Kind {
		return t.Kind < other.Kind
	}
	if t.Track != other.Track {
		return t.Track < other.Track
	}
	return t.Detail < other.Detail
}

// WorkItem is one outstanding request reported by the source. Items exist
// only for the duration of a poll cycle; the mirror map is keyed by ID.
type WorkItem struct {
	ID          string
	UpdatedAt   time.Time
	Description string
}

// ThreadMapping is the durable track to sink-thread association.
type ThreadMapping struct {
	Track     string
	ThreadID  string
	UpdatedAt time.Time
}

// TrackStats is a read-only snapshot of one track's scheduling state,
// exposed through the introspection API.
type TrackStats struct {
	Track         string
	ThreadID      string
	PollInterval  time.Duration
	AvgInterval   time.Duration
	MirroredCount int
	HistoryLen    int
	RequestsSeen  int64
}
