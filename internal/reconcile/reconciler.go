package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ttakah/trackmirror/internal/config"
	"github.com/ttakah/trackmirror/internal/db"
	"github.com/ttakah/trackmirror/internal/model"
	"github.com/ttakah/trackmirror/internal/sched"
	"github.com/ttakah/trackmirror/internal/sink"
	"github.com/ttakah/trackmirror/internal/source"
	"github.com/ttakah/trackmirror/internal/stats"
)

// MappingStore is the durable-store contract the reconciler needs.
type MappingStore interface {
	ListThreadMappings(ctx context.Context) ([]model.ThreadMapping, error)
	UpsertThreadMapping(ctx context.Context, mapping model.ThreadMapping) error
	DeleteThreadMapping(ctx context.Context, track string) error
}

// track owns all mutable per-track state. Mutation happens only inside the
// scheduler's single active pass; no lock is needed.
type track struct {
	name         string
	thread       sink.Thread
	hasThread    bool
	mirrorLoaded bool
	// messages maps work-item id to the sink message mirroring it.
	messages map[string]string
	// items maps work-item id to its rendered description, replaced
	// wholesale on every source poll.
	items map[string]string
	est   *stats.Estimator
}

// Reconciler keeps per-track sink threads consistent with the source's
// outstanding work items.
type Reconciler struct {
	cfg    config.Config
	store  MappingStore
	source source.Client
	sink   sink.Client
	queue  *sched.Queue

	tracks map[string]*track
	names  []string

	linkPattern *regexp.Regexp
	warnf       func(format string, args ...any)
}

func New(cfg config.Config, store MappingStore, src source.Client, snk sink.Client, queue *sched.Queue, trackNames []string) *Reconciler {
	names := make([]string, len(trackNames))
	copy(names, trackNames)
	sort.Strings(names)

	tracks := make(map[string]*track, len(names))
	for _, name := range names {
		tracks[name] = &track{
			name:     name,
			messages: map[string]string{},
			items:    map[string]string{},
			est:      stats.NewEstimator(cfg.SeedPollInterval, cfg.MinPollInterval, cfg.MaxPollInterval),
		}
	}
	return &Reconciler{
		cfg:         cfg,
		store:       store,
		source:      src,
		sink:        snk,
		queue:       queue,
		tracks:      tracks,
		names:       names,
		linkPattern: regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.TrimRight(cfg.Source.ItemLinkPrefix, "/")) + `/(\w+)\b`),
		warnf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, "trackmirrord: "+format+"\n", args...)
		},
	}
}

// Tracks returns the configured track names in sorted order.
func (r *Reconciler) Tracks() []string {
	return r.names
}

// HasTrack reports whether a track is configured. The track set is fixed
// after construction, so this is safe to call from other goroutines.
func (r *Reconciler) HasTrack(name string) bool {
	_, ok := r.tracks[name]
	return ok
}

// EnqueuePoll schedules an immediate source poll for a track. The queue
// carries its own lock, so this is safe from the admin path; the poll still
// executes inside the scheduler's single active pass.
func (r *Reconciler) EnqueuePoll(name string, now time.Time) {
	r.queue.Push(model.Task{Due: now, Kind: model.TaskPollSource, Track: name})
}

// Bootstrap loads the durable thread mappings, drops entries whose thread
// no longer resolves on the sink, and creates threads for tracks that have
// none, spacing the creations apart to respect sink rate limits.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	mappings, err := r.store.ListThreadMappings(ctx)
	if err != nil {
		return fmt.Errorf("load thread mappings: %w", err)
	}
	for _, mapping := range mappings {
		tr, ok := r.tracks[mapping.Track]
		if !ok {
			continue
		}
		thread, err := r.fetchThread(ctx, mapping.ThreadID)
		if err != nil {
			r.warnf("dropping thread mapping %s -> %s: %v", mapping.Track, mapping.ThreadID, err)
			if delErr := r.store.DeleteThreadMapping(ctx, mapping.Track); delErr != nil && !errors.Is(delErr, db.ErrNotFound) {
				return fmt.Errorf("drop stale mapping %s: %w", mapping.Track, delErr)
			}
			continue
		}
		tr.thread = thread
		tr.hasThread = true
	}

	for _, name := range r.names {
		tr := r.tracks[name]
		if tr.hasThread {
			continue
		}
		thread, err := r.sink.CreateThread(ctx, r.cfg.Sink.ChannelID, titleCase(name))
		if err != nil {
			return fmt.Errorf("create thread for %s: %w", name, err)
		}
		if err := r.store.UpsertThreadMapping(ctx, model.ThreadMapping{Track: name, ThreadID: thread.ID}); err != nil {
			return fmt.Errorf("persist thread mapping %s: %w", name, err)
		}
		tr.thread = thread
		tr.hasThread = true
		if err := sleepWithContext(ctx, r.cfg.CreateSpacing); err != nil {
			return err
		}
	}
	return nil
}

// SeedQueue enqueues the initial poll tasks, jittered across the startup
// window in randomized track order so the first polls do not land on the
// remotes all at once. Each track's source poll trails its sink poll by one
// second, matching the per-track order the reconciler depends on.
func (r *Reconciler) SeedQueue(now time.Time, rng *rand.Rand) {
	shuffled := make([]string, len(r.names))
	copy(shuffled, r.names)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	step := r.cfg.StartupWindow
	if len(shuffled) > 0 {
		step = r.cfg.StartupWindow / time.Duration(len(shuffled))
	}
	if step < time.Second {
		step = time.Second
	}
	for i, name := range shuffled {
		due := now.Add(time.Duration(i) * step)
		r.queue.Push(model.Task{Due: due, Kind: model.TaskPollSink, Track: name})
		r.queue.Push(model.Task{Due: due.Add(time.Second), Kind: model.TaskPollSource, Track: name})
	}
}

// HandleTask dispatches one due task. Poll tasks always re-enqueue their
// successor, even on failure: a timed-out remote call degrades to one
// missed cycle rather than an immediate retry.
func (r *Reconciler) HandleTask(ctx context.Context, task model.Task, now time.Time) error {
	tr, ok := r.tracks[task.Track]
	if !ok {
		return fmt.Errorf("unknown track %q", task.Track)
	}
	switch task.Kind {
	case model.TaskPollSource:
		defer func() {
			r.queue.Push(model.Task{Due: now.Add(tr.est.NextDelay()), Kind: model.TaskPollSource, Track: task.Track})
		}()
		return r.pollSource(ctx, tr, now)
	case model.TaskPollSink:
		defer func() {
			r.queue.Push(model.Task{Due: now.Add(r.cfg.SinkPollInterval), Kind: model.TaskPollSink, Track: task.Track})
		}()
		return r.pollSink(ctx, tr)
	case model.TaskSinkAdd:
		return r.applyAdd(ctx, tr, task.Detail)
	case model.TaskSinkDelete:
		return r.applyDelete(ctx, tr, task.Detail)
	default:
		return fmt.Errorf("unknown task kind %d", task.Kind)
	}
}

// pollSource diffs the source's current items against the mirror map and
// enqueues corrective sink mutations.
func (r *Reconciler) pollSource(ctx context.Context, tr *track, now time.Time) error {
	// The mirror map is rebuilt from sink history by pollSink. Until the
	// first rebuild completes, a diff would treat every mirrored message
	// as missing, so skip this cycle.
	if !tr.mirrorLoaded {
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.Source.FetchTimeout)
	defer cancel()
	items, err := r.source.ListItems(fetchCtx, tr.name)
	if err != nil {
		return fmt.Errorf("list items for %s: %w", tr.name, err)
	}

	current := make(map[string]model.WorkItem, len(items))
	descriptions := make(map[string]string, len(items))
	for _, item := range items {
		current[item.ID] = item
		descriptions[item.ID] = item.Description
	}
	tr.items = descriptions

	added := make([]string, 0)
	for id := range current {
		if _, ok := tr.messages[id]; !ok {
			added = append(added, id)
		}
	}
	removed := make([]string, 0)
	for id := range tr.messages {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	if len(added) > 0 {
		arrivals := make([]int64, 0, len(added))
		for _, id := range added {
			arrivals = append(arrivals, current[id].UpdatedAt.Unix())
		}
		tr.est.Observe(arrivals)
		for _, id := range added {
			r.queue.Push(model.Task{Due: now, Kind: model.TaskSinkAdd, Track: tr.name, Detail: id})
		}
	}

	// Cap burst deletions; the remainder is picked up next cycle.
	if len(removed) > r.cfg.DeleteBatchLimit {
		removed = removed[:r.cfg.DeleteBatchLimit]
	}
	for _, id := range removed {
		r.queue.Push(model.Task{Due: now, Kind: model.TaskSinkDelete, Track: tr.name, Detail: id})
	}
	return nil
}

// pollSink rebuilds the track's mirror map from the sink thread's actual
// history. The sink is the source of truth for what was delivered; a stale
// local cache would otherwise drift after manual deletions.
func (r *Reconciler) pollSink(ctx context.Context, tr *track) error {
	thread, err := r.refreshThread(ctx, tr)
	if err != nil {
		return fmt.Errorf("refresh thread for %s: %w", tr.name, err)
	}
	if err := r.unarchive(ctx, tr); err != nil {
		return fmt.Errorf("unarchive thread for %s: %w", tr.name, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.Sink.FetchTimeout)
	defer cancel()
	history, err := r.sink.History(fetchCtx, thread.ID)
	if err != nil {
		return fmt.Errorf("fetch history for %s: %w", tr.name, err)
	}

	// Only messages the daemon itself posted count toward the mirror.
	// Threads adopted from an earlier deployment may be owned by a human,
	// so a configured bot user id takes precedence over the thread owner.
	author := thread.OwnerID
	if r.cfg.Sink.BotUserID != "" {
		author = r.cfg.Sink.BotUserID
	}

	messages := map[string]string{}
	for _, message := range history {
		if message.AuthorID != author {
			continue
		}
		if message.ID == thread.StarterMessageID {
			continue
		}
		match := r.linkPattern.FindStringSubmatch(message.Content)
		if match == nil {
			continue
		}
		messages[match[1]] = message.ID
	}
	tr.messages = messages
	tr.mirrorLoaded = true
	return nil
}

// applyAdd posts one work item into the track's thread and records the
// resulting message in the mirror map.
func (r *Reconciler) applyAdd(ctx context.Context, tr *track, itemID string) error {
	description, ok := tr.items[itemID]
	if !ok {
		return fmt.Errorf("no description for item %s in %s", itemID, tr.name)
	}
	if _, err := r.refreshThread(ctx, tr); err != nil {
		return fmt.Errorf("refresh thread for %s: %w", tr.name, err)
	}
	if err := r.unarchive(ctx, tr); err != nil {
		return fmt.Errorf("unarchive thread for %s: %w", tr.name, err)
	}
	postCtx, cancel := context.WithTimeout(ctx, r.cfg.Sink.PostTimeout)
	defer cancel()
	message, err := r.sink.Post(postCtx, tr.thread.ID, description)
	if err != nil {
		return fmt.Errorf("post item %s to %s: %w", itemID, tr.name, err)
	}
	tr.messages[itemID] = message.ID
	return nil
}

// applyDelete removes one mirrored message. A message already gone on the
// sink counts as success, and the mirror entry is dropped either way.
func (r *Reconciler) applyDelete(ctx context.Context, tr *track, itemID string) error {
	messageID, ok := tr.messages[itemID]
	if !ok {
		return nil
	}
	if _, err := r.refreshThread(ctx, tr); err != nil {
		return fmt.Errorf("refresh thread for %s: %w", tr.name, err)
	}
	if err := r.unarchive(ctx, tr); err != nil {
		return fmt.Errorf("unarchive thread for %s: %w", tr.name, err)
	}
	delCtx, cancel := context.WithTimeout(ctx, r.cfg.Sink.DeleteTimeout)
	defer cancel()
	if err := r.sink.Delete(delCtx, tr.thread.ID, messageID); err != nil && !errors.Is(err, sink.ErrNotFound) {
		return fmt.Errorf("delete message %s from %s: %w", messageID, tr.name, err)
	}
	delete(tr.messages, itemID)
	return nil
}

// refreshThread re-fetches the thread handle so external state changes,
// archival in particular, are observed before mutating.
func (r *Reconciler) refreshThread(ctx context.Context, tr *track) (sink.Thread, error) {
	if !tr.hasThread {
		return sink.Thread{}, fmt.Errorf("no thread for track %s", tr.name)
	}
	thread, err := r.fetchThread(ctx, tr.thread.ID)
	if err != nil {
		return sink.Thread{}, err
	}
	tr.thread = thread
	return thread, nil
}

func (r *Reconciler) fetchThread(ctx context.Context, threadID string) (sink.Thread, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.Sink.FetchTimeout)
	defer cancel()
	return r.sink.GetThread(fetchCtx, threadID)
}

// unarchive wakes an archived thread by posting a transient message and
// deleting it. Archived threads reject mutations; the write itself flips
// the thread back to active.
func (r *Reconciler) unarchive(ctx context.Context, tr *track) error {
	if !tr.thread.Archived {
		return nil
	}
	postCtx, cancel := context.WithTimeout(ctx, r.cfg.Sink.PostTimeout)
	defer cancel()
	message, err := r.sink.Post(postCtx, tr.thread.ID, "Sending a message to unarchive this thread.")
	if err != nil {
		return fmt.Errorf("post unarchive message: %w", err)
	}
	delCtx, cancel := context.WithTimeout(ctx, r.cfg.Sink.DeleteTimeout)
	defer cancel()
	if err := r.sink.Delete(delCtx, tr.thread.ID, message.ID); err != nil && !errors.Is(err, sink.ErrNotFound) {
		return fmt.Errorf("delete unarchive message: %w", err)
	}
	tr.thread.Archived = false
	return nil
}

// Stats snapshots every track's scheduling state. Callers must hold the
// scheduler's run lock; the underlying maps are mutated inside ticks.
func (r *Reconciler) Stats() []model.TrackStats {
	out := make([]model.TrackStats, 0, len(r.names))
	for _, name := range r.names {
		tr := r.tracks[name]
		out = append(out, model.TrackStats{
			Track:         name,
			ThreadID:      tr.thread.ID,
			PollInterval:  tr.est.Interval(),
			AvgInterval:   tr.est.AvgInterval(),
			MirroredCount: len(tr.messages),
			HistoryLen:    tr.est.HistoryLen(),
			RequestsSeen:  tr.est.Seen(),
		})
	}
	return out
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
