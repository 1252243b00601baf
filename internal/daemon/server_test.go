package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ttakah/trackmirror/internal/appclient"
	"github.com/ttakah/trackmirror/internal/config"
	"github.com/ttakah/trackmirror/internal/model"
	"github.com/ttakah/trackmirror/internal/reconcile"
	"github.com/ttakah/trackmirror/internal/sched"
	"github.com/ttakah/trackmirror/internal/sink"
	"github.com/ttakah/trackmirror/internal/source"
)

type stubStore struct{}

func (stubStore) ListThreadMappings(context.Context) ([]model.ThreadMapping, error) { return nil, nil }
func (stubStore) UpsertThreadMapping(context.Context, model.ThreadMapping) error { return nil }
func (stubStore) DeleteThreadMapping(context.Context, string) error { return nil }

type stubSource struct{}

func (stubSource) ListItems(context.Context, string) ([]model.WorkItem, error) { return nil, nil }
func (stubSource) ListTracks(context.Context) ([]string, error) { return nil, nil }

type stubSink struct{}

func (stubSink) GetThread(context.Context, string) (sink.Thread, error) {
	return sink.Thread{}, sink.ErrNotFound
}
func (stubSink) CreateThread(context.Context, string, string) (sink.Thread, error) {
	return sink.Thread{}, nil
}
func (stubSink) Post(context.Context, string, string) (sink.Message, error) {
	return sink.Message{}, nil
}
func (stubSink) Delete(context.Context, string, string) error { return nil }
func (stubSink) History(context.Context, string) ([]sink.Message, error) { return nil, nil }
func (stubSink) SetArchived(context.Context, string, bool) error { return nil }

var (
	_ source.Client = stubSource{}
	_ sink.Client   = stubSink{}
)

func newTestServer(t *testing.T, tracks ...string) (*Server, *sched.Queue, *sched.Manager, config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "trackmirrord.sock")
	queue := sched.NewQueue()
	rec := reconcile.New(cfg, stubStore{}, stubSource{}, stubSink{}, queue, tracks)
	manager := sched.NewManager(queue, rec, time.Second, nil)
	return NewServer(cfg, manager, rec), queue, manager, cfg
}

func startServer(t *testing.T, srv *Server, socketPath string) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	waitForSocket(t, socketPath, errCh)
	return cancel, errCh
}

func stopServer(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("server error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server shutdown")
	}
}

func TestHealthEndpointOverUDS(t *testing.T) {
	srv, _, _, cfg := newTestServer(t, "go")
	cancel, errCh := startServer(t, srv, cfg.SocketPath)
	defer stopServer(t, cancel, errCh)

	client := appclient.New(cfg.SocketPath)
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("get health over uds: %v", err)
	}
	if health.SchemaVersion != "v1" || health.Status != "ok" {
		t.Fatalf("unexpected payload: %+v", health)
	}
	if health.StreamID == "" {
		t.Fatalf("missing stream id")
	}
}

func TestStatsEndpointReportsTracks(t *testing.T) {
	srv, queue, _, cfg := newTestServer(t, "go", "rust")
	queue.Push(model.Task{Due: time.Now().Add(time.Hour), Kind: model.TaskPollSource, Track: "go"})
	cancel, errCh := startServer(t, srv, cfg.SocketPath)
	defer stopServer(t, cancel, errCh)

	client := appclient.New(cfg.SocketPath)
	stats, err := client.Stats(context.Background())
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.QueueDepth != 1 {
		t.Fatalf("expected queue depth 1, got %d", stats.QueueDepth)
	}
	if len(stats.Tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(stats.Tracks))
	}
	if stats.Tracks[0].Track != "go" || stats.Tracks[1].Track != "rust" {
		t.Fatalf("tracks unsorted: %+v", stats.Tracks)
	}
}

func TestForcePollEnqueuesTask(t *testing.T) {
	srv, queue, _, cfg := newTestServer(t, "go")
	cancel, errCh := startServer(t, srv, cfg.SocketPath)
	defer stopServer(t, cancel, errCh)

	client := appclient.New(cfg.SocketPath)
	resp, err := client.Poll(context.Background(), "go")
	if err != nil {
		t.Fatalf("force poll: %v", err)
	}
	if resp.Status != "queued" || resp.Track != "go" {
		t.Fatalf("unexpected poll response: %+v", resp)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected 1 queued task, got %d", queue.Len())
	}

	// Unknown tracks are rejected.
	if _, err := client.Poll(context.Background(), "cobol"); err == nil {
		t.Fatalf("expected error for unknown track")
	} else {
		var reqErr *appclient.RequestError
		if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 request error, got %v", err)
		}
	}
}

func TestForcePollDispatchesDespiteWakeHint(t *testing.T) {
	srv, queue, manager, cfg := newTestServer(t, "go")
	now := time.Now().UTC()
	queue.Push(model.Task{Due: now.Add(time.Hour), Kind: model.TaskPollSource, Track: "go"})
	// An idle pass caches the future head as the wake hint.
	manager.Tick(context.Background(), now)

	cancel, errCh := startServer(t, srv, cfg.SocketPath)
	defer stopServer(t, cancel, errCh)

	client := appclient.New(cfg.SocketPath)
	if _, err := client.Poll(context.Background(), "go"); err != nil {
		t.Fatalf("force poll: %v", err)
	}

	// The handler kicked the manager, so the next pass must consume the
	// due-now task instead of sleeping until the cached hint.
	manager.Tick(context.Background(), now.Add(time.Second))
	if task, _, ok := queue.PopDue(now.Add(2 * time.Second)); ok {
		t.Fatalf("forced task not dispatched, still queued: %+v", task)
	}
}

func TestStartFailsWhenSocketPathIsRegularFile(t *testing.T) {
	srv, _, _, cfg := newTestServer(t, "go")
	if err := os.WriteFile(cfg.SocketPath, []byte("not-a-socket"), 0o600); err != nil {
		t.Fatalf("write regular file: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := srv.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "not unix socket") {
		t.Fatalf("expected socket path error, got %v", err)
	}
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || err == context.Canceled {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil {
			if st.Mode()&os.ModeSocket != 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", path)
}

func isUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported")
}
