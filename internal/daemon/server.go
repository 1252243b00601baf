package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ttakah/trackmirror/internal/api"
	"github.com/ttakah/trackmirror/internal/config"
	"github.com/ttakah/trackmirror/internal/model"
	"github.com/ttakah/trackmirror/internal/reconcile"
	"github.com/ttakah/trackmirror/internal/sched"
)

// Server exposes the daemon's introspection and admin surface over a unix
// socket. All shared-state reads go through the scheduler's guard so they
// never race a live tick.
type Server struct {
	cfg        config.Config
	httpSrv    *http.Server
	listener   net.Listener
	manager    *sched.Manager
	reconciler *reconcile.Reconciler
	streamID   string

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, manager *sched.Manager, reconciler *reconcile.Reconciler) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:        cfg,
		manager:    manager,
		reconciler: reconciler,
		streamID:   uuid.NewString(),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/stats", s.statsHandler)
	mux.HandleFunc("/v1/tracks/", s.trackActionHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		StreamID:      s.streamID,
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "E_METHOD", "GET only")
		return
	}
	var tracks []model.TrackStats
	s.manager.Guard(func() {
		tracks = s.reconciler.Stats()
	})
	items := make([]api.TrackStatsItem, 0, len(tracks))
	for _, tr := range tracks {
		items = append(items, api.TrackStatsItem{
			Track:             tr.Track,
			ThreadID:          tr.ThreadID,
			PollIntervalSec:   int64(tr.PollInterval / time.Second),
			AvgIntervalSec:    int64(tr.AvgInterval / time.Second),
			MirroredCount:     tr.MirroredCount,
			ArrivalHistoryLen: tr.HistoryLen,
			RequestsSeenTotal: tr.RequestsSeen,
		})
	}
	writeJSON(w, http.StatusOK, api.StatsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		QueueDepth:    s.manager.QueueDepth(),
		Tracks:        items,
	})
}

// trackActionHandler serves POST /v1/tracks/{track}/poll. The force-poll
// only enqueues a task; execution still happens inside the scheduler pass.
func (s *Server) trackActionHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tracks/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "poll" {
		writeError(w, http.StatusNotFound, "E_ROUTE", "unknown route")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "E_METHOD", "POST only")
		return
	}
	track := parts[0]
	if !s.reconciler.HasTrack(track) {
		writeError(w, http.StatusNotFound, "E_TRACK_NOT_FOUND", fmt.Sprintf("unknown track %q", track))
		return
	}
	s.reconciler.EnqueuePoll(track, time.Now().UTC())
	s.manager.Kick()
	writeJSON(w, http.StatusAccepted, api.PollResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Track:         track,
		Status:        "queued",
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error:         api.APIError{Code: code, Message: message},
	})
}
