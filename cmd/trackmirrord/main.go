package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ttakah/trackmirror/internal/config"
	"github.com/ttakah/trackmirror/internal/daemon"
	"github.com/ttakah/trackmirror/internal/db"
	"github.com/ttakah/trackmirror/internal/reconcile"
	"github.com/ttakah/trackmirror/internal/sched"
	"github.com/ttakah/trackmirror/internal/sink"
	"github.com/ttakah/trackmirror/internal/source"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "YAML config path")
	socketFlag := flag.String("socket", "", "UDS path for trackmirrord")
	dbFlag := flag.String("db", "", "SQLite path")
	flag.Parse()

	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	if *socketFlag != "" {
		cfg.SocketPath = *socketFlag
	}
	if *dbFlag != "" {
		cfg.DBPath = *dbFlag
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	src := source.NewHTTPClient(cfg.Source.BaseURL, cfg.Source.Token)
	snk := sink.NewHTTPClient(cfg.Sink.BaseURL, cfg.Sink.Token)

	tracks, err := resolveTracks(ctx, cfg, src)
	if err != nil {
		fatal(err)
	}
	if len(tracks) == 0 {
		fatal(fmt.Errorf("no tracks configured and none discovered"))
	}

	queue := sched.NewQueue()
	reconciler := reconcile.New(cfg, store, src, snk, queue, tracks)
	manager := sched.NewManager(queue, reconciler, cfg.TickInterval, func(ctx context.Context) error {
		if err := reconciler.Bootstrap(ctx); err != nil {
			return err
		}
		reconciler.SeedQueue(time.Now().UTC(), rand.New(rand.NewSource(time.Now().UnixNano())))
		return nil
	})
	srv := daemon.NewServer(cfg, manager, reconciler)
	if err := runDaemon(ctx, cancel, manager, srv); err != nil {
		fatal(err)
	}
}

// runDaemon serves the API while the scheduler runs in the background. A
// scheduler failure (bootstrap included) tears down the server too: a daemon
// that answers health checks but never reconciles is worse than a dead one.
func runDaemon(ctx context.Context, cancel context.CancelFunc, manager *sched.Manager, srv *daemon.Server) error {
	schedErr := make(chan error, 1)
	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			schedErr <- err
			cancel()
		}
	}()

	err := srv.Start(ctx)
	select {
	case serr := <-schedErr:
		return fmt.Errorf("scheduler: %w", serr)
	default:
	}
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// resolveTracks prefers the configured track list; an empty list falls back
// to discovery against the source API.
func resolveTracks(ctx context.Context, cfg config.Config, src source.Client) ([]string, error) {
	if len(cfg.Tracks) > 0 {
		tracks := append([]string(nil), cfg.Tracks...)
		sort.Strings(tracks)
		return tracks, nil
	}
	discoverCtx, cancel := context.WithTimeout(ctx, cfg.Source.FetchTimeout)
	defer cancel()
	tracks, err := src.ListTracks(discoverCtx)
	if err != nil {
		return nil, fmt.Errorf("discover tracks: %w", err)
	}
	return tracks, nil
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "trackmirrord: %v\n", err)
	os.Exit(1)
}
