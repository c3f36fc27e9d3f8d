// SPDX-License-Identifier: MIT

// waitlined is the waitline queue daemon: HTTP API, subscriber sockets,
// durable log and push dispatch in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/waitline/waitline/internal/api"
	"github.com/waitline/waitline/internal/config"
	wllog "github.com/waitline/waitline/internal/log"
	"github.com/waitline/waitline/internal/push"
	"github.com/waitline/waitline/internal/queue"
	"github.com/waitline/waitline/internal/snapshot"
	"github.com/waitline/waitline/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownGrace = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("waitlined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	wllog.Configure(wllog.Config{
		Level:   cfg.LogLevel,
		Service: "waitlined",
	})
	logger := wllog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon exited with error")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	logger := wllog.WithComponent("daemon")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.New(filepath.Join(cfg.DataDir, "waitline.db"))
	if err != nil {
		return fmt.Errorf("open durable log: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("durable log close failed")
		}
	}()

	kv, err := snapshot.NewKV(cfg)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Warn().Err(err).Msg("snapshot store close failed")
		}
	}()

	var sink queue.PushSink = queue.NopPushSink{}
	var dispatcher *push.Dispatcher
	if cfg.PushEnabled() {
		sender, err := push.NewWebPushSender(push.WebPushConfig{
			PublicKey:  cfg.VAPIDPublic,
			PrivateKey: cfg.VAPIDPrivate,
			Subject:    cfg.VAPIDSubject,
		})
		if err != nil {
			return fmt.Errorf("configure web push: %w", err)
		}
		dispatcher = push.NewDispatcher(st, sender, cfg.AppBaseURL)
		sink = dispatcher
		logger.Info().Msg("web push enabled")
	} else {
		logger.Info().Msg("web push disabled, VAPID keys not configured")
	}

	reg := queue.NewRegistry(st, queue.Deps{
		Store:    st,
		Snaps:    snapshot.NewStateStore(kv),
		Push:     sink,
		TestMode: cfg.TestMode,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(cfg, reg, st, sink).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("listen", cfg.Listen).Str("event", "daemon.started").Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if dispatcher != nil {
		g.Go(func() error {
			if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("push dispatcher: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Str("event", "daemon.stopping").Msg("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		// Final snapshots and subscriber disconnects; sessions stay open
		// for the next start.
		reg.Shutdown(shutCtx)
		return nil
	})

	return g.Wait()
}
