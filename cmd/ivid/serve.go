package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notmainstreet/ivi-engine/internal/config"
	"github.com/notmainstreet/ivi-engine/internal/cycle"
	"github.com/notmainstreet/ivi-engine/internal/guard"
	"github.com/notmainstreet/ivi-engine/internal/intake"
	"github.com/notmainstreet/ivi-engine/internal/ipc"
	"github.com/notmainstreet/ivi-engine/internal/metrics"
	"github.com/notmainstreet/ivi-engine/internal/publish"
	"github.com/notmainstreet/ivi-engine/internal/registry"
	"github.com/notmainstreet/ivi-engine/internal/spine"
	"github.com/notmainstreet/ivi-engine/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	retryInterval   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// domainLister is implemented by the durable event stores.
type domainLister interface {
	Domains(ctx context.Context) ([]string, error)
}

// eventBackend is the loader and sink pair behind every spine, plus the
// teardown for whatever it opened. retryFailed is set when writes go
// through an async queue.
type eventBackend struct {
	loader      spine.EventLoader
	sink        spine.Sink
	retryFailed func(ctx context.Context) error
	close       func(ctx context.Context)
}

// persistedDomains lists stored domains, or nil when the backend keeps none.
func (b eventBackend) persistedDomains(ctx context.Context) ([]string, error) {
	l, ok := b.loader.(domainLister)
	if !ok {
		return nil, nil
	}
	return l.Domains(ctx)
}

func openEventBackend(ctx context.Context, c *config.Config, db *sql.DB) (eventBackend, error) {
	var b eventBackend
	closers := []func(context.Context){}

	switch c.Sink.Kind {
	case config.SinkSQLite:
		s := store.NewEventSink(db)
		b.loader, b.sink = s, s
	case config.SinkPostgres:
		pg, err := store.ConnectPG(ctx, c.Sink.PostgresURL)
		if err != nil {
			return eventBackend{}, err
		}
		b.loader, b.sink = pg, pg
		closers = append(closers, func(context.Context) { pg.Close() })
	case config.SinkNone:
	default:
		return eventBackend{}, fmt.Errorf("unsupported sink kind %q", c.Sink.Kind)
	}

	if b.sink != nil && c.Sink.Async {
		async := spine.NewAsyncSink(b.sink, c.Sink.QueueSize, logger)
		b.sink = async
		b.retryFailed = async.RetryFailed
		// The queue drains before the underlying connection closes.
		closers = append([]func(context.Context){func(ctx context.Context) {
			if err := async.Close(ctx); err != nil {
				logger.Warn("async sink close", zap.Error(err))
			}
			if failed := async.Failed(); len(failed) > 0 {
				logger.Error("events not persisted", zap.Int("count", len(failed)))
			}
		}}, closers...)
	}

	b.close = func(ctx context.Context) {
		for _, fn := range closers {
			fn(ctx)
		}
	}
	return b, nil
}

func newPipeline(c *config.Config, db *sql.DB) *publish.Pipeline {
	reg := registry.New(
		registry.WithStore(store.NewContentStore(db)),
		registry.WithLogger(logger),
	)
	return publish.NewPipeline(reg, logger,
		publish.ContentPublisher{Root: c.ContentRoot},
		publish.IndexPublisher{Root: c.IndexRoot},
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	backend, err := openEventBackend(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		backend.close(closeCtx)
	}()

	continuity, err := cycle.NewContinuityConstraint(cfg.Continuity.EpsilonX, cfg.Continuity.EpsilonY)
	if err != nil {
		return err
	}

	metrics.Register()
	spines := spine.NewManager(backend.loader, backend.sink, logger)
	domains, err := backend.persistedDomains(ctx)
	if err != nil {
		return err
	}
	for _, name := range domains {
		sp, err := spines.Get(ctx, name)
		if err != nil {
			return err
		}
		logger.Info("spine restored", zap.String("domain", name), zap.Int("events", sp.Len()))
	}
	handler := &ipc.Handler{
		Intake: intake.New(db, cfg.EngineVersion,
			intake.WithGuard(guard.New(cfg.RateLimitPerMinute)),
			intake.WithLogger(logger),
		),
		Spines:     spines,
		Cycles:     cycle.New(cfg.PolicyVersion, logger),
		Publisher:  newPipeline(cfg, db),
		Continuity: continuity,
		Version:    version,
		Logger:     logger,
	}
	srv := ipc.NewServer(handler, cfg.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ivi engine listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("sink", cfg.Sink.Kind),
			zap.String("version", version))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		retryPending(gctx, spines, backend.retryFailed)
		return nil
	})
	return g.Wait()
}

// retryPending periodically re-offers events a sink refused until ctx ends.
func retryPending(ctx context.Context, spines *spine.Manager, retryFailed func(context.Context) error) {
	t := time.NewTicker(retryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			retryOnce(ctx, spines, retryFailed)
		}
	}
}

// retryOnce re-offers spine pending events, which cover synchronous refusals
// and async backpressure, then the writes an async worker could not complete.
func retryOnce(ctx context.Context, spines *spine.Manager, retryFailed func(context.Context) error) {
	if err := spines.RetryPending(ctx); err != nil {
		logger.Warn("retry pending events", zap.Error(err))
	}
	if retryFailed != nil {
		if err := retryFailed(ctx); err != nil {
			logger.Warn("retry failed async writes", zap.Error(err))
		}
	}
}
