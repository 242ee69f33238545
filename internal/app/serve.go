package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"defi-aggregator/internal/api"
	"defi-aggregator/internal/api/middleware"
	"defi-aggregator/internal/scheduler"
	"defi-aggregator/internal/service"
	"defi-aggregator/internal/storage"
)

const shutdownTimeout = 15 * time.Second

// Serve runs the HTTP API and the background jobs until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	var (
		keys      middleware.KeyValidator
		snapshots storage.SnapshotStore
	)
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; api key store and snapshots disabled")
	} else {
		defer closeStore()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		keys = store
		snapshots = store
	}

	sched := scheduler.New(scheduler.Options{
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	svc := service.New(a.Config.Scheduler, c.markets, c.tokens, snapshots, a.Logger)
	if err := svc.Register(sched); err != nil {
		return err
	}
	if a.Config.Alerting.Enabled {
		notifier := a.newNotifier(c.metrics)
		if notifier == nil {
			return errors.New("alerting enabled but no notifier configured")
		}
		watcher := a.newWatcher(c.yield, notifier)
		if err := sched.Add(scheduler.Job{Name: "yield-alert", Interval: a.Config.Alerting.Interval, Tick: watcher.Check}); err != nil {
			return err
		}
	}

	handler := api.New(api.Deps{
		Server:    a.Config.Server,
		Auth:      a.Config.Auth,
		RateLimit: a.Config.RateLimit,
		Logger:    a.Logger,
		Metrics:   c.metrics,
		Keys:      keys,
		Markets:   c.markets,
		Positions: c.positions,
		Yield:     c.yield,
		Aave:      c.aave,
		Morpho:    c.morpho,
		Perps:     c.perps,
		Tokens:    c.tokens,
		Balances:  c.balances,
		Approvals: c.approvals,
		Tools:     c.tools,
	})
	srv := &http.Server{
		Addr:         a.Config.Server.Addr,
		Handler:      handler,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", srv.Addr).Strs("jobs", sched.Jobs()).Msg("starting api server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := sched.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}

	a.Logger.Info().Msg("server stopped")
	return nil
}
