// Package app wires the full analytics service: storage, provider, engine,
// HTTP API, and the cron schedule. Both saturn-server and `saturn serve`
// boot through it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"saturn/internal/calendar"
	"saturn/internal/config"
	"saturn/internal/domain"
	"saturn/internal/engine"
	"saturn/internal/httpapi"
	"saturn/internal/provider"
	"saturn/internal/store"
	"saturn/internal/tracker"
)

// tradingCalendar builds the planning calendar from the exchange calendar
// API, which also carries ad-hoc closures. When the API is unreachable it
// falls back to the rule-derived holiday schedule.
func tradingCalendar(prov *provider.AlpacaProvider, logger *slog.Logger) *calendar.Calendar {
	year := time.Now().Year()
	from := time.Date(year-2, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(year+1, time.December, 31, 0, 0, 0, 0, time.UTC)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	holidays, err := prov.MarketHolidays(ctx, from, to)
	if err != nil {
		logger.Warn("exchange calendar unavailable, using rule-derived holidays", "error", err)
		return calendar.NYSE(year-2, year+1)
	}
	return calendar.New(holidays)
}

// Serve runs the analytics service until SIGINT/SIGTERM, then shuts down
// gracefully, waiting for any in-flight run to finish persisting.
func Serve(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer sqlStore.Close()
	parquetStore := store.NewParquetStore(cfg.Storage.DataDir)

	prov := provider.NewAlpacaProvider(
		cfg.Alpaca.APIKey, cfg.Alpaca.APISecret,
		cfg.Alpaca.DataURL, cfg.Alpaca.BaseURL,
		cfg.Engine.BatchSize, cfg.Engine.RateLimitPerMin)

	cal := tradingCalendar(prov, logger)

	tr := tracker.New(time.Duration(cfg.Engine.RetentionMinutes) * time.Minute)
	planner := engine.NewPlanner(sqlStore, sqlStore, cal, cfg.Engine.DefaultLookbackDays)
	resolver := engine.NewResolver(sqlStore, sqlStore, cfg.Engine.ReferenceSymbols)
	stages := func() []engine.Stage {
		return engine.Stages(sqlStore, sqlStore, sqlStore, parquetStore, prov)
	}
	orch := engine.NewOrchestrator(planner, resolver, stages, tr, sqlStore, sqlStore,
		cfg.Engine.ReferenceSymbols, cfg.Engine.RiskWindowDays)

	api := httpapi.NewServer(orch, tr, sqlStore, sqlStore, sqlStore, sqlStore)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	var sched *cron.Cron
	if cfg.Schedule.RefreshCron != "" {
		sched = cron.New()
		_, err := sched.AddFunc(cfg.Schedule.RefreshCron, func() {
			_, err := orch.StartRun(context.Background(), engine.Request{
				Trigger: domain.TriggerScheduled,
			})
			if err != nil {
				logger.Warn("scheduled refresh not started", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule refresh %q: %w", cfg.Schedule.RefreshCron, err)
		}
		sched.Start()
		logger.Info("nightly refresh scheduled", "cron", cfg.Schedule.RefreshCron)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("saturn listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if sched != nil {
		sched.Stop()
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// in-flight persistence must complete before the store closes
	if err := orch.Close(ctx); err != nil {
		logger.Warn("run still in flight at shutdown", "error", err)
	}
	return nil
}
