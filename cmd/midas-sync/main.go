// Package main boots the Midas storefront sync service: the HTTP API, the sale
// queue and the scheduled maintenance tasks.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/midastechnical/storefront-sync/internal/bootstrap"
	"github.com/midastechnical/storefront-sync/internal/config"
	httpapi "github.com/midastechnical/storefront-sync/internal/http"
	"github.com/midastechnical/storefront-sync/internal/maintenance"
	"github.com/midastechnical/storefront-sync/internal/obs"
	"github.com/midastechnical/storefront-sync/internal/queue"
	"github.com/midastechnical/storefront-sync/internal/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cfg, err := config.Load()
	obs.InitLogger()
	if err != nil {
		obs.Logger.Error("config_error", "error", err)
		os.Exit(1)
	}
	code := run(ctx, cfg)
	stop()
	os.Exit(code)
}

// run serves until parent is cancelled, then drains and shuts down. It returns
// the process exit code; every deferred cleanup has run by the time it returns.
func run(parent context.Context, cfg config.Config) int {
	obs.Logger.Info("service_starting", "addr", cfg.HTTPAddr)

	// background work outlives the signal until the drain below is done
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	shutdownTracing, err := obs.InitTracing(ctx, "midas-sync")
	if err != nil {
		obs.Logger.Warn("tracing_disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracing(tctx); err != nil {
			obs.Logger.Warn("tracing_shutdown_error", "error", err)
		}
	}()

	svc, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		obs.Logger.Error("bootstrap_failed", "error", err)
		return 1
	}
	defer func() {
		if err := svc.Close(); err != nil {
			obs.Logger.Warn("service_close_error", "error", err)
		}
	}()

	if rec, ok, err := svc.Engine.RecoverAbandoned(ctx); err != nil {
		obs.Logger.Warn("sync_recover_failed", "error", err)
	} else if ok {
		obs.Logger.Info("sync_recovered", "run_id", rec.ID)
	}

	q := queue.New(cfg.Sales.QueueBuffer)
	mgr := queue.NewManager(cfg.Sales, q, svc.Engine)
	mgr.Start(ctx)
	defer mgr.Stop()

	tasks := svc.Maintenance()
	sched := scheduler.New(100)
	// stops the tickers; a scheduled pull still running is cancelled and recorded as FAILED
	defer sched.Wait()
	defer cancel()
	recurring := []struct {
		name     string
		task     scheduler.Task
		interval time.Duration
	}{
		{maintenance.TaskRepairDesk, tasks.RepairDesk, cfg.Maintenance.SyncInterval},
		{maintenance.TaskBackup, tasks.Backup, cfg.Maintenance.BackupInterval},
		{maintenance.TaskPerformance, tasks.Performance, cfg.Maintenance.HealthInterval},
	}
	for _, r := range recurring {
		if err := sched.ScheduleRecurring(ctx, r.name, r.task, r.interval); err != nil {
			obs.Logger.Error("schedule_failed", "task", r.name, "error", err)
			return 1
		}
	}
	sched.Register(maintenance.TaskSecurity, tasks.Security)
	if _, err := sched.RunNow(ctx, maintenance.TaskSecurity); err != nil {
		obs.Logger.Warn("startup_security_findings", "error", err)
	}

	app := httpapi.NewApp(cfg, httpapi.Deps{
		Products: svc.Products,
		Engine:   svc.Engine,
		Runs:     svc.Runs,
		Sales:    mgr,
		Carts:    svc.Carts,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		obs.Logger.Error("http_listen_failed", "addr", cfg.HTTPAddr, "error", err)
		return 1
	}
	serveErr := make(chan error, 1)
	go func() {
		obs.Logger.Info("http_listen", "addr", ln.Addr().String())
		serveErr <- srv.Serve(ln)
	}()

	code := 0
	select {
	case <-parent.Done():
		obs.Logger.Info("shutdown_signal", "reason", context.Cause(parent).Error())
	case err := <-serveErr:
		obs.Logger.Error("http_server_error", "error", err)
		code = 1
	}

	app.StartShutdown()
	obs.Logger.Info("shutdown_drain_begin", "backlog_size", mgr.BacklogSize(), "worker_count", mgr.WorkerCount())

	ctxDrain, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelDrain()
	if drained := mgr.DrainUntil(ctxDrain); !drained {
		obs.Logger.Warn("shutdown_drain_timeout")
	} else {
		obs.Logger.Info("shutdown_drain_complete")
	}
	if !app.WaitPulls(ctxDrain) {
		obs.Logger.Warn("shutdown_sync_cancelled")
	}

	ctxSrv, cancelSrv := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSrv()
	if err := srv.Shutdown(ctxSrv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Logger.Error("http_shutdown_error", "error", err)
	}
	obs.Logger.Info("service_stopped")
	return code
}
