// Command midas-maintenance runs one maintenance task and exits 0 on success,
// 1 on any failure.
//
//	midas-maintenance {repairdesk|backup|security|performance|all}
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/midastechnical/storefront-sync/internal/bootstrap"
	"github.com/midastechnical/storefront-sync/internal/config"
	"github.com/midastechnical/storefront-sync/internal/maintenance"
	"github.com/midastechnical/storefront-sync/internal/obs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func usage(w io.Writer) {
	names := append(append([]string(nil), maintenance.Names...), maintenance.TaskAll)
	fmt.Fprintf(w, "usage: midas-maintenance {%s}\n", strings.Join(names, "|"))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("midas-maintenance", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		usage(stderr)
		return 1
	}
	name := fs.Arg(0)
	if name != maintenance.TaskAll && !slices.Contains(maintenance.Names, name) {
		fmt.Fprintf(stderr, "unknown task %q\n", name)
		usage(stderr)
		return 1
	}

	cfg, err := config.Load()
	obs.InitLogger()
	if err != nil {
		obs.Logger.Error("config_error", "error", err)
		return 1
	}
	if shutdown, err := obs.InitTracing(ctx, "midas-maintenance"); err != nil {
		obs.Logger.Warn("tracing_disabled", "error", err)
	} else {
		defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()
	}
	svc, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		obs.Logger.Error("bootstrap_failed", "error", err)
		return 1
	}
	defer svc.Close()

	tasks := svc.Maintenance()
	task, err := tasks.ByName(name)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if name == maintenance.TaskRepairDesk || name == maintenance.TaskAll {
		if _, _, err := svc.Engine.RecoverAbandoned(ctx); err != nil {
			obs.Logger.Warn("sync_recover_failed", "error", err)
		}
	}

	start := time.Now()
	err = task(ctx)
	obs.Logger.Info("maintenance_finished", "task", name, "ok", err == nil, "duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", name, err)
		return 1
	}
	return 0
}
