// Command blacklaked runs the BlackLake daemon: the job runner's poll loop
// and the background reconciler sweeps, driven off one wired bootstrap.App.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := bootstrap.Load()
	if err != nil {
		panic(err)
	}

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		panic(err)
	}

	defer func() {
		_ = app.Logger.Sync()
	}()

	app.Logger.Info("launcher: app started", "app", bootstrap.ApplicationName, "env", cfg.EnvName)

	go runJobLoop(ctx, app)
	go runReconcilerLoop(ctx, app)

	<-ctx.Done()

	app.Logger.Info("launcher: app shutting down", "app", bootstrap.ApplicationName)

	if app.Pool != nil {
		app.Pool.Close()
	}

	if app.RabbitConn != nil {
		_ = app.RabbitConn.Close()
	}

	if app.MongoClient != nil {
		_ = app.MongoClient.Disconnect(context.Background())
	}
}

// runJobLoop polls job.Store for leasable work on a fixed interval. One
// missed tick just means the next one picks up the backlog — Lease is
// idempotent and visibility-timeout bounded, so there is no need for
// jittered backoff here.
func runJobLoop(ctx context.Context, app *bootstrap.App) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := app.JobRunner.RunOnce(ctx)
			if err != nil {
				app.Logger.Error("job runner batch failed", "error", err)
				continue
			}

			if n > 0 {
				app.Logger.Debug("job runner processed batch", "count", n)
			}
		}
	}
}

// runReconcilerLoop runs the orphan-object and staging-key sweep the way an
// operator's cron would, but in-process so a single binary is sufficient to
// run a full BlackLake node. It does not run the index-drift sweep; that one
// runs per repository through reindex jobs (jobrunner.ReindexHandler).
func runReconcilerLoop(ctx context.Context, app *bootstrap.App) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := app.Reconciler.RunOrphanSweep(ctx)
			if err != nil {
				app.Logger.Error("orphan sweep failed", "error", err)
				continue
			}

			app.Logger.Info("orphan sweep complete", "report", report)
		}
	}
}
