package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"alarmd/internal/config"
	"alarmd/internal/engine"
	appLog "alarmd/internal/log"
	"alarmd/internal/web"
)

func addRun(topLevel *cobra.Command, o *rootOptions) {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and the HTTP control API",
		Example: `
alarmd run --config ./config.yaml
ALARMD_LISTEN=:9090 alarmd run
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
	topLevel.AddCommand(cmd)
}

func runDaemon(parent context.Context, cfg *config.Config) error {
	appLog.Info("alarmd starting", "version", version)

	if parent == nil {
		parent = context.Background()
	}
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCh := make(chan int, 1)
	a, err := newApp(cfg, appOptions{
		withMetrics: true,
		onFatal: func(err error) {
			appLog.Error("calendar resources did not load; giving up", err)
		},
		onExit: func(code int) {
			select {
			case exitCh <- code:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer a.exec.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	purge, err := engine.NewPurgeScheduler(a.eng, cfg.PurgeCron, loc)
	if err != nil {
		return err
	}
	purge.Start()
	defer purge.Stop()

	srv := web.NewServer(cfg, a.eng, a.store, a.metrics)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.eng.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		// Resources that fail stay unpopulated; the engine's population
		// timeout decides what happens to work waiting on them.
		if err := a.store.Populate(ctx); err != nil {
			appLog.Error("calendar population failed", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case code := <-exitCh:
			return exitCode(code)
		}
	})

	err = g.Wait()
	appLog.Info("alarmd exiting")
	if code, ok := err.(exitCode); ok && code == 0 {
		return nil
	}
	return err
}
