package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/agentuity/go-reportcache/scheduler"
	"github.com/agentuity/go-reportcache/telemetry"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the cache janitor and the schedule loop until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		a.janitor.Start(ctx)
		defer a.janitor.Stop()

		if a.cfg.Scheduler.Enabled {
			g, err := a.newGuard(ctx)
			if err != nil {
				return err
			}
			opts := append(a.cfg.Scheduler.Options(),
				scheduler.WithLogger(a.logger),
				scheduler.WithRecorder(telemetry.Default()))
			loop := scheduler.New(a.schedules, g, a.newGenerator(), opts...)
			loop.Start(ctx)
			defer loop.Stop()
		}

		a.logger.Info("reportd running, cache enabled: %v, scheduler enabled: %v", a.cfg.Cache.Enabled, a.cfg.Scheduler.Enabled)
		<-ctx.Done()
		a.logger.Info("shutting down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
