package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"snapbot/internal/app"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot and every restored schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigCh:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}
