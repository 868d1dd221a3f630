package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"snapbot/internal/app"
	"snapbot/internal/config"
	"snapbot/internal/snapshot"
	logx "snapbot/pkg/logx"
)

func newSchedulesCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect persisted snapshot schedules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print stored schedules without starting the bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg, logx.NewConsole(cfg.Logging.Level))
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(snapshot.FormatSchedules(all), "\n"))
			return err
		},
	})
	return cmd
}
