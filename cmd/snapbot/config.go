package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"snapbot/internal/config"
)

func newConfigCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			loc, _ := cfg.Location()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (timezone %s)\n", *cfgPath, loc)
			return err
		},
	})
	return cmd
}
