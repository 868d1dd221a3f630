package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.json"

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "snapbot",
		Short:         "Chat-driven Elasticsearch snapshot scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath, "path to config file (.json, .yaml)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newSchedulesCmd(&cfgPath),
		newConfigCmd(&cfgPath),
		newVersionCmd(),
	)
	return root
}
