package main

import "github.com/spf13/cobra"

// Execute builds and runs the eastwood root command: a single process
// that loads --config, bootstraps a template config the first time it's
// run against a missing file (mirroring eastwood.py main()'s TOML
// bootstrap), then starts whichever proxy role(s) the config names.
func Execute() error {
	var configPath string

	cmd := &cobra.Command{
		Use:   "eastwood",
		Short: "Splits a Minecraft proxy into cooperating external/internal halves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.toml", "path to the TOML configuration file")
	return cmd.Execute()
}
