// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/weft-dev/weft/internal/config"
)

// NewRootCmd creates the root weft command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "weft",
		Short:         "Weft — resilient content-generation gateway",
		Long:          "Weft routes content-generation requests across upstream providers with retries, circuit breaking, health monitoring, and adaptive admission control.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	return root
}

// resolveConfigPath picks the config file: the --config flag, then
// ./weft.yaml, then ~/.config/weft/weft.yaml (bootstrapping a commented
// default there when nothing exists). Empty means defaults only.
func resolveConfigPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}

	if _, err := os.Stat("weft.yaml"); err == nil {
		return "weft.yaml"
	}

	if path, err := config.DefaultConfigPath(); err == nil {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return config.BootstrapConfig()
}
