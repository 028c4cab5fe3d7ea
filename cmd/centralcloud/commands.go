// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SingularityHQ/centralcloud/services/coordination/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "centralcloud",
	Short: "CentralCloud fleet coordination plane",
	Long: `CentralCloud coordinates a fleet of self-improving agent instances:
it arbitrates proposed code changes by quorum consensus, guards applied
changes against metric regressions with automatic rollback, and
aggregates cross-instance patterns for promotion to the Genesis store.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination service",
	Long: `Starts the HTTP surface, the queue consumers for proposal, metrics
and pattern intake, and the high-priority rollback dispatch loop. The
process drains cleanly on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Check a configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(configPath); err != nil {
			return err
		}
		fmt.Println("configuration OK")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults apply when empty)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateConfigCmd)
}
