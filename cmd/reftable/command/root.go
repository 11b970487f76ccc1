// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package command implements the reftable CLI's subcommands: dump, verify,
// and compact, grounded on the teacher's cmd/zeta convention of one Cobra
// (or kong, for the teacher itself) command tree per binary.
package command

import (
	"github.com/spf13/cobra"

	"github.com/antgroup/reftable/modules/reftable"
	"github.com/antgroup/reftable/modules/trace"
)

var (
	verbose    bool
	configPath string
	cacheSize  int64
)

// cfg is the process-wide Config every subcommand that builds a Writer or
// opens a Stack reads from, populated in rootCmd's PersistentPreRunE before
// any subcommand's RunE runs.
var cfg = reftable.NewConfig()

var rootCmd = &cobra.Command{
	Use:           "reftable",
	Short:         "Inspect and maintain reftable stacks",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := reftable.LoadConfigFile(cfg, configPath); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("cache-size") {
			cfg.BlockCacheBytes = cacheSize
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "make the operation more talkative")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML file overlaying the default Config (§6 tunables)")
	rootCmd.PersistentFlags().Int64Var(&cacheSize, "cache-size", 0, "bytes of in-memory block cache layered over each opened table (0 disables)")
	rootCmd.AddCommand(newDumpCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newCompactCommand())
}

func dbg(format string, args ...any) {
	if verbose {
		trace.DbgPrint(format, args...)
	}
}

// Execute runs the reftable command tree; main only needs to report a
// non-nil error and exit non-zero.
func Execute() error {
	return rootCmd.Execute()
}
