/*
 * Copyright (C) 2020-2024, IrineSistiana
 *
 * This file is part of resolvex.
 *
 * resolvex is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * resolvex is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/resolvex/mlog"
)

var version = "dev/unknown"

type rootFlags struct {
	config  string
	servers []string
	verbose bool
}

var (
	rootCmd = &cobra.Command{
		Use:           "resolvex",
		Short:         "An asynchronous caching DNS client.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rf = new(rootFlags)
)

func init() {
	pfs := rootCmd.PersistentFlags()
	pfs.StringVarP(&rf.config, "config", "c", "", "config file")
	pfs.StringSliceVarP(&rf.servers, "server", "s", nil, "upstream server, overrides the config file")
	pfs.BoolVarP(&rf.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if rf.verbose {
			mlog.SetLevel(zapcore.DebugLevel)
		}
	}

	rootCmd.AddCommand(
		newLookupCmd(),
		newQueryCmd(),
		&cobra.Command{
			Use:   "print-config",
			Short: "Print the effective configuration as YAML.",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(rf.config)
				if err != nil {
					return err
				}
				cfg.override(rf)
				b, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(b)
				return err
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version.",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
