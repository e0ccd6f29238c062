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
	"strings"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"

	"github.com/pmkol/resolvex/pkg/dnsutils"
)

func newQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <name> [type]",
		Short: "Send a raw query and print the decoded response. Type defaults to A.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qtype := dns.TypeA
			if len(args) == 2 {
				t, ok := dns.StringToType[strings.ToUpper(args[1])]
				if !ok {
					return fmt.Errorf("unknown record type %q", args[1])
				}
				qtype = t
			}

			cfg, err := loadConfig(rf.config)
			if err != nil {
				return err
			}
			cfg.override(rf)
			r, err := buildResolver(cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			env, err := r.Query(cmd.Context(), args[0], qtype)
			if err != nil {
				return err
			}

			if env.Server.IsValid() {
				fmt.Printf(";; server: %s\n", env.Server)
			} else {
				fmt.Println(";; served from cache")
			}
			fmt.Printf(";; rcode: %s, answers: %d\n", dnsutils.RcodeToString(env.Msg.Rcode), len(env.Msg.Answer))
			for _, rr := range env.Msg.Answer {
				fmt.Println(rr.String())
			}
			return nil
		},
	}
}
