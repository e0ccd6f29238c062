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
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/resolvex/mlog"
)

type lookupFlags struct {
	all         bool
	concurrency int
}

func newLookupCmd() *cobra.Command {
	lf := new(lookupFlags)
	c := &cobra.Command{
		Use:   "lookup <host>...",
		Short: "Resolve hostnames to addresses.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			type result struct {
				addrs []netip.Addr
				err   error
			}
			results := make([]result, len(args))

			start := time.Now()
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(lf.concurrency)
			for i, host := range args {
				i, host := i, host
				g.Go(func() error {
					if lf.all {
						results[i].addrs, results[i].err = r.ResolveAll(ctx, host)
						return nil
					}
					ep, err := r.Resolve(ctx, host, 0)
					if err != nil {
						results[i].err = err
						return nil
					}
					results[i].addrs = []netip.Addr{ep.Addr}
					return nil
				})
			}
			_ = g.Wait()
			mlog.S().Debugf("resolved %d host(s) in %s", len(args), time.Since(start))

			failed := false
			for i, host := range args {
				if res := results[i]; res.err != nil {
					failed = true
					fmt.Printf("%s: %v\n", host, res.err)
				} else {
					strs := make([]string, 0, len(res.addrs))
					for _, a := range res.addrs {
						strs = append(strs, a.String())
					}
					fmt.Printf("%s: %s\n", host, strings.Join(strs, " "))
				}
			}
			if failed {
				return fmt.Errorf("some lookups failed")
			}
			return nil
		},
	}
	fs := c.Flags()
	fs.BoolVarP(&lf.all, "all", "a", false, "print every address of the winning family")
	fs.IntVar(&lf.concurrency, "concurrency", 8, "max in-flight lookups")
	return c
}
