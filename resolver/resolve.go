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

package resolver

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/resolvex/pkg/cache"
	"github.com/pmkol/resolvex/pkg/dnsutils"
	"github.com/pmkol/resolvex/pkg/query_table"
)

// Endpoint is a resolved endpoint. Host and Port are echoed back from the
// caller's request unchanged.
type Endpoint struct {
	Host string
	Port uint16
	Addr netip.Addr
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// Envelope is the result of a raw Query: the decoded response and the server
// that sent it. Server is the zero value when served from cache.
type Envelope struct {
	Msg    *dns.Msg
	Server netip.AddrPort
}

// queryOutcome classifies one family's (name, type) attempt.
type queryOutcome uint8

const (
	outcomeAnswered queryOutcome = iota + 1 // NOERROR with usable records
	outcomeEmpty                            // NOERROR without usable records
	outcomeNXDomain                         // definitive non-existence
	outcomeTransient                        // timeouts / server failures / budget exhausted
)

// Resolve resolves host to one address, honoring the configured family
// order, and echoes host and port on the returned Endpoint. A numeric host
// short-circuits without any network query.
func (r *Resolver) Resolve(ctx context.Context, host string, port uint16) (Endpoint, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return Endpoint{Host: host, Port: port, Addr: addr}, nil
	}
	addrs, err := r.resolveAddrs(ctx, host)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: host, Port: port, Addr: addrs[0]}, nil
}

// ResolveAll resolves host and returns the full resolved address sequence
// of the winning family, in response order.
func (r *Resolver) ResolveAll(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	return r.resolveAddrs(ctx, host)
}

func (r *Resolver) resolveAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	if r.closed.Load() {
		return nil, ErrResolverClosed
	}
	cfg := r.snapshot()

	// CacheCheck.
	for _, fam := range cfg.families {
		if m := r.cache.LookupPositive(host, fam.Qtype()); m != nil {
			if addrs := dnsutils.AnswerAddrs(m, fam.Qtype()); len(addrs) > 0 {
				r.metrics.cacheHit.Inc()
				return addrs, nil
			}
		}
	}
	if reason, ok := r.cache.LookupNegative(host); ok {
		r.metrics.negativeHit.Inc()
		return nil, hostNotFoundErr(host, reason)
	}
	r.metrics.cacheMiss.Inc()

	// Querying. Once the winning family completes, any queries the
	// resolution still has in flight are dropped.
	resolution := r.table.NextResolutionID()
	defer r.table.CancelResolution(resolution)

	budget := cfg.maxQueries
	sawTransient := false

	for _, fam := range cfg.families {
		if budget <= 0 {
			sawTransient = true
			break
		}

		m, outcome, err := r.queryType(ctx, resolution, host, fam.Qtype(), cfg, &budget)
		if err != nil {
			return nil, err // ctx cancelled or resolver closed
		}

		switch outcome {
		case outcomeAnswered:
			ttl := dnsutils.ClampTTL(dnsutils.GetMinimalTTL(m), cfg.minTTL, cfg.maxTTL)
			r.cache.StorePositive(host, fam.Qtype(), m, ttl)
			return dnsutils.AnswerAddrs(m, fam.Qtype()), nil

		case outcomeNXDomain:
			// Definitive: short-circuits remaining families and retries.
			r.cache.StoreNegative(host, cache.ReasonNameNotFound, cfg.negativeTTL)
			return nil, hostNotFoundErr(host, cache.ReasonNameNotFound)

		case outcomeEmpty:
			// NODATA for this family, fall through to the next one.

		case outcomeTransient:
			sawTransient = true
		}
	}

	if sawTransient {
		// Not cached: a future call may succeed against the network.
		return nil, resolveFailureErr(host, nil)
	}

	// Every family got a definitive answer with no usable records.
	r.cache.StoreNegative(host, cache.ReasonNoUsableRecord, cfg.negativeTTL)
	return nil, hostNotFoundErr(host, cache.ReasonNoUsableRecord)
}

// queryType performs the (name, type) exchange for one family: it walks the
// configured servers, spending the shared budget, until a definitive answer
// arrives or the attempt is exhausted.
func (r *Resolver) queryType(ctx context.Context, resolution uint64, qname string, qtype uint16, cfg config, budget *int) (*dns.Msg, queryOutcome, error) {
	qopts := query_table.QueryOpts{
		RecursionDesired: cfg.recursionDesired,
		OptResource:      cfg.optResource,
		Timeout:          cfg.queryTimeout,
	}

	for _, server := range r.servers.Addresses() {
		if *budget <= 0 {
			return nil, outcomeTransient, nil
		}
		*budget--

		pq, err := r.table.Issue(resolution, qname, qtype, server, qopts)
		if err != nil {
			if err == query_table.ErrTableClosed {
				return nil, 0, ErrResolverClosed
			}
			r.logger.Warn("failed to issue query",
				zap.String("qname", qname),
				zap.Stringer("server", server),
				zap.Error(err),
			)
			continue
		}
		r.metrics.queriesIssued.Inc()

		select {
		case res := <-pq.Done():
			if res.Err != nil {
				if res.Err == query_table.ErrQueryTimeout {
					r.metrics.queryTimeouts.Inc()
				}
				r.logger.Debug("query failed",
					zap.String("qname", qname),
					zap.Stringer("server", server),
					zap.Error(res.Err),
				)
				continue // transient, next server
			}

			switch res.Msg.Rcode {
			case dns.RcodeSuccess:
				if hasAnswerOfType(res.Msg, qtype) {
					return res.Msg, outcomeAnswered, nil
				}
				return res.Msg, outcomeEmpty, nil
			case dns.RcodeNameError:
				return res.Msg, outcomeNXDomain, nil
			default:
				r.metrics.serverFailures.Inc()
				r.logger.Debug("server failure",
					zap.String("qname", qname),
					zap.Stringer("server", server),
					zap.String("rcode", dnsutils.RcodeToString(res.Msg.Rcode)),
				)
				continue // transient, next server
			}

		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	return nil, outcomeTransient, nil
}

// Query issues one logical query for an arbitrary record type, bypassing the
// address-family fallback policy, and returns the raw decoded response for
// the caller to interpret. Server retry on transient failures still applies
// within the configured budget.
func (r *Resolver) Query(ctx context.Context, qname string, qtype uint16) (*Envelope, error) {
	if r.closed.Load() {
		return nil, ErrResolverClosed
	}
	cfg := r.snapshot()

	if m := r.cache.LookupPositive(qname, qtype); m != nil {
		r.metrics.cacheHit.Inc()
		return &Envelope{Msg: m}, nil
	}
	r.metrics.cacheMiss.Inc()

	resolution := r.table.NextResolutionID()
	defer r.table.CancelResolution(resolution)

	qopts := query_table.QueryOpts{
		RecursionDesired: cfg.recursionDesired,
		OptResource:      cfg.optResource,
		Timeout:          cfg.queryTimeout,
	}

	budget := cfg.maxQueries
	var lastErr error
	for _, server := range r.servers.Addresses() {
		if budget <= 0 {
			break
		}
		budget--

		pq, err := r.table.Issue(resolution, qname, qtype, server, qopts)
		if err != nil {
			if err == query_table.ErrTableClosed {
				return nil, ErrResolverClosed
			}
			lastErr = err
			continue
		}
		r.metrics.queriesIssued.Inc()

		select {
		case res := <-pq.Done():
			if res.Err != nil {
				if res.Err == query_table.ErrQueryTimeout {
					r.metrics.queryTimeouts.Inc()
				}
				lastErr = res.Err
				continue
			}

			switch res.Msg.Rcode {
			case dns.RcodeServerFailure, dns.RcodeRefused:
				// Transient; retry against the next server if possible.
				r.metrics.serverFailures.Inc()
				lastErr = fmt.Errorf("server %s responded %s", server, dnsutils.RcodeToString(res.Msg.Rcode))
				continue
			}

			if res.Msg.Rcode == dns.RcodeSuccess && hasAnswerOfType(res.Msg, qtype) {
				ttl := dnsutils.ClampTTL(dnsutils.GetMinimalTTL(res.Msg), cfg.minTTL, cfg.maxTTL)
				r.cache.StorePositive(qname, qtype, res.Msg, ttl)
			}
			return &Envelope{Msg: res.Msg, Server: res.From}, nil

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, resolveFailureErr(qname, lastErr)
}

func hasAnswerOfType(m *dns.Msg, qtype uint16) bool {
	for _, rr := range m.Answer {
		if rr.Header().Rrtype == qtype {
			return true
		}
	}
	return false
}

