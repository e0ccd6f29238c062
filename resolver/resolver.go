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

// Package resolver implements an asynchronous caching DNS client.
//
// A Resolver owns its cache and configuration; multiple Resolver instances
// are fully independent.
package resolver

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/resolvex/mlog"
	"github.com/pmkol/resolvex/pkg/cache"
	"github.com/pmkol/resolvex/pkg/cache/mem_cache"
	"github.com/pmkol/resolvex/pkg/nameserver"
	"github.com/pmkol/resolvex/pkg/query_table"
	"github.com/pmkol/resolvex/pkg/transport"
)

// AddressFamily selects the record type used for address resolution.
type AddressFamily uint8

const (
	IPv4 AddressFamily = iota + 1
	IPv6
)

func (f AddressFamily) Qtype() uint16 {
	switch f {
	case IPv4:
		return dns.TypeA
	case IPv6:
		return dns.TypeAAAA
	default:
		return 0
	}
}

func (f AddressFamily) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// ParseAddressFamily parses "ipv4" or "ipv6".
func ParseAddressFamily(s string) (AddressFamily, error) {
	switch s {
	case "ipv4", "4":
		return IPv4, nil
	case "ipv6", "6":
		return IPv6, nil
	default:
		return 0, fmt.Errorf("unknown address family %q", s)
	}
}

const (
	// MaxTTLForever makes positive entries effectively eternal.
	MaxTTLForever = math.MaxUint32

	defaultNegativeTTL = uint32(30)
	defaultMaxQueries  = 3
	defaultCacheSize   = 4096
	defaultTimeout     = time.Second * 5
)

type Opts struct {
	// Servers cannot be nil.
	Servers nameserver.Provider

	// Transport is optional. If nil, a UDPTransport bound to a wildcard
	// address is created and owned by the Resolver.
	Transport transport.Transport

	// CacheBackend is optional. If nil, an in-memory backend holding
	// CacheSize entries is created and owned by the Resolver.
	CacheBackend cache.Backend

	// CacheSize is the entry limit for the default in-memory backend.
	// Default is 4096.
	CacheSize int

	// QueryTimeout is the default per-query timeout. Default is 5s.
	QueryTimeout time.Duration

	// Logger is optional. If nil, the package level logger mlog.L()
	// is used.
	Logger *zap.Logger
}

// config is the process-wide mutable state read by each new resolution.
// Changing it never affects resolutions already in flight.
type config struct {
	minTTL           uint32
	maxTTL           uint32
	negativeTTL      uint32
	families         []AddressFamily
	maxQueries       int
	recursionDesired bool
	optResource      bool
	queryTimeout     time.Duration
}

// Resolver is the public entry point. All methods are safe for concurrent
// use with unbounded concurrency.
type Resolver struct {
	logger  *zap.Logger
	servers nameserver.Provider
	cache   *cache.Cache
	table   *query_table.Table
	metrics *metrics

	transport    transport.Transport
	ownTransport bool

	mu  sync.RWMutex
	cfg config

	closed atomic.Bool
}

func New(opts Opts) (*Resolver, error) {
	if opts.Servers == nil {
		return nil, errors.New("no server provider")
	}
	logger := opts.Logger
	if logger == nil {
		logger = mlog.L()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultTimeout
	}

	tr := opts.Transport
	ownTransport := false
	if tr == nil {
		var err error
		tr, err = transport.NewUDPTransport(transport.UDPTransportOpts{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to init transport: %w", err)
		}
		ownTransport = true
	}

	backend := opts.CacheBackend
	if backend == nil {
		size := opts.CacheSize
		if size <= 0 {
			size = defaultCacheSize
		}
		backend = mem_cache.New(size, 0)
	}

	table, err := query_table.New(query_table.Opts{
		Transport: tr,
		Timeout:   opts.QueryTimeout,
		Logger:    logger,
	})
	if err != nil {
		if ownTransport {
			_ = tr.Close()
		}
		return nil, fmt.Errorf("failed to init query table: %w", err)
	}

	return &Resolver{
		logger:       logger,
		servers:      opts.Servers,
		cache:        cache.New(cache.Opts{Backend: backend, Logger: logger}),
		table:        table,
		metrics:      newMetrics(),
		transport:    tr,
		ownTransport: ownTransport,
		cfg: config{
			minTTL:           0,
			maxTTL:           MaxTTLForever,
			negativeTTL:      defaultNegativeTTL,
			families:         []AddressFamily{IPv4, IPv6},
			maxQueries:       defaultMaxQueries,
			recursionDesired: true,
			optResource:      true,
			queryTimeout:     opts.QueryTimeout,
		},
	}, nil
}

// Close releases the transaction table, the cache backend and, if owned,
// the transport. Outstanding resolutions fail with ErrTableClosed.
func (r *Resolver) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.table.Close()
	if r.ownTransport {
		if cerr := r.transport.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := r.cache.Close(); err == nil {
		err = cerr
	}
	return err
}

// snapshot copies the current configuration. Each resolution works on its
// own snapshot, so setter calls only affect subsequently issued resolutions.
func (r *Resolver) snapshot() config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := r.cfg
	cfg.families = append([]AddressFamily(nil), r.cfg.families...)
	return cfg
}

// SetTTL sets the clamp bounds applied to positive TTLs from responses.
func (r *Resolver) SetTTL(minTTL, maxTTL uint32) error {
	if minTTL > maxTTL {
		return fmt.Errorf("min ttl %d exceeds max ttl %d", minTTL, maxTTL)
	}
	r.mu.Lock()
	r.cfg.minTTL = minTTL
	r.cfg.maxTTL = maxTTL
	r.mu.Unlock()
	return nil
}

func (r *Resolver) MinTTL() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.minTTL
}

func (r *Resolver) MaxTTL() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.maxTTL
}

// SetNegativeTTL sets the lifetime of negative cache entries. 0 disables
// negative caching.
func (r *Resolver) SetNegativeTTL(ttl uint32) {
	r.mu.Lock()
	r.cfg.negativeTTL = ttl
	r.mu.Unlock()
}

func (r *Resolver) NegativeTTL() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.negativeTTL
}

// SetResolveAddressTypes sets the ordered address families Resolve and
// ResolveAll try. The first family yielding an address wins.
func (r *Resolver) SetResolveAddressTypes(families ...AddressFamily) error {
	if len(families) == 0 {
		return errors.New("no address family")
	}
	for _, f := range families {
		if f.Qtype() == 0 {
			return fmt.Errorf("invalid address family %d", uint8(f))
		}
	}
	r.mu.Lock()
	r.cfg.families = append([]AddressFamily(nil), families...)
	r.mu.Unlock()
	return nil
}

func (r *Resolver) ResolveAddressTypes() []AddressFamily {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AddressFamily(nil), r.cfg.families...)
}

// SetMaxQueriesPerResolve limits how many upstream queries one logical
// resolution may spend across families and retries.
func (r *Resolver) SetMaxQueriesPerResolve(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid query budget %d", n)
	}
	r.mu.Lock()
	r.cfg.maxQueries = n
	r.mu.Unlock()
	return nil
}

func (r *Resolver) MaxQueriesPerResolve() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.maxQueries
}

func (r *Resolver) SetRecursionDesired(rd bool) {
	r.mu.Lock()
	r.cfg.recursionDesired = rd
	r.mu.Unlock()
}

func (r *Resolver) RecursionDesired() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.recursionDesired
}

// SetOptResourceEnabled toggles the EDNS0 OPT resource on outgoing queries.
func (r *Resolver) SetOptResourceEnabled(enabled bool) {
	r.mu.Lock()
	r.cfg.optResource = enabled
	r.mu.Unlock()
}

func (r *Resolver) OptResourceEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.optResource
}

// SetQueryTimeout sets the per-query timeout for subsequent resolutions.
func (r *Resolver) SetQueryTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid query timeout %s", d)
	}
	r.mu.Lock()
	r.cfg.queryTimeout = d
	r.mu.Unlock()
	return nil
}

// ClearCache empties the positive and negative caches. In-flight queries
// are unaffected.
func (r *Resolver) ClearCache() {
	r.cache.Clear()
}

// CacheLen returns the number of cached entries.
func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}
