package resolver

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/resolvex/dnstest"
	"github.com/pmkol/resolvex/mlog"
	"github.com/pmkol/resolvex/pkg/nameserver"
)

func newTestServer(t *testing.T, responses map[string]*dnstest.Response) *dnstest.Server {
	t.Helper()
	s, err := dnstest.NewServer("127.0.0.1:0", responses)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newTestResolver(t *testing.T, s *dnstest.Server) *Resolver {
	t.Helper()
	r, err := New(Opts{
		Servers:      nameserver.Singleton(s.Addr),
		QueryTimeout: time.Second * 2,
		Logger:       mlog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func Test_defaults(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)
	res := newTestResolver(t, s)

	r.True(res.RecursionDesired())
	r.True(res.OptResourceEnabled())
	r.Equal([]AddressFamily{IPv4, IPv6}, res.ResolveAddressTypes())
	r.EqualValues(0, res.MinTTL())
	r.EqualValues(uint32(MaxTTLForever), res.MaxTTL())
	r.NotZero(res.NegativeTTL())
}

func Test_resolve_echoesHostAndPort(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, map[string]*dnstest.Response{
		dnstest.Key("example.org", dns.TypeA): dnstest.A("example.org", 100, "10.0.0.7"),
	})
	res := newTestResolver(t, s)

	ep, err := res.Resolve(context.Background(), "example.org", 8443)
	r.NoError(err)
	r.Equal("example.org", ep.Host)
	r.EqualValues(8443, ep.Port)
	r.Equal(netip.MustParseAddr("10.0.0.7"), ep.Addr)
}

func Test_resolve_familyFallback(t *testing.T) {
	r := require.New(t)

	// The name only has AAAA data; the A answer is an empty NOERROR.
	responses := map[string]*dnstest.Response{
		dnstest.Key("v6only.example.org", dns.TypeA):    {Rcode: dns.RcodeSuccess},
		dnstest.Key("v6only.example.org", dns.TypeAAAA): dnstest.AAAA("v6only.example.org", 100, "::1"),
	}

	for _, families := range [][]AddressFamily{
		{IPv4, IPv6},
		{IPv6, IPv4},
	} {
		s := newTestServer(t, responses)
		res := newTestResolver(t, s)
		r.NoError(res.SetResolveAddressTypes(families...))

		ep, err := res.Resolve(context.Background(), "v6only.example.org", 0)
		r.NoError(err)
		r.True(ep.Addr.Is6(), "expected an address of the only answered family")

		// The resolved type must match one of the attempted families.
		matched := false
		for _, f := range families {
			if (f == IPv4 && ep.Addr.Is4()) || (f == IPv6 && ep.Addr.Is6()) {
				matched = true
			}
		}
		r.True(matched)
	}
}

func Test_resolve_eternalTTL_isIdempotent(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)

	// The upstream shuffles its answers on every response. Identical
	// results across calls prove the second call reused the snapshot.
	var queries atomic.Int64
	s.Responder = func(name string, qtype uint16) *dnstest.Response {
		if qtype != dns.TypeA {
			return &dnstest.Response{Rcode: dns.RcodeSuccess}
		}
		queries.Add(1)
		return dnstest.RandomA(name, 100, 8)
	}

	res := newTestResolver(t, s)
	r.NoError(res.SetTTL(MaxTTLForever, MaxTTLForever))
	r.NoError(res.SetResolveAddressTypes(IPv4))

	first, err := res.ResolveAll(context.Background(), "cached.example.org")
	r.NoError(err)
	r.NotEmpty(first)

	second, err := res.ResolveAll(context.Background(), "cached.example.org")
	r.NoError(err)
	r.Equal(first, second, "cache hit must preserve records and their order")
	r.EqualValues(1, queries.Load(), "second resolution must not hit the network")
}

func Test_negativeTTL_throughput(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil) // every name is NXDOMAIN

	var queries atomic.Int64
	s.Responder = func(string, uint16) *dnstest.Response {
		queries.Add(1)
		return nil
	}

	res := newTestResolver(t, s)
	res.SetNegativeTTL(10)

	_, err := res.Resolve(context.Background(), "non-existent.example.org", 0)
	r.ErrorIs(err, ErrHostNotFound)
	sent := queries.Load()

	// If the negative cache works, these finish well inside the deadline.
	const size = 10000
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	for i := 0; i < size; i++ {
		_, err := res.Resolve(ctx, "non-existent.example.org", 0)
		r.ErrorIs(err, ErrHostNotFound)
	}
	r.NoError(ctx.Err(), "cached negative lookups did not finish quickly")
	r.Equal(sent, queries.Load(), "negative hits must not query upstream")
}

func Test_query_mx(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, map[string]*dnstest.Response{
		dnstest.Key("example.org", dns.TypeMX): dnstest.MX("example.org", 100, "mx1.example.org", "mx2.example.org"),
	})
	res := newTestResolver(t, s)

	env, err := res.Query(context.Background(), "example.org", dns.TypeMX)
	r.NoError(err)
	r.Equal(dns.RcodeSuccess, env.Msg.Rcode)
	r.Equal("example.org.", env.Msg.Question[0].Name)
	r.Equal(s.Addr, env.Server)

	var mxs []*dns.MX
	for _, rr := range env.Msg.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, mx)
		}
	}
	r.NotEmpty(mxs)
	r.Equal("mx1.example.org.", mxs[0].Mx)
}

func Test_query_nxdomainReturnsEnvelope(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)
	res := newTestResolver(t, s)

	env, err := res.Query(context.Background(), "nope.example.org", dns.TypeTXT)
	r.NoError(err)
	r.Equal(dns.RcodeNameError, env.Msg.Rcode)
}

func Test_resolve_ipLiteral(t *testing.T) {
	r := require.New(t)

	// Point the resolver at a server that never answers: a literal must
	// not touch the network at all.
	s := newTestServer(t, map[string]*dnstest.Response{})
	s.Responder = func(string, uint16) *dnstest.Response { return &dnstest.Response{Drop: true} }
	res := newTestResolver(t, s)

	start := time.Now()
	ep, err := res.Resolve(context.Background(), "10.0.0.1", 1234)
	r.NoError(err)
	r.Equal("10.0.0.1", ep.Host)
	r.Equal(netip.MustParseAddr("10.0.0.1"), ep.Addr)
	r.Less(time.Since(start), time.Second)

	addrs, err := res.ResolveAll(context.Background(), "::1")
	r.NoError(err)
	r.Equal([]netip.Addr{netip.MustParseAddr("::1")}, addrs)
}

func Test_clearCache_requeries(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)

	var queries atomic.Int64
	s.Responder = func(name string, qtype uint16) *dnstest.Response {
		if qtype != dns.TypeA {
			return &dnstest.Response{Rcode: dns.RcodeSuccess}
		}
		queries.Add(1)
		return dnstest.A(name, 3600, "10.0.0.1")
	}

	res := newTestResolver(t, s)
	r.NoError(res.SetResolveAddressTypes(IPv4))

	_, err := res.ResolveAll(context.Background(), "example.org")
	r.NoError(err)
	_, err = res.ResolveAll(context.Background(), "example.org")
	r.NoError(err)
	r.EqualValues(1, queries.Load())

	res.ClearCache()

	_, err = res.ResolveAll(context.Background(), "example.org")
	r.NoError(err)
	r.EqualValues(2, queries.Load(), "a cleared cache must re-query")
}

func Test_nxdomain_cachedNegatively(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)

	var queries atomic.Int64
	s.Responder = func(string, uint16) *dnstest.Response {
		queries.Add(1)
		return nil // NXDOMAIN
	}

	res := newTestResolver(t, s)
	r.NoError(res.SetResolveAddressTypes(IPv4))

	_, err := res.Resolve(context.Background(), "ghost.example.org", 0)
	r.ErrorIs(err, ErrHostNotFound)
	sent := queries.Load()
	r.EqualValues(1, sent, "NXDOMAIN must short-circuit remaining attempts")

	_, err = res.Resolve(context.Background(), "ghost.example.org", 0)
	r.ErrorIs(err, ErrHostNotFound)
	r.Equal(sent, queries.Load(), "second failure must come from the negative cache")
}

func Test_budgetExhaustion_notCached(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)

	var drop atomic.Bool
	drop.Store(true)
	s.Responder = func(name string, qtype uint16) *dnstest.Response {
		if drop.Load() {
			return &dnstest.Response{Drop: true}
		}
		return dnstest.A(name, 100, "10.0.0.9")
	}

	res, err := New(Opts{
		Servers:      nameserver.Singleton(s.Addr),
		QueryTimeout: time.Millisecond * 100,
	})
	r.NoError(err)
	defer res.Close()
	r.NoError(res.SetResolveAddressTypes(IPv4))
	r.NoError(res.SetMaxQueriesPerResolve(1))

	_, err = res.Resolve(context.Background(), "flaky.example.org", 0)
	r.ErrorIs(err, ErrResolveFailure)
	r.NotErrorIs(err, ErrHostNotFound)

	// The failure was not cached: once the server recovers, the same
	// resolver call succeeds.
	drop.Store(false)
	ep, err := res.Resolve(context.Background(), "flaky.example.org", 0)
	r.NoError(err)
	r.Equal(netip.MustParseAddr("10.0.0.9"), ep.Addr)
}

func Test_transientFailure_retriesNextServer(t *testing.T) {
	r := require.New(t)

	bad := newTestServer(t, map[string]*dnstest.Response{
		dnstest.Key("example.org", dns.TypeA): {Rcode: dns.RcodeServerFailure},
	})
	good := newTestServer(t, map[string]*dnstest.Response{
		dnstest.Key("example.org", dns.TypeA): dnstest.A("example.org", 100, "10.0.0.5"),
	})

	provider, err := nameserver.NewRoundRobin([]netip.AddrPort{bad.Addr, good.Addr})
	r.NoError(err)

	res, err := New(Opts{Servers: provider, QueryTimeout: time.Second * 2})
	r.NoError(err)
	defer res.Close()
	r.NoError(res.SetResolveAddressTypes(IPv4))

	ep, err := res.Resolve(context.Background(), "example.org", 0)
	r.NoError(err)
	r.Equal(netip.MustParseAddr("10.0.0.5"), ep.Addr)
}

func Test_contextCancellation(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)
	s.Responder = func(string, uint16) *dnstest.Response { return &dnstest.Response{Drop: true} }
	res := newTestResolver(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Millisecond * 50)
		cancel()
	}()

	start := time.Now()
	_, err := res.Resolve(ctx, "slow.example.org", 0)
	r.ErrorIs(err, context.Canceled)
	r.Less(time.Since(start), time.Second)
}

func Test_setterIsolation_betweenInstances(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)

	res1 := newTestResolver(t, s)
	res2 := newTestResolver(t, s)

	r.NoError(res1.SetResolveAddressTypes(IPv6))
	res1.SetNegativeTTL(1)
	r.NoError(res1.SetMaxQueriesPerResolve(1))

	r.Equal([]AddressFamily{IPv4, IPv6}, res2.ResolveAddressTypes())
	r.NotEqualValues(1, res2.NegativeTTL())
	r.NotEqual(1, res2.MaxQueriesPerResolve())
}

func Test_ttlClamp(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)

	var queries atomic.Int64
	s.Responder = func(name string, qtype uint16) *dnstest.Response {
		if qtype != dns.TypeA {
			return &dnstest.Response{Rcode: dns.RcodeSuccess}
		}
		queries.Add(1)
		return dnstest.A(name, 1, "10.0.0.1") // 1s advertised TTL
	}

	res := newTestResolver(t, s)
	r.NoError(res.SetResolveAddressTypes(IPv4))
	// Clamp the 1s response TTL up to at least one minute.
	r.NoError(res.SetTTL(60, 3600))

	_, err := res.ResolveAll(context.Background(), "short.example.org")
	r.NoError(err)

	time.Sleep(time.Millisecond * 1100)

	_, err = res.ResolveAll(context.Background(), "short.example.org")
	r.NoError(err)
	r.EqualValues(1, queries.Load(), "clamped TTL must keep the entry past the advertised 1s")
}

func Test_wireFlags_followSetters(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)

	var mu sync.Mutex
	var reqs []*dns.Msg
	s.OnQuery = func(req *dns.Msg) {
		mu.Lock()
		reqs = append(reqs, req.Copy())
		mu.Unlock()
	}
	s.Responder = func(name string, qtype uint16) *dnstest.Response {
		return dnstest.A(name, 60, "10.0.0.1")
	}

	res := newTestResolver(t, s)
	r.NoError(res.SetResolveAddressTypes(IPv4))

	_, err := res.ResolveAll(context.Background(), "first.example.org")
	r.NoError(err)

	res.SetRecursionDesired(false)
	res.SetOptResourceEnabled(false)
	_, err = res.ResolveAll(context.Background(), "second.example.org")
	r.NoError(err)

	mu.Lock()
	defer mu.Unlock()
	r.Len(reqs, 2)
	r.True(reqs[0].RecursionDesired)
	r.NotNil(reqs[0].IsEdns0(), "default config must send an OPT record")
	r.False(reqs[1].RecursionDesired, "SetRecursionDesired(false) must clear RD on the wire")
	r.Nil(reqs[1].IsEdns0(), "SetOptResourceEnabled(false) must drop the OPT record")
}

func Test_metrics_counters(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, map[string]*dnstest.Response{
		dnstest.Key("example.org", dns.TypeA): dnstest.A("example.org", 100, "10.0.0.1"),
	})
	res := newTestResolver(t, s)
	r.NoError(res.SetResolveAddressTypes(IPv4))

	reg := prometheus.NewRegistry()
	r.NoError(res.RegisterMetrics(reg))

	_, err := res.ResolveAll(context.Background(), "example.org")
	r.NoError(err)
	_, err = res.ResolveAll(context.Background(), "example.org")
	r.NoError(err)

	r.EqualValues(1, counterValue(t, reg, "resolvex_cache_miss_total"))
	r.EqualValues(1, counterValue(t, reg, "resolvex_cache_hit_total"))
	r.EqualValues(1, counterValue(t, reg, "resolvex_queries_issued_total"))

	_, err = res.Resolve(context.Background(), "missing.example.org", 0)
	r.ErrorIs(err, ErrHostNotFound)
	_, err = res.Resolve(context.Background(), "missing.example.org", 0)
	r.ErrorIs(err, ErrHostNotFound)
	r.EqualValues(1, counterValue(t, reg, "resolvex_negative_cache_hit_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func Test_resolve_afterClose(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)
	res := newTestResolver(t, s)
	r.NoError(res.Close())

	_, err := res.Resolve(context.Background(), "example.org", 0)
	r.ErrorIs(err, ErrResolverClosed)
	_, err = res.Query(context.Background(), "example.org", dns.TypeA)
	r.ErrorIs(err, ErrResolverClosed)
}
