package dnsutils

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func Test_CacheKey_caseInsensitive(t *testing.T) {
	r := require.New(t)
	r.Equal(CacheKey("Example.ORG", dns.TypeA), CacheKey("example.org.", dns.TypeA))
	r.NotEqual(CacheKey("example.org.", dns.TypeA), CacheKey("example.org.", dns.TypeAAAA))
	r.NotEqual(CacheKey("a.example.org.", dns.TypeA), CacheKey("b.example.org.", dns.TypeA))
}

func Test_NewQuery(t *testing.T) {
	r := require.New(t)
	q := NewQuery(0x1234, "example.org", dns.TypeMX, true, true)
	r.EqualValues(0x1234, q.Id)
	r.True(q.RecursionDesired)
	r.Equal("example.org.", q.Question[0].Name)
	opt := q.IsEdns0()
	r.NotNil(opt)
	r.EqualValues(EDNS0UDPSize, opt.UDPSize())

	q = NewQuery(1, "example.org", dns.TypeA, false, false)
	r.False(q.RecursionDesired)
	r.Nil(q.IsEdns0())
}

func Test_ClampTTL(t *testing.T) {
	r := require.New(t)
	r.EqualValues(60, ClampTTL(30, 60, 3600))
	r.EqualValues(3600, ClampTTL(86400, 60, 3600))
	r.EqualValues(100, ClampTTL(100, 0, ^uint32(0)))
}

func Test_AnswerAddrs(t *testing.T) {
	r := require.New(t)
	m := new(dns.Msg)
	m.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "a.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}, A: net.IPv4(10, 0, 0, 2)},
		&dns.AAAA{Hdr: dns.RR_Header{Name: "a.", Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60}, AAAA: net.ParseIP("::1")},
		&dns.A{Hdr: dns.RR_Header{Name: "a.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}, A: net.IPv4(10, 0, 0, 1)},
	}

	v4 := AnswerAddrs(m, dns.TypeA)
	r.Equal([]netip.Addr{netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1")}, v4)

	v6 := AnswerAddrs(m, dns.TypeAAAA)
	r.Len(v6, 1)
	r.True(v6[0].Is6())
}

func Test_GetMinimalTTL(t *testing.T) {
	r := require.New(t)
	m := new(dns.Msg)
	r.EqualValues(0, GetMinimalTTL(m))

	m.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "a.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: net.IPv4(10, 0, 0, 1)},
		&dns.A{Hdr: dns.RR_Header{Name: "a.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 100}, A: net.IPv4(10, 0, 0, 2)},
	}
	m.SetEdns0(512, false) // OPT must be skipped
	r.EqualValues(100, GetMinimalTTL(m))
}
