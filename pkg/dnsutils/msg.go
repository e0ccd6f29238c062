package dnsutils

import (
	"net/netip"
	"strconv"

	"github.com/miekg/dns"
)

const (
	// EDNS0UDPSize is the UDP payload size advertised in the OPT resource.
	EDNS0UDPSize = 4096
)

// CacheKey generates a compact binary identification key for (qname, qtype).
// Names are canonicalized so lookups are case-insensitive.
func CacheKey(qname string, qtype uint16) string {
	name := dns.CanonicalName(qname)
	buf := make([]byte, 0, len(name)+2)
	buf = append(buf, name...)
	buf = append(buf, byte(qtype>>8), byte(qtype))
	return string(buf)
}

// NewQuery builds a query msg for qname/qtype with the given transaction id.
// If optResource is true an EDNS0 OPT resource advertising EDNS0UDPSize is
// appended.
func NewQuery(id uint16, qname string, qtype uint16, recursionDesired, optResource bool) *dns.Msg {
	q := new(dns.Msg)
	q.Id = id
	q.RecursionDesired = recursionDesired
	q.Question = []dns.Question{{
		Name:   dns.CanonicalName(qname),
		Qtype:  qtype,
		Qclass: dns.ClassINET,
	}}
	if optResource {
		q.SetEdns0(EDNS0UDPSize, false)
	}
	return q
}

// GetMinimalTTL returns the smallest TTL in the message, skipping OPT records.
func GetMinimalTTL(m *dns.Msg) uint32 {
	minTTL := ^uint32(0)
	hasRecord := false
	for _, section := range [...][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			hdr := rr.Header()
			if hdr.Rrtype != dns.TypeOPT {
				hasRecord = true
				if hdr.Ttl < minTTL {
					minTTL = hdr.Ttl
				}
			}
		}
	}
	if !hasRecord {
		return 0
	}
	return minTTL
}

// ClampTTL clamps ttl into [minTTL, maxTTL].
func ClampTTL(ttl, minTTL, maxTTL uint32) uint32 {
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl
}

// AnswerAddrs extracts the A or AAAA addresses of the given qtype from the
// answer section, preserving their order in the message.
func AnswerAddrs(m *dns.Msg, qtype uint16) []netip.Addr {
	var addrs []netip.Addr
	for _, rr := range m.Answer {
		switch ans := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				if addr, ok := netip.AddrFromSlice(ans.A.To4()); ok {
					addrs = append(addrs, addr)
				}
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				if addr, ok := netip.AddrFromSlice(ans.AAAA.To16()); ok {
					addrs = append(addrs, addr)
				}
			}
		}
	}
	return addrs
}

// NameEqual reports whether two domain names are equal, ignoring case and
// trailing dots.
func NameEqual(a, b string) bool {
	return dns.CanonicalName(a) == dns.CanonicalName(b)
}

func QtypeToString(u uint16) string {
	if s, ok := dns.TypeToString[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}

func RcodeToString(rcode int) string {
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}
	return strconv.Itoa(rcode)
}
