// Package dnstest provides a configurable DNS server simulator for tests.
package dnstest

import (
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Response defines how the server answers a specific DNS question.
type Response struct {
	// Msg is sent as the response if non-nil. The Question and Id are set
	// from the incoming request before sending.
	Msg *dns.Msg

	// Rcode is used if Msg is nil to set the reply code in the generated
	// message. Defaults to RcodeSuccess.
	Rcode int

	// Raw is written directly on the wire instead of Msg/Rcode, allowing
	// malformed DNS packets.
	Raw []byte

	// Drop causes the server to ignore the request, simulating a timeout.
	Drop bool

	// Delay adds an optional delay before processing the response.
	Delay time.Duration
}

// Server simulates a UDP DNS server for use in tests. Questions without a
// configured Response and without a Responder are answered with NXDOMAIN.
type Server struct {
	// Addr is the address the server is listening on.
	Addr netip.AddrPort

	// Responder, if set, computes answers for questions not found in the
	// static response map.
	Responder func(name string, qtype uint16) *Response

	// OnQuery, if set, observes every decoded request before it is
	// answered.
	OnQuery func(req *dns.Msg)

	responses map[string]*Response
	udp       *dns.Server
}

// NewServer starts a DNS server on addr serving the provided responses.
// If the port in addr is "0" an available port is chosen automatically.
func NewServer(addr string, responses map[string]*Response) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Addr:      conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		responses: responses,
	}
	s.udp = &dns.Server{PacketConn: conn, Handler: dns.HandlerFunc(s.handle)}
	go s.udp.ActivateAndServe()
	return s, nil
}

// Close shuts down the server.
func (s *Server) Close() {
	if s.udp != nil {
		_ = s.udp.Shutdown()
	}
}

func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	if len(req.Question) == 0 {
		_ = w.Close()
		return
	}
	q := req.Question[0]

	if s.OnQuery != nil {
		s.OnQuery(req)
	}

	resp, ok := s.responses[Key(q.Name, q.Qtype)]
	if !ok && s.Responder != nil {
		resp = s.Responder(q.Name, q.Qtype)
	}
	if resp == nil {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNameError)
		_ = w.WriteMsg(m)
		return
	}

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	if resp.Drop {
		return
	}
	if resp.Raw != nil {
		_, _ = w.Write(resp.Raw)
		return
	}

	var m *dns.Msg
	if resp.Msg != nil {
		m = resp.Msg.Copy()
		// Preserve resource records from the original message after SetReply.
		ans, ns, extra := m.Answer, m.Ns, m.Extra
		m.SetReply(req)
		m.Answer, m.Ns, m.Extra = ans, ns, extra
	} else {
		m = new(dns.Msg)
		m.SetReply(req)
	}
	if resp.Rcode != 0 {
		m.Rcode = resp.Rcode
	}
	_ = w.WriteMsg(m)
}

// Key returns a map key for the given question name and type.
func Key(name string, qtype uint16) string {
	return strings.ToLower(dns.CanonicalName(name)) + "/" + strconv.FormatUint(uint64(qtype), 10)
}

// RandomA returns a Response holding between 1 and maxRecords A records with
// random addresses, mimicking upstreams that shuffle their answer sections.
func RandomA(name string, ttl uint32, maxRecords int) *Response {
	m := new(dns.Msg)
	n := 1 + rand.Intn(maxRecords)
	for i := 0; i < n; i++ {
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: dns.CanonicalName(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.IPv4(10, byte(rand.Intn(254)+1), byte(rand.Intn(254)+1), byte(rand.Intn(254)+1)),
		})
	}
	return &Response{Msg: m}
}

// A builds a success Response with one A record per address.
func A(name string, ttl uint32, ips ...string) *Response {
	m := new(dns.Msg)
	for _, ip := range ips {
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: dns.CanonicalName(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.ParseIP(ip),
		})
	}
	return &Response{Msg: m}
}

// AAAA builds a success Response with one AAAA record per address.
func AAAA(name string, ttl uint32, ips ...string) *Response {
	m := new(dns.Msg)
	for _, ip := range ips {
		m.Answer = append(m.Answer, &dns.AAAA{
			Hdr: dns.RR_Header{Name: dns.CanonicalName(name), Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
			AAAA: net.ParseIP(ip),
		})
	}
	return &Response{Msg: m}
}

// MX builds a success Response with one MX record per host, with ascending
// preference values.
func MX(name string, ttl uint32, hosts ...string) *Response {
	m := new(dns.Msg)
	for i, host := range hosts {
		m.Answer = append(m.Answer, &dns.MX{
			Hdr:        dns.RR_Header{Name: dns.CanonicalName(name), Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: ttl},
			Preference: uint16(i + 1),
			Mx:         dns.CanonicalName(host),
		})
	}
	return &Response{Msg: m}
}
