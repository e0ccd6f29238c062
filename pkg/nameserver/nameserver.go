// Package nameserver supplies candidate upstream server endpoints.
package nameserver

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
)

// DefaultPort is the port assumed when an address has none.
const DefaultPort = 53

// Provider supplies the ordered list of upstream servers a resolution should
// try. Implementations must be safe for concurrent use.
type Provider interface {
	// Addresses returns at least one endpoint. The first entry is tried
	// first; later entries serve as retry targets.
	Addresses() []netip.AddrPort
}

type singleton netip.AddrPort

func (s singleton) Addresses() []netip.AddrPort {
	return []netip.AddrPort{netip.AddrPort(s)}
}

// Singleton returns a Provider that always yields addr.
func Singleton(addr netip.AddrPort) Provider {
	return singleton(addr)
}

// RoundRobin rotates the starting server on every call so queries spread
// across the configured upstreams while keeping the full list as fallbacks.
type RoundRobin struct {
	addrs []netip.AddrPort
	next  uint32
}

func NewRoundRobin(addrs []netip.AddrPort) (*RoundRobin, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no server address")
	}
	return &RoundRobin{addrs: addrs}, nil
}

func (r *RoundRobin) Addresses() []netip.AddrPort {
	i := int(atomic.AddUint32(&r.next, 1)-1) % len(r.addrs)
	out := make([]netip.AddrPort, 0, len(r.addrs))
	out = append(out, r.addrs[i:]...)
	out = append(out, r.addrs[:i]...)
	return out
}

// ParseAddr parses s as an upstream endpoint. A missing port defaults to
// DefaultPort. Accepts "8.8.8.8", "8.8.8.8:53" and "[::1]:53" forms.
func ParseAddr(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid server address %q: %w", s, err)
	}
	return netip.AddrPortFrom(addr, DefaultPort), nil
}

// FromStrings parses ss into a Provider: a Singleton for one address,
// a RoundRobin for more.
func FromStrings(ss []string) (Provider, error) {
	if len(ss) == 0 {
		return nil, errors.New("no server address")
	}
	addrs := make([]netip.AddrPort, 0, len(ss))
	for _, s := range ss {
		ap, err := ParseAddr(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, ap)
	}
	if len(addrs) == 1 {
		return Singleton(addrs[0]), nil
	}
	return NewRoundRobin(addrs)
}
