// Package transport moves raw DNS datagrams between the resolver and the
// configured upstream servers.
package transport

import (
	"io"
	"net/netip"
)

// Handler receives one inbound datagram. The payload is owned by the handler
// and remains valid after it returns.
type Handler func(from netip.AddrPort, payload []byte)

// Transport sends query payloads to upstream servers and delivers inbound
// datagrams to a single registered handler.
type Transport interface {
	// Send writes one datagram to server. It must not retain payload.
	Send(server netip.AddrPort, payload []byte) error

	// RegisterHandler sets the inbound dispatcher. It must be called before
	// any response can be delivered; datagrams arriving earlier are dropped.
	RegisterHandler(h Handler)

	io.Closer
}
