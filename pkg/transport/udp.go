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

package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pmkol/resolvex/pkg/pool"
)

var nopLogger = zap.NewNop()

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

type UDPTransportOpts struct {
	// LocalAddr is the local address to bind. Empty binds a wildcard
	// address with an ephemeral port.
	LocalAddr string

	// Logger is optional.
	Logger *zap.Logger
}

// UDPTransport owns one unconnected UDP socket. A single reader goroutine
// forwards every inbound datagram to the registered handler, so response
// dispatch is serialized as the transaction table requires.
type UDPTransport struct {
	logger *zap.Logger
	conn   *net.UDPConn

	handler atomic.Pointer[Handler]
	closed  atomic.Bool
}

func NewUDPTransport(opts UDPTransportOpts) (*UDPTransport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger
	}

	var laddr *net.UDPAddr
	if len(opts.LocalAddr) > 0 {
		a, err := net.ResolveUDPAddr("udp", opts.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid local addr: %w", err)
		}
		laddr = a
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open udp socket: %w", err)
	}

	t := &UDPTransport{
		logger: logger,
		conn:   conn,
	}
	go t.reader()
	return t, nil
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) RegisterHandler(h Handler) {
	t.handler.Store(&h)
}

func (t *UDPTransport) Send(server netip.AddrPort, payload []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	_, err := t.conn.WriteToUDPAddrPort(payload, server)
	return err
}

func (t *UDPTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		return t.conn.Close()
	}
	return nil
}

func (t *UDPTransport) reader() {
	readBuf := pool.GetBuf(64 * 1024)
	defer readBuf.Release()
	rb := readBuf.Bytes()

	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(rb)
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.logger.Warn("udp read error", zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		h := t.handler.Load()
		if h == nil {
			t.logger.Debug("datagram arrived before handler registration", zap.Stringer("from", from))
			continue
		}

		// The handler may retain the payload, hand it a copy.
		payload := make([]byte, n)
		copy(payload, rb[:n])
		(*h)(from, payload)
	}
}
