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

// Package query_table tracks in-flight DNS queries by transaction id,
// matches inbound responses to them and applies per-query timeouts.
package query_table

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/resolvex/pkg/dnsutils"
	"github.com/pmkol/resolvex/pkg/pool"
	"github.com/pmkol/resolvex/pkg/transport"
)

const defaultTimeout = time.Second * 5

var (
	ErrQueryTimeout   = errors.New("query timed out")
	ErrQueryCancelled = errors.New("query cancelled")
	ErrTableClosed    = errors.New("query table closed")
	ErrNoFreeID       = errors.New("no free transaction id available")
)

var nopLogger = zap.NewNop()

// Result is the single completion of a PendingQuery. Exactly one of Msg and
// Err is set.
type Result struct {
	Msg  *dns.Msg
	From netip.AddrPort
	Err  error
}

// QueryOpts are the per-query wire options.
type QueryOpts struct {
	RecursionDesired bool
	OptResource      bool

	// Timeout overrides the table default when > 0.
	Timeout time.Duration
}

// PendingQuery is one outstanding request/response exchange. It is owned by
// the Table until it completes; the caller only observes Done.
type PendingQuery struct {
	id         uint16
	qname      string // canonical
	qtype      uint16
	server     netip.AddrPort
	resolution uint64
	deadline   time.Time

	done chan Result
}

// Done returns the completion channel. It yields exactly one Result.
func (p *PendingQuery) Done() <-chan Result {
	return p.done
}

func (p *PendingQuery) ID() uint16 {
	return p.id
}

type Opts struct {
	// Transport cannot be nil. The table registers itself as the
	// transport's inbound handler.
	Transport transport.Transport

	// Timeout is the default per-query timeout. Default is 5s.
	Timeout time.Duration

	// Logger is optional.
	Logger *zap.Logger
}

// Table is the query transaction table. All mutations are serialized on its
// mutex; inbound dispatch comes from the transport's single reader.
type Table struct {
	transport transport.Transport
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[uint16]*PendingQuery
	idCur   uint32

	resolutionCur atomic.Uint64

	wakeup  chan struct{}
	closeCh chan struct{}
	closed  atomic.Bool
}

func New(opts Opts) (*Table, error) {
	if opts.Transport == nil {
		return nil, errors.New("nil transport")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}

	t := &Table{
		transport: opts.Transport,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		pending:   make(map[uint16]*PendingQuery),
		wakeup:    make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
	t.transport.RegisterHandler(t.handleDatagram)
	go t.janitor()
	return t, nil
}

// NextResolutionID allocates an id grouping the queries of one logical
// resolution for CancelResolution.
func (t *Table) NextResolutionID() uint64 {
	return t.resolutionCur.Add(1)
}

// Issue allocates a fresh transaction id, registers the pending entry and
// sends the encoded query to server via the transport.
func (t *Table) Issue(resolution uint64, qname string, qtype uint16, server netip.AddrPort, qopts QueryOpts) (*PendingQuery, error) {
	if t.closed.Load() {
		return nil, ErrTableClosed
	}

	timeout := qopts.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}

	p := &PendingQuery{
		qname:      dns.CanonicalName(qname),
		qtype:      qtype,
		server:     server,
		resolution: resolution,
		deadline:   time.Now().Add(timeout),
		done:       make(chan Result, 1),
	}

	t.mu.Lock()
	// Re-checked under the mutex: Close drains pending while holding it, so
	// an entry registered here is either rejected now or completed by Close.
	if t.closed.Load() {
		t.mu.Unlock()
		return nil, ErrTableClosed
	}
	id, ok := t.claimIDLocked()
	if !ok {
		t.mu.Unlock()
		return nil, ErrNoFreeID
	}
	p.id = id
	t.pending[id] = p
	t.mu.Unlock()
	t.kickJanitor()

	q := dnsutils.NewQuery(id, p.qname, qtype, qopts.RecursionDesired, qopts.OptResource)
	payload, err := q.Pack()
	if err != nil {
		t.remove(id)
		return nil, fmt.Errorf("failed to pack query: %w", err)
	}
	if err := t.transport.Send(server, payload); err != nil {
		t.remove(id)
		return nil, fmt.Errorf("failed to send query: %w", err)
	}

	t.logger.Debug("query issued",
		zap.Uint16("id", id),
		zap.String("qname", p.qname),
		zap.String("qtype", dnsutils.QtypeToString(qtype)),
		zap.Stringer("server", server),
	)
	return p, nil
}

// CancelResolution removes and cancels every pending query belonging to the
// given resolution. Their eventual responses will be discarded as unmatched.
func (t *Table) CancelResolution(resolution uint64) {
	var cancelled []*PendingQuery
	t.mu.Lock()
	for id, p := range t.pending {
		if p.resolution == resolution {
			delete(t.pending, id)
			cancelled = append(cancelled, p)
		}
	}
	t.mu.Unlock()

	for _, p := range cancelled {
		p.done <- Result{Err: ErrQueryCancelled}
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.closeCh)

	t.mu.Lock()
	snapshot := make([]*PendingQuery, 0, len(t.pending))
	for _, p := range t.pending {
		snapshot = append(snapshot, p)
	}
	clear(t.pending)
	t.mu.Unlock()

	for _, p := range snapshot {
		p.done <- Result{Err: ErrTableClosed}
	}
	return nil
}

// claimIDLocked picks a transaction id that is not currently in flight.
// Ids are never reassigned while still pending.
func (t *Table) claimIDLocked() (uint16, bool) {
	for i := 0; i < 65536; i++ {
		id := uint16(t.idCur & 0xffff)
		t.idCur++
		if _, exists := t.pending[id]; !exists {
			return id, true
		}
	}
	return 0, false
}

func (t *Table) remove(id uint16) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// handleDatagram is the transport's inbound dispatcher. Malformed, unmatched
// and mismatched responses are discarded without completing anything; the
// corresponding query keeps waiting for its timeout.
func (t *Table) handleDatagram(from netip.AddrPort, payload []byte) {
	m := new(dns.Msg)
	if err := m.Unpack(payload); err != nil {
		t.logger.Debug("malformed datagram discarded", zap.Stringer("from", from), zap.Error(err))
		return
	}
	if !m.Response || len(m.Question) == 0 {
		t.logger.Debug("non-response datagram discarded", zap.Stringer("from", from))
		return
	}

	t.mu.Lock()
	p, ok := t.pending[m.Id]
	if ok {
		q := m.Question[0]
		if !dnsutils.NameEqual(q.Name, p.qname) || q.Qtype != p.qtype {
			// Wrong question for this id: spoofed or stale. Keep waiting.
			ok = false
			p = nil
		} else {
			delete(t.pending, m.Id)
		}
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("unmatched response discarded",
			zap.Uint16("id", m.Id),
			zap.Stringer("from", from),
		)
		return
	}

	p.done <- Result{Msg: m, From: from}
}

func (t *Table) kickJanitor() {
	select {
	case t.wakeup <- struct{}{}:
	default:
	}
}

// janitor times out pending queries. It sleeps until the nearest deadline
// and is woken up whenever a new query is issued.
func (t *Table) janitor() {
	for {
		var expired []*PendingQuery
		var nextDeadline time.Time

		t.mu.Lock()
		now := time.Now()
		for id, p := range t.pending {
			if now.After(p.deadline) {
				delete(t.pending, id)
				expired = append(expired, p)
			} else if nextDeadline.IsZero() || p.deadline.Before(nextDeadline) {
				nextDeadline = p.deadline
			}
		}
		t.mu.Unlock()

		for _, p := range expired {
			t.logger.Debug("query timed out",
				zap.Uint16("id", p.id),
				zap.String("qname", p.qname),
				zap.Stringer("server", p.server),
			)
			p.done <- Result{Err: ErrQueryTimeout}
		}

		if nextDeadline.IsZero() {
			select {
			case <-t.wakeup:
			case <-t.closeCh:
				return
			}
			continue
		}

		timer := pool.GetTimer(time.Until(nextDeadline))
		select {
		case <-t.wakeup:
		case <-timer.C:
		case <-t.closeCh:
			pool.ReleaseTimer(timer)
			return
		}
		pool.ReleaseTimer(timer)
	}
}
