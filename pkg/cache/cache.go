// Package cache implements the resolver's positive and negative DNS cache.
package cache

import (
	"io"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/resolvex/pkg/dnsutils"
)

// Backend is the kv storage under Cache. Values are opaque byte slices with
// second-resolution expiry timestamps.
type Backend interface {
	// Get returns the stored value for key. A nil v means miss. Backends may
	// serve values past expirationTime; Cache re-checks expiry on every read.
	Get(key string) (v []byte, storedTime, expirationTime int64)

	// Store stores v under key. The backend must copy v.
	Store(key string, v []byte, storedTime, expirationTime int64)

	// Clear drops all stored entries.
	Clear()

	Len() int

	io.Closer
}

// FailureReason classifies a negatively cached resolution failure.
type FailureReason uint8

const (
	// ReasonNameNotFound is a definitive NXDOMAIN answer.
	ReasonNameNotFound FailureReason = iota + 1

	// ReasonNoUsableRecord is a definitive answer that carried no usable
	// records for any attempted record type.
	ReasonNoUsableRecord
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNameNotFound:
		return "name not found"
	case ReasonNoUsableRecord:
		return "no usable record"
	default:
		return "unknown"
	}
}

var nopLogger = zap.NewNop()

type Opts struct {
	// Backend cannot be nil.
	Backend Backend

	// Logger is optional.
	Logger *zap.Logger
}

// Cache stores positive results as frozen packed messages and negative
// results as failure markers. Entries are never returned past their expiry.
type Cache struct {
	backend Backend
	logger  *zap.Logger
}

func New(opts Opts) *Cache {
	if opts.Backend == nil {
		panic("cache: nil backend")
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &Cache{backend: opts.Backend, logger: logger}
}

// LookupPositive returns the cached response for (qname, qtype), or nil on a
// miss. The returned msg is a fresh copy unpacked from the stored snapshot,
// so repeated hits observe identical records in identical order.
func (c *Cache) LookupPositive(qname string, qtype uint16) *dns.Msg {
	v, _, expire := c.backend.Get(dnsutils.CacheKey(qname, qtype))
	if v == nil || time.Now().Unix() >= expire {
		return nil
	}
	m := new(dns.Msg)
	if err := m.Unpack(v); err != nil {
		c.logger.Warn("corrupted cache entry", zap.String("qname", qname), zap.Error(err))
		return nil
	}
	return m
}

// StorePositive stores the packed form of r under (qname, qtype) for
// ttlSeconds. The caller is expected to have clamped ttlSeconds already.
func (c *Cache) StorePositive(qname string, qtype uint16, r *dns.Msg, ttlSeconds uint32) {
	if ttlSeconds == 0 {
		return
	}
	v, err := r.Pack()
	if err != nil {
		c.logger.Warn("failed to pack response for caching", zap.String("qname", qname), zap.Error(err))
		return
	}
	now := time.Now().Unix()
	c.backend.Store(dnsutils.CacheKey(qname, qtype), v, now, now+int64(ttlSeconds))
}

// LookupNegative returns the cached failure reason for qname, if any.
func (c *Cache) LookupNegative(qname string) (FailureReason, bool) {
	v, _, expire := c.backend.Get(negativeKey(qname))
	if len(v) != 1 || time.Now().Unix() >= expire {
		return 0, false
	}
	return FailureReason(v[0]), true
}

// StoreNegative records a resolution failure for qname for ttlSeconds.
func (c *Cache) StoreNegative(qname string, reason FailureReason, ttlSeconds uint32) {
	if ttlSeconds == 0 {
		return
	}
	now := time.Now().Unix()
	c.backend.Store(negativeKey(qname), []byte{byte(reason)}, now, now+int64(ttlSeconds))
}

// Clear empties both the positive and the negative cache. Safe to call
// concurrently with lookups; in-flight queries are unaffected.
func (c *Cache) Clear() {
	c.backend.Clear()
}

func (c *Cache) Len() int {
	return c.backend.Len()
}

func (c *Cache) Close() error {
	return c.backend.Close()
}

// negativeKey keeps negative entries in a key space distinct from any
// possible positive CacheKey, which always ends with a qtype.
func negativeKey(qname string) string {
	return "!" + dns.CanonicalName(qname)
}
