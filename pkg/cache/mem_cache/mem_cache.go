package mem_cache

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pmkol/resolvex/pkg/lru"
)

const (
	shardNum               = 64
	defaultCleanerInterval = time.Minute
)

type elem struct {
	v          []byte
	storedTime int64 // Unix seconds
	expire     int64 // Unix seconds
}

type shard struct {
	sync.Mutex
	lru *lru.LRU[string, *elem]
}

// MemCache is the default in-memory cache backend: sharded LRU with lazy
// per-read expiry and a periodic cleaner.
type MemCache struct {
	seed             maphash.Seed
	shards           [shardNum]*shard
	closed           atomic.Bool
	closeCleanerChan chan struct{}
}

// New creates a MemCache holding up to size entries. A cleanerInterval of 0
// uses the default, a negative value disables the cleaner.
func New(size int, cleanerInterval time.Duration) *MemCache {
	sizePerShard := size / shardNum
	if sizePerShard < 16 {
		sizePerShard = 16
	}

	c := &MemCache{
		seed:             maphash.MakeSeed(),
		closeCleanerChan: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{lru: lru.New[string, *elem](sizePerShard, nil)}
	}

	if cleanerInterval == 0 {
		cleanerInterval = defaultCleanerInterval
	}
	if cleanerInterval > 0 {
		go c.startCleaner(cleanerInterval)
	}
	return c
}

func (c *MemCache) getShard(key string) *shard {
	h := maphash.String(c.seed, key)
	return c.shards[h&(shardNum-1)]
}

func (c *MemCache) Get(key string) (v []byte, storedTime, expirationTime int64) {
	if c.closed.Load() {
		return nil, 0, 0
	}

	s := c.getShard(key)
	s.Lock()
	e, ok := s.lru.Get(key)
	if ok && time.Now().Unix() >= e.expire {
		s.lru.Del(key)
		ok = false
	}
	s.Unlock()

	if !ok {
		return nil, 0, 0
	}
	return e.v, e.storedTime, e.expire
}

func (c *MemCache) Store(key string, v []byte, storedTime, expirationTime int64) {
	if c.closed.Load() {
		return
	}

	buf := make([]byte, len(v))
	copy(buf, v)
	e := &elem{v: buf, storedTime: storedTime, expire: expirationTime}

	s := c.getShard(key)
	s.Lock()
	s.lru.Add(key, e)
	s.Unlock()
}

func (c *MemCache) Clear() {
	for _, s := range c.shards {
		s.Lock()
		s.lru.Flush()
		s.Unlock()
	}
}

func (c *MemCache) Len() int {
	sum := 0
	for _, s := range c.shards {
		s.Lock()
		sum += s.lru.Len()
		s.Unlock()
	}
	return sum
}

func (c *MemCache) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.closeCleanerChan)
	}
	return nil
}

func (c *MemCache) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			now := time.Now().Unix()
			for _, s := range c.shards {
				s.Lock()
				s.lru.Clean(func(_ string, e *elem) bool {
					return e.expire <= now
				})
				s.Unlock()
			}
		}
	}
}
