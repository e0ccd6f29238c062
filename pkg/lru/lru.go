// Package lru implements a fixed-capacity LRU map with in-order cleanup.
package lru

import "fmt"

type entry[K comparable, V any] struct {
	key        K
	v          V
	prev, next *entry[K, V]
}

// LRU is a least-recently-used map. It is not safe for concurrent use.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	m map[K]*entry[K, V]

	// oldest <-> ... <-> newest
	oldest, newest *entry[K, V]
}

func New[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("lru: invalid max size: %d", maxSize))
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*entry[K, V], maxSize),
	}
}

// Add adds or replaces the value for key, evicting the oldest entry if
// the map is full.
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.v = v
		q.moveToNewest(e)
		return
	}

	if len(q.m) >= q.maxSize {
		e := q.oldest
		q.unlink(e)
		delete(q.m, e.key)
		if q.onEvict != nil {
			q.onEvict(e.key, e.v)
		}
	}

	e := &entry[K, V]{key: key, v: v}
	q.m[key] = e
	q.pushNewest(e)
}

// Get returns the value for key and marks it most recently used.
func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.moveToNewest(e)
	return e.v, true
}

// Del removes key from the map. The eviction callback is not invoked.
func (q *LRU[K, V]) Del(key K) {
	if e, ok := q.m[key]; ok {
		q.unlink(e)
		delete(q.m, key)
	}
}

// Clean walks all entries from oldest to newest and removes those for
// which f returns true. Returns the number of removed entries.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	e := q.oldest
	for e != nil {
		next := e.next
		if f(e.key, e.v) {
			q.unlink(e)
			delete(q.m, e.key)
			removed++
		}
		e = next
	}
	return removed
}

// Flush removes all entries without invoking the eviction callback.
func (q *LRU[K, V]) Flush() {
	clear(q.m)
	q.oldest = nil
	q.newest = nil
}

func (q *LRU[K, V]) Len() int {
	return len(q.m)
}

func (q *LRU[K, V]) pushNewest(e *entry[K, V]) {
	e.prev = q.newest
	e.next = nil
	if q.newest != nil {
		q.newest.next = e
	} else {
		q.oldest = e
	}
	q.newest = e
}

func (q *LRU[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		q.oldest = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		q.newest = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (q *LRU[K, V]) moveToNewest(e *entry[K, V]) {
	if q.newest == e {
		return
	}
	q.unlink(e)
	q.pushNewest(e)
}
