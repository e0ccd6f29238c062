package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// allocator holds one sync.Pool per power-of-two size class up to 64KiB,
// which covers the largest possible DNS message.
var allocator = newAllocator(16)

type Buffer struct {
	b []byte
	p *sync.Pool
}

// Bytes returns the underlying slice. Its length is the size requested
// from GetBuf. Do not access it after Release.
func (b *Buffer) Bytes() []byte {
	return b.b
}

func (b *Buffer) Len() int {
	return len(b.b)
}

// Release returns the buffer to its pool.
func (b *Buffer) Release() {
	if b.p != nil {
		b.b = b.b[:cap(b.b)]
		b.p.Put(b)
	}
}

type bufAllocator struct {
	maxPoolBits int
	pools       []*sync.Pool
}

func newAllocator(maxPoolBits int) *bufAllocator {
	a := &bufAllocator{
		maxPoolBits: maxPoolBits,
		pools:       make([]*sync.Pool, maxPoolBits+1),
	}
	for i := range a.pools {
		size := 1 << i
		p := new(sync.Pool)
		p.New = func() interface{} {
			return &Buffer{b: make([]byte, size), p: p}
		}
		a.pools[i] = p
	}
	return a
}

// GetBuf returns a *Buffer with at least size bytes. The caller must call
// Buffer.Release after use.
func GetBuf(size int) *Buffer {
	if size <= 0 {
		panic(fmt.Sprintf("pool: invalid buffer size %d", size))
	}

	i := bits.Len(uint(size - 1))
	if i > allocator.maxPoolBits {
		// Too large to pool.
		return &Buffer{b: make([]byte, size)}
	}

	buf := allocator.pools[i].Get().(*Buffer)
	buf.b = buf.b[:size]
	return buf
}
