package memory

import (
	"sync"
	"sync/atomic"
)

const (
	// DefaultSegmentSize is the minimum segment handed out by the shared pool.
	DefaultSegmentSize = 4096
	// DefaultMaxPooledSize is the largest buffer kept for reuse.
	DefaultMaxPooledSize = 1 << 20
)

// Pool hands out reusable byte buffers.
type Pool interface {
	// Rent returns a buffer whose length is at least size. A size of zero or
	// less asks for one minimum segment.
	Rent(size int) []byte
	// Return gives a buffer obtained from Rent back to the pool.
	Return(buf []byte)
	// MinimumSegmentSize reports the smallest buffer length Rent produces.
	MinimumSegmentSize() int
}

// Shared is the process wide pool used when callers do not supply one.
var Shared Pool = NewSlabPool(DefaultSegmentSize, DefaultMaxPooledSize)

// bufferClass is a sync.Pool of equally sized buffers.
type bufferClass struct {
	size int
	pool sync.Pool
}

// SlabPool is a Pool made of power-of-two size classes. Buffers larger than
// the biggest class are allocated directly and dropped on Return.
type SlabPool struct {
	classes     []*bufferClass
	segmentSize int

	rented   atomic.Int64
	returned atomic.Int64
}

// PoolStats is a snapshot of pool usage counters.
type PoolStats struct {
	Rented   int64
	Returned int64
}

// NewSlabPool creates a pool whose classes double from segmentSize up to
// maxSize.
func NewSlabPool(segmentSize, maxSize int) *SlabPool {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	if maxSize < segmentSize {
		maxSize = segmentSize
	}

	p := &SlabPool{segmentSize: segmentSize}
	for size := segmentSize; size <= maxSize; size *= 2 {
		class := &bufferClass{size: size}
		class.pool.New = func() interface{} {
			buf := make([]byte, class.size)
			return &buf
		}
		p.classes = append(p.classes, class)
	}
	return p
}

// MinimumSegmentSize implements Pool.
func (p *SlabPool) MinimumSegmentSize() int {
	return p.segmentSize
}

// Rent implements Pool.
func (p *SlabPool) Rent(size int) []byte {
	if size <= 0 {
		size = p.segmentSize
	}
	p.rented.Add(1)

	class := p.classFor(size)
	if class == nil {
		return make([]byte, size)
	}
	buf := class.pool.Get().(*[]byte)
	return (*buf)[:class.size]
}

// Return implements Pool. Buffers that did not come from a size class are
// ignored. Contents are cleared before reuse.
func (p *SlabPool) Return(buf []byte) {
	if buf == nil {
		return
	}
	p.returned.Add(1)

	buf = buf[:cap(buf)]
	class := p.classFor(len(buf))
	if class == nil || class.size != len(buf) {
		return
	}
	clear(buf)
	class.pool.Put(&buf)
}

// Stats returns the rent/return counters.
func (p *SlabPool) Stats() PoolStats {
	return PoolStats{
		Rented:   p.rented.Load(),
		Returned: p.returned.Load(),
	}
}

func (p *SlabPool) classFor(size int) *bufferClass {
	for _, class := range p.classes {
		if class.size >= size {
			return class
		}
	}
	return nil
}
