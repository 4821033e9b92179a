package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSlabPool_RentRoundsUpToClass(t *testing.T) {
	p := NewSlabPool(1024, 8192)

	assert.Equal(t, 1024, p.MinimumSegmentSize())
	assert.Len(t, p.Rent(0), 1024)
	assert.Len(t, p.Rent(1), 1024)
	assert.Len(t, p.Rent(1025), 2048)
	assert.Len(t, p.Rent(8192), 8192)

	big := p.Rent(10000)
	assert.Len(t, big, 10000)
}

func TestSlabPool_ReturnClearsBuffer(t *testing.T) {
	p := NewSlabPool(64, 64)

	buf := p.Rent(64)
	for i := range buf {
		buf[i] = 0xAA
	}
	p.Return(buf)

	// sync.Pool may or may not hand back the same buffer; either way it must
	// never expose old contents.
	again := p.Rent(64)
	require.Len(t, again, 64)
	for _, b := range again {
		assert.Zero(t, b)
	}
}

func TestSlabPool_ReturnIgnoresForeignBuffers(t *testing.T) {
	p := NewSlabPool(64, 128)

	p.Return(nil)
	p.Return(make([]byte, 100))
	p.Return(make([]byte, 4096))

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.Rented)
	assert.Equal(t, int64(2), stats.Returned)
}

func TestNewSlabPool_Defaults(t *testing.T) {
	p := NewSlabPool(0, 0)
	assert.Equal(t, DefaultSegmentSize, p.MinimumSegmentSize())
	assert.Len(t, p.Rent(DefaultSegmentSize), DefaultSegmentSize)
}

func TestSlabPool_RentProperty(t *testing.T) {
	p := NewSlabPool(256, 4096)

	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(-10, 10000).Draw(t, "size")
		buf := p.Rent(size)

		want := size
		if want <= 0 {
			want = p.MinimumSegmentSize()
		}
		if len(buf) < want {
			t.Fatalf("rented %d bytes for request of %d", len(buf), size)
		}
		if len(buf) < p.MinimumSegmentSize() {
			t.Fatalf("rented %d bytes, below minimum segment", len(buf))
		}
		p.Return(buf)
	})
}
