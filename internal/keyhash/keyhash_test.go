package keyhash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		assert.Equal(t, Sum([]byte("language")), Sum([]byte("language")))
	})

	t.Run("differs for different keys", func(t *testing.T) {
		assert.NotEqual(t, Sum([]byte("a")), Sum([]byte("b")))
	})
}

func TestSlice(t *testing.T) {
	h := Hash{Lo: 0xFEDCBA9876543210, Hi: 0x0123456789ABCDEF}

	t.Run("matches a shift of the 128-bit value", func(t *testing.T) {
		for level := 0; level < 22; level++ {
			shift := uint(level * 6)
			var want uint64
			switch {
			case shift >= 64:
				want = h.Hi >> (shift - 64)
			case shift == 0:
				want = h.Lo
			default:
				want = h.Lo>>shift | h.Hi<<(64-shift)
			}
			assert.Equal(t, uint(want&0x3f), h.Slice(level), "level %d", level)
		}
	})

	t.Run("level 10 straddles both words", func(t *testing.T) {
		x := Hash{Lo: 0xF << 60, Hi: 0x3}
		assert.Equal(t, uint(0x3f), x.Slice(10))
	})
}

func TestPutRead(t *testing.T) {
	h := Sum([]byte("go"))
	buf := make([]byte, Size)
	h.Put(buf)
	require.Equal(t, h, Read(buf))
}
