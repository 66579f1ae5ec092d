package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPadsToWords(t *testing.T) {
	b := New(70)
	assert.Equal(t, 128, b.Size())

	for i := 1; i < 70; i++ {
		assert.False(t, b.Get(i), "bit %d", i)
	}
	for i := 70; i < 128; i++ {
		assert.True(t, b.Get(i), "padding bit %d", i)
	}
	assert.Equal(t, 58, b.Count())
}

func TestSetClear(t *testing.T) {
	b := New(10)
	b.Set(3)
	assert.True(t, b.Get(3))
	b.Clear(3)
	assert.False(t, b.Get(3))

	assert.Panics(t, func() { b.Set(0) })
	assert.Panics(t, func() { b.Set(64) })
}

func TestBytesRoundTrip(t *testing.T) {
	b := New(200)
	b.Set(1)
	b.Set(63)
	b.Set(64)
	b.Set(199)

	raw := b.Bytes()
	require.Len(t, raw, 256/8)
	assert.Equal(t, byte(0x02), raw[0])

	c, err := FromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, b.Size(), c.Size())
	for i := 1; i < c.Size(); i++ {
		assert.Equal(t, b.Get(i), c.Get(i), "bit %d", i)
	}

	_, err = FromBytes(raw[:5])
	assert.Error(t, err)
}
