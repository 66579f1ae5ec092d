package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStdDev(t *testing.T) {
	var s StdDev
	for _, v := range []int64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Add(v)
	}

	count, avg, dev := s.Get()
	assert.Equal(t, uint64(8), count)
	assert.InDelta(t, 5.0, avg, 1e-9)
	assert.InDelta(t, 2.0, dev, 1e-9)

	s.Modify(9, 5)
	s.Remove(5)
	count, avg, _ = s.Get()
	assert.Equal(t, uint64(7), count)
	assert.InDelta(t, 31.0/7.0, avg, 1e-9)
}

func TestMergeSplit(t *testing.T) {
	var a, b StdDev
	a.Add(10)
	b.Add(20)
	b.Add(30)

	m := Merge(a, b)
	assert.Equal(t, uint64(3), m.Count)
	assert.Equal(t, int64(60), m.Sum)
	assert.Equal(t, a, Split(m, b))
}

func TestEmpty(t *testing.T) {
	count, avg, dev := StdDev{}.Get()
	assert.Zero(t, count)
	assert.Zero(t, avg)
	assert.Zero(t, dev)
}
