package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/bitmap"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/segment"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/snapshot"
)

// Records of an 8-byte key and a 100-byte value pack into 128 bytes, so
// a 4096-byte segment holds 32 of them.
const (
	testSegmentSize = 4096
	testValueSize   = 100
)

func openStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%04d", i))
}

func value(i, round int) []byte {
	v := make([]byte, testValueSize)
	copy(v, fmt.Sprintf("value-%d-%d", i, round))
	return v
}

// checkInvariants verifies that the index and the per-segment statistics
// agree.
func checkInvariants(t *testing.T, s *Store) {
	t.Helper()
	b := s.base
	require.NoError(t, b.tree.Check())

	var used int64
	count := 0
	b.ring.Ascend(func(seg *segment.Segment) bool {
		used += int64(seg.UsedSize())
		count += seg.Count()
		return true
	})
	assert.Equal(t, b.tree.Used().Sum, used, "used size")
	assert.Equal(t, b.tree.Len(), count, "live items")
	assert.Equal(t, uint64(b.tree.Len()), b.tree.Used().Count)

	var disk uint64
	b.ring.Ascend(func(seg *segment.Segment) bool {
		disk += seg.DiskSize()
		return true
	})
	assert.Equal(t, disk, b.diskSize, "disk size")
}

func requireValue(t *testing.T, s *Store, k, want []byte) {
	t.Helper()
	got, err := s.Get(k)
	require.NoError(t, err, "get %s", k)
	assert.Equal(t, want, got, "value of %s", k)
}

func TestSetGetDelete(t *testing.T) {
	s := openStore(t, t.TempDir())

	require.NoError(t, s.Set([]byte("foo"), []byte("bar"), true))
	requireValue(t, s, []byte("foo"), []byte("bar"))

	ok, err := s.Exists([]byte("foo"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Set([]byte("foo"), []byte("baz"), false))
	requireValue(t, s, []byte("foo"), []byte("baz"))
	assert.Equal(t, 1, s.Count())

	require.NoError(t, s.Delete([]byte("foo"), false))
	_, err = s.Get([]byte("foo"))
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err = s.Exists([]byte("foo"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete([]byte("never-set"), false))
	assert.Zero(t, s.Count())
	checkInvariants(t, s)
}

func TestGetInto(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Set([]byte("k"), []byte("0123456789"), false))

	buf := make([]byte, 16)
	n, err := s.GetInto([]byte("k"), buf)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(buf[:n]))

	_, err = s.GetInto([]byte("k"), make([]byte, 4))
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, err = s.GetInto([]byte("missing"), buf)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchIsApplied(t *testing.T) {
	s := openStore(t, t.TempDir())

	b := NewBatch()
	b.Set([]byte("a"), []byte("1"))
	b.Set([]byte("b"), []byte("2"))
	b.Set([]byte("a"), []byte("3"))
	b.Delete([]byte("b"))
	assert.Equal(t, 4, b.Len())
	assert.Equal(t, 3, b.Sets())
	assert.Equal(t, uint64(4*32), b.Size())

	n, err := s.Write(b, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(128), n)

	requireValue(t, s, []byte("a"), []byte("3"))
	_, err = s.Get([]byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)
	checkInvariants(t, s)

	b.Reset()
	assert.Zero(t, b.Len())
	assert.Zero(t, b.Size())
}

func TestTooLarge(t *testing.T) {
	t.Run("bytes", func(t *testing.T) {
		s := openStore(t, t.TempDir(), WithSegmentSizeLimit(testSegmentSize))
		b := NewBatch()
		b.Set([]byte("big"), make([]byte, testSegmentSize))
		_, err := s.Write(b, false)
		assert.ErrorIs(t, err, ErrTooLarge)
		assert.Zero(t, s.Count())
	})

	t.Run("sets", func(t *testing.T) {
		s := openStore(t, t.TempDir(), WithIndexSizeLimit(4*25))
		b := NewBatch()
		for i := 0; i < 4; i++ {
			b.Set(key(i), []byte("v"))
		}
		_, err := s.Write(b, false)
		assert.ErrorIs(t, err, ErrTooLarge)

		b.Reset()
		for i := 0; i < 3; i++ {
			b.Set(key(i), []byte("v"))
		}
		_, err = s.Write(b, false)
		assert.NoError(t, err)
	})
}

func TestSlotLimitRolls(t *testing.T) {
	s := openStore(t, t.TempDir(), WithIndexSizeLimit(4*25))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Set(key(i), value(i, 0), false))
	}
	assert.Greater(t, s.base.ring.Len(), 3)
	for i := 0; i < 10; i++ {
		requireValue(t, s, key(i), value(i, 0))
	}
	checkInvariants(t, s)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Set(key(i), value(i, 0), false))
	}
	require.NoError(t, s.Delete(key(7), false))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	assert.Equal(t, 99, s.Count())
	requireValue(t, s, key(42), value(42, 0))
	_, err := s.Get(key(7))
	assert.ErrorIs(t, err, ErrNotFound)
	checkInvariants(t, s)
}

func TestLockHeld(t *testing.T) {
	dir := t.TempDir()
	openStore(t, dir)

	_, err := Open(dir)
	assert.Error(t, err)
}

func TestRollAndSnapshotReload(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, WithSegmentSizeLimit(testSegmentSize))

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Set(key(i), value(i, 0), false))
	}
	// Deleting keys of frozen segments leaves tombstones.
	for i := 0; i < 100; i += 3 {
		require.NoError(t, s.Delete(key(i), false))
	}
	// Fill one more segment so the snapshot includes the tombstones.
	for i := 100; i < 140; i++ {
		require.NoError(t, s.Set(key(i), value(i, 0), false))
	}
	assert.Greater(t, s.base.ring.Len(), 3)
	assert.FileExists(t, filepath.Join(dir, segment.IndexDir, snapshot.FileName))
	checkInvariants(t, s)
	want := s.Count()
	require.NoError(t, s.Close())

	s = openStore(t, dir, WithSegmentSizeLimit(testSegmentSize))
	assert.Equal(t, want, s.Count())
	for i := 0; i < 140; i++ {
		if i < 100 && i%3 == 0 {
			_, err := s.Get(key(i))
			assert.ErrorIs(t, err, ErrNotFound, "key %d", i)
			continue
		}
		requireValue(t, s, key(i), value(i, 0))
	}
	checkInvariants(t, s)
}

func TestReloadWithMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, WithSegmentSizeLimit(testSegmentSize))
	for i := 0; i < 150; i++ {
		require.NoError(t, s.Set(key(i), value(i, 0), false))
	}
	cfg := s.base.cfg
	require.NoError(t, s.Close())

	// Losing a directory file forces that segment and the later ones to be
	// replayed from their logs.
	idx := cfg.IndexPath(2)
	require.NoError(t, os.Remove(idx))
	os.Remove(idx + ".dirty")

	s = openStore(t, dir, WithSegmentSizeLimit(testSegmentSize))
	assert.Equal(t, 150, s.Count())
	for i := 0; i < 150; i++ {
		requireValue(t, s, key(i), value(i, 0))
	}
	checkInvariants(t, s)
}

func TestReloadSkipsRemovedSegmentInSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, WithSegmentSizeLimit(testSegmentSize))
	for i := 0; i < 80; i++ {
		require.NoError(t, s.Set(key(i), value(i, 0), false))
	}
	cfg := s.base.cfg
	require.NoError(t, s.Close())

	// Prepend an entry for a segment number that no longer exists on
	// disk, as left by a crash between freeing a segment and saving the
	// snapshot.
	indexDir := filepath.Join(dir, segment.IndexDir)
	r, err := snapshot.Open(indexDir)
	require.NoError(t, err)
	var entries []snapshot.Entry
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		entries = append(entries, e)
	}
	require.NotEmpty(t, entries)
	require.NoError(t, os.Rename(cfg.LogPath(1), filepath.Join(dir, "moved.bak")))
	require.NoError(t, os.Remove(cfg.IndexPath(1)))
	os.Remove(cfg.IndexPath(1) + ".dirty")

	w, err := snapshot.Create(indexDir)
	require.NoError(t, err)
	require.NoError(t, w.Write(1, bitmap.New(64)))
	for _, e := range entries[1:] {
		require.NoError(t, w.Write(e.Number, e.Tombstones))
	}
	require.NoError(t, w.Commit())

	s = openStore(t, dir, WithSegmentSizeLimit(testSegmentSize))
	oldest, ok := s.base.ring.Oldest()
	require.True(t, ok)
	assert.Equal(t, uint64(2), oldest.Number())
	requireValue(t, s, key(79), value(79, 0))
	checkInvariants(t, s)
}

func TestTornTail(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Set(key(i), value(i, 0), false))
	}
	path := s.base.writer.Path()
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xEF, 0xBE, 0xD0, 0xAD, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir, WithLogger(zaptest.NewLogger(t)))
	assert.ErrorIs(t, err, ErrCorrupt)

	s = openStore(t, dir, WithTruncateCorruptTail())
	assert.Equal(t, 10, s.Count())
	for i := 0; i < 10; i++ {
		requireValue(t, s, key(i), value(i, 0))
	}
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10*128), st.Size())

	require.NoError(t, s.Set(key(10), value(10, 0), false))
	requireValue(t, s, key(10), value(10, 0))
	checkInvariants(t, s)
}

func TestGCReducesRatio(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, WithSegmentSizeLimit(testSegmentSize))

	for round := 0; round < 20; round++ {
		for i := 0; i < 10; i++ {
			require.NoError(t, s.Set(key(i), value(i, round), false))
		}
	}
	before := s.Ratio()
	assert.Greater(t, before, 5.0)
	segments := s.base.ring.Len()

	for i := 0; i < segments; i++ {
		_, err := s.Roll(1 << 20)
		require.NoError(t, err)
		checkInvariants(t, s)
	}

	after := s.Ratio()
	assert.Less(t, after, before)
	assert.Less(t, s.base.ring.Len(), segments)
	for i := 0; i < 10; i++ {
		requireValue(t, s, key(i), value(i, 19))
	}

	require.NoError(t, s.Close())
	s = openStore(t, dir, WithSegmentSizeLimit(testSegmentSize))
	for i := 0; i < 10; i++ {
		requireValue(t, s, key(i), value(i, 19))
	}
	checkInvariants(t, s)
}

func TestGCSingleSegmentRolls(t *testing.T) {
	s := openStore(t, t.TempDir())
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(key(i), value(i, 0), false))
	}

	written, err := s.Roll(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(5*128), written)
	assert.Equal(t, 1, s.base.ring.Len(), "the emptied first segment is freed")
	for i := 0; i < 5; i++ {
		requireValue(t, s, key(i), value(i, 0))
	}
	checkInvariants(t, s)
}

func TestExhausted(t *testing.T) {
	s := openStore(t, t.TempDir(), WithSegmentSizeLimit(testSegmentSize), WithMaxSegments(2))

	var err error
	i := 0
	for ; i < 100 && err == nil; i++ {
		err = s.Set(key(i), value(i, 0), false)
	}
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 65, i, "two full segments fit")
	requireValue(t, s, key(0), value(0, 0))
	checkInvariants(t, s)
}

func TestIterate(t *testing.T) {
	s := openStore(t, t.TempDir(), WithSegmentSizeLimit(testSegmentSize))
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Set(key(i), value(i, 0), false))
	}
	require.NoError(t, s.Delete(key(3), false))

	seen := map[string]bool{}
	err := s.Iterate(1<<16, func(k, v []byte) error {
		seen[string(k)] = true
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 49)
	assert.False(t, seen[string(key(3))])

	stop := errors.New("stop")
	calls := 0
	err = s.Iterate(0, func(k, v []byte) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestPrefetch(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Set(key(1), value(1, 0), false))

	sizes := s.Prefetch([][]byte{key(1), key(2)})
	assert.Equal(t, []int{128, -1}, sizes)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(t.TempDir(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = s.Write(NewBatch(), false)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestOptionsClamp(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want limits
	}{
		{"defaults", nil, limits{MaxSegmentSize, MaxMaxSegments, MaxIndexSlots}},
		{"in range", []Option{WithSegmentSizeLimit(1 << 20), WithMaxSegments(16), WithIndexSizeLimit(25 * 1000)},
			limits{1 << 20, 16, 1000}},
		{"too small", []Option{WithSegmentSizeLimit(100), WithMaxSegments(1), WithIndexSizeLimit(25)},
			limits{MaxSegmentSize, MaxMaxSegments, MaxIndexSlots}},
		{"too large", []Option{WithSegmentSizeLimit(1 << 40), WithMaxSegments(1 << 20)},
			limits{MaxSegmentSize, MaxMaxSegments, MaxIndexSlots}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newOptions(tt.opts).limits())
		})
	}
}

func TestRollSyncsBeforeFreezing(t *testing.T) {
	s := openStore(t, t.TempDir(), WithSegmentSizeLimit(testSegmentSize))
	for i := 0; i < 32; i++ {
		require.NoError(t, s.Set(key(i), value(i, 0), false))
	}
	first := s.base.writer
	assert.Less(t, first.Synced(), first.Size())

	require.NoError(t, s.Set(key(32), value(32, 0), false))
	require.NotSame(t, first, s.base.writer)
	assert.Equal(t, first.Size(), first.Synced(), "the frozen segment was synced")
	checkInvariants(t, s)
}

func TestRollFailsWhenSyncFails(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, WithSegmentSizeLimit(testSegmentSize))
	for i := 0; i < 32; i++ {
		require.NoError(t, s.Set(key(i), value(i, 0), false))
	}
	cfg := s.base.cfg
	// A closed file makes the next sync fail.
	require.NoError(t, s.base.writer.Close())

	err := s.Set(key(32), value(32, 0), false)
	assert.ErrorIs(t, err, ErrIO)

	newest, ok := s.base.ring.Newest()
	require.True(t, ok)
	assert.Equal(t, uint64(1), newest.Number())
	assert.False(t, newest.IsFrozen(), "nothing is frozen before the log is durable")
	assert.NoFileExists(t, cfg.IndexPath(1))
	assert.NoFileExists(t, cfg.LogPath(2))
	assert.Equal(t, 1, s.base.ring.Len())
}

func TestFrozenDirectoryCompaction(t *testing.T) {
	dir := t.TempDir()
	const (
		segmentSize = 512 << 10
		keys        = 40000
	)
	// 32-byte records: 16384 per segment, so each frozen directory holds
	// enough items for the frozen list to compact it before it compacts
	// itself.
	small := func(i int) []byte {
		return []byte(fmt.Sprintf("%03d", i%1000))
	}

	s := openStore(t, dir, WithSegmentSizeLimit(segmentSize))
	for i := 0; i < keys; i++ {
		require.NoError(t, s.Set(key(i), small(i), false))
	}
	require.Greater(t, s.base.ring.Len(), 2)

	positions := map[uint64]int{}
	s.base.ring.Ascend(func(seg *segment.Segment) bool {
		if seg.IsFrozen() {
			positions[seg.Number()] = seg.Positions()
		}
		return true
	})

	for i := 0; i < keys; i++ {
		if i%4 != 0 {
			require.NoError(t, s.Delete(key(i), false))
		}
	}
	checkInvariants(t, s)
	s.base.ring.Ascend(func(seg *segment.Segment) bool {
		if before, ok := positions[seg.Number()]; ok {
			assert.Less(t, seg.Positions(), before, "segment %x was compacted", seg.Number())
		}
		return true
	})

	verify := func(s *Store) {
		t.Helper()
		assert.Equal(t, keys/4, s.Count())
		for i := 0; i < keys; i++ {
			if i%4 == 0 {
				requireValue(t, s, key(i), small(i))
				continue
			}
			_, err := s.Get(key(i))
			require.ErrorIs(t, err, ErrNotFound, "key %d", i)
		}
		checkInvariants(t, s)
	}
	verify(s)

	require.NoError(t, s.Close())
	s = openStore(t, dir, WithSegmentSizeLimit(segmentSize))
	verify(s)

	for i := 0; i < 20; i++ {
		_, err := s.Roll(1 << 20)
		require.NoError(t, err)
	}
	verify(s)

	require.NoError(t, s.Close())
	s = openStore(t, dir, WithSegmentSizeLimit(segmentSize))
	verify(s)
}

func TestGCBudgetCheckedPerFlush(t *testing.T) {
	s := openStore(t, t.TempDir())
	for i := 0; i < 2*gcFlushItems; i++ {
		require.NoError(t, s.Set(key(i), []byte("v"), false))
	}

	// One flush of gcFlushItems 32-byte records already passes a one-byte
	// budget, so the round stops there.
	written, err := s.Roll(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(gcFlushItems*32), written)
	checkInvariants(t, s)

	written, err = s.Roll(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(gcFlushItems*32), written, "the rest of the segment")
	for i := 0; i < 2*gcFlushItems; i++ {
		requireValue(t, s, key(i), []byte("v"))
	}
	checkInvariants(t, s)
}
