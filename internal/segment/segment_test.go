package segment

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/dberr"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/hashdir"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/keyhash"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/record"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type move struct {
	hash           keyhash.Hash
	newPos, oldPos int
}

func testConfig(t *testing.T) (Config, *[]move) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, IndexDir), 0o755))
	moves := &[]move{}
	return Config{
		Dir: dir,
		Move: func(_ *Segment, hash keyhash.Hash, newPos, oldPos int) {
			*moves = append(*moves, move{hash, newPos, oldPos})
		},
		Log: zap.NewNop().Sugar(),
	}, moves
}

// writeSegment appends records to a fresh segment and indexes the sets
// the way the store does.
func writeSegment(t *testing.T, cfg Config, number uint64, recs ...record.Record) *Segment {
	t.Helper()
	w, err := NewWriter(cfg.LogPath(number), true)
	require.NoError(t, err)
	defer w.Close()

	seg, err := OpenReplay(cfg, number)
	require.NoError(t, err)

	for _, rec := range recs {
		buf := record.Pack(rec)
		off, err := w.Write(buf)
		require.NoError(t, err)
		if rec.Kind == record.KindSet {
			seg.Add(hashdir.Item{Hash: keyhash.Sum(rec.Key), Offset: off, Size: uint64(len(buf))})
		}
	}
	require.NoError(t, w.Sync())
	return seg
}

func TestWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, utils.NumberedName(1, LogSuffix))

	w, err := NewWriter(path, true)
	require.NoError(t, err)

	off, err := w.Write(record.Pack(record.Set([]byte("k"), []byte("v"))))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)
	off, err = w.Write(record.Pack(record.Delete([]byte("k"))))
	require.NoError(t, err)
	assert.Equal(t, uint64(record.Align), off)
	assert.Equal(t, uint64(2*record.Align), w.Size())
	assert.Zero(t, w.Synced())
	require.NoError(t, w.Sync())
	assert.Equal(t, w.Size(), w.Synced())
	require.NoError(t, w.Close())

	_, err = NewWriter(path, true)
	assert.ErrorIs(t, err, dberr.ErrIO, "create must not reuse an existing file")

	w, err = NewWriter(path, false)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(2*record.Align), w.Size())
	assert.Equal(t, w.Size(), w.Synced(), "an existing file counts as synced")
}

func TestReplay(t *testing.T) {
	cfg, _ := testConfig(t)
	seg := writeSegment(t, cfg, 1,
		record.Set([]byte("a"), []byte("1")),
		record.Delete([]byte("a")),
		record.Set([]byte("b"), make([]byte, 100)),
	)
	defer seg.Close()

	type replayed struct {
		kind         record.Kind
		key          string
		offset, size uint64
	}
	var got []replayed
	require.NoError(t, seg.Replay(func(kind record.Kind, key []byte, offset, size uint64) {
		got = append(got, replayed{kind, string(key), offset, size})
	}))

	assert.Equal(t, []replayed{
		{record.KindSet, "a", 0, 32},
		{record.KindDelete, "a", 32, 32},
		{record.KindSet, "b", 64, 128},
	}, got)
}

func TestReplayCorruptTail(t *testing.T) {
	cfg, _ := testConfig(t)
	seg := writeSegment(t, cfg, 1,
		record.Set([]byte("a"), []byte("1")),
		record.Set([]byte("b"), []byte("2")),
	)
	seg.Close()

	f, err := os.OpenFile(cfg.LogPath(1), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("torn write"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	seg, err = OpenReplay(cfg, 1)
	require.NoError(t, err)
	defer seg.Close()

	count := 0
	err = seg.Replay(func(record.Kind, []byte, uint64, uint64) { count++ })
	var tail *CorruptTailError
	require.True(t, errors.As(err, &tail))
	assert.ErrorIs(t, err, dberr.ErrCorrupt)
	assert.Equal(t, 2, count)
	assert.Equal(t, uint64(64), tail.ValidSize)
	assert.Equal(t, uint64(74), tail.FileSize)
}

func TestRead(t *testing.T) {
	cfg, _ := testConfig(t)
	seg := writeSegment(t, cfg, 1,
		record.Set([]byte("key"), []byte("value")),
		record.Set([]byte("big"), make([]byte, 200)),
	)
	defer seg.Close()

	key, value, err := seg.Read(1, nil)
	require.NoError(t, err)
	assert.Equal(t, "key", string(key))
	assert.Equal(t, "value", string(value))

	buf := make([]byte, 4096)
	key, value, err = seg.Read(2, buf)
	require.NoError(t, err)
	assert.Equal(t, "big", string(key))
	assert.Len(t, value, 200)

	t.Run("delete record", func(t *testing.T) {
		w, err := NewWriter(cfg.LogPath(1), false)
		require.NoError(t, err)
		off, err := w.Write(record.Pack(record.Delete([]byte("key"))))
		require.NoError(t, err)
		w.Close()

		_, _, err = seg.reader.Read(off, 32, make([]byte, 32))
		assert.ErrorIs(t, err, ErrNotSet)
	})

	t.Run("short buffer", func(t *testing.T) {
		_, _, err := seg.reader.Read(0, 32, make([]byte, 8))
		assert.ErrorIs(t, err, dberr.ErrBufferTooSmall)
	})
}

func TestFreezeAndOpenFast(t *testing.T) {
	cfg, moves := testConfig(t)
	seg := writeSegment(t, cfg, 1,
		record.Set([]byte("a"), []byte("1")),
		record.Set([]byte("b"), []byte("2")),
		record.Set([]byte("c"), []byte("3")),
	)
	assert.False(t, seg.IsFrozen())
	assert.Equal(t, uint64(96), seg.UsedSize())

	require.NoError(t, seg.Freeze())
	assert.True(t, seg.IsFrozen())
	assert.FileExists(t, cfg.IndexPath(1))
	assert.Equal(t, 3, seg.Count())

	it := seg.Del(1)
	assert.Equal(t, keyhash.Sum([]byte("a")), it.Hash)
	assert.Equal(t, 2, seg.Count())
	assert.Equal(t, uint64(64), seg.UsedSize())
	assert.True(t, seg.Tombstones().Get(1))

	tombstones := seg.Tombstones()
	require.NoError(t, seg.Close())

	seg, err := OpenFast(cfg, 1, tombstones)
	require.NoError(t, err)
	defer seg.Close()
	assert.Equal(t, 2, seg.Count())

	var keys []string
	require.NoError(t, seg.IterateSorted(1<<20, func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"b", "c"}, keys)

	seg.Save()
	assert.Equal(t, 3, seg.Positions())
	assert.Equal(t, []move{{keyhash.Sum([]byte("c")), 1, 3}}, *moves)
}

func TestIterateSortedStops(t *testing.T) {
	cfg, _ := testConfig(t)
	seg := writeSegment(t, cfg, 1,
		record.Set([]byte("a"), []byte("1")),
		record.Set([]byte("b"), []byte("2")),
	)
	defer seg.Close()

	stop := errors.New("stop")
	calls := 0
	err := seg.IterateSorted(0, func(_, _ []byte) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestRemove(t *testing.T) {
	cfg, _ := testConfig(t)
	seg := writeSegment(t, cfg, 7, record.Set([]byte("a"), []byte("1")))
	require.NoError(t, seg.Freeze())
	assert.FileExists(t, hashdir.DirtyPath(cfg.IndexPath(7)))

	seg.Remove()
	assert.NoFileExists(t, cfg.LogPath(7))
	assert.NoFileExists(t, cfg.IndexPath(7))
	assert.NoFileExists(t, hashdir.DirtyPath(cfg.IndexPath(7)))
}
