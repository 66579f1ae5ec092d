package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/dberr"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/hashdir"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/itree"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/keyhash"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/record"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/ring"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/segment"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/snapshot"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/utils"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/worker"
)

var errStopIteration = errors.New("stop iteration")

// base owns the segment window, the index and the writer. It is driven
// by a single goroutine.
type base struct {
	log    *zap.SugaredLogger
	limits limits

	indexDir string
	truncate bool

	cfg    segment.Config
	ring   *itree.Ring
	tree   *itree.Tree
	worker *worker.Worker
	frozen *hashdir.List
	writer *segment.Writer

	diskSize uint64
}

func newBase(dir string, o *Options) *base {
	log := o.Logger.Sugar()
	lim := o.limits()

	r := ring.New[*segment.Segment](lim.maxSegments)
	tree := itree.New(r)
	w := worker.New(log)
	frozen := hashdir.NewList(w, log)

	return &base{
		log:      log,
		limits:   lim,
		indexDir: filepath.Join(dir, segment.IndexDir),
		truncate: o.TruncateCorruptTail,
		cfg: segment.Config{
			Dir:    dir,
			Move:   tree.Moved,
			Frozen: frozen,
			Log:    log,
		},
		ring:   r,
		tree:   tree,
		worker: w,
		frozen: frozen,
	}
}

func mb(n uint64) float64 {
	return float64(n) / OneMegabyte
}

// apply is the effect of one record on the index.
func (b *base) apply(kind record.Kind, key []byte, offset, size uint64) {
	hash := keyhash.Sum(key)
	if kind == record.KindSet {
		b.tree.Add(hashdir.Item{Hash: hash, Offset: offset, Size: size})
		return
	}
	b.tree.Del(hash)
}

func (b *base) write(batch *Batch, fsync bool) (uint64, error) {
	if err := batch.Err(); err != nil {
		return 0, err
	}
	if batch.Size() > b.limits.segmentSize || batch.Sets() >= b.limits.slots {
		b.log.Errorf("Unable to write a batch of %d bytes and %d sets.", batch.Size(), batch.Sets())
		return 0, fmt.Errorf("%w: %d bytes, %d sets", dberr.ErrTooLarge, batch.Size(), batch.Sets())
	}
	if b.writer == nil {
		return 0, dberr.ErrNotReady
	}

	snapshot := false
	if batch.Len() > 0 {
		newest, _ := b.ring.Newest()
		if b.writer.Size()+batch.Size() > b.limits.segmentSize ||
			newest.Count()+batch.Sets() >= b.limits.slots {
			if err := b.roll(); err != nil {
				return 0, err
			}
			snapshot = true
		}

		offset, err := b.writer.Write(batch.buf)
		if err != nil {
			return 0, err
		}
		batch.each(offset, b.apply)
		b.diskSize += batch.Size()

		if fsync {
			if err := b.writer.Sync(); err != nil {
				return batch.Size(), err
			}
		}
	}

	if b.freeOldest() > 0 {
		snapshot = true
	}
	if snapshot {
		if err := b.saveSnapshot(); err != nil {
			b.log.Warnf("Unable to save snapshot: %v", err)
		}
	}
	b.frozen.MaybeMarshal()
	return batch.Size(), nil
}

// roll freezes the newest segment and starts a new one. On failure the
// current writer stays in place.
func (b *base) roll() error {
	number, ok := b.ring.NewNumber()
	if !ok {
		b.log.Errorf("I have to open a new segment, but %d segments are already open.", b.ring.Len())
		return dberr.ErrExhausted
	}

	path := b.cfg.LogPath(number)
	w, err := segment.NewWriter(path, true)
	if err != nil {
		b.log.Errorf("Unable to create segment %x: %v", number, err)
		return err
	}
	seg, err := segment.OpenReplay(b.cfg, number)
	if err != nil {
		w.Close()
		os.Remove(path)
		return err
	}

	// The frozen directory and the snapshot refer to every record of the
	// newest segment, so those records must be durable first.
	if b.writer != nil {
		if err := b.writer.Sync(); err != nil {
			b.log.Errorf("Unable to sync %s before freezing: %v", b.writer.Path(), err)
			seg.Close()
			w.Close()
			os.Remove(path)
			return err
		}
	}
	if newest, ok := b.ring.Newest(); ok {
		if err := newest.Freeze(); err != nil {
			b.log.Errorf("segment=%x can't freeze: %v", newest.Number(), err)
			seg.Close()
			w.Close()
			os.Remove(path)
			return err
		}
		b.log.Infof("segment=%x %6.1f MB committed, %6.1f MB used, %10d items (freezing)",
			newest.Number(), mb(newest.DiskSize()), mb(newest.UsedSize()), newest.Count())
	}

	if b.writer != nil {
		if err := b.writer.Close(); err != nil {
			b.log.Warnf("closing %s: %v", b.writer.Path(), err)
		}
	}
	b.writer = w
	b.ring.Add(seg)
	return nil
}

// freeOldest removes unused segments from the old end of the window and
// returns how many went.
func (b *base) freeOldest() int {
	n := 0
	for {
		oldest, ok := b.ring.Oldest()
		if !ok {
			return n
		}
		newest, _ := b.ring.Newest()
		if oldest == newest || !oldest.IsUnused() {
			return n
		}

		b.log.Infof("Deleting unused segment %x.", oldest.Number())
		b.diskSize -= oldest.DiskSize()
		b.ring.Del(oldest)
		oldest.Remove()
		n++
	}
}

// saveSnapshot records every segment but the newest with its tombstones.
func (b *base) saveSnapshot() error {
	start := time.Now()
	w, err := snapshot.Create(b.indexDir)
	if err != nil {
		return err
	}

	newest, _ := b.ring.Newest()
	b.ring.Ascend(func(seg *segment.Segment) bool {
		if seg == newest {
			return false
		}
		err = w.Write(seg.Number(), seg.Tombstones())
		return err == nil
	})
	if err != nil {
		w.Abort()
		return err
	}
	if err := w.Commit(); err != nil {
		return err
	}
	b.log.Infof("Snapshot saved in %d ms.", time.Since(start).Milliseconds())
	return nil
}

func (b *base) addDisk(seg *segment.Segment) {
	b.diskSize += seg.DiskSize()
}

// load rebuilds the window and the index from disk.
func (b *base) load() error {
	last := b.loadSnapshot()

	numbers, err := utils.ListNumbered(b.cfg.Dir, segment.LogSuffix)
	if err != nil {
		return dberr.IO("list "+b.cfg.Dir, err)
	}
	pending := numbers[:0]
	for _, n := range numbers {
		if n > last {
			pending = append(pending, n)
		}
	}

	for i, number := range pending {
		if i == len(pending)-1 {
			break
		}
		start := time.Now()
		seg, err := b.replay(number, false)
		if err != nil {
			return err
		}
		if err := seg.Freeze(); err != nil {
			b.log.Errorf("Can't load segment %x.", number)
			return err
		}
		b.log.Infof("segment=%x %6.1f MB committed, %6.1f MB used, %10d items (replayed in %5d ms)",
			number, mb(seg.DiskSize()), mb(seg.UsedSize()), seg.Count(), time.Since(start).Milliseconds())
	}

	start := time.Now()
	var number uint64
	create := len(pending) == 0
	if create {
		var ok bool
		if number, ok = b.ring.NewNumber(); !ok {
			return dberr.ErrExhausted
		}
		f, err := os.OpenFile(b.cfg.LogPath(number), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return dberr.IO("create "+b.cfg.LogPath(number), err)
		}
		f.Close()
	} else {
		number = pending[len(pending)-1]
	}

	seg, err := b.replay(number, b.truncate)
	if err != nil {
		return err
	}
	w, err := segment.NewWriter(b.cfg.LogPath(number), false)
	if err != nil {
		return err
	}
	b.writer = w
	b.log.Infof("segment=%x %6.1f MB committed, %6.1f MB used, %10d items (writer replayed in %5d ms)",
		number, mb(seg.DiskSize()), mb(seg.UsedSize()), seg.Count(), time.Since(start).Milliseconds())

	if len(pending) > 1 {
		if err := b.saveSnapshot(); err != nil {
			b.log.Warnf("Unable to save snapshot: %v", err)
		}
	}
	return nil
}

// loadSnapshot opens the segments listed in the snapshot from their
// persisted directories and returns the number after which the logs must
// be replayed.
func (b *base) loadSnapshot() uint64 {
	r, err := snapshot.Open(b.indexDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.log.Info("No snapshot found.")
		} else {
			b.log.Warnf("Can't read snapshot: %v", err)
		}
		return 0
	}
	b.log.Infof("Reading snapshot %q.", r.Path())

	var last uint64
	for {
		start := time.Now()
		entry, err := r.Next()
		if errors.Is(err, io.EOF) {
			return last
		}
		if err != nil {
			b.log.Warnf("Error on reading snapshot: %v. I'll slow-read all the remaining segments from %x.", err, last+1)
			return last
		}
		if entry.Number <= last {
			b.log.Warnf("Snapshot lists segment %x after %x. I'll slow-read from %x.", entry.Number, last, last+1)
			return last
		}

		seg, err := segment.OpenFast(b.cfg, entry.Number, entry.Tombstones)
		if err != nil {
			// The oldest segment may be gone while the snapshot still
			// lists it.
			if b.ring.Len() > 0 || utils.PathExists(b.cfg.LogPath(entry.Number)) {
				b.log.Warnf("Error on reading segment %x: %v. I'll slow-read from this segment.", entry.Number, err)
				return last
			}
			last = entry.Number
			continue
		}
		last = entry.Number

		b.ring.Add(seg)
		seg.ForEach(func(pos int, it hashdir.Item) bool {
			b.tree.AddIndexed(seg, it.Hash, pos)
			return true
		})
		b.addDisk(seg)
		b.log.Infof("segment=%x %6.1f MB committed, %6.1f MB used, %10d items (from snapshot in %5d ms)",
			entry.Number, mb(seg.DiskSize()), mb(seg.UsedSize()), seg.Count(), time.Since(start).Milliseconds())
	}
}

// replay opens a segment as the newest one and indexes its records. With
// truncate set a torn tail is cut off instead of failing.
func (b *base) replay(number uint64, truncate bool) (*segment.Segment, error) {
	seg, err := segment.OpenReplay(b.cfg, number)
	if err != nil {
		b.log.Errorf("Can't load segment %x.", number)
		return nil, err
	}
	b.ring.Add(seg)

	err = seg.Replay(b.apply)
	var tail *segment.CorruptTailError
	if errors.As(err, &tail) && truncate {
		b.log.Warnf("Truncating segment %x from %d to %d bytes.", number, tail.FileSize, tail.ValidSize)
		err = utils.TruncatePath(tail.Path, int64(tail.ValidSize))
		if err != nil {
			err = dberr.IO("truncate "+tail.Path, err)
		}
	}
	if err != nil {
		b.log.Errorf("Can't load segment %x.", number)
		return nil, err
	}
	b.addDisk(seg)
	return seg, nil
}

// gc moves live records of the oldest segment to the newest one and
// returns the bytes written. The budget is checked every gcFlushItems
// records, so a round stops at the first flush at or past it.
func (b *base) gc(budget uint64) (uint64, error) {
	start := time.Now()
	oldest, ok := b.ring.Oldest()
	if !ok {
		return 0, dberr.ErrNotReady
	}
	if newest, _ := b.ring.Newest(); oldest == newest {
		if err := b.roll(); err != nil {
			return 0, err
		}
	}

	var written uint64
	batch := NewBatch()
	err := oldest.IterateSorted(budget, func(key, value []byte) error {
		batch.Set(key, value)
		if batch.Len() < gcFlushItems {
			return nil
		}
		n, err := b.write(batch, false)
		batch.Reset()
		written += n
		if err != nil {
			return err
		}
		if written >= budget {
			return errStopIteration
		}
		return nil
	})
	if err == nil || errors.Is(err, errStopIteration) {
		var n uint64
		n, err = b.write(batch, false)
		written += n
	}

	b.log.Infof("GC round of size %6.1f MB took %d ms, %6.1f MB rewritten.",
		mb(budget), time.Since(start).Milliseconds(), mb(written))
	return written, err
}

// iterate visits every live record, segment by segment in offset order.
func (b *base) iterate(prefetch uint64, fn segment.IterateFunc) error {
	var err error
	b.ring.Ascend(func(seg *segment.Segment) bool {
		err = seg.IterateSorted(prefetch, fn)
		return err == nil
	})
	return err
}

// ratio is committed disk space over space used by live records.
func (b *base) ratio() float64 {
	used := b.tree.Used().Sum
	if used == 0 {
		return 0
	}
	return float64(b.diskSize) / float64(used)
}

func (b *base) stats() {
	b.log.Info("Stats:")
	if oldest, ok := b.ring.Oldest(); ok {
		newest, _ := b.ring.Newest()
		b.log.Infof("%d/%d segments in use", newest.Number()-oldest.Number()+1, b.ring.Max())
	}

	used := b.tree.Used()
	count, avg, dev := used.Get()
	b.log.Infof("Item stats: %9.1f bytes average, %7.1f bytes deviation, %d items", avg, dev, count)

	allocated, wasted := b.tree.MemStats()
	inUse := allocated - wasted
	b.log.Infof("Tree memory: %8.1f MB committed, %8.1f MB in use, committed/used ratio of %.3f",
		mb(allocated), mb(inUse), safeRatio(allocated, inUse))
	b.log.Infof("Disk space: %9.1f MB committed, %8.1f MB in use, committed/used ratio of %.3f",
		mb(b.diskSize), mb(uint64(used.Sum)), safeRatio(b.diskSize, uint64(used.Sum)))
}

func safeRatio(a, b uint64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// close saves compacted directories and releases every segment.
func (b *base) close() error {
	var errs []error

	newest, _ := b.ring.Newest()
	b.ring.Ascend(func(seg *segment.Segment) bool {
		if seg != newest {
			seg.Save()
		}
		return true
	})
	for {
		oldest, ok := b.ring.Oldest()
		if !ok {
			break
		}
		b.ring.Del(oldest)
		if err := oldest.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if b.writer != nil {
		if err := b.writer.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := b.writer.Close(); err != nil {
			errs = append(errs, err)
		}
		b.writer = nil
	}
	b.worker.Close()
	b.tree.Close()
	return errors.Join(errs...)
}
