package hashdir

import (
	"container/heap"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/worker"
	"go.uber.org/zap"
)

// MarshalThreshold is the pending deletion count above which the frozen
// list compacts a directory on its own.
const MarshalThreshold = 1024

// List tracks frozen directories ordered by pending deletions and
// compacts the worst one, one at a time: the compaction runs on the
// caller's goroutine, the durable flush on the worker, and the list stays
// busy until the worker's answer is drained.
type List struct {
	log    *zap.SugaredLogger
	worker *worker.Worker
	dirs   frozenHeap
	busy   bool

	flush func(path string) error
}

func NewList(w *worker.Worker, log *zap.SugaredLogger) *List {
	return &List{log: log, worker: w, flush: SyncDirty}
}

func (l *List) Add(f *Frozen) {
	f.list = l
	heap.Push(&l.dirs, f)
}

func (l *List) Remove(f *Frozen) {
	if f.list != l || f.heapIndex < 0 {
		return
	}
	heap.Remove(&l.dirs, f.heapIndex)
	f.list = nil
}

func (l *List) Len() int {
	return len(l.dirs)
}

// Busy reports whether a flush is in flight.
func (l *List) Busy() bool {
	return l.busy
}

func (l *List) fix(f *Frozen) {
	if f.heapIndex >= 0 {
		heap.Fix(&l.dirs, f.heapIndex)
	}
}

func (l *List) incr(f *Frozen) {
	l.fix(f)
	l.MaybeMarshal()
}

// MaybeMarshal drains worker answers and, unless a flush is still in
// flight, compacts the directory with the most pending deletions.
func (l *List) MaybeMarshal() bool {
	l.worker.DoAnswers()
	if l.busy {
		return false
	}
	return l.Marshal()
}

// Marshal compacts the directory with the most pending deletions if it
// has more than MarshalThreshold of them and schedules its flush.
func (l *List) Marshal() bool {
	if len(l.dirs) == 0 {
		return false
	}
	f := l.dirs[0]
	if f.Pending() <= MarshalThreshold {
		return false
	}

	if err := f.Save(); err != nil {
		l.log.Errorf("can't compact directory %s: %v", f.Path(), err)
	}

	l.busy = true
	dirty := f.DirtyPath()
	l.worker.Submit(func() (answer func()) {
		// The list must leave the busy state even if the flush panics.
		answer = func() { l.busy = false }
		defer func() {
			if r := recover(); r != nil {
				l.log.Errorf("flushing %s panicked: %v", dirty, r)
			}
		}()
		if err := l.flush(dirty); err != nil {
			l.log.Warnf("can't flush %s: %v", dirty, err)
		}
		return answer
	})
	return true
}

// frozenHeap is a max-heap on pending deletions.
type frozenHeap []*Frozen

func (h frozenHeap) Len() int { return len(h) }

func (h frozenHeap) Less(i, j int) bool { return h[i].Pending() > h[j].Pending() }

func (h frozenHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *frozenHeap) Push(x any) {
	f := x.(*Frozen)
	f.heapIndex = len(*h)
	*h = append(*h, f)
}

func (h *frozenHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	f.heapIndex = -1
	*h = old[:n-1]
	return f
}
