// Package worker runs slow housekeeping off the writer goroutine.
//
// A Task executes on the background goroutine and may hand back an
// answer. Answers never run on their own: they queue up until the owner
// calls DoAnswers, so they execute on the owner's goroutine and may touch
// its state without locking.
package worker

import (
	"sync"

	"go.uber.org/zap"
)

// Task runs on the worker goroutine. The returned answer, if not nil, is
// executed by the next DoAnswers call.
type Task func() (answer func())

const queueSize = 128

type Worker struct {
	log *zap.SugaredLogger

	tasks   chan Task
	pending sync.WaitGroup
	done    chan struct{}

	mu      sync.Mutex
	answers []func()
}

func New(log *zap.SugaredLogger) *Worker {
	w := &Worker{
		log:   log,
		tasks: make(chan Task, queueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for task := range w.tasks {
		w.execute(task)
	}
}

func (w *Worker) execute(task Task) {
	defer w.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("background task panicked: %v", r)
		}
	}()

	if answer := task(); answer != nil {
		w.mu.Lock()
		w.answers = append(w.answers, answer)
		w.mu.Unlock()
	}
}

// Submit queues a task. It blocks only while the queue is full.
func (w *Worker) Submit(task Task) {
	w.pending.Add(1)
	w.tasks <- task
}

// Sync waits until every submitted task has finished.
func (w *Worker) Sync() {
	w.pending.Wait()
}

// DoAnswers runs queued answers on the calling goroutine and returns how
// many ran.
func (w *Worker) DoAnswers() int {
	n := 0
	for {
		w.mu.Lock()
		batch := w.answers
		w.answers = nil
		w.mu.Unlock()

		if len(batch) == 0 {
			return n
		}
		for _, answer := range batch {
			answer()
		}
		n += len(batch)
	}
}

// Close drains the queue, stops the goroutine and runs remaining answers.
func (w *Worker) Close() {
	close(w.tasks)
	<-w.done
	w.DoAnswers()
}
