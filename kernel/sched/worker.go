package sched

import (
	"sync/atomic"

	"github.com/corvid-systems/corvid/kernel"
)

// Worker owns a kernel thread that repeatedly runs a function on demand:
// run, wake the completion queue, block until the next trigger. It provides
// a reusable background-task primitive for driver bottom halves.
type Worker struct {
	fn func()

	// done is woken after every completed run.
	done WaitQueue

	thread *Thread
	sched  *Scheduler

	// pending is set by Trigger and consumed by the worker loop.
	pending uint32
}

// NewWorker spawns a kernel thread inside proc that runs fn every time the
// worker is triggered.
func (s *Scheduler) NewWorker(proc *Process, fn func()) (*Worker, *kernel.Error) {
	w := &Worker{fn: fn, sched: s}
	w.done.sched = s

	t, err := s.Spawn(proc, w.loop, ThreadKernel)
	if err != nil {
		return nil, err
	}
	w.thread = t
	return w, nil
}

// NewWorker spawns a worker on the default scheduler.
func NewWorker(proc *Process, fn func()) (*Worker, *kernel.Error) {
	return defaultScheduler.NewWorker(proc, fn)
}

// Trigger requests a run of the worker function and unparks the worker
// thread. Multiple triggers before the worker runs coalesce into one run.
func (w *Worker) Trigger() {
	atomic.StoreUint32(&w.pending, 1)
	w.sched.unblockThread(w.thread)
}

// Wait blocks the calling thread until the worker completes its next run.
func (w *Worker) Wait() {
	w.done.Wait()
}

// loop is the worker thread body.
func (w *Worker) loop() {
	for {
		if atomic.SwapUint32(&w.pending, 0) == 1 {
			w.fn()
		}

		w.done.WakeAll()
		w.sched.blockThread(w.thread)
	}
}
