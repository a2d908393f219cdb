// Package skipnode implements the SKIP+ self-stabilizing overlay
// maintenance algorithm (spec.md §4.1-§4.3): the outgoing neighborhood,
// per-level ranges, the linearise RPC, and the periodic timeout tick
// that keeps a node's neighborhood converging toward the ideal skip
// graph as peers join and leave.
package skipnode

import "sync"

// job is one closure submitted to a node's event loop, paired with a
// channel the submitter blocks on until the closure has run.
type job struct {
	fn   func()
	done chan struct{}
}

// loop is the single goroutine a Node runs its state-touching code on.
// Every read or write of a Node's neighborhood, ranges, or rs happens
// inside a job processed here, which is what lets the rest of the
// package be written without a single mutex: mutual exclusion is
// structural (one goroutine, one mailbox), not lock-based.
//
// A job that panics is treated as an InvariantViolation (spec.md §7):
// onFatal is invoked for logging and the loop stops permanently, rather
// than letting the panic cross into whatever goroutine submitted the
// job (which would otherwise take down an unrelated node sharing the
// same process, e.g. in a local test cluster).
type loop struct {
	mailbox chan job
	stopCh  chan struct{}
	stopOne sync.Once

	onFatal func(recovered interface{})
}

func newLoop() *loop {
	return &loop{
		mailbox: make(chan job),
		stopCh:  make(chan struct{}),
	}
}

// run drains the mailbox until stop is called. It must be started in
// its own goroutine exactly once.
func (l *loop) run() {
	for {
		select {
		case j := <-l.mailbox:
			l.runJob(j)
		case <-l.stopCh:
			return
		}
	}
}

func (l *loop) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			if l.onFatal != nil {
				l.onFatal(r)
			}
			close(j.done)
			l.stop()
		}
	}()
	j.fn()
	close(j.done)
}

// submit runs fn on the loop goroutine and blocks until it has finished,
// which is what gives callers a synchronous request/response feel for
// what is, underneath, message passing to a single-threaded actor. If
// the loop has already stopped (whether via stop or a prior panic),
// submit returns immediately without running fn.
func (l *loop) submit(fn func()) {
	done := make(chan struct{})
	select {
	case l.mailbox <- job{fn: fn, done: done}:
		<-done
	case <-l.stopCh:
	}
}

// stop halts run. Any job already queued in the mailbox is dropped.
// Safe to call more than once, including concurrently with a panicking
// job's own call to stop.
func (l *loop) stop() {
	l.stopOne.Do(func() { close(l.stopCh) })
}
