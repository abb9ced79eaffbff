package usecase

import "sync"

// serialQueue runs observer callbacks one at a time, in order, on its own
// goroutine. Nothing runs until open is called.
type serialQueue struct {
	fns  chan func()
	gate chan struct{}
	done chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once
}

func newSerialQueue(size int) *serialQueue {
	q := &serialQueue{
		fns:  make(chan func(), size),
		gate: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *serialQueue) run() {
	defer close(q.done)
	<-q.gate
	for fn := range q.fns {
		fn()
	}
}

func (q *serialQueue) enqueue(fn func()) {
	q.fns <- fn
}

func (q *serialQueue) open() {
	q.openOnce.Do(func() { close(q.gate) })
}

// close drains pending callbacks and waits for them. No enqueue may follow.
func (q *serialQueue) close() {
	q.open()
	q.closeOnce.Do(func() { close(q.fns) })
	<-q.done
}
