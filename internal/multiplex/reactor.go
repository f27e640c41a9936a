package multiplex

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Reactor runs posted callbacks one after another on a single goroutine
type Reactor interface {
	Post(func())
}

// EventLoop is a Reactor backed by an unbounded FIFO, so callbacks running on the loop can post more work
// without deadlocking
type EventLoop struct {
	rwCond *sync.Cond
	tasks  []func()
	closed bool

	done chan struct{}
}

func NewEventLoop() *EventLoop {
	return &EventLoop{
		rwCond: sync.NewCond(&sync.Mutex{}),
		done:   make(chan struct{}),
	}
}

// Post queues f. It is dropped if the loop has been closed.
func (l *EventLoop) Post(f func()) {
	l.rwCond.L.Lock()
	defer l.rwCond.L.Unlock()
	if l.closed {
		log.Trace("task posted to a closed event loop dropped")
		return
	}
	l.tasks = append(l.tasks, f)
	l.rwCond.Signal()
}

// Run executes tasks until the loop is closed and every task posted before Close has run
func (l *EventLoop) Run() {
	defer close(l.done)
	for {
		l.rwCond.L.Lock()
		for len(l.tasks) == 0 && !l.closed {
			l.rwCond.Wait()
		}
		if len(l.tasks) == 0 {
			l.rwCond.L.Unlock()
			return
		}
		f := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.rwCond.L.Unlock()

		f()
	}
}

func (l *EventLoop) Close() {
	l.rwCond.L.Lock()
	l.closed = true
	l.rwCond.Broadcast()
	l.rwCond.L.Unlock()
}

// Done is closed when Run returns
func (l *EventLoop) Done() <-chan struct{} { return l.done }
