package queue

import (
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/atomic"
)

type (
	// Queue implements variable and adaptive size FIFO queue. Unlike channels, never jams
	Queue[T any] struct {
		d                       *deque.Deque[T] // variable size deque
		inCh                    chan _inElem[T]
		outCh                   chan T
		consume                 func(e T)
		inMutex                 sync.RWMutex
		closing                 bool
		processRemainingOnClose bool // mainly for testing
		len                     atomic.Int32
	}

	_inElem[T any] struct {
		elem     T
		priority bool
	}
)

func New[T any](consume func(e T)) *Queue[T] {
	ret := &Queue[T]{
		d:       new(deque.Deque[T]),
		inCh:    make(chan _inElem[T]),
		outCh:   make(chan T),
		consume: consume,
	}
	go ret.inputLoop()
	go ret.consumeLoop()
	return ret
}

// Close queue must be closed in order to close channels and stop goroutines
func (q *Queue[T]) Close(processRemaining bool) {
	q.inMutex.Lock()
	defer q.inMutex.Unlock()

	if !q.closing {
		q.closing = true
		q.processRemainingOnClose = processRemaining
		close(q.inCh)
	}
}

// Push places element into the queue optionally with priority
func (q *Queue[T]) Push(e T, priority ...bool) {
	q.inMutex.RLock()
	defer q.inMutex.RUnlock()

	if q.closing {
		// ignore when closing
		return
	}
	prio := false
	if len(priority) > 0 {
		prio = priority[0]
	}
	q.inCh <- _inElem[T]{
		elem:     e,
		priority: prio,
	}
}

func (q *Queue[T]) Len() int {
	return int(q.len.Load())
}

func (q *Queue[T]) inputLoop() {
	defer close(q.outCh)

	in := q.inCh
	for {
		if q.d.Len() == 0 {
			if in == nil {
				// closed and the buffer is drained
				return
			}
			// buffer is empty, wait for incoming element
			e, ok := <-in
			if !ok {
				// immediately close because buffer is empty
				return
			}
			if e.priority {
				q.d.PushFront(e.elem)
			} else {
				q.d.PushBack(e.elem)
			}
		} else {
			// buffer has data: block until either a new element arrives or the
			// consumer takes the front one. A nil 'in' after close blocks its
			// case, leaving only the send
			select {
			case e, ok := <-in:
				if ok {
					if e.priority {
						q.d.PushFront(e.elem)
					} else {
						q.d.PushBack(e.elem)
					}
				} else {
					if !q.processRemainingOnClose {
						return
					}
					in = nil
				}
			case q.outCh <- q.d.Front():
				q.d.PopFront()
			}
		}
		q.len.Store(int32(q.d.Len()))
	}
}

func (q *Queue[T]) consumeLoop() {
	for e := range q.outCh {
		q.consume(e)
	}
}
