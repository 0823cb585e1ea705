// Package ringbuffer contains a closable FIFO buffer.
package ringbuffer

import (
	"fmt"
	"sync"
)

// RingBuffer is a bounded FIFO buffer with a blocking consumer side.
// It decouples the routine that produces packets from the routine that
// writes them to a socket.
type RingBuffer struct {
	size uint64

	mutex  sync.Mutex
	cond   *sync.Cond
	queue  []interface{}
	closed bool
}

// New allocates a RingBuffer.
func New(size uint64) (*RingBuffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("size must be greater than zero")
	}

	r := &RingBuffer{
		size:  size,
		queue: make([]interface{}, 0, size),
	}
	r.cond = sync.NewCond(&r.mutex)
	return r, nil
}

// Close makes Pull() return false and discards all queued elements.
// Subsequent calls to Push() are rejected.
func (r *RingBuffer) Close() {
	r.mutex.Lock()
	r.closed = true
	r.queue = nil
	r.mutex.Unlock()

	r.cond.Broadcast()
}

// Push pushes data at the end of the buffer.
// It returns false when the buffer is full or closed.
func (r *RingBuffer) Push(data interface{}) bool {
	r.mutex.Lock()

	if r.closed || uint64(len(r.queue)) >= r.size {
		r.mutex.Unlock()
		return false
	}

	r.queue = append(r.queue, data)
	r.mutex.Unlock()

	r.cond.Signal()
	return true
}

// Pull pulls data from the beginning of the buffer.
// It blocks until data is available or the buffer is closed.
func (r *RingBuffer) Pull() (interface{}, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for {
		if r.closed {
			return nil, false
		}

		if len(r.queue) > 0 {
			data := r.queue[0]
			r.queue = r.queue[1:]
			return data, true
		}

		r.cond.Wait()
	}
}
