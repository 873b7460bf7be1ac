package stream

import "sync"

type frame struct {
	name    string
	payload any
	// logID is set for live log frames so they can be matched against
	// the history batch.
	logID string
}

type pushResult int

const (
	pushed pushResult = iota
	pushOverflow
	// pushDropped refuses a frame after an earlier overflow.
	pushDropped
	pushClosed
)

// pendingQueue buffers live frames between broker delivery (publisher
// goroutines) and the connection goroutine. push never blocks.
type pendingQueue struct {
	mu         sync.Mutex
	frames     []frame
	limit      int
	overflowed bool
	closed     bool
	notify     chan struct{}
}

func newPendingQueue(limit int) *pendingQueue {
	return &pendingQueue{limit: limit, notify: make(chan struct{}, 1)}
}

func (q *pendingQueue) push(f frame) pushResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return pushClosed
	}
	if q.overflowed {
		return pushDropped
	}
	if len(q.frames) >= q.limit {
		q.overflowed = true
		q.signal()
		return pushOverflow
	}
	q.frames = append(q.frames, f)
	q.signal()
	return pushed
}

func (q *pendingQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain takes every buffered frame. overflowed reports whether any frame
// was refused since the queue was created. Once overflowed, the queue
// accepts nothing more.
func (q *pendingQueue) drain() (frames []frame, overflowed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames, q.frames = q.frames, nil
	return frames, q.overflowed
}

func (q *pendingQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
}
