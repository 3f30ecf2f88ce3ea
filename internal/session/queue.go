package session

import "sync"

// queue is an unbounded, ordered mailbox with a single consumer. A call has
// two: one fed by its event sources (transport, capture, playback, callers)
// and drained by the event goroutine, and one of pending callbacks.
//
// Playback signals are kept on a separate list and are always taken before
// other messages, so that speaking-start/end reach the caller ahead of the
// content that caused them.
type queue struct {
	mu       sync.Mutex
	items    []any
	playback []bool // true = started, false = ended
	closed   bool
	notify   chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

// push appends m. It reports false once the queue has been closed.
func (q *queue) push(m any) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.wake()
	return true
}

// pushPlayback appends a playback transition. It never blocks and is safe to
// call while the playback scheduler holds its lock.
func (q *queue) pushPlayback(started bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.playback = append(q.playback, started)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// takePlayback removes and returns all pending playback transitions.
func (q *queue) takePlayback() []bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.playback
	q.playback = nil
	return out
}

// next blocks until a message is available. Pending playback transitions are
// returned before other messages, as playbackSignal values.
func (q *queue) next() any {
	for {
		q.mu.Lock()
		if len(q.playback) > 0 {
			started := q.playback[0]
			q.playback = q.playback[1:]
			q.mu.Unlock()
			return playbackSignal{started: started}
		}
		if len(q.items) > 0 {
			m := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return m
		}
		q.mu.Unlock()
		<-q.notify
	}
}

// close rejects further pushes and returns the messages that were never
// consumed.
func (q *queue) close() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	q.playback = nil
	return rest
}
