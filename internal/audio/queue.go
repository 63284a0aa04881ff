package audio

import (
	"sync"
	"time"
)

// Queue is a bounded FIFO between the socket reader and the recognizer relay.
// Push never blocks: when the queue is full the oldest buffered frame is
// evicted first, so under sustained overload the recognizer sees recent audio
// rather than a growing backlog of stale frames.
//
// A nil chunk is the end-of-input sentinel, pushed exactly once by CloseInput.
type Queue struct {
	ch        chan []byte
	closeOnce sync.Once
}

// NewQueue creates a queue holding at most capacity frames.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan []byte, capacity)}
}

// Push enqueues a frame, evicting the oldest frame if the queue is full.
func (q *Queue) Push(pcm []byte) {
	for {
		select {
		case q.ch <- pcm:
			return
		default:
			// Full: drop the oldest to keep latency low.
			select {
			case <-q.ch:
			default:
			}
		}
	}
}

// Pop waits up to timeout for the next frame. ok is false on timeout.
// A nil frame with ok=true signals end of input.
func (q *Queue) Pop(timeout time.Duration) (pcm []byte, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pcm = <-q.ch:
		return pcm, true
	case <-timer.C:
		return nil, false
	}
}

// CloseInput enqueues the end-of-input sentinel. Safe to call more than once;
// only the first call has effect. No frames may be pushed after CloseInput.
func (q *Queue) CloseInput() {
	q.closeOnce.Do(func() { q.Push(nil) })
}

// Len reports the number of buffered frames (including a pending sentinel).
func (q *Queue) Len() int { return len(q.ch) }
