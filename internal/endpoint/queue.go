package endpoint

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/xChokes/mercado-sub000/internal/protocol"
)

type queued struct {
	msg *protocol.Message
	seq uint64
}

// inboxHeap orders by priority descending, then creation time, then
// arrival order.
type inboxHeap []queued

func (h inboxHeap) Len() int { return len(h) }

func (h inboxHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.msg.Priority != b.msg.Priority {
		return a.msg.Priority > b.msg.Priority
	}
	if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.msg.CreatedAt.Before(b.msg.CreatedAt)
	}
	return a.seq < b.seq
}

func (h inboxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *inboxHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *inboxHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return it
}

// inbox is the inbound priority queue. Pushes wake at most one waiting
// popper through a single-slot channel.
type inbox struct {
	mu   sync.Mutex
	h    inboxHeap
	seq  uint64
	wake chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (q *inbox) push(m *protocol.Message) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.h, queued{msg: m, seq: q.seq})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *inbox) pop() (*protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(queued).msg, true
}

// popWait blocks for up to timeout waiting for a message.
func (q *inbox) popWait(ctx context.Context, timeout time.Duration) (*protocol.Message, bool) {
	if m, ok := q.pop(); ok {
		return m, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return q.pop()
		case <-q.wake:
			if m, ok := q.pop(); ok {
				return m, true
			}
		}
	}
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

func (q *inbox) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.h.Len()
	q.h = nil
	return n
}

// outbox is the FIFO of messages awaiting the routing pass.
type outbox struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (q *outbox) push(m *protocol.Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, m)
	q.mu.Unlock()
}

// take removes and returns up to limit messages in send order. A
// non-positive limit takes everything.
func (q *outbox) take(limit int) []*protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.msgs)
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}
	out := make([]*protocol.Message, n)
	copy(out, q.msgs[:n])
	rest := make([]*protocol.Message, len(q.msgs)-n)
	copy(rest, q.msgs[n:])
	q.msgs = rest
	return out
}

func (q *outbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
