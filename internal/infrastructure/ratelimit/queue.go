// queue.go: Priority-then-FIFO admission queue
package ratelimit

import (
	"github.com/emirpasic/gods/queues/priorityqueue"
)

// requestQueue orders requests by priority rank (highest first) then by arrival.
// Guarded by the RateLimiter lock.
type requestQueue struct {
	pq  *priorityqueue.Queue
	seq uint64
}

func newRequestQueue(rank func(Priority) int) *requestQueue {
	return &requestQueue{
		pq: priorityqueue.NewWith(func(a, b interface{}) int {
			x := a.(*QueuedRequest)
			y := b.(*QueuedRequest)
			if rx, ry := rank(x.Priority), rank(y.Priority); rx != ry {
				return ry - rx
			}
			switch {
			case x.seq < y.seq:
				return -1
			case x.seq > y.seq:
				return 1
			}
			return 0
		}),
	}
}

func (q *requestQueue) push(r *QueuedRequest) {
	q.seq++
	r.seq = q.seq
	q.pq.Enqueue(r)
}

func (q *requestQueue) peek() (*QueuedRequest, bool) {
	v, ok := q.pq.Peek()
	if !ok {
		return nil, false
	}
	return v.(*QueuedRequest), true
}

func (q *requestQueue) pop() (*QueuedRequest, bool) {
	v, ok := q.pq.Dequeue()
	if !ok {
		return nil, false
	}
	return v.(*QueuedRequest), true
}

func (q *requestQueue) len() int { return q.pq.Size() }

// drainAll removes every request in queue order.
func (q *requestQueue) drainAll() []*QueuedRequest {
	out := make([]*QueuedRequest, 0, q.pq.Size())
	for {
		r, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}
