// Package queue implements the bounded global priority queue feeding the
// worker pool. Ordering is priority-first, FIFO within a priority level.
// Workers may skip over a bounded number of non-runnable requests (for
// example when a provider is saturated) so one stuck provider cannot stall
// the whole queue.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	gateway "github.com/eugener/radagast/internal"
)

// item is a queued request with its FIFO tiebreaker.
type item struct {
	req *gateway.Request
	seq uint64
	pos int // heap index, maintained by the heap interface
}

type reqHeap []*item

func (h reqHeap) Len() int { return len(h) }

func (h reqHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h reqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *reqHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *reqHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.pos = -1
	*h = old[:n-1]
	return it
}

// Queue is the bounded priority queue.
type Queue struct {
	mu        sync.Mutex
	heap      reqHeap
	byID      map[string]*item
	wake      chan struct{} // closed and replaced on every state change
	seq       uint64
	maxDepth  int
	skipAhead int
}

// New creates a queue bounded to maxDepth entries. skipAhead caps how many
// non-runnable requests a Pop may step over before waiting.
func New(maxDepth, skipAhead int) *Queue {
	if maxDepth <= 0 {
		maxDepth = 1000
	}
	if skipAhead <= 0 {
		skipAhead = 8
	}
	return &Queue{
		byID:      make(map[string]*item),
		wake:      make(chan struct{}),
		maxDepth:  maxDepth,
		skipAhead: skipAhead,
	}
}

// Push enqueues a request. Returns gateway.ErrQueueFull at capacity and
// gateway.ErrConflict if the id is already queued.
func (q *Queue) Push(req *gateway.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) >= q.maxDepth {
		return fmt.Errorf("depth %d: %w", len(q.heap), gateway.ErrQueueFull)
	}
	if _, ok := q.byID[req.ID]; ok {
		return fmt.Errorf("request %s already queued: %w", req.ID, gateway.ErrConflict)
	}
	q.seq++
	it := &item{req: req, seq: q.seq}
	heap.Push(&q.heap, it)
	q.byID[req.ID] = it
	q.broadcast()
	return nil
}

// Pop blocks until a runnable request is available or ctx is done. It scans
// at most skipAhead entries past the head in priority order; if none of
// those is runnable it waits for the queue to change.
func (q *Queue) Pop(ctx context.Context, runnable func(*gateway.Request) bool) (*gateway.Request, error) {
	for {
		q.mu.Lock()
		req := q.takeRunnable(runnable)
		ch := q.wake
		q.mu.Unlock()
		if req != nil {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// takeRunnable examines the head and up to skipAhead entries past it in
// priority order, returning the first runnable one and restoring the rest.
// Caller holds q.mu.
func (q *Queue) takeRunnable(runnable func(*gateway.Request) bool) *gateway.Request {
	var skipped []*item
	var found *gateway.Request
	for examined := 0; len(q.heap) > 0 && examined <= q.skipAhead; examined++ {
		it := heap.Pop(&q.heap).(*item)
		if runnable == nil || runnable(it.req) {
			delete(q.byID, it.req.ID)
			found = it.req
			break
		}
		skipped = append(skipped, it)
	}
	for _, it := range skipped {
		heap.Push(&q.heap, it)
	}
	return found
}

// Remove drops a queued request by id, for cancellation. Returns false if
// the request is not queued (already picked up or never enqueued).
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.pos)
	delete(q.byID, id)
	q.broadcast()
	return true
}

// Wake forces waiting workers to re-evaluate runnability, e.g. after a
// provider recovers or a concurrency slot frees.
func (q *Queue) Wake() {
	q.mu.Lock()
	q.broadcast()
	q.mu.Unlock()
}

// Depth returns the number of queued requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Contains reports whether a request id is still queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// broadcast wakes every waiter. Caller holds q.mu.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
