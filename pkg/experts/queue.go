package experts

import (
	"container/heap"
	"sync"
	"time"
)

// queuedTask is a delegation that found no matching expert at submission
// time; it is retried against newly available experts until deadline.
type queuedTask struct {
	taskID       string
	task         string
	capabilities []Capability
	priority     int
	requesterID  string
	deadline     time.Time
	resultCh     chan delegateOutcome
	index        int // heap.Interface bookkeeping
}

type delegateOutcome struct {
	agentID string
	err     error
}

// taskQueue orders queuedTask by deadline (earliest first) so the backfill
// loop always considers the most time-pressured task first. Guarded by its
// own lock, independent of Registry.mu, per spec.md §5's "fine-grained"
// locking intent.
type taskQueue struct {
	mu sync.Mutex
	pq taskHeap
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

func (q *taskQueue) push(t *queuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.pq, t)
}

// drainExpired removes and returns every task whose deadline has passed as
// of now.
func (q *taskQueue) drainExpired(now time.Time) []*queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []*queuedTask
	for len(q.pq) > 0 && q.pq[0].deadline.Before(now) {
		expired = append(expired, heap.Pop(&q.pq).(*queuedTask))
	}
	return expired
}

// snapshot returns the currently queued tasks without removing them, for
// the backfill loop to attempt matching.
func (q *taskQueue) snapshot() []*queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*queuedTask, len(q.pq))
	copy(out, q.pq)
	return out
}

// remove drops a task by id after it has been successfully matched.
func (q *taskQueue) remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.pq {
		if t.taskID == taskID {
			heap.Remove(&q.pq, i)
			return
		}
	}
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

type taskHeap []*queuedTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	t := x.(*queuedTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
