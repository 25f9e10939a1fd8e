package elicitation

import "container/heap"

// deadlineQueue orders outstanding elicitations by deadline, earliest
// first, so the manager's single-owner loop always knows the next
// elicitation due to expire without scanning the whole map. Mirrors
// pkg/experts' taskHeap shape (itself grounded on stdlib container/heap).
type deadlineQueue struct {
	items deadlineHeap
}

func newDeadlineQueue() *deadlineQueue {
	return &deadlineQueue{}
}

func (q *deadlineQueue) push(e *Elicitation) {
	heap.Push(&q.items, e)
}

func (q *deadlineQueue) remove(e *Elicitation) {
	if e.index < 0 || e.index >= len(q.items) || q.items[e.index] != e {
		return
	}
	heap.Remove(&q.items, e.index)
}

func (q *deadlineQueue) front() (*Elicitation, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *deadlineQueue) popFront() *Elicitation {
	return heap.Pop(&q.items).(*Elicitation)
}

func (q *deadlineQueue) len() int { return len(q.items) }

type deadlineHeap []*Elicitation

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].Deadline.Before(h[j].Deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *deadlineHeap) Push(x any) {
	e := x.(*Elicitation)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
