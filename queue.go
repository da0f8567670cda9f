package isrcache

import "container/heap"

// item is one pending revalidation.
type item struct {
	key      string
	priority int
	seq      uint64 // arrival order; lower runs first on equal priority
	force    bool
	rc       RenderContext
	dones    []func(Result)
	index    int
}

// queue is a max-heap on priority, FIFO on ties.
type queue []*item

var _ heap.Interface = (*queue)(nil)

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}
