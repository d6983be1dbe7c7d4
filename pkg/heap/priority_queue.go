package heap

import "container/heap"

// PriorityQueue orders values of type T by lessFunc, the min-priority value
// always dequeuing first. Atlas's fetcher uses one keyed by replica count to
// dispatch the rarest-held zonefile hash first (§4.6).
type PriorityQueue[T any] struct {
	items    []*item[T]
	lessFunc func(a, b T) bool
}

type item[T any] struct {
	value T
	index int
}

func NewPriorityQueue[T any](lessFunc func(a, b T) bool) *PriorityQueue[T] {
	pq := &PriorityQueue[T]{
		items:    make([]*item[T], 0),
		lessFunc: lessFunc,
	}
	heap.Init(pq)

	return pq
}

func (pq PriorityQueue[T]) Len() int { return len(pq.items) }

func (pq PriorityQueue[T]) Less(i, j int) bool {
	return pq.lessFunc(pq.items[i].value, pq.items[j].value)
}

func (pq PriorityQueue[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[j].index = i
	pq.items[i].index = j
}

func (pq *PriorityQueue[T]) Push(x any) {
	n := len(pq.items)
	it := x.(*item[T])
	it.index = n
	pq.items = append(pq.items, it)
}

func (pq *PriorityQueue[T]) Pop() any {
	old := pq.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	pq.items = old[0 : n-1]
	return it
}

func (pq *PriorityQueue[T]) Enqueue(value T) {
	heap.Push(pq, &item[T]{value: value})
}

// EnqueueAll pushes every value in one call. The fetcher uses this to load a
// full pass's rarity entries at once instead of one heap.Push per entry.
func (pq *PriorityQueue[T]) EnqueueAll(values []T) {
	for _, v := range values {
		pq.Enqueue(v)
	}
}

func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	if pq.Len() == 0 {
		var zero T
		return zero, false
	}

	it := heap.Pop(pq).(*item[T])
	return it.value, true
}

func (pq *PriorityQueue[T]) Peek() (T, bool) {
	if pq.Len() == 0 {
		var zero T
		return zero, false
	}

	return pq.items[0].value, true
}
