package model

import "sync"

// Item is an element of the PriorityQueue.
type Item interface {
	Less(Item) bool
}

// PriorityQueue is a mutex-guarded binary heap. Pop returns nil when the
// queue is empty, which lets pool workers treat "empty" as "done".
type PriorityQueue struct {
	sync.Mutex
	length int
	data   []Item
}

// NewPriorityQueue heapifies the given items.
func NewPriorityQueue(data []Item) *PriorityQueue {
	q := &PriorityQueue{data: data, length: len(data)}
	if q.length > 0 {
		for i := (q.length >> 1) - 1; i >= 0; i-- {
			q.down(i)
		}
	}
	return q
}

// Push adds an item keeping the heap invariant.
func (q *PriorityQueue) Push(item Item) {
	q.Lock()
	defer q.Unlock()

	q.data = append(q.data, item)
	q.length++
	q.up(q.length - 1)
}

// Pop removes and returns the smallest item, or nil when empty.
func (q *PriorityQueue) Pop() Item {
	q.Lock()
	defer q.Unlock()

	if q.length == 0 {
		return nil
	}

	top := q.data[0]
	q.length--
	if q.length > 0 {
		q.data[0] = q.data[q.length]
		q.down(0)
	}
	q.data = q.data[:q.length]
	return top
}

// Peek returns the smallest item without removing it.
func (q *PriorityQueue) Peek() Item {
	q.Lock()
	defer q.Unlock()

	if q.length == 0 {
		return nil
	}
	return q.data[0]
}

// Len returns the number of queued items.
func (q *PriorityQueue) Len() int {
	q.Lock()
	defer q.Unlock()

	return q.length
}

func (q *PriorityQueue) down(pos int) {
	data := q.data
	halfLength := q.length >> 1
	item := data[pos]
	for pos < halfLength {
		left := (pos << 1) + 1
		right := left + 1
		best := left
		if right < q.length && data[right].Less(data[best]) {
			best = right
		}
		if !data[best].Less(item) {
			break
		}
		data[pos] = data[best]
		pos = best
	}
	data[pos] = item
}

func (q *PriorityQueue) up(pos int) {
	data := q.data
	item := data[pos]
	for pos > 0 {
		parent := (pos - 1) >> 1
		current := data[parent]
		if !item.Less(current) {
			break
		}
		data[pos] = current
		pos = parent
	}
	data[pos] = item
}
