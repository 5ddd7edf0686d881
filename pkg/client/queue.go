package client

// boundedQueue is a FIFO that evicts its oldest item when full.
type boundedQueue[T any] struct {
	items []T
	limit int
}

func newBoundedQueue[T any](limit int) *boundedQueue[T] {
	return &boundedQueue[T]{limit: limit}
}

// Push appends v and returns the evicted item, if any.
func (q *boundedQueue[T]) Push(v T) (evicted T, dropped bool) {
	if q.limit > 0 && len(q.items) >= q.limit {
		evicted, dropped = q.items[0], true
		q.items = q.items[1:]
	}
	q.items = append(q.items, v)
	return evicted, dropped
}

// PushFront puts v back at the head. A full queue would evict v itself, so v
// is reported as dropped instead.
func (q *boundedQueue[T]) PushFront(v T) (dropped bool) {
	if q.limit > 0 && len(q.items) >= q.limit {
		return true
	}
	q.items = append([]T{v}, q.items...)
	return false
}

// Remove deletes the first item matching pred.
func (q *boundedQueue[T]) Remove(pred func(T) bool) bool {
	for i, v := range q.items {
		if pred(v) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *boundedQueue[T]) Peek() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[0], true
}

func (q *boundedQueue[T]) Pop() (T, bool) {
	v, ok := q.Peek()
	if ok {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
	}
	return v, ok
}

func (q *boundedQueue[T]) Len() int { return len(q.items) }

// Snapshot copies the items oldest first.
func (q *boundedQueue[T]) Snapshot() []T {
	return append([]T(nil), q.items...)
}
