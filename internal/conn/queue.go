package conn

const DefaultQueueSize = 32

// Queue is a bounded FIFO of mutations waiting for the channel. When full
// the oldest entry is dropped to make room.
type Queue[T any] struct {
	items []T
	limit int
}

func NewQueue[T any](limit int) *Queue[T] {
	if limit <= 0 {
		limit = DefaultQueueSize
	}
	return &Queue[T]{limit: limit}
}

// Push appends v and returns the entry evicted to make room, if any.
func (q *Queue[T]) Push(v T) (dropped T, ok bool) {
	if len(q.items) == q.limit {
		dropped, ok = q.items[0], true
		q.items = q.items[1:]
	}
	q.items = append(q.items, v)
	return dropped, ok
}

// Drain empties the queue and returns its entries in push order.
func (q *Queue[T]) Drain() []T {
	out := q.items
	q.items = nil
	return out
}

// Clear discards everything; the discarded entries are returned so callers
// can fail them.
func (q *Queue[T]) Clear() []T { return q.Drain() }

func (q *Queue[T]) Len() int { return len(q.items) }
