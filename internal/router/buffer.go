package router

import "sync"

// Queue is an unbounded FIFO that lets a handler hand envelopes to a slower
// consumer without blocking dispatch. Storage doubles once it is 70% full.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	ready  chan struct{}

	// Stats
	pushed      int64
	drained     int64
	resizeCount int
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Len         int
	Capacity    int
	Pushed      int64
	Drained     int64
	ResizeCount int
}

// NewQueue creates a queue with the given initial capacity.
func NewQueue[T any](initialCapacity int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &Queue[T]{
		items: make([]T, 0, initialCapacity),
		ready: make(chan struct{}, 1),
	}
}

// Enqueue returns a handler that pushes every envelope onto q.
func Enqueue(q *Queue[Envelope]) HandlerFunc {
	return func(env Envelope) {
		q.Push(env)
	}
}

// Push appends item. Returns false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if q.head > 0 {
		q.compactLocked()
	}
	if len(q.items)+1 >= cap(q.items)*70/100 {
		q.growLocked()
	}
	q.items = append(q.items, item)
	q.pushed++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled after a Push. A consumer should Drain until empty after
// each signal since pushes coalesce.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes up to max items (all when max <= 0) in FIFO order.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items) - q.head
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	copy(out, q.items[q.head:q.head+n])

	var zero T
	for i := q.head; i < q.head+n; i++ {
		q.items[i] = zero
	}
	q.head += n
	q.drained += int64(n)

	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return out
}

// Close stops accepting pushes. Items already queued can still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:         len(q.items) - q.head,
		Capacity:    cap(q.items),
		Pushed:      q.pushed,
		Drained:     q.drained,
		ResizeCount: q.resizeCount,
	}
}

// compactLocked moves live items to the front so append reuses the drained
// prefix instead of reallocating past it.
func (q *Queue[T]) compactLocked() {
	n := copy(q.items, q.items[q.head:])
	var zero T
	for i := n; i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = q.items[:n]
	q.head = 0
}

// growLocked compacts live items into a slice of double capacity.
func (q *Queue[T]) growLocked() {
	live := q.items[q.head:]
	next := make([]T, len(live), cap(q.items)*2)
	copy(next, live)
	q.items = next
	q.head = 0
	q.resizeCount++
}
