// Package queue holds outbound requests created while the solver link is down
// and replays them in insertion order once it comes back.
//
// A Queue is not safe for concurrent use. It is owned by the relay router's
// actor goroutine.
package queue

import "errors"

// ErrFull is returned by Enqueue under the RejectNew policy.
var ErrFull = errors.New("queue: full")

// OverflowPolicy decides what happens when a bounded queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the head to make room for the new item.
	DropOldest OverflowPolicy = iota
	// RejectNew keeps the queue unchanged and returns ErrFull.
	RejectNew
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case RejectNew:
		return "reject-new"
	}
	return "unknown"
}

// ParsePolicy maps a config string to a policy, defaulting to DropOldest.
func ParsePolicy(s string) OverflowPolicy {
	if s == RejectNew.String() {
		return RejectNew
	}
	return DropOldest
}

// Queue is a FIFO with an optional capacity. Capacity 0 means unbounded.
type Queue[T any] struct {
	items    []T
	capacity int
	policy   OverflowPolicy
}

// New creates a queue.
func New[T any](capacity int, policy OverflowPolicy) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{capacity: capacity, policy: policy}
}

// Enqueue appends item to the tail. When the queue is at capacity the
// overflow policy applies: DropOldest returns the evicted head with
// dropped=true, RejectNew returns ErrFull.
func (q *Queue[T]) Enqueue(item T) (evicted T, dropped bool, err error) {
	if q.capacity > 0 && len(q.items) >= q.capacity {
		if q.policy == RejectNew {
			return evicted, false, ErrFull
		}
		evicted = q.pop()
		dropped = true
	}
	q.items = append(q.items, item)
	return evicted, dropped, nil
}

// Drain sends items head first while the queue is non-empty and connected
// reports true, re-checking both before every item. The head is removed only
// after send returns nil; the first failure stops the drain and leaves that
// item at the head. It returns the number of items sent.
func (q *Queue[T]) Drain(send func(T) error, connected func() bool) (int, error) {
	sent := 0
	for len(q.items) > 0 && connected() {
		if err := send(q.items[0]); err != nil {
			return sent, err
		}
		q.pop()
		sent++
	}
	return sent, nil
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Capacity returns the configured bound, 0 for unbounded.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Snapshot returns a copy of the queued items in send order.
func (q *Queue[T]) Snapshot() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Clear empties the queue and returns what was discarded.
func (q *Queue[T]) Clear() []T {
	out := q.items
	q.items = nil
	return out
}

func (q *Queue[T]) pop() T {
	var zero T
	head := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return head
}
