package engine

// queue.go holds pending operation references in three FIFO lanes plus a
// scheduled set for future-dated execution. The queue stores references
// only; operation state lives in the registry and lane membership is
// exclusive (an operation is in at most one lane or the scheduled set).

import (
	"fmt"
	"sync"
	"time"
)

// QueueItem references a queued operation.
type QueueItem struct {
	OperationID  string    `json:"operationId"`
	Priority     Priority  `json:"priority"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	ScheduledFor time.Time `json:"scheduledFor,omitzero"`
}

// PriorityQueue is a three-lane FIFO queue with per-lane pause/resume and a
// scheduled set that promotes items into their lane once due.
type PriorityQueue struct {
	mu        sync.Mutex
	lanes     map[Priority][]QueueItem
	paused    map[Priority]bool
	scheduled []QueueItem
	clock     Clock
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue(clock Clock) *PriorityQueue {
	if clock == nil {
		clock = SystemClock{}
	}
	q := &PriorityQueue{
		lanes:  make(map[Priority][]QueueItem),
		paused: make(map[Priority]bool),
		clock:  clock,
	}
	for _, lane := range Lanes() {
		q.lanes[lane] = nil
	}
	return q
}

// Enqueue places an operation reference at the tail of a lane, or into the
// scheduled set when opts.ScheduledFor is in the future. An operation
// already present anywhere in the queue is rejected.
func (q *PriorityQueue) Enqueue(operationID string, priority Priority, opts EnqueueOptions) (QueueItem, error) {
	if _, ok := q.lanes[priority]; !ok {
		return QueueItem{}, fmt.Errorf("unknown priority lane %q", priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.containsLocked(operationID) {
		return QueueItem{}, fmt.Errorf("operation %s is already queued", operationID)
	}

	item := QueueItem{
		OperationID: operationID,
		Priority:    priority,
		EnqueuedAt:  q.clock.Now(),
	}
	if !opts.ScheduledFor.IsZero() && opts.ScheduledFor.After(q.clock.Now()) {
		item.ScheduledFor = opts.ScheduledFor.UTC()
		q.scheduled = append(q.scheduled, item)
		return item, nil
	}

	q.lanes[priority] = append(q.lanes[priority], item)
	return item, nil
}

// DequeueNext scans lanes strictly high -> normal -> low, skipping paused
// lanes, and pops the head of the first eligible non-empty lane. Returns
// false when nothing is eligible.
func (q *PriorityQueue) DequeueNext() (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, lane := range Lanes() {
		if q.paused[lane] || len(q.lanes[lane]) == 0 {
			continue
		}
		item := q.lanes[lane][0]
		q.lanes[lane] = q.lanes[lane][1:]
		return item, true
	}
	return QueueItem{}, false
}

// Remove drops an operation from whichever lane or the scheduled set holds
// it. Reverting the operation's registry status is the caller's job.
func (q *PriorityQueue) Remove(operationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for lane, items := range q.lanes {
		for i, item := range items {
			if item.OperationID == operationID {
				q.lanes[lane] = append(items[:i:i], items[i+1:]...)
				return true
			}
		}
	}
	for i, item := range q.scheduled {
		if item.OperationID == operationID {
			q.scheduled = append(q.scheduled[:i:i], q.scheduled[i+1:]...)
			return true
		}
	}
	return false
}

// Pause gates a lane: DequeueNext skips it until Resume is called.
// In-flight operations are unaffected.
func (q *PriorityQueue) Pause(priority Priority) {
	q.mu.Lock()
	q.paused[priority] = true
	q.mu.Unlock()
}

// Resume reopens a paused lane.
func (q *PriorityQueue) Resume(priority Priority) {
	q.mu.Lock()
	q.paused[priority] = false
	q.mu.Unlock()
}

// Paused reports whether a lane is currently gated.
func (q *PriorityQueue) Paused(priority Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused[priority]
}

// PromoteDue moves scheduled items whose trigger time has elapsed into
// their lane, preserving scheduled order, and returns the promoted items.
func (q *PriorityQueue) PromoteDue() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var promoted []QueueItem
	var remaining []QueueItem
	for _, item := range q.scheduled {
		if !item.ScheduledFor.After(now) {
			item.EnqueuedAt = now
			q.lanes[item.Priority] = append(q.lanes[item.Priority], item)
			promoted = append(promoted, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	q.scheduled = remaining
	return promoted
}

// Len returns the number of items across all active lanes.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, items := range q.lanes {
		n += len(items)
	}
	return n
}

// ScheduledLen returns the number of future-dated items.
func (q *PriorityQueue) ScheduledLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.scheduled)
}

// containsLocked reports queue membership. Caller holds q.mu.
func (q *PriorityQueue) containsLocked(operationID string) bool {
	for _, items := range q.lanes {
		for _, item := range items {
			if item.OperationID == operationID {
				return true
			}
		}
	}
	for _, item := range q.scheduled {
		if item.OperationID == operationID {
			return true
		}
	}
	return false
}
