package command

import "sync"

// Queue holds undeliverable commands per device, in strict FIFO submission
// order, with a bounded depth per device.
//
// The outer lock only guards the device map; each device's entries are owned
// by that device's queue, so unrelated devices never contend.
type Queue struct {
	maxDepth int

	mu     sync.RWMutex
	queues map[string]*deviceQueue
}

type deviceQueue struct {
	mu    sync.Mutex
	items []Command
}

func NewQueue(maxDepth int) *Queue {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &Queue{
		maxDepth: maxDepth,
		queues:   make(map[string]*deviceQueue),
	}
}

func (q *Queue) forDevice(deviceID string) *deviceQueue {
	q.mu.RLock()
	dq, ok := q.queues[deviceID]
	q.mu.RUnlock()
	if ok {
		return dq
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if dq, ok = q.queues[deviceID]; ok {
		return dq
	}
	dq = &deviceQueue{}
	q.queues[deviceID] = dq
	return dq
}

// Enqueue appends cmd to the device's queue and returns its 1-based position.
// When the queue is at capacity the oldest entry is evicted first and
// returned so the caller can finalize it.
func (q *Queue) Enqueue(cmd Command) (position int, evicted []Command) {
	dq := q.forDevice(cmd.DeviceID)
	dq.mu.Lock()
	defer dq.mu.Unlock()

	for len(dq.items) >= q.maxDepth {
		evicted = append(evicted, dq.items[0])
		dq.items = dq.items[1:]
	}
	dq.items = append(dq.items, cmd)
	return len(dq.items), evicted
}

// Drain removes and returns every queued command for the device, oldest
// first.
func (q *Queue) Drain(deviceID string) []Command {
	dq := q.forDevice(deviceID)
	dq.mu.Lock()
	defer dq.mu.Unlock()

	items := dq.items
	dq.items = nil
	return items
}

// Len reports the number of commands currently queued for the device.
func (q *Queue) Len(deviceID string) int {
	q.mu.RLock()
	dq, ok := q.queues[deviceID]
	q.mu.RUnlock()
	if !ok {
		return 0
	}
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return len(dq.items)
}
