package scheduler

import (
	"sync"

	"guildbot/internal/economy"
)

type entry struct {
	tenant economy.TenantID
	task   economy.ScheduledTask
}

// queue is an unbounded FIFO. push never blocks; ready is signaled after
// every push and coalesces while the consumer is busy.
type queue struct {
	mu    sync.Mutex
	items []entry
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(e entry) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued.
func (q *queue) drain() []entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
