// Package eventbus is an in-memory, non-blocking fanout used to observe
// scheduler and selection outcomes without coupling to them.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the economy core.
const (
	TaskCompleted      = "task.completed"
	TaskFailed         = "task.failed"
	SelectionCompleted = "selection.completed"
	SelectionExpired   = "selection.expired"
)

// Event is a small signal. Data is one of the payload structs below.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// TaskOutcome is the payload of task.completed and task.failed.
type TaskOutcome struct {
	Tenant string
	TaskID string
	Type   string
	Reason string
}

// SelectionOutcome is the payload of selection.completed and selection.expired.
type SelectionOutcome struct {
	Token    string
	Entities []string
	Reason   string // ReasonTTL or ReasonCapacity; selection.expired only
}

// Why a selection session expired.
const (
	ReasonTTL      = "ttl"
	ReasonCapacity = "capacity"
)

// Bus delivers events to buffered subscribers. Publish never blocks; a slow
// subscriber loses events.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
