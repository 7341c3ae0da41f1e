package queue

import "sync"

// Buffer is the ordered pending-command buffer shared between producers and
// the single delivery loop. Every mutation takes the same lock so that
// Preempt's clear-then-append is observed as one step by concurrent callers.
type Buffer struct {
	mu    sync.Mutex
	items []Item
	wake  chan struct{}
}

func New() *Buffer {
	return &Buffer{wake: make(chan struct{}, 1)}
}

// Push appends it to the tail.
func (b *Buffer) Push(it Item) {
	b.mu.Lock()
	b.items = append(b.items, it)
	b.mu.Unlock()
	b.signal()
}

// Preempt discards every pending item and appends it as the sole element.
// The discarded items are returned oldest-first.
func (b *Buffer) Preempt(it Item) []Item {
	b.mu.Lock()
	discarded := b.items
	b.items = []Item{it}
	b.mu.Unlock()
	b.signal()
	return discarded
}

// Pop removes and returns the head. ok is false when the buffer is empty.
func (b *Buffer) Pop() (it Item, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return Item{}, false
	}
	it = b.items[0]
	b.items[0] = Item{}
	b.items = b.items[1:]
	return it, true
}

// Drain removes and returns every pending item.
func (b *Buffer) Drain() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

// Len returns the number of pending items.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Snapshot returns a copy of the pending items, head first.
func (b *Buffer) Snapshot() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Item, len(b.items))
	copy(out, b.items)
	return out
}

// Ready is signalled after every Push or Preempt. A single consumer should
// re-check Pop after each receive; signals coalesce.
func (b *Buffer) Ready() <-chan struct{} {
	return b.wake
}

func (b *Buffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
