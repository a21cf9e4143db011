package dispatch

import (
	"container/heap"
	"sync"
	"time"
)

// messageQueue is one priority's FIFO. Retried messages re-enter at the
// front so they run before newer traffic.
type messageQueue struct {
	mu    sync.Mutex
	items []*Message
}

func (q *messageQueue) pushBack(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
}

func (q *messageQueue) pushFront(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*Message{msg}, q.items...)
}

// drain removes up to limit messages in order. limit <= 0 drains everything.
func (q *messageQueue) drain(limit int) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}

	out := make([]*Message, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return out
}

func (q *messageQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// oldest returns the creation time of the head message and whether the
// queue is non-empty.
func (q *messageQueue) oldest() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].CreatedAt, true
}

// delayedMessage is a retry waiting out its backoff.
type delayedMessage struct {
	msg *Message
	due time.Time
}

// delayHeap orders pending retries by due time. A single pump goroutine
// pops due entries, so per-message OS timers are never created.
type delayHeap struct {
	mu    sync.Mutex
	items []*delayedMessage
}

func (h *delayHeap) Len() int { return len(h.items) }

func (h *delayHeap) Less(i, j int) bool { return h.items[i].due.Before(h.items[j].due) }

func (h *delayHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *delayHeap) Push(x any) { h.items = append(h.items, x.(*delayedMessage)) }

func (h *delayHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

func (h *delayHeap) schedule(msg *Message, due time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	heap.Push(h, &delayedMessage{msg: msg, due: due})
}

// popDue removes and returns every entry due at or before now.
func (h *delayHeap) popDue(now time.Time) []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	var due []*Message
	for len(h.items) > 0 && !h.items[0].due.After(now) {
		item := heap.Pop(h).(*delayedMessage)
		due = append(due, item.msg)
	}
	return due
}

// nextDue returns the earliest due time, or false when empty.
func (h *delayHeap) nextDue() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.items) == 0 {
		return time.Time{}, false
	}
	return h.items[0].due, true
}

func (h *delayHeap) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}
