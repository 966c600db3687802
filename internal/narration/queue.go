package narration

import (
	"container/heap"
	"sync"
)

// Message is a unit of voice output. Priority is honoured only when
// HasPriority is set; otherwise Enqueue fills in the kind's default.
type Message struct {
	ID          uint64
	Text        string
	Kind        Kind
	Priority    uint8
	HasPriority bool
	IsMarkup    bool
	CoalesceKey string
}

type queueItem struct {
	msg   Message
	index int
}

// itemHeap orders by priority descending, then id ascending.
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].msg.ID < h[j].msg.ID
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// queue is the pending message set. Coalescing and insertion happen under
// the same lock so two live messages never share a coalesce key.
type queue struct {
	mu    sync.Mutex
	items itemHeap
	byID  map[uint64]*queueItem
	byKey map[string]*queueItem
}

func newQueue() *queue {
	return &queue{
		byID:  make(map[uint64]*queueItem),
		byKey: make(map[string]*queueItem),
	}
}

// push inserts msg, first removing any queued message with the same coalesce
// key. The replaced message is returned.
func (q *queue) push(msg Message) (replaced *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.CoalesceKey != "" {
		if old, ok := q.byKey[msg.CoalesceKey]; ok {
			q.removeLocked(old)
			replaced = &old.msg
		}
	}
	item := &queueItem{msg: msg}
	heap.Push(&q.items, item)
	q.byID[msg.ID] = item
	if msg.CoalesceKey != "" {
		q.byKey[msg.CoalesceKey] = item
	}
	return replaced
}

func (q *queue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Message{}, false
	}
	item := heap.Pop(&q.items).(*queueItem)
	q.forgetLocked(item)
	return item.msg, true
}

// remove drops the queued message with the given id.
func (q *queue) remove(id uint64) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[id]
	if !ok {
		return Message{}, false
	}
	q.removeLocked(item)
	return item.msg, true
}

// clear empties the queue and returns the dropped messages in dequeue order.
func (q *queue) clear() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Message, 0, len(q.items))
	for len(q.items) > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		out = append(out, item.msg)
	}
	q.byID = make(map[uint64]*queueItem)
	q.byKey = make(map[string]*queueItem)
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) removeLocked(item *queueItem) {
	heap.Remove(&q.items, item.index)
	q.forgetLocked(item)
}

func (q *queue) forgetLocked(item *queueItem) {
	delete(q.byID, item.msg.ID)
	if key := item.msg.CoalesceKey; key != "" && q.byKey[key] == item {
		delete(q.byKey, key)
	}
}
