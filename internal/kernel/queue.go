package kernel

import "github.com/danmuck/vatctl/internal/message"

// runQueue is the FIFO of pending cranks.
type runQueue struct {
	items []message.Message
	head  int
}

func (q *runQueue) Push(msg message.Message) {
	q.items = append(q.items, msg)
}

func (q *runQueue) Pop() (message.Message, bool) {
	if q.head >= len(q.items) {
		return message.Message{}, false
	}
	msg := q.items[q.head]
	q.items[q.head] = message.Message{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return msg, true
}

func (q *runQueue) Len() int {
	return len(q.items) - q.head
}

// Snapshot copies the pending messages in delivery order.
func (q *runQueue) Snapshot() []message.Message {
	out := make([]message.Message, q.Len())
	copy(out, q.items[q.head:])
	return out
}

type continuation struct {
	stage    string
	creation *creation
	fn       func()
}

// continuationQueue runs ahead of the run queue.
type continuationQueue struct {
	items []continuation
}

func (q *continuationQueue) Push(c continuation) {
	q.items = append(q.items, c)
}

func (q *continuationQueue) Pop() (continuation, bool) {
	if len(q.items) == 0 {
		return continuation{}, false
	}
	c := q.items[0]
	q.items[0] = continuation{}
	q.items = q.items[1:]
	return c, true
}

func (q *continuationQueue) Len() int {
	return len(q.items)
}
