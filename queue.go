package hare

import (
	"sync"

	"github.com/glimte/hare-go/contracts"
)

// channelQueue is the FIFO of channel ids waiting for a bind retry. An id is
// queued at most once.
type channelQueue struct {
	mu     sync.Mutex
	ids    []int
	queued map[int]bool
}

func newChannelQueue() *channelQueue {
	return &channelQueue{queued: make(map[int]bool)}
}

func (q *channelQueue) push(id int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.queued[id] {
		q.queued[id] = true
		q.ids = append(q.ids, id)
	}
	return len(q.ids)
}

func (q *channelQueue) pop() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return 0, false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	delete(q.queued, id)
	return id, true
}

func (q *channelQueue) remove(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.queued[id] {
		return
	}
	delete(q.queued, id)
	for i, queued := range q.ids {
		if queued == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			break
		}
	}
}

func (q *channelQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ids = nil
	q.queued = make(map[int]bool)
}

func (q *channelQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// outboundMessage is one queued Send
type outboundMessage struct {
	exchange   string
	routingKey string
	channelID  int
	msg        contracts.Message
}

// outboundQueue is the producer FIFO. Callers only push; the worker alone
// peeks and pops.
type outboundQueue struct {
	mu       sync.Mutex
	messages []*outboundMessage
}

func (q *outboundQueue) push(m *outboundMessage) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.messages = append(q.messages, m)
	return len(q.messages)
}

func (q *outboundQueue) peek() (*outboundMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil, false
	}
	return q.messages[0], true
}

func (q *outboundQueue) pop() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) > 0 {
		q.messages[0] = nil
		q.messages = q.messages[1:]
	}
	return len(q.messages)
}

// clear drops every queued message and returns how many there were
func (q *outboundQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.messages)
	q.messages = nil
	return n
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
