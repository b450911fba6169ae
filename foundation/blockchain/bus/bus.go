// Package bus carries control messages between consensus nodes. Each node
// owns one FIFO queue; senders append to any queue, only the owner removes.
// Blocks travel inside the messages themselves, so no shared side table is
// needed to transfer payloads.
package bus

import (
	"sync"

	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/database"
)

// Kind enumerates the message types the two protocols exchange.
type Kind int

const (
	// Proof-of-work kinds.
	BlockFound Kind = iota
	RequestBlock
	BlockSent
	BlockUnavailable

	// dBFT kinds.
	PrepareRequest
	PrepareResponse
	ChangeView
	BlockPublished
)

// String returns the display label for a message kind.
func (k Kind) String() string {
	switch k {
	case BlockFound:
		return "BLOCK_FOUND"
	case RequestBlock:
		return "BLOCK_REQUEST"
	case BlockSent:
		return "BLOCK_SENT"
	case BlockUnavailable:
		return "BLOCK_UNAVAILABLE"
	case PrepareRequest:
		return "PREPARE_REQUEST"
	case PrepareResponse:
		return "PREPARE_RESPONSE"
	case ChangeView:
		return "CHANGE_VIEW"
	case BlockPublished:
		return "BLOCK_PUBLISHED"
	}
	return "UNKNOWN"
}

// Message is the unit passed between nodes. Height is a block height for
// proof-of-work kinds and the sender's working height for dBFT kinds; View
// is meaningful only for dBFT. Block is set on BlockSent.
type Message struct {
	Kind   Kind
	Sender int
	Height int
	View   int
	Block  *database.Block
}

// =============================================================================

// Queue is one node's FIFO of pending messages.
type Queue struct {
	mu   sync.Mutex
	msgs []Message
}

// Push appends a message to the back of the queue.
func (q *Queue) Push(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.msgs = append(q.msgs, msg)
}

// PopFront removes and returns the oldest message.
func (q *Queue) PopFront() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.msgs) == 0 {
		return Message{}, false
	}

	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg, true
}

// PeekFront returns the oldest message without removing it.
func (q *Queue) PeekFront() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.msgs) == 0 {
		return Message{}, false
	}

	return q.msgs[0], true
}

// PopWhere removes and returns the first message satisfying match, scanning
// front to back. Messages ahead of the match stay queued.
func (q *Queue) PopWhere(match func(Message) bool) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, msg := range q.msgs {
		if match(msg) {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return msg, true
		}
	}

	return Message{}, false
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.msgs)
}

// Kinds returns the kinds of the queued messages, front to back. The
// monitor uses this to render queues without disturbing them.
func (q *Queue) Kinds() []Kind {
	q.mu.Lock()
	defer q.mu.Unlock()

	kinds := make([]Kind, len(q.msgs))
	for i, msg := range q.msgs {
		kinds[i] = msg.Kind
	}
	return kinds
}

// =============================================================================

// Bus owns one queue per node.
type Bus struct {
	queues []*Queue
}

// New constructs a bus for the specified number of nodes.
func New(nodes int) *Bus {
	queues := make([]*Queue, nodes)
	for i := range queues {
		queues[i] = &Queue{}
	}

	return &Bus{queues: queues}
}

// Nodes returns the number of queues on the bus.
func (b *Bus) Nodes() int {
	return len(b.queues)
}

// Queue returns the queue owned by the specified node.
func (b *Bus) Queue(node int) *Queue {
	return b.queues[node]
}

// Send appends a message to the target node's queue.
func (b *Bus) Send(target int, msg Message) {
	b.queues[target].Push(msg)
}
