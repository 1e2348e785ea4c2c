// Package bus carries agent-to-agent messages. Delivery is mailbox style:
// send enqueues into the receiver's FIFO, drain hands the whole queue to the
// receiver and clears it. Messages never outlive the tick that drains them.
package bus

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/api/schemas"
)

// Bus maps receiver ids to pending message queues. Within one sender-receiver
// pair, drain order equals send order; across pairs, drain sorts by sender id,
// so concurrent senders cannot perturb the order a receiver observes.
type Bus struct {
	mu         sync.Mutex
	queues     map[string][]schemas.Message
	isShutdown bool
	log        *zap.Logger
}

// New initializes an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		queues: make(map[string][]schemas.Message),
		log:    logger.Named("bus"),
	}
}

// Send enqueues a message into the receiver's queue, assigning a message id
// when the sender left it empty. Sends after shutdown are dropped.
func (b *Bus) Send(msg schemas.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdown {
		b.log.Debug("message dropped, bus is shut down",
			zap.String("sender", msg.Sender), zap.String("receiver", msg.Receiver))
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	b.queues[msg.Receiver] = append(b.queues[msg.Receiver], msg)
}

// Drain returns and clears the receiver's queue, grouped by sender with each
// sender's messages in send order. Draining an unknown receiver yields nil.
func (b *Bus) Drain(receiver string) []schemas.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.queues[receiver]
	if len(msgs) == 0 {
		return nil
	}
	delete(b.queues, receiver)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Sender < msgs[j].Sender
	})
	return msgs
}

// Pending returns the number of undelivered messages for a receiver.
func (b *Bus) Pending(receiver string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[receiver])
}

// Clear drops every queued message. The orchestrator calls this at the end of
// a tick so stale proposals never leak into the next one.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues = make(map[string][]schemas.Message)
}

// Shutdown stops the bus; subsequent sends are dropped.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isShutdown = true
	b.queues = make(map[string][]schemas.Message)
}
