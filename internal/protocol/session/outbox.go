package session

import (
	"errors"
	"sync"
)

var (
	ErrOutboxFull   = errors.New("session: outbox full")
	ErrOutboxClosed = errors.New("session: outbox closed")
)

// Outbox is a bounded FIFO of encoded frames waiting for one connection's
// writer. Push never blocks.
type Outbox struct {
	mu     sync.Mutex
	closed bool
	items  chan []byte
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultConfig().OutboxSize
	}
	return &Outbox{
		items: make(chan []byte, size),
	}
}

// Push enqueues one encoded frame.
func (o *Outbox) Push(payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.items <- payload:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Items is drained by the connection writer; it is closed by Close after
// every pushed frame.
func (o *Outbox) Items() <-chan []byte {
	return o.items
}

// Close stops accepting frames. Already queued frames remain readable.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.items)
}

func (o *Outbox) Len() int {
	return len(o.items)
}
