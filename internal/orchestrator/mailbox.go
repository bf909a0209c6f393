package orchestrator

import (
	"fmt"
	"sync"
)

// Conn is the transport-owned connection handle of a player. Send is
// best-effort: it must not block, and its error is logged and otherwise ignored.
type Conn interface {
	Send(payload []byte) error
}

// Mailbox is a Conn backed by a buffered channel, for transports that drain
// outbound payloads from their own goroutine (gRPC streams, tests).
type Mailbox struct {
	id       string
	messages chan []byte
	mu       sync.Mutex
	closed   bool
}

// NewMailbox creates a Mailbox holding up to bufferSize undelivered payloads.
//
// Postcondition: Returns a Mailbox with an open channel; bufferSize <= 0 uses 64.
func NewMailbox(id string, bufferSize int) *Mailbox {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Mailbox{
		id:       id,
		messages: make(chan []byte, bufferSize),
	}
}

// ID returns the identifier the mailbox was created with.
func (b *Mailbox) ID() string {
	return b.id
}

// Send enqueues payload without blocking.
//
// Postcondition: payload is enqueued, or an error if the mailbox is closed or full.
func (b *Mailbox) Send(payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("mailbox %s is closed", b.id)
	}
	select {
	case b.messages <- payload:
		return nil
	default:
		return fmt.Errorf("mailbox %s buffer full", b.id)
	}
}

// Messages returns the receive side of the mailbox. It is closed by Close.
func (b *Mailbox) Messages() <-chan []byte {
	return b.messages
}

// Close closes the channel. Safe to call more than once.
func (b *Mailbox) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.messages)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (b *Mailbox) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
