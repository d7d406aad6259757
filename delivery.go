package mda

import (
	"context"
	"io"
	"time"
)

// Deliverer places a message into a mailbox.
// Engine implements it; EncryptingDeliverer decorates it.
type Deliverer interface {
	// Deliver writes msg to target. On success the message is durable and
	// complete in the mailbox; on failure the mailbox is unchanged.
	Deliver(ctx context.Context, msg *Message, target Target) (*Delivery, error)
}

// Delivery describes a completed delivery.
type Delivery struct {
	// ID identifies the delivery in logs and traces.
	ID string

	// Target is the mailbox written to.
	Target Target

	// Location is the final path of the message: the maildir file, or the
	// mbox file it was appended to.
	Location string

	// Bytes is the number of bytes added to the mailbox, including any
	// format framing.
	Bytes int64

	// Attempts is the number of attempts made, starting at 1.
	Attempts int

	// Linked reports that a maildir copy was hard-linked from an earlier
	// delivery of the same message.
	Linked bool

	// Duration is the time spent delivering.
	Duration time.Duration
}

// Unlocker releases a mailbox lock. Release must be safe to call more than once.
type Unlocker interface {
	Release() error
}

// Staged is a message in flight to a mailbox. Writes go to a private staging
// area; Commit publishes them and Abort discards them. Abort after Commit is
// a no-op, and both are safe to call more than once.
type Staged interface {
	io.Writer
	Commit() (string, error)
	Abort() error
}

// Writer implements one mailbox format.
type Writer interface {
	// Lock acquires exclusive access to target. Only this step may block on
	// other processes, and it honors ctx.
	Lock(ctx context.Context, target Target) (Unlocker, error)

	// Stage prepares a staging area for one message.
	Stage(target Target) (Staged, error)

	// Place writes payload, framed for the format, into staged and returns
	// the number of bytes written.
	Place(staged Staged, env Envelope, payload []byte) (int64, error)
}

// Linker is implemented by writers that can add an already delivered
// message to another mailbox without rewriting it.
type Linker interface {
	Link(src string, target Target) (string, error)
}
