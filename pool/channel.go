package pool

import (
	"context"
	"time"
)

// Tags used by the pool on its Channel. Applications sharing the channel
// must pick different ones.
const (
	TagMarker = 1
	TagStatus = 2
	TagMask   = 3
)

// Channel is the point to point transport a Pool runs on.
// Messages are queued per (source rank, tag) and received in FIFO order.
type Channel interface {
	// Rank returns the id of the local rank.
	Rank() int

	// Size returns the number of ranks of the group.
	Size() int

	// Send delivers payload to the mailbox of rank dest under tag.
	// It does not wait for the receiver to consume it.
	Send(ctx context.Context, dest, tag int, payload []byte) error

	// TryReceive pops the oldest message from src under tag, if any,
	// without blocking.
	TryReceive(src, tag int) ([]byte, bool)

	// ReceiveWithin waits up to timeout for a message from src under tag.
	// It returns false when none arrived in time; the error is reserved for
	// a closed channel or a done context.
	ReceiveWithin(ctx context.Context, src, tag int, timeout time.Duration) ([]byte, bool, error)
}
