package network

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// P2P adapts a Peer to the channel contract of the pool and adds
// best-effort collectives on top of it.
type P2P struct {
	peer *Peer
}

func NewP2P(peer *Peer) *P2P {
	return &P2P{peer: peer}
}

// Rank returns the rank of this node.
func (p *P2P) Rank() int {
	return p.peer.Rank
}

// Size returns the number of ranks of the group.
func (p *P2P) Size() int {
	return len(p.peer.Addresses)
}

func (p *P2P) Send(ctx context.Context, dest, tag int, payload []byte) error {
	return p.peer.Send(ctx, dest, tag, payload)
}

func (p *P2P) TryReceive(src, tag int) ([]byte, bool) {
	return p.peer.TryReceive(src, tag)
}

func (p *P2P) ReceiveWithin(ctx context.Context, src, tag int, timeout time.Duration) ([]byte, bool, error) {
	return p.peer.ReceiveWithin(ctx, src, tag, timeout)
}

func (p *P2P) GetAddresses() map[int]string {
	return copyMap(p.peer.Addresses)
}

// Broadcast sends payload from root to every other rank under tag.
// Non-root ranks wait up to timeout for it. The root tries every rank and
// reports the first delivery failure.
func (p *P2P) Broadcast(ctx context.Context, root, tag int, payload []byte, timeout time.Duration) ([]byte, error) {
	if root == p.Rank() {
		var first error
		for i := range p.peer.Addresses {
			if i == root {
				continue
			}
			if err := p.peer.Send(ctx, i, tag, payload); err != nil && first == nil {
				first = err
			}
		}
		return payload, first
	}
	recv, ok, err := p.peer.ReceiveWithin(ctx, root, tag, timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("no broadcast from rank %d within %v", root, timeout)
	}
	return recv, nil
}

// Gather collects at root the payload of every rank. Entry i of the result
// holds the contribution of rank i, or nil when it did not arrive within
// timeout. Non-root ranks only send and get a nil slice.
func (p *P2P) Gather(ctx context.Context, root, tag int, payload []byte, timeout time.Duration) ([][]byte, error) {
	if root != p.Rank() {
		return nil, p.peer.Send(ctx, root, tag, payload)
	}
	recv := make([][]byte, p.Size())
	recv[root] = payload
	deadline := p.peer.clock.Now().Add(timeout)
	for i := range recv {
		if i == root {
			continue
		}
		wait := deadline.Sub(p.peer.clock.Now())
		if wait <= 0 {
			if b, ok := p.peer.TryReceive(i, tag); ok {
				recv[i] = b
			}
			continue
		}
		b, ok, err := p.peer.ReceiveWithin(ctx, i, tag, wait)
		if err != nil {
			return recv, err
		}
		if ok {
			recv[i] = b
		}
	}
	return recv, nil
}

// Close closes the underlying Peer.
func (p *P2P) Close() error {
	return p.peer.Close()
}
