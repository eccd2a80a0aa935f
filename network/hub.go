package network

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
)

// Hub connects a group of in-process Endpoints. It lets tests and
// simulations reproduce slow, silent or confused ranks without sockets.
type Hub struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	silenced  map[int]bool
	clock     clock.Clock
}

type HubOption func(*Hub)

// WithHubClock makes every timer of the Hub and its Endpoints run on clk.
func WithHubClock(clk clock.Clock) HubOption {
	return func(h *Hub) {
		h.clock = clk
	}
}

// NewHub creates a group of n connected Endpoints.
func NewHub(n int, opts ...HubOption) *Hub {
	h := &Hub{
		silenced: make(map[int]bool),
		clock:    clock.NewClock(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.endpoints = make([]*Endpoint, n)
	for i := range h.endpoints {
		h.endpoints[i] = &Endpoint{hub: h, rank: i, box: newMailbox()}
	}
	return h
}

// Endpoint returns the channel of rank.
func (h *Hub) Endpoint(rank int) *Endpoint {
	return h.endpoints[rank]
}

func (h *Hub) Size() int {
	return len(h.endpoints)
}

// Silence drops, from now on, every message sent to or by rank, as if the
// rank had crashed or been partitioned away.
func (h *Hub) Silence(rank int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.silenced[rank] = true
}

// Inject delivers payload to dest as if src had sent it under tag,
// bypassing silencing.
func (h *Hub) Inject(src, dest, tag int, payload []byte) {
	h.endpoints[dest].box.push(src, tag, append([]byte(nil), payload...))
}

// Close closes every Endpoint.
func (h *Hub) Close() {
	for _, e := range h.endpoints {
		e.Close()
	}
}

// Endpoint is the channel of one rank of a Hub.
type Endpoint struct {
	hub  *Hub
	rank int
	box  *mailbox
}

func (e *Endpoint) Rank() int {
	return e.rank
}

func (e *Endpoint) Size() int {
	return len(e.hub.endpoints)
}

func (e *Endpoint) Send(ctx context.Context, dest, tag int, payload []byte) error {
	if dest < 0 || dest >= len(e.hub.endpoints) {
		return errors.Errorf("unknown rank %d", dest)
	}
	if e.box.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.mu.Lock()
	silenced := e.hub.silenced[e.rank] || e.hub.silenced[dest]
	e.hub.mu.Unlock()
	if silenced {
		return nil
	}
	e.hub.endpoints[dest].box.push(e.rank, tag, append([]byte(nil), payload...))
	return nil
}

func (e *Endpoint) TryReceive(src, tag int) ([]byte, bool) {
	return e.box.tryPop(src, tag)
}

func (e *Endpoint) ReceiveWithin(ctx context.Context, src, tag int, timeout time.Duration) ([]byte, bool, error) {
	return e.box.receive(ctx, e.hub.clock, src, tag, timeout)
}

// Close makes pending and future receives of the Endpoint fail.
func (e *Endpoint) Close() {
	e.box.close()
}
