package pool

import (
	"context"
	"log/slog"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// resolution is how the coordinator settled one peer in a round:
// Ready means the peer was present.
type resolution struct {
	rank   int
	status Status
}

// faultTolerantBarrier exchanges the messages of a single round. It owns
// no pool state: the caller decides what to do with the resolutions.
type faultTolerantBarrier struct {
	ch      Channel
	root    int
	timeout time.Duration
	tries   int
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
}

// coordinate sends the round marker to every peer and waits, for each of
// them independently, for its status record. Peers that stay silent for
// the whole window resolve to Timeout, and so do the ones the marker
// cannot reach: only their queued records can still settle them.
func (b *faultTolerantBarrier) coordinate(epoch uint64, peers []int) ([]resolution, error) {
	marker, err := encodeRecord(epoch, Ready)
	if err != nil {
		return nil, errors.Wrap(err, "encoding round marker")
	}
	res := make([]resolution, len(peers))
	g, ctx := errgroup.WithContext(context.Background())
	for i, peer := range peers {
		g.Go(func() error {
			deadline := b.clock.Now().Add(b.window())
			if err := b.send(ctx, peer, TagMarker, marker, b.window()); err != nil {
				if !unreachable(err) || ctx.Err() != nil {
					return transport(err, "sending marker of round %d to rank %d", epoch, peer)
				}
				b.logger.Debug("round marker not delivered", "peer", peer, "epoch", epoch, "err", err)
			}
			s, ok, err := b.await(ctx, peer, TagStatus, epoch, deadline)
			if err != nil {
				return transport(err, "waiting for rank %d in round %d", peer, epoch)
			}
			if !ok {
				s = Timeout
			}
			res[i] = resolution{rank: peer, status: s}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// follow waits for the coordinator's marker of the round and answers it.
// It returns false if the marker never came. A reply that cannot reach
// the coordinator is left to its timeout.
func (b *faultTolerantBarrier) follow(epoch uint64) (bool, error) {
	ctx := context.Background()
	_, ok, err := b.await(ctx, b.root, TagMarker, epoch, b.clock.Now().Add(b.window()))
	if err != nil {
		return false, transport(err, "waiting for marker of round %d", epoch)
	}
	if !ok {
		return false, nil
	}
	reply, err := encodeRecord(epoch, Ready)
	if err != nil {
		return true, errors.Wrap(err, "encoding round reply")
	}
	if err := b.send(ctx, b.root, TagStatus, reply, b.timeout); err != nil {
		if !unreachable(err) {
			return true, transport(err, "replying to marker of round %d", epoch)
		}
		b.logger.Warn("reply to coordinator not delivered", "epoch", epoch, "err", err)
	}
	return true, nil
}

// send delivers one message, giving up after limit.
func (b *faultTolerantBarrier) send(ctx context.Context, dest, tag int, payload []byte, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	return b.ch.Send(ctx, dest, tag, payload)
}

func (b *faultTolerantBarrier) window() time.Duration {
	return time.Duration(b.tries) * b.timeout
}

// await waits until deadline for a status record from src stamped with
// epoch.
func (b *faultTolerantBarrier) await(ctx context.Context, src, tag int, epoch uint64, deadline time.Time) (Status, bool, error) {
	var status Status
	ok, err := b.poll(ctx, src, tag, b.tries, deadline, func(payload []byte) bool {
		e, s, err := decodeRecord(payload)
		if err != nil {
			b.discard(src, tag, epoch, err)
			return false
		}
		if e != epoch {
			b.stale(src, tag, epoch, e)
			return false
		}
		status = s
		return true
	})
	return status, ok, err
}

// awaitMask waits for the coordinator's mask of the round. The extra try
// covers the coordinator still resolving slower peers when the local
// reply was already sent.
func (b *faultTolerantBarrier) awaitMask(epoch uint64, size int) (Mask, bool, error) {
	var mask Mask
	tries := b.tries + 1
	deadline := b.clock.Now().Add(time.Duration(tries) * b.timeout)
	ok, err := b.poll(context.Background(), b.root, TagMask, tries, deadline, func(payload []byte) bool {
		e, m, err := decodeMask(payload, size)
		if err != nil {
			b.discard(b.root, TagMask, epoch, err)
			return false
		}
		if e != epoch {
			b.stale(b.root, TagMask, epoch, e)
			return false
		}
		mask = m
		return true
	})
	if err != nil {
		return nil, false, transport(err, "waiting for mask of round %d", epoch)
	}
	return mask, ok, nil
}

// poll receives from src under tag until accept takes a message. It makes
// at most tries waits of b.timeout each and never runs past deadline,
// however many rejected messages show up in between. Once the deadline
// has passed only the messages already queued are looked at.
func (b *faultTolerantBarrier) poll(ctx context.Context, src, tag, tries int, deadline time.Time, accept func([]byte) bool) (bool, error) {
	for attempt := 0; attempt < tries; {
		wait := deadline.Sub(b.clock.Now())
		if wait <= 0 {
			return b.drain(src, tag, accept), nil
		}
		if wait > b.timeout {
			wait = b.timeout
		}
		payload, ok, err := b.ch.ReceiveWithin(ctx, src, tag, wait)
		if err != nil {
			return false, err
		}
		if !ok {
			attempt++
			continue
		}
		if accept(payload) {
			return true, nil
		}
	}
	return false, nil
}

func (b *faultTolerantBarrier) drain(src, tag int, accept func([]byte) bool) bool {
	for {
		payload, ok := b.ch.TryReceive(src, tag)
		if !ok {
			return false
		}
		if accept(payload) {
			return true
		}
	}
}

// purge drops every status record queued by a rank that is no longer
// waited for.
func (b *faultTolerantBarrier) purge(rank int) int {
	n := 0
	for {
		if _, ok := b.ch.TryReceive(rank, TagStatus); !ok {
			return n
		}
		n++
		b.metrics.StaleMessages.Inc()
	}
}

func (b *faultTolerantBarrier) stale(src, tag int, want, got uint64) {
	b.metrics.StaleMessages.Inc()
	b.logger.Debug("discarding stale message", "peer", src, "tag", tag, "epoch", want, "stamped", got)
}

func (b *faultTolerantBarrier) discard(src, tag int, want uint64, err error) {
	b.metrics.StaleMessages.Inc()
	b.logger.Debug("discarding malformed message", "peer", src, "tag", tag, "epoch", want, "err", err)
}
