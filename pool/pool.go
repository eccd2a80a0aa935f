package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
)

// Round is the outcome of one round as seen by the coordinator.
type Round struct {
	Epoch    uint64
	Mask     Mask
	Present  []int
	Retired  []int
	TimedOut []int
	Duration time.Duration
}

// Recorder receives every round completed by the coordinator.
type Recorder interface {
	Record(r Round) error
}

// Pool tracks the membership of a fixed group of ranks and keeps the
// Ready ones in lock-step through Barrier.
//
// A rank's loop is typically:
//
//	p.Ready()
//	for {
//		if !work() {
//			p.Drop()
//		}
//		p.Barrier()
//		p.SyncMask()
//		if p.Status() != pool.Ready || (p.IsRoot() && p.Done()) {
//			break
//		}
//	}
//
// The coordinator keeps driving rounds after its own Drop until no other
// rank is Ready, so its loop should rather end on Done alone.
type Pool struct {
	mu  sync.Mutex
	reg *statusRegistry
	// epoch, lastRound, hasRound, synced, participants and
	// rootRetired are guarded by mu as well.
	epoch        EpochCounter
	lastRound    uint64
	hasRound     bool
	synced       bool
	participants []int
	rootRetired  bool

	ch       Channel
	cfg      Config
	rank     int
	size     int
	barrier  *faultTolerantBarrier
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	recorder Recorder
}

// New builds the pool of the rank owning ch.
func New(ch Channel, cfg Config, opts ...Option) (*Pool, error) {
	if ch == nil {
		return nil, errors.WithMessage(ErrInvalidConfig, "nil channel")
	}
	size, rank := ch.Size(), ch.Rank()
	if err := cfg.Validate(size); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= size {
		return nil, errors.WithMessagef(ErrInvalidConfig, "rank %d outside of group of %d ranks", rank, size)
	}
	p := &Pool{
		reg:     newStatusRegistry(size),
		ch:      ch,
		cfg:     cfg,
		rank:    rank,
		size:    size,
		clock:   clock.NewClock(),
		logger:  discardLogger(),
		metrics: NewMetrics(nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("rank", rank, "root", cfg.Root)
	p.barrier = &faultTolerantBarrier{
		ch:      ch,
		root:    cfg.Root,
		timeout: cfg.Timeout,
		tries:   cfg.Tries,
		clock:   p.clock,
		logger:  p.logger,
		metrics: p.metrics,
	}
	p.metrics.ReadyRanks.Set(float64(size))
	return p, nil
}

func (p *Pool) Rank() int    { return p.rank }
func (p *Pool) Size() int    { return p.size }
func (p *Pool) Root() int    { return p.cfg.Root }
func (p *Pool) IsRoot() bool { return p.rank == p.cfg.Root }

// Ready marks the local rank as participating. It must be called before
// the first Barrier and panics once the rank has retired.
func (p *Pool) Ready() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reg.setSelf(Ready)
}

// Drop retires the local rank. A participant notifies the coordinator
// with a single message stamped with a fresh epoch, so that the
// coordinator resolves it as Done in the round of that epoch. The notice
// gets at most Timeout to be delivered; an unreachable coordinator is not
// an error.
func (p *Pool) Drop() error {
	p.mu.Lock()
	if p.reg.self == Done {
		p.mu.Unlock()
		return nil
	}
	p.reg.setSelf(Done)
	p.reg.updateMask(p.rank, Done)
	p.metrics.ReadyRanks.Set(float64(p.reg.mask.Count(Ready)))
	if p.IsRoot() {
		p.rootRetired = true
		p.mu.Unlock()
		p.logger.Info("coordinator retired")
		return nil
	}
	e := p.epoch.Next()
	p.beginRound(e)
	p.mu.Unlock()

	notice, err := encodeRecord(e, Done)
	if err != nil {
		return errors.Wrap(err, "encoding retirement notice")
	}
	if err := p.barrier.send(context.Background(), p.cfg.Root, TagStatus, notice, p.cfg.Timeout); err != nil {
		if !unreachable(err) {
			return transport(err, "notifying retirement in round %d", e)
		}
		p.logger.Warn("retirement notice not delivered", "epoch", e, "err", err)
	}
	p.logger.Info("retired", "epoch", e)
	return nil
}

// Barrier runs one round. At a participant it waits for the coordinator's
// marker and answers it; at the coordinator it resolves every Ready peer
// as present, Done or Timeout. The coordinator never blocks longer than
// Tries*Timeout plus scheduling overhead; a participant may add one
// Timeout for delivering its reply.
func (p *Pool) Barrier() error {
	start := p.clock.Now()
	p.mu.Lock()
	if !p.reg.joined {
		p.mu.Unlock()
		panic("pool: Barrier called before Ready")
	}
	if p.IsRoot() {
		return p.lead(start)
	}
	if p.reg.self != Ready {
		p.mu.Unlock()
		return nil
	}
	e := p.epoch.Next()
	p.beginRound(e)
	p.mu.Unlock()

	ok, err := p.barrier.follow(e)
	if err != nil {
		return err
	}
	if !ok {
		p.mu.Lock()
		p.reg.updateMask(p.cfg.Root, Timeout)
		p.mu.Unlock()
		p.logger.Warn("coordinator did not start the round", "epoch", e, "window", p.cfg.Window())
	}
	p.finishRound(start)
	return nil
}

// lead runs the coordinator side of a round. It is entered with p.mu held.
func (p *Pool) lead(start time.Time) error {
	var peers []int
	for _, r := range p.reg.mask.Ranks(Ready) {
		if r != p.rank {
			peers = append(peers, r)
		}
	}
	if p.reg.self != Ready && len(peers) == 0 && !p.rootRetired {
		p.mu.Unlock()
		return nil
	}
	e := p.epoch.Next()
	p.beginRound(e)
	p.mu.Unlock()

	res, err := p.barrier.coordinate(e, peers)
	if err != nil {
		return err
	}

	p.mu.Lock()
	round := Round{Epoch: e}
	var participants []int
	if p.rootRetired {
		round.Retired = append(round.Retired, p.rank)
		p.rootRetired = false
	}
	for _, r := range res {
		switch r.status {
		case Ready:
			round.Present = append(round.Present, r.rank)
			participants = append(participants, r.rank)
		case Done:
			if p.reg.updateMask(r.rank, Done) {
				round.Retired = append(round.Retired, r.rank)
				participants = append(participants, r.rank)
				p.metrics.Retirements.Inc()
			}
		default:
			if p.reg.updateMask(r.rank, Timeout) {
				round.TimedOut = append(round.TimedOut, r.rank)
				p.metrics.Timeouts.Inc()
			}
		}
	}
	p.participants = participants
	round.Mask = p.reg.mask.Clone()
	timedOut := round.Mask.Ranks(Timeout)
	p.mu.Unlock()

	for _, r := range timedOut {
		if n := p.barrier.purge(r); n > 0 {
			p.logger.Debug("dropped late messages of timed out rank", "peer", r, "count", n)
		}
	}
	for _, r := range round.TimedOut {
		p.logger.Warn("rank timed out", "peer", r, "epoch", e, "window", p.cfg.Window())
	}
	for _, r := range round.Retired {
		p.logger.Info("rank retired", "peer", r, "epoch", e)
	}
	round.Duration = p.finishRound(start)
	p.logger.Debug("round completed", "epoch", e, "mask", round.Mask.String())
	if p.recorder != nil {
		if err := p.recorder.Record(round); err != nil {
			p.logger.Warn("recording round failed", "epoch", e, "err", err)
		}
	}
	return nil
}

// beginRound must be called with p.mu held.
func (p *Pool) beginRound(e uint64) {
	p.lastRound = e
	p.hasRound = true
	p.synced = false
}

func (p *Pool) finishRound(start time.Time) time.Duration {
	d := p.clock.Since(start)
	p.metrics.Rounds.Inc()
	p.metrics.RoundDuration.Observe(d.Seconds())
	p.mu.Lock()
	p.metrics.ReadyRanks.Set(float64(p.reg.mask.Count(Ready)))
	p.mu.Unlock()
	return d
}

// SyncMask propagates the coordinator's mask of the last round. The
// coordinator sends it to the ranks that took part in that round; every
// other rank waits for it and merges it into its cached copy, where
// terminal entries never change. Nothing is ever marked Timeout here.
// The coordinator sends to all the targets at once, giving each delivery
// at most Timeout.
// Calling it twice for the same round is a no-op.
func (p *Pool) SyncMask() error {
	p.mu.Lock()
	if p.synced || !p.hasRound {
		p.mu.Unlock()
		return nil
	}
	p.synced = true
	e := p.lastRound
	if p.IsRoot() {
		targets := p.participants
		p.participants = nil
		mask := p.reg.mask.Clone()
		p.mu.Unlock()
		return p.pushMask(e, mask, targets)
	}
	if p.reg.mask[p.cfg.Root] == Timeout {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	mask, ok, err := p.barrier.awaitMask(e, p.size)
	if err != nil {
		return err
	}
	if !ok {
		p.logger.Warn("mask not received", "epoch", e)
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for r, s := range mask {
		if !p.reg.updateMask(r, s) {
			p.logger.Debug("ignoring regression of terminal entry", "peer", r, "status", s.String(), "epoch", e)
		}
	}
	p.metrics.ReadyRanks.Set(float64(p.reg.mask.Count(Ready)))
	return nil
}

func (p *Pool) pushMask(e uint64, mask Mask, targets []int) error {
	payload, err := encodeMask(e, mask)
	if err != nil {
		return errors.Wrap(err, "encoding mask")
	}
	failures := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			failures[i] = p.barrier.send(context.Background(), t, TagMask, payload, p.cfg.Timeout)
		}()
	}
	wg.Wait()

	var first error
	for i, err := range failures {
		if err == nil {
			continue
		}
		if first == nil {
			first = transport(err, "sending mask of round %d to rank %d", e, targets[i])
			continue
		}
		p.logger.Warn("sending mask failed", "peer", targets[i], "epoch", e, "err", err)
	}
	return first
}

// Mask returns a copy of the local mask. It is authoritative at the
// coordinator only.
func (p *Pool) Mask() Mask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg.mask.Clone()
}

// Status returns the local rank's own status. A rank that has not called
// Ready yet is reported Ready as well, since nothing has excluded it from
// the group; Joined tells the two apart.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg.self
}

// Joined reports whether Ready was called, so that Barrier can be used.
func (p *Pool) Joined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg.joined
}

// Done reports whether the group is quiescent. Only the coordinator's
// answer is authoritative.
func (p *Pool) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return IsQuiescent(p.reg.mask)
}

// AdvanceTransactionCounter skips n epochs. Every rank must call it with
// the same n at the same point of its program, typically between two
// independent phases sharing the pool.
func (p *Pool) AdvanceTransactionCounter(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch.Advance(n)
}

// Epoch returns the epoch the next round will be stamped with.
func (p *Pool) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch.Peek()
}
