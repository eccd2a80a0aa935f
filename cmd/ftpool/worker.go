package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/luca-patrignani/ftpool/pool"
	"github.com/pkg/errors"
)

const (
	// tagReport carries the final work count of every rank to the
	// coordinator.
	tagReport = 10
	// tagSettings carries the coordinator's pool settings at startup.
	tagSettings = 11
)

// workload describes the synthetic work of one rank.
type workload struct {
	// items is the number of rounds the rank works before it drops.
	items int
	// hangAfter, when positive, makes the rank stop taking part in rounds
	// after that many of them, as if it had frozen.
	hangAfter int
	// step is the time spent on one item.
	step time.Duration
}

type outcome struct {
	worked int
	rounds int
	hung   bool
}

// runWorker runs the rank's loop until it retires, the group is done or
// the coordinator is lost.
func runWorker(p *pool.Pool, w workload, logger *slog.Logger) (outcome, error) {
	var out outcome
	p.Ready()
	for {
		if w.hangAfter > 0 && out.rounds >= w.hangAfter {
			logger.Warn("rank stops answering", "rounds", out.rounds)
			out.hung = true
			return out, nil
		}
		if out.worked < w.items {
			if w.step > 0 {
				time.Sleep(w.step)
			}
			out.worked++
		} else if err := p.Drop(); err != nil {
			return out, err
		}
		if err := p.Barrier(); err != nil {
			return out, errors.WithMessagef(err, "round %d", out.rounds)
		}
		out.rounds++
		if err := p.SyncMask(); err != nil {
			logger.Warn("mask propagation failed", "err", err)
		}
		if p.IsRoot() {
			if p.Done() {
				return out, nil
			}
			continue
		}
		if p.Status() != pool.Ready {
			return out, nil
		}
		if p.Mask()[p.Root()] == pool.Timeout {
			return out, errors.Errorf("coordinator %d lost", p.Root())
		}
	}
}

// gatherer is the part of network.P2P used for the final report.
type gatherer interface {
	Gather(ctx context.Context, root, tag int, payload []byte, timeout time.Duration) ([][]byte, error)
}

// report sends the work count of the rank to the coordinator, which gets
// back the count of every rank, -1 for the ranks that never reported.
func report(ctx context.Context, g gatherer, root, worked int, timeout time.Duration) ([]int, error) {
	recv, err := g.Gather(ctx, root, tagReport, []byte(strconv.Itoa(worked)), timeout)
	if err != nil || recv == nil {
		return nil, err
	}
	counts := make([]int, len(recv))
	for i, b := range recv {
		counts[i] = -1
		if b == nil {
			continue
		}
		if n, err := strconv.Atoi(string(b)); err == nil {
			counts[i] = n
		}
	}
	return counts, nil
}

// broadcaster is the part of network.P2P used to agree on the settings.
type broadcaster interface {
	Broadcast(ctx context.Context, root, tag int, payload []byte, timeout time.Duration) ([]byte, error)
}

func settingsOf(cfg pool.Config) string {
	return fmt.Sprintf("root=%d timeout=%s tries=%d", cfg.Root, cfg.Timeout, cfg.Tries)
}

// agreeOnSettings has the coordinator send its pool settings to every
// rank, which refuses to start with different ones. Ranks the coordinator
// cannot reach are left to the first round to time out.
func agreeOnSettings(ctx context.Context, b broadcaster, cfg pool.Config, isRoot bool, wait time.Duration, logger *slog.Logger) error {
	own := settingsOf(cfg)
	got, err := b.Broadcast(ctx, cfg.Root, tagSettings, []byte(own), wait)
	if isRoot {
		if err != nil {
			logger.Warn("settings not delivered to every rank", "err", err)
		}
		return nil
	}
	if err != nil {
		return errors.WithMessage(err, "waiting for the coordinator's settings")
	}
	if string(got) != own {
		return errors.Errorf("coordinator runs with %s, this rank with %s", got, own)
	}
	return nil
}
