package pool

import (
	"io"
	"log/slog"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
)

// Config holds the construction parameters of a Pool. Every field is
// required: there is no default timeout nor retry count.
type Config struct {
	// Root is the rank of the coordinator.
	Root int
	// Timeout bounds a single wait for a peer.
	Timeout time.Duration
	// Tries is the number of waits before a peer is declared Timeout.
	Tries int
}

// Validate checks the configuration against a group of size ranks.
func (c Config) Validate(size int) error {
	if size <= 0 {
		return errors.WithMessagef(ErrInvalidConfig, "group size %d", size)
	}
	if c.Root < 0 || c.Root >= size {
		return errors.WithMessagef(ErrInvalidConfig, "root %d outside of group of %d ranks", c.Root, size)
	}
	if c.Timeout <= 0 {
		return errors.WithMessagef(ErrInvalidConfig, "timeout must be positive, got %v", c.Timeout)
	}
	if c.Tries <= 0 {
		return errors.WithMessagef(ErrInvalidConfig, "tries must be positive, got %d", c.Tries)
	}
	return nil
}

// Window is the longest a single peer is waited for in one round.
func (c Config) Window() time.Duration {
	return time.Duration(c.Tries) * c.Timeout
}

type Option func(*Pool)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

func WithClock(clk clock.Clock) Option {
	return func(p *Pool) {
		p.clock = clk
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithRecorder makes the coordinator hand every completed round to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) {
		p.recorder = r
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
