package discovery

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
)

// Discover announces an address on the first free port of a localhost
// port range and looks for the announcements of the other ports.
type Discover struct {
	Entries   chan Entry
	info      string
	port      uint16
	startPort uint16
	endPort   uint16
	server    *http.Server
	client    *http.Client
	attempts  uint
	interval  time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	closed    chan struct{}
	closeOnce *sync.Once
	done      chan struct{}
}

type option func(Discover) Discover

func NewWithOptions(info string, opts ...option) (*Discover, error) {
	d := Discover{
		Entries:   make(chan Entry),
		info:      info,
		startPort: 9000,
		endPort:   9010,
		attempts:  1,
		interval:  time.Second,
		clock:     clock.NewClock(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		d = opt(d)
	}

	var l net.Listener
	var err error
	var port uint16
	for port = d.startPort; port <= d.endPort && port >= d.startPort; port++ {
		l, err = net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if err == nil {
			d.port = port
			break
		}
	}
	if l == nil {
		if err == nil {
			err = errors.New("empty port range")
		}
		return nil, errors.Wrapf(err, "no free port in %d-%d", d.startPort, d.endPort)
	}
	d.server = &http.Server{
		Addr:    l.Addr().String(),
		Handler: handler{info: info},
	}
	d.client = &http.Client{Timeout: time.Second}
	d.closed = make(chan struct{})
	d.done = make(chan struct{})
	d.closeOnce = &sync.Once{}
	go func() {
		if err := d.server.Serve(l); err != nil && err != http.ErrServerClosed {
			d.logger.Error("announcement server stopped", "err", err)
		}
	}()
	dp := &d
	go dp.run()
	d.logger.Debug("announcing", "address", info, "port", port)
	return dp, nil
}

func (d *Discover) run() {
	defer close(d.done)
	for i := uint(0); i < d.attempts; i++ {
		d.search()
		select {
		case <-d.clock.After(d.interval):
		case <-d.closed:
			return
		}
	}
}

func WithPortRange(startPort, endPort uint16) option {
	return func(d Discover) Discover {
		d.startPort = startPort
		d.endPort = endPort
		return d
	}
}

func WithPort(port uint16) option {
	return WithPortRange(port, port)
}

func WithAttempts(attempts uint) option {
	return func(d Discover) Discover {
		d.attempts = attempts
		return d
	}
}

// WithInterval sets the pause between two scans of the port range.
func WithInterval(interval time.Duration) option {
	return func(d Discover) Discover {
		d.interval = interval
		return d
	}
}

func WithClock(clk clock.Clock) option {
	return func(d Discover) Discover {
		d.clock = clk
		return d
	}
}

func WithLogger(logger *slog.Logger) option {
	return func(d Discover) Discover {
		d.logger = logger
		return d
	}
}
