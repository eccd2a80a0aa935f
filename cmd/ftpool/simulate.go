package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/luca-patrignani/ftpool/ledger"
	"github.com/luca-patrignani/ftpool/network"
	"github.com/luca-patrignani/ftpool/pool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/grouper"
)

func newSimulateCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a whole group in this process over local HTTP mailboxes",
		Long: `Run a whole group in this process. Rank r works size-1-r rounds
before dropping, so the ranks retire from the last one to the coordinator.
--hang makes one rank freeze to show how it is timed out; with --crash it
also closes its mailbox, as if its process had died.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadConfig(cmd.Flags(), g.configFile)
			if err != nil {
				return err
			}
			logger, err := g.newLogger()
			if err != nil {
				return err
			}
			sim, err := newSimulation(v)
			if err != nil {
				return err
			}
			if addr := v.GetString("metrics-addr"); addr != "" {
				process, err := serveMetrics(addr, sim.registry)
				if err != nil {
					return err
				}
				defer process.Signal(os.Interrupt)
			}
			logger.Info("pool settings", "root", sim.cfg.Root, "timeout", sim.cfg.Timeout, "tries", sim.cfg.Tries, "window", sim.cfg.Window())
			res, err := sim.run(cmd.Context(), logger)
			if err != nil {
				return err
			}
			if err := printOutcome(res.mask, res.counts, res.history); err != nil {
				return err
			}
			return saveHistory(v.GetString("history"), res.history)
		},
	}
	flags := cmd.Flags()
	addPoolFlags(flags, 200*time.Millisecond, 10)
	flags.Int("size", 4, "number of ranks")
	flags.Int("hang", -1, "rank that stops answering, -1 none")
	flags.Int("hang-after", 1, "rounds the hanging rank takes part in")
	flags.Bool("crash", false, "the hanging rank closes its mailbox too")
	flags.Duration("step", 20*time.Millisecond, "time spent on one item")
	flags.Bool("tls", false, "talk over mutually authenticated HTTPS with self-signed certificates")
	flags.String("metrics-addr", "", "serve the coordinator's prometheus metrics on this address")
	flags.String("history", "", "write the round history as JSON to this file")
	return cmd
}

// localConnectWindow bounds the start of a group whose ranks all live in
// this process.
const localConnectWindow = 5 * time.Second

type simulation struct {
	cfg       pool.Config
	size      int
	hang      int
	hangAfter int
	crash     bool
	step      time.Duration
	tls       bool
	registry  *prometheus.Registry
}

type simulationResult struct {
	mask    pool.Mask
	counts  []int
	history *ledger.History
}

func newSimulation(v *viper.Viper) (*simulation, error) {
	s := &simulation{
		cfg:       poolConfig(v),
		size:      v.GetInt("size"),
		hang:      v.GetInt("hang"),
		hangAfter: v.GetInt("hang-after"),
		crash:     v.GetBool("crash"),
		step:      v.GetDuration("step"),
		tls:       v.GetBool("tls"),
		registry:  prometheus.NewRegistry(),
	}
	if err := s.cfg.Validate(s.size); err != nil {
		return nil, err
	}
	if s.hang >= s.size {
		return nil, errors.Errorf("cannot hang rank %d of a group of %d", s.hang, s.size)
	}
	return s, nil
}

// run starts every rank as a member of an ifrit parallel group and waits
// for the group to finish.
func (s *simulation) run(ctx context.Context, logger *slog.Logger) (simulationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	listeners, addresses := network.CreateListeners(s.size)
	security, err := s.peerSecurity(addresses)
	if err != nil {
		return simulationResult{}, err
	}
	history := ledger.NewHistory(s.size)
	finished := make(chan struct{})
	var res simulationResult
	var resMu sync.Mutex

	p2ps := make([]*network.P2P, s.size)
	defer func() {
		for _, p := range p2ps {
			if p != nil {
				_ = p.Close()
			}
		}
	}()
	members := grouper.Members{}
	for i := 0; i < s.size; i++ {
		rankLogger := logger.With("rank", i)
		peerOpts := append([]network.PeerOption{
			network.WithTimeout(s.cfg.Window()),
			network.WithRetryWindow(localConnectWindow),
			network.WithLogger(rankLogger),
		}, security[i]...)
		p2ps[i] = network.NewP2P(network.NewPeer(i, addresses, listeners[i], peerOpts...))
		opts := []pool.Option{pool.WithLogger(rankLogger)}
		if i == s.cfg.Root {
			opts = append(opts,
				pool.WithMetrics(pool.NewMetrics(s.registry)),
				pool.WithRecorder(roundPrinter{next: history}),
			)
		}
		p, err := pool.New(p2ps[i], s.cfg, opts...)
		if err != nil {
			return res, err
		}
		w := workload{items: s.size - 1 - i, step: s.step}
		if i == s.hang {
			w.hangAfter = s.hangAfter
		}
		p2p := p2ps[i]
		members = append(members, grouper.Member{
			Name: fmt.Sprintf("rank-%d", i),
			Runner: ifrit.RunFunc(func(signals <-chan os.Signal, ready chan<- struct{}) error {
				close(ready)
				if err := agreeOnSettings(ctx, p2p, s.cfg, p.IsRoot(), localConnectWindow, rankLogger); err != nil {
					return err
				}
				out, err := runWorker(p, w, rankLogger)
				if err != nil {
					return err
				}
				if out.hung {
					if s.crash {
						_ = p2p.Close()
					}
					select {
					case <-finished:
					case <-signals:
					}
					return nil
				}
				counts, err := report(ctx, p2p, s.cfg.Root, out.worked, s.cfg.Window())
				if p.IsRoot() {
					resMu.Lock()
					res.mask = p.Mask()
					res.counts = counts
					resMu.Unlock()
					close(finished)
				}
				return err
			}),
		})
	}

	process := ifrit.Invoke(grouper.NewParallel(os.Interrupt, members))
	select {
	case err = <-process.Wait():
	case <-ctx.Done():
		process.Signal(os.Interrupt)
		<-process.Wait()
		err = ctx.Err()
	}
	if err != nil {
		return res, errors.WithMessage(err, "simulation failed")
	}
	resMu.Lock()
	defer resMu.Unlock()
	res.history = history
	return res, nil
}

// peerSecurity returns the TLS options of every rank: each one gets its
// own certificate and trusts the certificates of the whole group.
func (s *simulation) peerSecurity(addresses map[int]string) (map[int][]network.PeerOption, error) {
	opts := make(map[int][]network.PeerOption, s.size)
	if !s.tls {
		return opts, nil
	}
	certs := make(map[int]tls.Certificate, s.size)
	certPool := x509.NewCertPool()
	for i := 0; i < s.size; i++ {
		cert, pem, err := network.GenerateSelfSignedCert(addresses[i])
		if err != nil {
			return nil, errors.WithMessagef(err, "certificate of rank %d", i)
		}
		if !certPool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("cannot trust the certificate of rank %d", i)
		}
		certs[i] = cert
	}
	for i := 0; i < s.size; i++ {
		opts[i] = []network.PeerOption{
			network.WithCertificate(certs[i]),
			network.WithLimitedCAs(certPool),
		}
	}
	return opts, nil
}
