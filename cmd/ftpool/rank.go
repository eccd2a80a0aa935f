package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/luca-patrignani/ftpool/discovery"
	"github.com/luca-patrignani/ftpool/ledger"
	"github.com/luca-patrignani/ftpool/network"
	"github.com/luca-patrignani/ftpool/pool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/http_server"
)

func newRankCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Run one rank of a group spread over several processes",
		Long: `Run one rank of the group. The ranks are numbered by sorting the
mailbox addresses of the group, either given with --peers or found on
localhost with --discover.

--root, --timeout and --tries have no default: set them with the flags,
the FTPOOL_* environment or the config file, identically on every rank.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadConfig(cmd.Flags(), g.configFile)
			if err != nil {
				return err
			}
			if err := requirePoolSettings(v, cmd.Flags()); err != nil {
				return err
			}
			logger, err := g.newLogger()
			if err != nil {
				return err
			}
			return runRank(cmd.Context(), v, logger)
		},
	}
	flags := cmd.Flags()
	addPoolFlags(flags, 0, 0)
	flags.String("listen", "127.0.0.1:0", "address of the local mailbox")
	flags.StringSlice("peers", nil, "mailbox addresses of the other ranks, partial IPs are completed from --listen")
	flags.Int("discover", 0, "find the given number of ranks on localhost instead of using --peers")
	flags.String("discover-ports", "9000-9010", "port range scanned by --discover")
	flags.Duration("connect-window", 30*time.Second, "how long the group may take to start: deliveries to a rank never reached yet are retried that long")
	flags.Int("items", 5, "rounds of work before the rank drops")
	flags.Duration("step", 100*time.Millisecond, "time spent on one item")
	flags.Int("hang-after", 0, "stop answering after this many rounds, 0 never")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")
	flags.String("history", "", "coordinator only: write the round history as JSON to this file")
	return cmd
}

func runRank(ctx context.Context, v *viper.Viper, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := poolConfig(v)
	logger.Info("pool settings", "root", cfg.Root, "timeout", cfg.Timeout, "tries", cfg.Tries, "window", cfg.Window())
	l, err := net.Listen("tcp", v.GetString("listen"))
	if err != nil {
		return errors.Wrap(err, "failed to listen on address")
	}
	self := l.Addr().String()
	pterm.Info.Println("Listening on " + self)

	addresses, err := groupAddresses(ctx, v, l, logger)
	if err != nil {
		_ = l.Close()
		return err
	}
	rank, err := discovery.RankOf(addresses, self)
	if err != nil {
		_ = l.Close()
		return err
	}
	pterm.Info.Printfln("Your rank is %d of %d", rank, len(addresses))
	logger = logger.With("rank", rank)

	mapAddresses := make(map[int]string, len(addresses))
	for i, a := range addresses {
		mapAddresses[i] = a
	}
	peer := network.NewPeer(rank, mapAddresses, l,
		network.WithTimeout(cfg.Timeout),
		network.WithRetryWindow(v.GetDuration("connect-window")),
		network.WithLogger(logger),
	)
	p2p := network.NewP2P(peer)
	defer p2p.Close()

	reg := prometheus.NewRegistry()
	if addr := v.GetString("metrics-addr"); addr != "" {
		process, err := serveMetrics(addr, reg)
		if err != nil {
			return err
		}
		defer process.Signal(os.Interrupt)
	}

	history := ledger.NewHistory(len(addresses))
	opts := []pool.Option{pool.WithLogger(logger), pool.WithMetrics(pool.NewMetrics(reg))}
	if rank == cfg.Root {
		opts = append(opts, pool.WithRecorder(roundPrinter{next: history}))
	}
	p, err := pool.New(p2p, cfg, opts...)
	if err != nil {
		return err
	}

	connectWindow := v.GetDuration("connect-window")
	if err := agreeOnSettings(ctx, p2p, cfg, p.IsRoot(), connectWindow, logger); err != nil {
		return err
	}

	out, err := runWorker(p, workload{
		items:     v.GetInt("items"),
		hangAfter: v.GetInt("hang-after"),
		step:      v.GetDuration("step"),
	}, logger)
	if err != nil {
		return err
	}
	if out.hung {
		pterm.Warning.Println("Not answering anymore, interrupt to quit")
		<-ctx.Done()
		return nil
	}
	counts, err := report(ctx, p2p, cfg.Root, out.worked, cfg.Window())
	if err != nil {
		return errors.WithMessage(err, "reporting work")
	}
	if !p.IsRoot() {
		pterm.Success.Printfln("Retired after %d items in %d rounds", out.worked, out.rounds)
		return nil
	}
	if err := printOutcome(p.Mask(), counts, history); err != nil {
		return err
	}
	return saveHistory(v.GetString("history"), history)
}

// groupAddresses returns the sorted mailbox addresses of the whole group.
func groupAddresses(ctx context.Context, v *viper.Viper, l net.Listener, logger *slog.Logger) ([]string, error) {
	self := l.Addr().String()
	if n := v.GetInt("discover"); n > 0 {
		start, end, err := parsePortRange(v.GetString("discover-ports"))
		if err != nil {
			return nil, err
		}
		d, err := discovery.NewWithOptions(self,
			discovery.WithPortRange(start, end),
			discovery.WithAttempts(60),
			discovery.WithInterval(time.Second),
			discovery.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		defer d.Close()
		spinner, _ := pterm.DefaultSpinner.Start("Looking for the other ranks...")
		addresses, err := d.Collect(ctx, n)
		if err != nil {
			spinner.Fail()
			return nil, err
		}
		spinner.Success()
		return addresses, nil
	}

	_, port, err := net.SplitHostPort(self)
	if err != nil {
		return nil, errors.Wrap(err, "local address")
	}
	defaultPort, _ := strconv.Atoi(port)
	addresses, err := completeAddresses(l, v.GetStringSlice("peers"), defaultPort, logger)
	if err != nil {
		return nil, err
	}
	addresses = append(addresses, self)
	sort.Strings(addresses)
	for i := 1; i < len(addresses); i++ {
		if addresses[i] == addresses[i-1] {
			return nil, errors.Errorf("address %s given twice", addresses[i])
		}
	}
	return addresses, nil
}

func parsePortRange(s string) (uint16, uint16, error) {
	from, to, found := strings.Cut(s, "-")
	start, err := strconv.ParseUint(from, 10, 16)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "port range %q", s)
	}
	if !found {
		return uint16(start), uint16(start), nil
	}
	end, err := strconv.ParseUint(to, 10, 16)
	if err != nil || end < start {
		return 0, 0, errors.Errorf("invalid port range %q", s)
	}
	return uint16(start), uint16(end), nil
}

// serveMetrics runs the prometheus endpoint until the returned process is
// signalled.
func serveMetrics(addr string, reg *prometheus.Registry) (ifrit.Process, error) {
	process := ifrit.Invoke(http_server.New(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	select {
	case err := <-process.Wait():
		if err == nil {
			err = errors.New("server stopped")
		}
		return nil, errors.Wrapf(err, "serving metrics on %s", addr)
	default:
	}
	return process, nil
}

// printOutcome renders the summary of the group at the coordinator.
func printOutcome(mask pool.Mask, counts []int, history *ledger.History) error {
	table, err := summaryTable(mask, counts)
	if err != nil {
		return err
	}
	pterm.Println(table)
	if err := history.Verify(); err != nil {
		return errors.WithMessage(err, "round history")
	}
	pterm.Success.Printfln("Group quiescent after %d rounds", history.Len()-1)
	return nil
}

// saveHistory exports the round history to path, if one is given.
func saveHistory(path string, history *ledger.History) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating history file")
	}
	if err := history.Export(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "writing history file")
	}
	pterm.Info.Printfln("Round history written to %s", path)
	return nil
}
