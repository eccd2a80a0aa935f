package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/luca-patrignani/ftpool/ledger"
	"github.com/luca-patrignani/ftpool/network"
	"github.com/luca-patrignani/ftpool/pool"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunWorker(t *testing.T) {
	n := 3
	h := network.NewHub(n)
	defer h.Close()
	cfg := pool.Config{Root: 0, Timeout: time.Second, Tries: 5}

	outs := make([]outcome, n)
	fatal := make(chan error, n)
	for i := 0; i < n; i++ {
		p, err := pool.New(h.Endpoint(i), cfg)
		require.NoError(t, err)
		go func(i int, p *pool.Pool) {
			out, err := runWorker(p, workload{items: n - 1 - i}, discard())
			outs[i] = out
			fatal <- err
		}(i, p)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-fatal)
	}
	for i := 0; i < n; i++ {
		require.Equal(t, n-1-i, outs[i].worked, "rank %d", i)
		require.Equal(t, n-i, outs[i].rounds, "rank %d", i)
		require.False(t, outs[i].hung)
	}
}

func TestRunWorkerHangs(t *testing.T) {
	h := network.NewHub(2)
	defer h.Close()
	cfg := pool.Config{Root: 0, Timeout: 20 * time.Millisecond, Tries: 3}
	root, err := pool.New(h.Endpoint(0), cfg)
	require.NoError(t, err)
	frozen, err := pool.New(h.Endpoint(1), cfg)
	require.NoError(t, err)

	hung := make(chan outcome, 1)
	go func() {
		out, _ := runWorker(frozen, workload{items: 5, hangAfter: 1}, discard())
		hung <- out
	}()
	out, err := runWorker(root, workload{items: 1}, discard())
	require.NoError(t, err)
	require.Equal(t, outcome{worked: 1, rounds: 2}, out)
	require.Equal(t, pool.Mask{pool.Done, pool.Timeout}, root.Mask())
	require.Equal(t, outcome{worked: 1, rounds: 1, hung: true}, <-hung)
}

func TestRunWorkerLosesCoordinator(t *testing.T) {
	h := network.NewHub(2)
	defer h.Close()
	h.Silence(0)
	p, err := pool.New(h.Endpoint(1), pool.Config{Root: 0, Timeout: 10 * time.Millisecond, Tries: 2})
	require.NoError(t, err)
	_, err = runWorker(p, workload{items: 3}, discard())
	require.ErrorContains(t, err, "coordinator 0 lost")
}

type fakeGatherer struct {
	recv [][]byte
}

func (f fakeGatherer) Gather(ctx context.Context, root, tag int, payload []byte, timeout time.Duration) ([][]byte, error) {
	return f.recv, nil
}

func TestReport(t *testing.T) {
	counts, err := report(context.Background(), fakeGatherer{recv: [][]byte{[]byte("3"), nil, []byte("x")}}, 0, 3, time.Second)
	require.NoError(t, err)
	require.Equal(t, []int{3, -1, -1}, counts)

	counts, err = report(context.Background(), fakeGatherer{}, 0, 3, time.Second)
	require.NoError(t, err)
	require.Nil(t, counts)
}

func TestSimulation(t *testing.T) {
	v := viper.New()
	v.Set("size", 3)
	v.Set("root", 0)
	v.Set("timeout", 50*time.Millisecond)
	v.Set("tries", 4)
	v.Set("hang", 1)
	v.Set("hang-after", 1)
	v.Set("step", time.Duration(0))

	sim, err := newSimulation(v)
	require.NoError(t, err)
	res, err := sim.run(context.Background(), discard())
	require.NoError(t, err)

	require.Equal(t, pool.Mask{pool.Done, pool.Timeout, pool.Done}, res.mask)
	require.Equal(t, []int{2, -1, 0}, res.counts)
	require.NoError(t, res.history.Verify())
	require.Equal(t, []pool.Mask{
		{pool.Ready, pool.Ready, pool.Done},
		{pool.Ready, pool.Timeout, pool.Done},
		{pool.Done, pool.Timeout, pool.Done},
	}, res.history.Masks())
}

func TestSimulationRejectsBadSettings(t *testing.T) {
	v := viper.New()
	v.Set("size", 2)
	v.Set("timeout", time.Second)
	v.Set("tries", 0)
	_, err := newSimulation(v)
	require.ErrorIs(t, err, pool.ErrInvalidConfig)

	v.Set("tries", 1)
	v.Set("hang", 2)
	_, err = newSimulation(v)
	require.Error(t, err)
}

func TestSimulationOverTLS(t *testing.T) {
	v := viper.New()
	v.Set("size", 2)
	v.Set("root", 0)
	v.Set("timeout", 200*time.Millisecond)
	v.Set("tries", 10)
	v.Set("hang", -1)
	v.Set("tls", true)

	sim, err := newSimulation(v)
	require.NoError(t, err)
	res, err := sim.run(context.Background(), discard())
	require.NoError(t, err)
	require.Equal(t, pool.Mask{pool.Done, pool.Done}, res.mask)
	require.Equal(t, []int{1, 0}, res.counts)
}

func TestSimulationSurvivesCrash(t *testing.T) {
	v := viper.New()
	v.Set("size", 3)
	v.Set("root", 0)
	v.Set("timeout", 50*time.Millisecond)
	v.Set("tries", 4)
	v.Set("hang", 1)
	v.Set("hang-after", 1)
	v.Set("crash", true)

	sim, err := newSimulation(v)
	require.NoError(t, err)
	start := time.Now()
	res, err := sim.run(context.Background(), discard())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, pool.Mask{pool.Done, pool.Timeout, pool.Done}, res.mask)
	require.Equal(t, []int{2, -1, 0}, res.counts)
}

type fakeBroadcaster struct {
	recv []byte
	err  error
}

func (f fakeBroadcaster) Broadcast(ctx context.Context, root, tag int, payload []byte, timeout time.Duration) ([]byte, error) {
	if f.recv == nil {
		return payload, f.err
	}
	return f.recv, f.err
}

func TestAgreeOnSettings(t *testing.T) {
	cfg := pool.Config{Root: 0, Timeout: time.Second, Tries: 3}
	other := pool.Config{Root: 0, Timeout: time.Second, Tries: 5}
	ctx := context.Background()

	require.NoError(t, agreeOnSettings(ctx, fakeBroadcaster{}, cfg, true, time.Second, discard()))
	require.NoError(t, agreeOnSettings(ctx, fakeBroadcaster{err: errors.New("rank 2 unreachable")}, cfg, true, time.Second, discard()))
	require.NoError(t, agreeOnSettings(ctx, fakeBroadcaster{recv: []byte(settingsOf(cfg))}, cfg, false, time.Second, discard()))

	err := agreeOnSettings(ctx, fakeBroadcaster{recv: []byte(settingsOf(other))}, cfg, false, time.Second, discard())
	require.ErrorContains(t, err, "tries=5")
	err = agreeOnSettings(ctx, fakeBroadcaster{recv: []byte{}, err: errors.New("no broadcast")}, cfg, false, time.Second, discard())
	require.ErrorContains(t, err, "coordinator's settings")
}

func TestSaveAndLoadHistory(t *testing.T) {
	history := ledger.NewHistory(2)
	require.NoError(t, history.Record(pool.Round{Epoch: 0, Mask: pool.Mask{pool.Ready, pool.Done}, Retired: []int{1}}))
	require.NoError(t, history.Record(pool.Round{Epoch: 1, Mask: pool.Mask{pool.Done, pool.Done}, Retired: []int{0}}))

	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, saveHistory(path, history))
	require.NoError(t, saveHistory("", history))

	loaded, err := loadHistory(path)
	require.NoError(t, err)
	require.Equal(t, history.Masks(), loaded.Masks())
	require.Equal(t, pool.Round{Epoch: 1, Mask: pool.Mask{pool.Done, pool.Done}, Retired: []int{0}}, roundOf(loaded.Latest()))

	cmd := newVerifyCommand()
	cmd.SetArgs([]string{path})
	require.NoError(t, cmd.Execute())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(content), `"epoch": 1`, `"epoch": 7`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))
	_, err = loadHistory(path)
	require.Error(t, err)
}
