package main

import (
	"testing"
	"time"

	"github.com/luca-patrignani/ftpool/ledger"
	"github.com/luca-patrignani/ftpool/pool"
	"github.com/stretchr/testify/require"
)

func TestRoundTable(t *testing.T) {
	table, err := roundTable(pool.Round{
		Epoch:    12,
		Mask:     pool.Mask{pool.Ready, pool.Done, pool.Timeout},
		Duration: 1500 * time.Microsecond,
	})
	require.NoError(t, err)
	for _, s := range []string{"epoch", "12", "rank 0", "rank 2", "Ready", "Done", "Timeout", "2ms"} {
		require.Contains(t, table, s)
	}
}

func TestSummaryTable(t *testing.T) {
	table, err := summaryTable(pool.Mask{pool.Done, pool.Timeout}, []int{4, -1})
	require.NoError(t, err)
	require.Contains(t, table, "4")
	require.Contains(t, table, "?")
}

func TestRoundPrinterForwards(t *testing.T) {
	history := ledger.NewHistory(2)
	printer := roundPrinter{next: history}
	require.NoError(t, printer.Record(pool.Round{Epoch: 0, Mask: pool.Mask{pool.Ready, pool.Timeout}, TimedOut: []int{1}}))
	require.Equal(t, 2, history.Len())
	require.NoError(t, roundPrinter{}.Record(pool.Round{Mask: pool.Mask{pool.Ready}}))
}
