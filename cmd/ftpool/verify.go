package main

import (
	"os"

	"github.com/luca-patrignani/ftpool/ledger"
	"github.com/luca-patrignani/ftpool/pool"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify FILE",
		Short: "Check a round history written with --history and print its rounds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := loadHistory(args[0])
			if err != nil {
				return err
			}
			for _, b := range history.Blocks()[1:] {
				table, err := roundTable(roundOf(b))
				if err != nil {
					return err
				}
				pterm.Println(table)
			}
			pterm.Success.Printfln("History of %d rounds is intact", history.Len()-1)
			return nil
		},
	}
}

func loadHistory(path string) (*ledger.History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening history file")
	}
	defer f.Close()
	history, err := ledger.Import(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "history %s", path)
	}
	return history, nil
}

func roundOf(b ledger.Block) pool.Round {
	return pool.Round{
		Epoch:    b.Epoch,
		Mask:     b.Mask,
		Present:  b.Present,
		Retired:  b.Retired,
		TimedOut: b.TimedOut,
		Duration: b.Duration,
	}
}
