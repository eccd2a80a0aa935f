package main

import (
	"strconv"
	"time"

	"github.com/luca-patrignani/ftpool/pool"
	"github.com/pterm/pterm"
)

func statusCell(s pool.Status) string {
	switch s {
	case pool.Ready:
		return pterm.LightGreen(s.String())
	case pool.Done:
		return pterm.LightBlue(s.String())
	case pool.Timeout:
		return pterm.LightRed(s.String())
	default:
		return s.String()
	}
}

// roundTable renders the mask of a round, one column per rank.
func roundTable(r pool.Round) (string, error) {
	header := []string{"epoch"}
	row := []string{strconv.FormatUint(r.Epoch, 10)}
	for i, s := range r.Mask {
		header = append(header, "rank "+strconv.Itoa(i))
		row = append(row, statusCell(s))
	}
	header = append(header, "took")
	row = append(row, r.Duration.Round(time.Millisecond).String())
	return pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(pterm.TableData{header, row}).Srender()
}

// summaryTable renders the final state of every rank and how many items
// it reported.
func summaryTable(mask pool.Mask, counts []int) (string, error) {
	data := pterm.TableData{{"rank", "status", "items"}}
	for i, s := range mask {
		items := "?"
		if i < len(counts) && counts[i] >= 0 {
			items = strconv.Itoa(counts[i])
		}
		data = append(data, []string{strconv.Itoa(i), statusCell(s), items})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

// roundPrinter prints every round before handing it to the next recorder.
type roundPrinter struct {
	next pool.Recorder
}

func (p roundPrinter) Record(r pool.Round) error {
	table, err := roundTable(r)
	if err != nil {
		return err
	}
	pterm.Println(table)
	for _, rank := range r.TimedOut {
		pterm.Warning.Printfln("rank %d timed out", rank)
	}
	if p.next == nil {
		return nil
	}
	return p.next.Record(r)
}
