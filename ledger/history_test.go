package ledger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/luca-patrignani/ftpool/network"
	"github.com/luca-patrignani/ftpool/pool"
)

// TestNewHistory verifies the genesis block.
func TestNewHistory(t *testing.T) {
	h := NewHistory(3)
	if h.Len() != 1 {
		t.Fatalf("expected 1 block (genesis), got %d", h.Len())
	}
	genesis := h.Latest()
	if genesis.Index != 0 || genesis.PrevHash != "0" || genesis.Hash == "" {
		t.Fatalf("malformed genesis block %+v", genesis)
	}
	if len(genesis.Mask) != 3 || !genesis.Mask.Equal(pool.NewMask(3)) {
		t.Fatalf("genesis mask should be all Ready, got %s", genesis.Mask)
	}
	if len(h.Masks()) != 0 {
		t.Fatalf("no round recorded yet, got %v", h.Masks())
	}
	if err := h.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestRecord(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1000, 0))
	h := NewHistory(2, WithClock(clk))
	rounds := []pool.Round{
		{Epoch: 0, Mask: pool.Mask{pool.Ready, pool.Ready}, Present: []int{1}},
		{Epoch: 1, Mask: pool.Mask{pool.Ready, pool.Timeout}, TimedOut: []int{1}, Duration: time.Second},
		{Epoch: 2, Mask: pool.Mask{pool.Done, pool.Timeout}, Retired: []int{0}},
	}
	for _, r := range rounds {
		clk.Increment(time.Second)
		if err := h.Record(r); err != nil {
			t.Fatal(err)
		}
	}
	if h.Len() != 4 {
		t.Fatalf("expected 4 blocks, got %d", h.Len())
	}
	b, err := h.ByIndex(2)
	if err != nil {
		t.Fatal(err)
	}
	if b.Epoch != 1 || b.Timestamp != 1002 || len(b.TimedOut) != 1 {
		t.Fatalf("unexpected block %+v", b)
	}
	if _, err := h.ByIndex(4); err == nil {
		t.Fatal("expected an error for an index out of range")
	}
	masks := h.Masks()
	for i, r := range rounds {
		if !masks[i].Equal(r.Mask) {
			t.Fatalf("round %d: expected %s, got %s", i, r.Mask, masks[i])
		}
	}
	if !pool.IsQuiescent(h.Latest().Mask) {
		t.Fatalf("last mask should be quiescent, got %s", h.Latest().Mask)
	}
	if err := h.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordRefusesInconsistentRounds(t *testing.T) {
	h := NewHistory(2)
	if err := h.Record(pool.Round{Epoch: 3, Mask: pool.Mask{pool.Ready, pool.Done}}); err != nil {
		t.Fatal(err)
	}
	for name, r := range map[string]pool.Round{
		"terminal entry reverted": {Epoch: 4, Mask: pool.Mask{pool.Ready, pool.Ready}},
		"terminal entry changed":  {Epoch: 4, Mask: pool.Mask{pool.Ready, pool.Timeout}},
		"epoch not increasing":    {Epoch: 3, Mask: pool.Mask{pool.Ready, pool.Done}},
		"wrong mask size":         {Epoch: 4, Mask: pool.Mask{pool.Ready}},
	} {
		if err := h.Record(r); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
	if h.Len() != 2 {
		t.Fatalf("refused rounds must not be appended, got %d blocks", h.Len())
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	h := NewHistory(2)
	for e := uint64(0); e < 3; e++ {
		if err := h.Record(pool.Round{Epoch: e, Mask: pool.Mask{pool.Ready, pool.Ready}, Present: []int{1}}); err != nil {
			t.Fatal(err)
		}
	}
	h.blocks[2].Mask[1] = pool.Done
	if err := h.Verify(); err == nil {
		t.Fatal("expected tampering to be detected")
	}
	h.blocks[2].Mask[1] = pool.Ready
	if err := h.Verify(); err != nil {
		t.Fatal(err)
	}
	h.blocks[1].Present = nil
	h.blocks[1].Hash = calculateHash(h.blocks[1])
	if err := h.Verify(); err == nil {
		t.Fatal("expected a broken link to be detected")
	}
}

// TestHistoryOfGroup records the rounds of an in-process group where every
// rank retires in turn.
func TestHistoryOfGroup(t *testing.T) {
	n := 3
	hub := network.NewHub(n)
	defer hub.Close()
	history := NewHistory(n)
	cfg := pool.Config{Root: 0, Timeout: time.Second, Tries: 5}

	fatal := make(chan error, n)
	for i := 0; i < n; i++ {
		var opts []pool.Option
		if i == 0 {
			opts = append(opts, pool.WithRecorder(history))
		}
		p, err := pool.New(hub.Endpoint(i), cfg, opts...)
		if err != nil {
			t.Fatal(err)
		}
		go func(p *pool.Pool, items int) {
			p.Ready()
			for {
				if items > 0 {
					items--
				} else if err := p.Drop(); err != nil {
					fatal <- err
					return
				}
				if err := p.Barrier(); err != nil {
					fatal <- err
					return
				}
				if err := p.SyncMask(); err != nil {
					fatal <- err
					return
				}
				if (p.IsRoot() && p.Done()) || (!p.IsRoot() && p.Status() != pool.Ready) {
					fatal <- nil
					return
				}
			}
		}(p, n-1-i)
	}
	for i := 0; i < n; i++ {
		if err := <-fatal; err != nil {
			t.Fatal(err)
		}
	}

	expected := []pool.Mask{
		{pool.Ready, pool.Ready, pool.Done},
		{pool.Ready, pool.Done, pool.Done},
		{pool.Done, pool.Done, pool.Done},
	}
	masks := history.Masks()
	if len(masks) != len(expected) {
		t.Fatalf("expected %d rounds, got %v", len(expected), masks)
	}
	for i := range expected {
		if !masks[i].Equal(expected[i]) {
			t.Fatalf("round %d: expected %s, got %s", i, expected[i], masks[i])
		}
	}
	if err := history.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestExportImport(t *testing.T) {
	h := NewHistory(2)
	if err := h.Record(pool.Round{Epoch: 0, Mask: pool.Mask{pool.Ready, pool.Timeout}, TimedOut: []int{1}}); err != nil {
		t.Fatal(err)
	}
	if err := h.Record(pool.Round{Epoch: 1, Mask: pool.Mask{pool.Done, pool.Timeout}, Retired: []int{0}}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := h.Export(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"Timeout"`) {
		t.Fatalf("statuses should be written by name, got %s", buf.String())
	}

	imported, err := Import(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if imported.Len() != 3 || imported.Latest().Hash != h.Latest().Hash {
		t.Fatalf("imported chain differs: %+v", imported.Blocks())
	}
	if !imported.Latest().Mask.Equal(pool.Mask{pool.Done, pool.Timeout}) {
		t.Fatalf("unexpected mask %s", imported.Latest().Mask)
	}

	tampered := strings.Replace(buf.String(), `"Timeout"`, `"Ready"`, 1)
	if _, err := Import(strings.NewReader(tampered)); err == nil {
		t.Fatal("expected the tampered history to be refused")
	}
	unknown := strings.Replace(buf.String(), `"Timeout"`, `"Asleep"`, 1)
	if _, err := Import(strings.NewReader(unknown)); err == nil {
		t.Fatal("expected an unknown status to be refused")
	}
	if _, err := Import(strings.NewReader("[]")); err == nil {
		t.Fatal("expected an empty history to be refused")
	}
}
