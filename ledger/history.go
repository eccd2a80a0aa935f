package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/luca-patrignani/ftpool/pool"
	"github.com/pkg/errors"
)

// Block is one completed round.
type Block struct {
	Index     int           `json:"index"`
	Timestamp int64         `json:"timestamp"`
	PrevHash  string        `json:"prev_hash"`
	Hash      string        `json:"hash"`
	Epoch     uint64        `json:"epoch"`
	Mask      pool.Mask     `json:"mask"`
	Present   []int         `json:"present,omitempty"`
	Retired   []int         `json:"retired,omitempty"`
	TimedOut  []int         `json:"timed_out,omitempty"`
	Duration  time.Duration `json:"duration"`
}

type History struct {
	mu     sync.RWMutex
	blocks []Block
	size   int
	clock  clock.Clock
}

type Option func(*History)

// WithClock sets the clock stamping the blocks.
func WithClock(clk clock.Clock) Option {
	return func(h *History) {
		h.clock = clk
	}
}

// NewHistory creates the history of a group of size ranks. The genesis
// block holds the initial mask, where every rank is Ready.
func NewHistory(size int, opts ...Option) *History {
	h := &History{
		size:  size,
		clock: clock.NewClock(),
	}
	for _, opt := range opts {
		opt(h)
	}

	genesis := Block{
		Index:     0,
		Timestamp: h.clock.Now().Unix(),
		PrevHash:  "0",
		Mask:      pool.NewMask(size),
	}
	genesis.Hash = calculateHash(genesis)
	h.blocks = append(h.blocks, genesis)
	return h
}

// Record appends the round as a new block. It refuses rounds whose mask
// does not follow from the previous one.
func (h *History) Record(r pool.Round) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	latest := h.blocks[len(h.blocks)-1]
	b := Block{
		Index:     latest.Index + 1,
		Timestamp: h.clock.Now().Unix(),
		PrevHash:  latest.Hash,
		Epoch:     r.Epoch,
		Mask:      r.Mask.Clone(),
		Present:   append([]int(nil), r.Present...),
		Retired:   append([]int(nil), r.Retired...),
		TimedOut:  append([]int(nil), r.TimedOut...),
		Duration:  r.Duration,
	}
	b.Hash = calculateHash(b)

	if err := h.validateBlock(b, latest); err != nil {
		return errors.WithMessage(err, "invalid block")
	}
	h.blocks = append(h.blocks, b)
	return nil
}

// Import reads a chain written by Export and verifies it. The group size
// is taken from the genesis block.
func Import(r io.Reader, opts ...Option) (*History, error) {
	var blocks []Block
	if err := json.NewDecoder(r).Decode(&blocks); err != nil {
		return nil, errors.Wrap(err, "decoding history")
	}
	if len(blocks) == 0 {
		return nil, errors.New("empty history")
	}
	h := &History{
		blocks: blocks,
		size:   len(blocks[0].Mask),
		clock:  clock.NewClock(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.Verify(); err != nil {
		return nil, err
	}
	return h, nil
}

// Export writes the whole chain as indented JSON, statuses by name.
func (h *History) Export(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(h.blocks), "encoding history")
}

// Blocks returns a copy of the chain, genesis first.
func (h *History) Blocks() []Block {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Block(nil), h.blocks...)
}

// Latest returns the most recent block, the genesis one if no round was
// recorded yet.
func (h *History) Latest() Block {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.blocks[len(h.blocks)-1]
}

// ByIndex retrieves a block by its index in the chain.
func (h *History) ByIndex(index int) (Block, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if index < 0 || index >= len(h.blocks) {
		return Block{}, errors.Errorf("index %d out of range", index)
	}
	return h.blocks[index], nil
}

// Len returns the number of blocks, genesis included.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.blocks)
}

// Masks returns the mask of every recorded round, in order.
func (h *History) Masks() []pool.Mask {
	h.mu.RLock()
	defer h.mu.RUnlock()

	masks := make([]pool.Mask, 0, len(h.blocks)-1)
	for _, b := range h.blocks[1:] {
		masks = append(masks, b.Mask.Clone())
	}
	return masks
}

// Verify checks the whole chain: genesis, index continuity, hash links
// and the monotonic evolution of the masks.
func (h *History) Verify() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.blocks) == 0 {
		return errors.New("empty history")
	}
	genesis := h.blocks[0]
	if genesis.PrevHash != "0" || genesis.Hash != calculateHash(genesis) {
		return errors.New("invalid genesis block")
	}
	for i := 1; i < len(h.blocks); i++ {
		if err := h.validateBlock(h.blocks[i], h.blocks[i-1]); err != nil {
			return errors.WithMessagef(err, "block %d invalid", i)
		}
	}
	return nil
}

func (h *History) validateBlock(current, previous Block) error {
	if current.Index != previous.Index+1 {
		return errors.Errorf("invalid index: expected %d, got %d", previous.Index+1, current.Index)
	}
	if current.PrevHash != previous.Hash {
		return errors.Errorf("invalid prev hash: expected %s, got %s", previous.Hash, current.PrevHash)
	}
	if expected := calculateHash(current); current.Hash != expected {
		return errors.Errorf("invalid hash: expected %s, got %s", expected, current.Hash)
	}
	if len(current.Mask) != h.size {
		return errors.Errorf("mask of %d entries for a group of %d", len(current.Mask), h.size)
	}
	if previous.Index > 0 && current.Epoch <= previous.Epoch {
		return errors.Errorf("epoch %d does not follow %d", current.Epoch, previous.Epoch)
	}
	for r, s := range previous.Mask {
		if s.Terminal() && current.Mask[r] != s {
			return errors.Errorf("rank %d went from %s to %s", r, s, current.Mask[r])
		}
	}
	return nil
}

// calculateHash computes the SHA256 hash of every field of the block but
// the hash itself.
func calculateHash(b Block) string {
	mask, _ := json.Marshal(b.Mask)
	present, _ := json.Marshal(b.Present)
	retired, _ := json.Marshal(b.Retired)
	timedOut, _ := json.Marshal(b.TimedOut)

	data := fmt.Sprintf("%d%d%s%d%s%s%s%s%d",
		b.Index,
		b.Timestamp,
		b.PrevHash,
		b.Epoch,
		mask,
		present,
		retired,
		timedOut,
		b.Duration,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
