package pool

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a rank.
type Status int8

const (
	// Ready ranks actively take part in every round.
	Ready Status = iota
	// Done ranks retired voluntarily. They are still reachable but
	// contribute nothing further.
	Done
	// Timeout ranks are presumed unreachable after the coordinator
	// exhausted its retries on them.
	Timeout
)

var statusNames = [...]string{
	Ready:   "Ready",
	Done:    "Done",
	Timeout: "Timeout",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int8(s))
	}
	return statusNames[s]
}

// Terminal reports whether no transition can ever leave s.
func (s Status) Terminal() bool {
	return s == Done || s == Timeout
}

func (s Status) valid() bool {
	return s >= Ready && s <= Timeout
}

// ParseStatus converts the name of a status, case insensitive, back to
// its value.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(i), nil
		}
	}
	return Ready, errors.Errorf("unknown status %q", name)
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	if !s.valid() {
		return nil, errors.Errorf("invalid status %d", int8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name written by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Mask holds the status of every rank of the group, indexed by rank.
type Mask []Status

// NewMask returns a mask of n Ready ranks.
func NewMask(n int) Mask {
	return make(Mask, n)
}

func (m Mask) Clone() Mask {
	c := make(Mask, len(m))
	copy(c, m)
	return c
}

func (m Mask) Equal(other Mask) bool {
	if len(m) != len(other) {
		return false
	}
	for i := range m {
		if m[i] != other[i] {
			return false
		}
	}
	return true
}

// Count returns how many ranks are in status s.
func (m Mask) Count(s Status) int {
	n := 0
	for _, v := range m {
		if v == s {
			n++
		}
	}
	return n
}

// Ranks returns, in increasing order, the ranks in status s.
func (m Mask) Ranks(s Status) []int {
	var ranks []int
	for i, v := range m {
		if v == s {
			ranks = append(ranks, i)
		}
	}
	return ranks
}

func (m Mask) String() string {
	parts := make([]string, len(m))
	for i, s := range m {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// IsQuiescent reports whether no rank of the mask is still Ready.
func IsQuiescent(m Mask) bool {
	for _, s := range m {
		if s == Ready {
			return false
		}
	}
	return true
}

// statusRegistry keeps the local status together with the mask. It is
// not safe for concurrent use; Pool serializes the accesses.
type statusRegistry struct {
	self   Status
	joined bool
	mask   Mask
}

func newStatusRegistry(size int) *statusRegistry {
	return &statusRegistry{
		self: Ready,
		mask: NewMask(size),
	}
}

// setSelf changes the local status. Going back to Ready from a terminal
// status is a protocol violation.
func (r *statusRegistry) setSelf(s Status) {
	if !s.valid() {
		panic(fmt.Sprintf("pool: invalid status %d", int8(s)))
	}
	if r.self.Terminal() && s != r.self {
		panic(fmt.Sprintf("pool: illegal status transition %s -> %s", r.self, s))
	}
	r.self = s
	if s == Ready {
		r.joined = true
	}
}

// updateMask writes status s for rank. The write is rejected, and false
// returned, when the current entry is terminal and differs from s.
func (r *statusRegistry) updateMask(rank int, s Status) bool {
	cur := r.mask[rank]
	if cur.Terminal() && cur != s {
		return false
	}
	r.mask[rank] = s
	return true
}
