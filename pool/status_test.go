package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// allMasks enumerates every mask of n ranks.
func allMasks(n int) []Mask {
	masks := []Mask{{}}
	for i := 0; i < n; i++ {
		var next []Mask
		for _, m := range masks {
			for _, s := range []Status{Ready, Done, Timeout} {
				c := append(m.Clone(), s)
				next = append(next, c)
			}
		}
		masks = next
	}
	return masks
}

func TestIsQuiescent(t *testing.T) {
	masks := allMasks(4)
	require.Len(t, masks, 81)
	for _, m := range masks {
		ready := false
		for _, s := range m {
			if s == Ready {
				ready = true
			}
		}
		require.Equal(t, !ready, IsQuiescent(m), "mask %s", m)
	}
	require.True(t, IsQuiescent(Mask{}))
}

func TestUpdateMaskIsMonotonic(t *testing.T) {
	for _, from := range []Status{Ready, Done, Timeout} {
		for _, to := range []Status{Ready, Done, Timeout} {
			r := newStatusRegistry(2)
			r.mask[1] = from
			applied := r.updateMask(1, to)
			if from.Terminal() && from != to {
				require.False(t, applied, "%s -> %s", from, to)
				require.Equal(t, from, r.mask[1])
			} else {
				require.True(t, applied, "%s -> %s", from, to)
				require.Equal(t, to, r.mask[1])
			}
		}
	}
}

func TestSetSelf(t *testing.T) {
	r := newStatusRegistry(3)
	require.False(t, r.joined)
	r.setSelf(Ready)
	r.setSelf(Ready)
	require.True(t, r.joined)
	r.setSelf(Done)
	r.setSelf(Done)
	require.Equal(t, Done, r.self)
	require.Panics(t, func() { r.setSelf(Ready) })
	require.Panics(t, func() { r.setSelf(Timeout) })
	require.Panics(t, func() { newStatusRegistry(1).setSelf(Status(7)) })
}

func TestStatusNames(t *testing.T) {
	for _, s := range []Status{Ready, Done, Timeout} {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	parsed, err := ParseStatus("timeout")
	require.NoError(t, err)
	require.Equal(t, Timeout, parsed)
	_, err = ParseStatus("gone")
	require.Error(t, err)
	require.Equal(t, "Status(9)", Status(9).String())
	require.False(t, Ready.Terminal())
	require.True(t, Done.Terminal())
	require.True(t, Timeout.Terminal())

	text, err := Timeout.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "Timeout", string(text))
	_, err = Status(9).MarshalText()
	require.Error(t, err)
	var s Status
	require.NoError(t, s.UnmarshalText([]byte("done")))
	require.Equal(t, Done, s)
	require.Error(t, s.UnmarshalText([]byte("gone")))
}

func TestMaskHelpers(t *testing.T) {
	m := Mask{Ready, Done, Ready, Timeout}
	require.Equal(t, "[Ready,Done,Ready,Timeout]", m.String())
	require.Equal(t, 2, m.Count(Ready))
	require.Equal(t, []int{0, 2}, m.Ranks(Ready))
	require.Nil(t, m.Ranks(Status(5)))
	c := m.Clone()
	c[0] = Done
	require.Equal(t, Ready, m[0])
	require.Equal(t, Mask{Ready, Ready, Ready}, NewMask(3))
	require.True(t, m.Equal(Mask{Ready, Done, Ready, Timeout}))
	require.False(t, m.Equal(c))
	require.False(t, m.Equal(m[:3]))
}

func TestEpochCounter(t *testing.T) {
	var c EpochCounter
	require.Equal(t, uint64(0), c.Next())
	require.Equal(t, uint64(1), c.Next())
	c.Advance(100)
	require.Equal(t, uint64(102), c.Peek())
	require.Equal(t, uint64(102), c.Next())
	require.Equal(t, uint64(103), c.Peek())
}

func TestCodec(t *testing.T) {
	buf, err := encodeRecord(42, Done)
	require.NoError(t, err)
	e, s, err := decodeRecord(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(42), e)
	require.Equal(t, Done, s)

	buf, err = encodeMask(7, Mask{Ready, Done, Timeout})
	require.NoError(t, err)
	e, m, err := decodeMask(buf, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(7), e)
	require.Equal(t, Mask{Ready, Done, Timeout}, m)

	_, _, err = decodeMask(buf, 4)
	require.Error(t, err)

	buf, err = encodeRecord(1, Status(12))
	require.NoError(t, err)
	_, _, err = decodeRecord(buf)
	require.Error(t, err)

	_, _, err = decodeRecord([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Root: 0, Timeout: 1, Tries: 1}
	require.NoError(t, valid.Validate(1))
	for name, c := range map[string]struct {
		cfg  Config
		size int
	}{
		"empty group":      {valid, 0},
		"negative root":    {Config{Root: -1, Timeout: 1, Tries: 1}, 2},
		"root too large":   {Config{Root: 2, Timeout: 1, Tries: 1}, 2},
		"missing timeout":  {Config{Root: 0, Tries: 1}, 2},
		"missing tries":    {Config{Root: 0, Timeout: 1}, 2},
		"negative timeout": {Config{Root: 0, Timeout: -1, Tries: 1}, 2},
	} {
		err := c.cfg.Validate(c.size)
		require.ErrorIs(t, err, ErrInvalidConfig, name)
	}
	require.Equal(t, int64(30), int64(Config{Timeout: 3, Tries: 10}.Window()))
}
