package pool

// EpochCounter hands out the epoch stamped on the messages of a round.
// The zero value starts at epoch 0. It is not safe for concurrent use.
type EpochCounter struct {
	value uint64
}

// Next returns the current epoch and moves past it.
func (c *EpochCounter) Next() uint64 {
	e := c.value
	c.value++
	return e
}

// Advance skips n epochs, reserving them so that messages of a previous
// phase can never match the epochs that follow.
func (c *EpochCounter) Advance(n uint64) {
	c.value += n
}

// Peek returns the epoch the next call to Next will return.
func (c *EpochCounter) Peek() uint64 {
	return c.value
}
