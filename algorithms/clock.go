package algorithms

// Timestamp is a logical clock value.
type Timestamp uint64

// LamportClock is a peer's logical counter. Observe takes the maximum of the
// local and remote values without adding one: the protocol only needs each
// new request to be stamped above every timestamp the peer has seen, and
// Advance provides that increment.
//
// A LamportClock is not safe for concurrent use; the owning Machine is
// guarded by its Mutex.
type LamportClock struct {
	value Timestamp
}

func NewLamportClock(seed Timestamp) LamportClock {
	return LamportClock{value: seed}
}

func (c *LamportClock) Advance() Timestamp {
	c.value++
	return c.value
}

func (c *LamportClock) Observe(remote Timestamp) {
	if remote > c.value {
		c.value = remote
	}
}

func (c *LamportClock) Now() Timestamp {
	return c.value
}
