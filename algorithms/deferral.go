package algorithms

// DeferralQueue holds the peers whose reply is owed but withheld, in the
// order their requests were deferred.
type DeferralQueue struct {
	ids []PeerID
}

func (q *DeferralQueue) Push(id PeerID) {
	q.ids = append(q.ids, id)
}

func (q *DeferralQueue) Len() int {
	return len(q.ids)
}

// Drain empties the queue and returns its contents in FIFO order.
func (q *DeferralQueue) Drain() []PeerID {
	out := q.ids
	q.ids = nil
	return out
}

// Peek returns a copy of the queued ids without removing them.
func (q *DeferralQueue) Peek() []PeerID {
	return append([]PeerID(nil), q.ids...)
}
