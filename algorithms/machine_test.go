package algorithms

import (
	"errors"
	"testing"
)

type envelope struct {
	from, to PeerID
	msg      Message
}

// cluster drives a set of machines over FIFO queues. Whenever the network is
// quiet the peer holding the section releases it.
type cluster struct {
	t       *testing.T
	ms      []*Machine
	queue   []envelope
	entered []PeerID
}

func newCluster(t *testing.T, seeds ...Timestamp) *cluster {
	t.Helper()
	c := &cluster{t: t}
	for i, seed := range seeds {
		m, err := NewMachine(PeerID(i), len(seeds), seed)
		if err != nil {
			t.Fatalf("NewMachine(%d): %v", i, err)
		}
		c.ms = append(c.ms, m)
	}
	return c
}

func (c *cluster) post(from PeerID, out []Outbound) {
	for _, o := range out {
		c.queue = append(c.queue, envelope{from: from, to: o.To, msg: o.Msg})
	}
}

func (c *cluster) request(id PeerID) {
	c.t.Helper()
	out, err := c.ms[id].Request()
	if err != nil {
		c.t.Fatalf("peer %d request: %v", id, err)
	}
	c.post(id, out)
	if c.ms[id].State() == Held {
		c.entered = append(c.entered, id)
	}
}

func (c *cluster) holders() []PeerID {
	var out []PeerID
	for _, m := range c.ms {
		if m.State() == Held {
			out = append(out, m.Self())
		}
	}
	return out
}

// run delivers every queued message and releases holders until the cluster
// is idle.
func (c *cluster) run() {
	c.t.Helper()
	for step := 0; step < 10000; step++ {
		if h := c.holders(); len(h) > 1 {
			c.t.Fatalf("peers %v hold the critical section together", h)
		}
		if len(c.queue) == 0 {
			h := c.holders()
			if len(h) == 0 {
				return
			}
			out, err := c.ms[h[0]].Release()
			if err != nil {
				c.t.Fatalf("peer %d release: %v", h[0], err)
			}
			c.post(h[0], out)
			continue
		}

		env := c.queue[0]
		c.queue = c.queue[1:]
		m := c.ms[env.to]
		before := m.State()
		out, err := m.Handle(env.msg)
		if err != nil {
			c.t.Fatalf("peer %d handling %+v: %v", env.to, env.msg, err)
		}
		c.post(env.to, out)
		if before != Held && m.State() == Held {
			c.entered = append(c.entered, env.to)
		}
	}
	c.t.Fatalf("cluster did not settle")
}

func assertOrder(t *testing.T, got []PeerID, want ...PeerID) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("entry order %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry order %v, want %v", got, want)
		}
	}
}

func TestConcurrentRequestsEnterInTimestampOrder(t *testing.T) {
	c := newCluster(t, 5, 3, 3)
	for id := PeerID(0); id < 3; id++ {
		c.request(id)
	}
	c.run()
	assertOrder(t, c.entered, 1, 2, 0)
}

func TestEqualTimestampsBreakTiesByID(t *testing.T) {
	c := newCluster(t, 1, 1, 1)
	for _, id := range []PeerID{2, 0, 1} {
		c.request(id)
	}
	c.run()
	assertOrder(t, c.entered, 0, 1, 2)
}

func TestUncontendedRequestEntersAfterAllReplies(t *testing.T) {
	c := newCluster(t, 0, 0, 0)
	c.request(0)

	if got := c.ms[0].OutstandingReplies(); got != 2 {
		t.Fatalf("owed %d replies, want 2", got)
	}
	// Deliver the two requests and the two replies without releasing.
	for len(c.queue) > 0 {
		env := c.queue[0]
		c.queue = c.queue[1:]
		out, err := c.ms[env.to].Handle(env.msg)
		if err != nil {
			t.Fatal(err)
		}
		c.post(env.to, out)
	}
	if c.ms[0].State() != Held {
		t.Fatalf("peer 0 is %s, want HELD", c.ms[0].State())
	}
	for _, id := range []PeerID{1, 2} {
		if len(c.ms[id].Deferred()) != 0 || c.ms[id].State() != Idle {
			t.Fatalf("idle peer %d changed: %s deferred %v", id, c.ms[id].State(), c.ms[id].Deferred())
		}
	}
}

func TestHolderDefersEveryRequest(t *testing.T) {
	c := newCluster(t, 0, 0, 0)
	c.request(0)
	for len(c.queue) > 0 {
		env := c.queue[0]
		c.queue = c.queue[1:]
		out, _ := c.ms[env.to].Handle(env.msg)
		c.post(env.to, out)
	}

	// Even a request stamped below the holder's own is deferred.
	out, err := c.ms[0].HandleRequest(RequestMessage{Timestamp: 0, Sender: 2})
	if err != nil || len(out) != 0 {
		t.Fatalf("holder answered request: out=%v err=%v", out, err)
	}
	out, _ = c.ms[0].HandleRequest(RequestMessage{Timestamp: 9, Sender: 1})
	if len(out) != 0 {
		t.Fatalf("holder answered request: %v", out)
	}

	out, err = c.ms[0].Release()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].To != 2 || out[1].To != 1 {
		t.Fatalf("deferred replies %v, want to 2 then 1", out)
	}
	if c.ms[0].State() != Idle || len(c.ms[0].Deferred()) != 0 {
		t.Fatalf("after release: %s deferred %v", c.ms[0].State(), c.ms[0].Deferred())
	}
}

func TestRequestingPeerAnswersEarlierRequest(t *testing.T) {
	m, _ := NewMachine(1, 3, 10)
	if _, err := m.Request(); err != nil {
		t.Fatal(err)
	}
	out, _ := m.HandleRequest(RequestMessage{Timestamp: 3, Sender: 2})
	if len(out) != 1 || out[0].To != 2 {
		t.Fatalf("earlier request not answered: %v", out)
	}
	out, _ = m.HandleRequest(RequestMessage{Timestamp: 11, Sender: 0})
	if len(out) != 1 || out[0].To != 0 {
		t.Fatalf("tied request from lower id not answered: %v", out)
	}
	out, _ = m.HandleRequest(RequestMessage{Timestamp: 11, Sender: 2})
	if len(out) != 0 {
		t.Fatalf("later request answered: %v", out)
	}
	if m.Clock() != 11 {
		t.Fatalf("clock %d after observing 11", m.Clock())
	}
}

func TestEveryPeerEntersOnce(t *testing.T) {
	c := newCluster(t, 2, 0, 7)
	for id := PeerID(0); id < 3; id++ {
		c.request(id)
	}
	c.run()
	if len(c.entered) != 3 {
		t.Fatalf("%d entries, want 3", len(c.entered))
	}
	seen := map[PeerID]bool{}
	for _, id := range c.entered {
		seen[id] = true
	}
	if len(seen) != 3 {
		t.Fatalf("entries %v", c.entered)
	}
}

func TestSinglePeerEntersImmediately(t *testing.T) {
	c := newCluster(t, 4)
	c.request(0)
	if len(c.queue) != 0 {
		t.Fatalf("lone peer sent %v", c.queue)
	}
	assertOrder(t, c.entered, 0)
}

func TestInvalidTransitions(t *testing.T) {
	m, _ := NewMachine(0, 2, 0)
	if _, err := m.Release(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("release while idle: %v", err)
	}
	if _, err := m.Request(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Request(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second request: %v", err)
	}
	if _, err := m.Release(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("release while requesting: %v", err)
	}
	if _, err := m.HandleReply(ReplyMessage{Sender: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Request(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("request while held: %v", err)
	}
}

func TestUnexpectedRepliesLeaveStateAlone(t *testing.T) {
	m, _ := NewMachine(0, 3, 0)
	if _, err := m.HandleReply(ReplyMessage{Sender: 1}); !errors.Is(err, ErrUnexpectedReply) {
		t.Fatalf("reply while idle: %v", err)
	}

	m.Request()
	if _, err := m.HandleReply(ReplyMessage{Sender: 1}); err != nil {
		t.Fatal(err)
	}
	key := m.Key()
	if _, err := m.HandleReply(ReplyMessage{Sender: 1}); !errors.Is(err, ErrUnexpectedReply) {
		t.Fatalf("duplicate reply: %v", err)
	}
	if _, err := m.HandleReply(ReplyMessage{Sender: 0}); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("reply from self: %v", err)
	}
	if _, err := m.HandleRequest(RequestMessage{Sender: 5}); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("request from unknown peer: %v", err)
	}
	if m.Key() != key {
		t.Fatalf("state changed: %s -> %s", key, m.Key())
	}
	if owed := m.Owed(); len(owed) != 1 || owed[0] != 2 {
		t.Fatalf("owed %v, want [2]", owed)
	}
}

func TestNewMachineValidates(t *testing.T) {
	if _, err := NewMachine(0, 0, 0); err == nil {
		t.Fatal("expected an error for zero peers")
	}
	if _, err := NewMachine(3, 3, 0); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("id out of range: %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m, _ := NewMachine(0, 3, 0)
	m.Request()
	m.HandleRequest(RequestMessage{Timestamp: 5, Sender: 1})

	c := m.Clone()
	if c.Key() != m.Key() {
		t.Fatalf("clone key %s, want %s", c.Key(), m.Key())
	}
	c.HandleReply(ReplyMessage{Sender: 1})
	c.HandleRequest(RequestMessage{Timestamp: 6, Sender: 2})
	if len(m.Deferred()) != 1 || m.OutstandingReplies() != 2 {
		t.Fatalf("original mutated through clone: %s", m.Key())
	}
}
