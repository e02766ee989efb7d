package algorithms

import (
	"errors"
	"fmt"
	"strings"
)

type State int

const (
	Idle State = iota
	Requesting
	Held
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Requesting:
		return "REQUESTING"
	case Held:
		return "HELD"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrInvalidState marks a RequestCS or ReleaseCS call made in the wrong
	// lifecycle state.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnexpectedReply marks a reply that no outstanding request is waiting
	// for, such as a duplicate.
	ErrUnexpectedReply = errors.New("unexpected reply")
	ErrUnknownPeer     = errors.New("unknown peer")
)

// Outbound is a message the caller must deliver to peer To.
type Outbound struct {
	To  PeerID
	Msg Message
}

// Machine is the per-peer Ricart-Agrawala state machine. It performs no I/O
// and no locking: every method returns the messages to send and leaves
// delivery to the caller.
type Machine struct {
	self  PeerID
	n     int
	clock LamportClock

	state     State
	ownTS     Timestamp
	owed      []bool
	owedCount int
	deferred  DeferralQueue
}

func NewMachine(self PeerID, n int, seed Timestamp) (*Machine, error) {
	if n < 1 {
		return nil, fmt.Errorf("peer count %d: need at least one peer", n)
	}
	if self < 0 || int(self) >= n {
		return nil, fmt.Errorf("%w: id %d outside [0, %d)", ErrUnknownPeer, self, n)
	}
	return &Machine{
		self:  self,
		n:     n,
		clock: NewLamportClock(seed),
		owed:  make([]bool, n),
	}, nil
}

func (m *Machine) Self() PeerID            { return m.self }
func (m *Machine) Peers() int              { return m.n }
func (m *Machine) State() State            { return m.state }
func (m *Machine) Clock() Timestamp        { return m.clock.Now() }
func (m *Machine) Deferred() []PeerID      { return m.deferred.Peek() }
func (m *Machine) OutstandingReplies() int { return m.owedCount }

// Timestamp is the timestamp of the current request. It is meaningful only
// while the state is not Idle.
func (m *Machine) Timestamp() Timestamp { return m.ownTS }

// Owed lists the peers whose reply is still missing.
func (m *Machine) Owed() []PeerID {
	out := make([]PeerID, 0, m.owedCount)
	for id, owed := range m.owed {
		if owed {
			out = append(out, PeerID(id))
		}
	}
	return out
}

// Request starts a new request and returns the broadcast. With no other
// peers the machine moves straight to Held.
func (m *Machine) Request() ([]Outbound, error) {
	if m.state != Idle {
		return nil, fmt.Errorf("request in state %s: %w", m.state, ErrInvalidState)
	}

	m.ownTS = m.clock.Advance()
	m.state = Requesting
	out := make([]Outbound, 0, m.n-1)
	for id := 0; id < m.n; id++ {
		if PeerID(id) == m.self {
			continue
		}
		m.owed[id] = true
		out = append(out, Outbound{To: PeerID(id), Msg: RequestMessage{Timestamp: m.ownTS, Sender: m.self}})
	}
	m.owedCount = len(out)
	if m.owedCount == 0 {
		m.state = Held
	}
	return out, nil
}

// Release leaves the critical section and answers every deferred request in
// the order it was deferred.
func (m *Machine) Release() ([]Outbound, error) {
	if m.state != Held {
		return nil, fmt.Errorf("release in state %s: %w", m.state, ErrInvalidState)
	}

	m.state = Idle
	ids := m.deferred.Drain()
	out := make([]Outbound, 0, len(ids))
	for _, id := range ids {
		out = append(out, Outbound{To: id, Msg: ReplyMessage{Sender: m.self}})
	}
	return out, nil
}

// HandleRequest answers or defers another peer's request. The returned slice
// is empty when the reply is deferred.
func (m *Machine) HandleRequest(msg RequestMessage) ([]Outbound, error) {
	if err := m.checkSender(msg.Sender); err != nil {
		return nil, err
	}
	m.clock.Observe(msg.Timestamp)

	if m.defers(msg) {
		m.deferred.Push(msg.Sender)
		return nil, nil
	}
	return []Outbound{{To: msg.Sender, Msg: ReplyMessage{Sender: m.self}}}, nil
}

// defers is the decision rule: hold the reply while in the critical section,
// or while our own pending request is ordered first.
func (m *Machine) defers(msg RequestMessage) bool {
	switch m.state {
	case Held:
		return true
	case Requesting:
		return Precedes(m.ownTS, m.self, msg.Timestamp, msg.Sender)
	}
	return false
}

// HandleReply records a permission. It reports whether the machine entered
// Held as a result. Replies nobody is waiting for return ErrUnexpectedReply
// and leave the state untouched.
func (m *Machine) HandleReply(msg ReplyMessage) (bool, error) {
	if err := m.checkSender(msg.Sender); err != nil {
		return false, err
	}
	if m.state != Requesting {
		return false, fmt.Errorf("%w: from %d in state %s", ErrUnexpectedReply, msg.Sender, m.state)
	}
	if !m.owed[msg.Sender] {
		return false, fmt.Errorf("%w: from %d which already replied", ErrUnexpectedReply, msg.Sender)
	}

	m.owed[msg.Sender] = false
	m.owedCount--
	if m.owedCount == 0 {
		m.state = Held
		return true, nil
	}
	return false, nil
}

// Handle dispatches on the message kind.
func (m *Machine) Handle(msg Message) ([]Outbound, error) {
	switch msg := msg.(type) {
	case RequestMessage:
		return m.HandleRequest(msg)
	case ReplyMessage:
		_, err := m.HandleReply(msg)
		return nil, err
	}
	return nil, fmt.Errorf("%w: unsupported message %T", ErrMalformedMessage, msg)
}

func (m *Machine) checkSender(id PeerID) error {
	if id < 0 || int(id) >= m.n || id == m.self {
		return fmt.Errorf("%w: sender %d at peer %d of %d", ErrMalformedMessage, id, m.self, m.n)
	}
	return nil
}

func (m *Machine) Clone() *Machine {
	c := *m
	c.owed = append([]bool(nil), m.owed...)
	c.deferred = DeferralQueue{ids: m.deferred.Peek()}
	return &c
}

// Key is a canonical encoding of the full machine state.
func (m *Machine) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:%s:%d:%d:", m.self, m.state, m.clock.Now(), m.ownTS)
	for _, owed := range m.owed {
		if owed {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	b.WriteByte(':')
	for _, id := range m.deferred.ids {
		fmt.Fprintf(&b, "%d,", id)
	}
	return b.String()
}
