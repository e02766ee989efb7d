package algorithms

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/distcodep7/ramutex/logger"
)

var ErrClosed = errors.New("mutex closed")

// Transport delivers protocol messages to other peers. Messages from one
// sender to one receiver must arrive in the order they were sent, and none
// may be lost.
type Transport interface {
	Send(to PeerID, msg Message) error
}

// Mutex is the Ricart-Agrawala engine of one peer. RequestCS and ReleaseCS
// are called by the owning application; Deliver is called by the intake loop
// for every inbound message. All three share one lock.
type Mutex struct {
	mu      sync.Mutex
	entered *sync.Cond
	m       *Machine
	closed  bool
	entries int

	transport Transport
	log       logger.Logger

	protocolErrors atomic.Int64
}

type MutexOption func(*Mutex)

func WithLogger(l logger.Logger) MutexOption {
	return func(x *Mutex) { x.log = l }
}

func NewMutex(self PeerID, n int, seed Timestamp, t Transport, opts ...MutexOption) (*Mutex, error) {
	m, err := NewMachine(self, n, seed)
	if err != nil {
		return nil, err
	}
	x := &Mutex{
		m:         m,
		transport: t,
		log:       logger.Discard,
	}
	x.entered = sync.NewCond(&x.mu)
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// RequestCS broadcasts a request and blocks until every other peer has
// replied. A send failure leaves the request outstanding and is returned.
func (x *Mutex) RequestCS() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return ErrClosed
	}
	out, err := x.m.Request()
	if err != nil {
		return err
	}
	x.log.Debug(logger.DRequest, "requesting CS at ts %d", x.m.Timestamp())
	if err := x.sendLocked(out); err != nil {
		return fmt.Errorf("broadcast request: %w", err)
	}

	for x.m.State() != Held && !x.closed {
		x.entered.Wait()
	}
	if x.m.State() != Held {
		return ErrClosed
	}
	x.entries++
	x.log.Debug(logger.DHeld, "in the CS (ts %d)", x.m.Timestamp())
	return nil
}

// ReleaseCS leaves the critical section and sends every deferred reply.
func (x *Mutex) ReleaseCS() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	out, err := x.m.Release()
	if err != nil {
		return err
	}
	x.log.Debug(logger.DRelease, "left the CS, flushing %d deferred replies", len(out))
	if err := x.sendLocked(out); err != nil {
		return fmt.Errorf("flush deferred replies: %w", err)
	}
	return nil
}

// Deliver applies one inbound message. Protocol errors are logged, counted
// and returned; they never change the engine state.
func (x *Mutex) Deliver(msg Message) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return ErrClosed
	}

	switch msg := msg.(type) {
	case RequestMessage:
		out, err := x.m.HandleRequest(msg)
		if err != nil {
			return x.protocolErrorLocked(err)
		}
		if len(out) == 0 {
			x.log.Debug(logger.DDefer, "deferring reply to %d (ts %d)", msg.Sender, msg.Timestamp)
			return nil
		}
		x.log.Debug(logger.DReply, "replying to %d (ts %d)", msg.Sender, msg.Timestamp)
		return x.sendLocked(out)
	case ReplyMessage:
		held, err := x.m.HandleReply(msg)
		if err != nil {
			return x.protocolErrorLocked(err)
		}
		x.log.Debug(logger.DReply, "received permission from %d, %d outstanding", msg.Sender, x.m.OutstandingReplies())
		if held {
			x.entered.Broadcast()
		}
		return nil
	}
	return x.protocolErrorLocked(fmt.Errorf("%w: unsupported message %T", ErrMalformedMessage, msg))
}

// DeliverRaw decodes a wire message and delivers it.
func (x *Mutex) DeliverRaw(data []byte) error {
	msg, err := Decode(data, x.m.Peers())
	if err != nil {
		x.mu.Lock()
		defer x.mu.Unlock()
		return x.protocolErrorLocked(err)
	}
	return x.Deliver(msg)
}

// ReportProtocolError counts an error detected outside the engine, such as
// an envelope whose sender disagrees with its payload.
func (x *Mutex) ReportProtocolError(err error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.protocolErrorLocked(err)
}

func (x *Mutex) protocolErrorLocked(err error) error {
	x.protocolErrors.Add(1)
	x.log.Debug(logger.DProto, "dropping message: %v", err)
	return err
}

func (x *Mutex) sendLocked(out []Outbound) error {
	for _, o := range out {
		if err := x.transport.Send(o.To, o.Msg); err != nil {
			return fmt.Errorf("send %s to %d: %w", o.Msg.Kind(), o.To, err)
		}
	}
	return nil
}

// Close wakes a blocked RequestCS, which then returns ErrClosed. Later
// deliveries are refused.
func (x *Mutex) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	x.entered.Broadcast()
}

func (x *Mutex) Self() PeerID {
	return x.m.Self()
}

func (x *Mutex) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.m.State()
}

func (x *Mutex) Timestamp() Timestamp {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.m.Timestamp()
}

func (x *Mutex) Clock() Timestamp {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.m.Clock()
}

// Entries is the number of times this peer has entered the critical section.
func (x *Mutex) Entries() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.entries
}

func (x *Mutex) ProtocolErrors() int64 {
	return x.protocolErrors.Load()
}
