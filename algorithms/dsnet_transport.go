package algorithms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/distcodep7/ramutex/dsnet"
)

// DsnetTransport sends protocol messages through a dsnet node, addressing
// peers by their directory name.
type DsnetTransport struct {
	ctx  context.Context
	node *dsnet.Node
	dir  *PeerDirectory
}

func NewDsnetTransport(ctx context.Context, node *dsnet.Node, dir *PeerDirectory) *DsnetTransport {
	return &DsnetTransport{ctx: ctx, node: node, dir: dir}
}

func (t *DsnetTransport) Send(to PeerID, msg Message) error {
	dest, err := t.dir.Name(to)
	if err != nil {
		return err
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return t.node.Send(t.ctx, dest, json.RawMessage(data))
}

// Register routes REQUEST and REPLY events on mux into x. An event whose
// envelope sender does not match the sender in its payload is dropped as
// malformed.
func Register(mux *dsnet.Mux, x *Mutex, dir *PeerDirectory) {
	deliver := func(ctx context.Context, ev dsnet.Event) error {
		msg, err := Decode(ev.Payload, dir.Len())
		if err != nil {
			return x.ReportProtocolError(fmt.Errorf("from %s: %w", ev.From, err))
		}
		if name, _ := dir.Name(msg.From()); name != ev.From {
			return x.ReportProtocolError(fmt.Errorf("%w: %s claims to be sent by %s", ErrMalformedMessage, ev.From, name))
		}
		return x.Deliver(msg)
	}
	mux.Handle(string(KindRequest), deliver)
	mux.Handle(string(KindReply), deliver)
}

// Serve runs the intake loop for x until ctx ends or the node is stopped.
func Serve(ctx context.Context, node *dsnet.Node, x *Mutex, dir *PeerDirectory) error {
	mux := dsnet.NewMux()
	Register(mux, x, dir)
	return node.Serve(ctx, mux)
}
