package algorithms

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PeerID identifies a peer in [0, N) and breaks timestamp ties.
type PeerID int

type Kind string

const (
	KindRequest Kind = "REQUEST"
	KindReply   Kind = "REPLY"
)

var ErrMalformedMessage = errors.New("malformed message")

// Message is either a RequestMessage or a ReplyMessage.
type Message interface {
	Kind() Kind
	From() PeerID
}

// RequestMessage asks every other peer for permission to enter.
type RequestMessage struct {
	Timestamp Timestamp
	Sender    PeerID
}

func (RequestMessage) Kind() Kind     { return KindRequest }
func (m RequestMessage) From() PeerID { return m.Sender }

// ReplyMessage grants the receiver permission from Sender.
type ReplyMessage struct {
	Sender PeerID
}

func (ReplyMessage) Kind() Kind     { return KindReply }
func (m ReplyMessage) From() PeerID { return m.Sender }

// Precedes reports whether request (aTS, a) is ordered before (bTS, b):
// smaller timestamp first, smaller peer id on a tie.
func Precedes(aTS Timestamp, a PeerID, bTS Timestamp, b PeerID) bool {
	return aTS < bTS || (aTS == bTS && a < b)
}

type wireMessage struct {
	Type      Kind    `json:"type"`
	Timestamp *uint64 `json:"timestamp,omitempty"`
	Sender    *int64  `json:"sender"`
}

func Encode(msg Message) ([]byte, error) {
	sender := int64(msg.From())
	w := wireMessage{Type: msg.Kind(), Sender: &sender}

	switch m := msg.(type) {
	case RequestMessage:
		ts := uint64(m.Timestamp)
		w.Timestamp = &ts
	case ReplyMessage:
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}
	return json.Marshal(w)
}

// Decode parses a wire message from a group of n peers. Unknown kinds,
// missing fields and senders outside [0, n) are ErrMalformedMessage.
func Decode(data []byte, n int) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.Sender == nil {
		return nil, fmt.Errorf("%w: %s without sender", ErrMalformedMessage, w.Type)
	}
	if *w.Sender < 0 || *w.Sender >= int64(n) {
		return nil, fmt.Errorf("%w: sender %d outside [0, %d)", ErrMalformedMessage, *w.Sender, n)
	}
	sender := PeerID(*w.Sender)

	switch w.Type {
	case KindRequest:
		if w.Timestamp == nil {
			return nil, fmt.Errorf("%w: request from %d without timestamp", ErrMalformedMessage, sender)
		}
		return RequestMessage{Timestamp: Timestamp(*w.Timestamp), Sender: sender}, nil
	case KindReply:
		return ReplyMessage{Sender: sender}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, w.Type)
	}
}
