// Package proto holds the wire types exchanged between nodes and the network
// controller. Envelopes travel as structpb.Struct messages so the service can
// be served by a stock gRPC server without a protoc step.
package proto

import (
	"fmt"
	"slices"

	structpb "google.golang.org/protobuf/types/known/structpb"
)

type VectorClockEntry struct {
	Node    string
	Counter uint64
}

// Envelope is the unit routed by the controller. Payload is the JSON encoded
// application message; Type mirrors its "type" field.
type Envelope struct {
	Id      string
	From    string
	To      string
	Type    string
	Payload string
	Vector  []*VectorClockEntry
}

func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Vector = make([]*VectorClockEntry, 0, len(e.Vector))
	for _, v := range e.Vector {
		entry := *v
		c.Vector = append(c.Vector, &entry)
	}
	return &c
}

// ToStruct encodes the envelope into its on-the-wire representation.
func (e *Envelope) ToStruct() *structpb.Struct {
	vec := make([]*structpb.Value, 0, len(e.Vector))
	for _, v := range e.Vector {
		vec = append(vec, structpb.NewStructValue(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"node":    structpb.NewStringValue(v.Node),
				"counter": structpb.NewNumberValue(float64(v.Counter)),
			},
		}))
	}

	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"id":      structpb.NewStringValue(e.Id),
			"from":    structpb.NewStringValue(e.From),
			"to":      structpb.NewStringValue(e.To),
			"type":    structpb.NewStringValue(e.Type),
			"payload": structpb.NewStringValue(e.Payload),
			"vector":  structpb.NewListValue(&structpb.ListValue{Values: vec}),
		},
	}
}

// EnvelopeFromStruct decodes a wire struct. Missing string fields decode as
// empty; a missing sender or a malformed vector is an error.
func EnvelopeFromStruct(s *structpb.Struct) (*Envelope, error) {
	if s == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	str := func(key string) string {
		return s.GetFields()[key].GetStringValue()
	}

	env := &Envelope{
		Id:      str("id"),
		From:    str("from"),
		To:      str("to"),
		Type:    str("type"),
		Payload: str("payload"),
	}
	if env.From == "" {
		return nil, fmt.Errorf("envelope %q has no sender", env.Id)
	}

	for i, v := range s.GetFields()["vector"].GetListValue().GetValues() {
		entry := v.GetStructValue()
		if entry == nil {
			return nil, fmt.Errorf("envelope %q: vector entry %d is not a struct", env.Id, i)
		}
		node := entry.GetFields()["node"].GetStringValue()
		counter := entry.GetFields()["counter"].GetNumberValue()
		if node == "" || counter < 0 {
			return nil, fmt.Errorf("envelope %q: invalid vector entry %d", env.Id, i)
		}
		env.Vector = append(env.Vector, &VectorClockEntry{Node: node, Counter: uint64(counter)})
	}
	return env, nil
}

// SortVector orders vector entries by node so encodings are stable.
func SortVector(entries []*VectorClockEntry) {
	slices.SortFunc(entries, func(a, b *VectorClockEntry) int {
		switch {
		case a.Node < b.Node:
			return -1
		case a.Node > b.Node:
			return 1
		}
		return 0
	})
}
