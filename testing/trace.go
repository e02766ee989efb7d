// Package testing defines the execution trace written by nodes and the
// controller. A trace is a JSON Lines stream of TraceEvent values.
package testing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

type EvtType string

const (
	EvtTypeSend  EvtType = "SEND"
	EvtTypeRecv  EvtType = "RECV"
	EvtTypeDupe  EvtType = "DUPE"
	EvtTypeEnter EvtType = "ENTER"
	EvtTypeExit  EvtType = "EXIT"
)

// TraceEvent is one line of the trace. For SEND and RECV the recording node
// is From and To respectively; local events (ENTER, EXIT) set only From.
type TraceEvent struct {
	ID          string            `json:"id"`
	MessageID   string            `json:"message_id,omitempty"`
	Timestamp   int64             `json:"timestamp"` // wall clock, unix nanos
	EvtType     EvtType           `json:"evt_type"`
	MsgType     string            `json:"msg_type,omitempty"`
	From        string            `json:"from"`
	To          string            `json:"to,omitempty"`
	VectorClock map[string]uint64 `json:"vector_clock"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

// Recorder returns the node whose clock the event was stamped with.
func (e TraceEvent) Recorder() string {
	if e.EvtType == EvtTypeRecv {
		return e.To
	}
	return e.From
}

// TraceLog serialises events from any number of nodes onto one writer.
type TraceLog struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

func NewTraceLog(w io.Writer) *TraceLog {
	return &TraceLog{enc: json.NewEncoder(w)}
}

// OpenTraceLog appends to the file at path, creating it when missing.
func OpenTraceLog(path string) (*TraceLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &TraceLog{enc: json.NewEncoder(f), closer: f}, nil
}

func (l *TraceLog) Record(e TraceEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(e)
}

func (l *TraceLog) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func ReadTrace(r io.Reader) ([]TraceEvent, error) {
	dec := json.NewDecoder(r)
	var events []TraceEvent
	for {
		var e TraceEvent
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("trace line %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
}

func ReadTraceFile(path string) ([]TraceEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTrace(f)
}
