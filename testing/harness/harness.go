package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ctrl "github.com/distcodep7/ramutex/controller"
	pb "github.com/distcodep7/ramutex/proto"
)

// Observation is a normalized, easy-to-query view of a controller event.
type Observation struct {
	Kind     string // copy of ControllerEvent.Kind
	ID       string
	From     string
	To       string
	Type     string // Envelope.Type
	Payload  []byte // Envelope.Payload as raw bytes
	Vector   map[string]uint64
	Time     time.Time
	RawEvent *ctrl.ControllerEvent
}

// Harness subscribes to controller events, retains them as a trace, and
// provides helpers to inject triggers and query the trace.
type Harness struct {
	Ctrl    *ctrl.Server
	events  chan *ctrl.ControllerEvent
	done    chan struct{}
	traceMu sync.RWMutex
	trace   []*Observation
	closed  atomic.Bool
}

const defaultEventBuf = 4096

// NewHarness registers an observer channel on the controller. eventsBuf
// controls how many controller events are buffered.
func NewHarness(ctrlSrv *ctrl.Server, eventsBuf int) *Harness {
	if eventsBuf <= 0 {
		eventsBuf = defaultEventBuf
	}
	h := &Harness{
		Ctrl:   ctrlSrv,
		events: make(chan *ctrl.ControllerEvent, eventsBuf),
		done:   make(chan struct{}),
		trace:  make([]*Observation, 0, 1024),
	}
	ctrlSrv.RegisterObserver(h.events)
	go h.loop()
	return h
}

// Close unregisters the observer. The trace stays readable.
func (h *Harness) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.Ctrl.UnregisterObserver(h.events)
	close(h.events)
	<-h.done
}

func (h *Harness) loop() {
	defer close(h.done)
	for ev := range h.events {
		if ev == nil {
			continue
		}
		obs := &Observation{
			Kind:     ev.Kind,
			Time:     ev.RecvTime,
			RawEvent: ev,
		}
		if ev.Env != nil {
			obs.ID = ev.Env.Id
			obs.From = ev.Env.From
			obs.To = ev.Env.To
			obs.Type = ev.Env.Type
			obs.Payload = []byte(ev.Env.Payload)
			obs.Vector = make(map[string]uint64, len(ev.Env.Vector))
			for _, e := range ev.Env.Vector {
				obs.Vector[e.Node] = e.Counter
			}
		}
		h.traceMu.Lock()
		h.trace = append(h.trace, obs)
		h.traceMu.Unlock()
	}
}

// SnapshotTrace returns a copy of the current trace.
func (h *Harness) SnapshotTrace() []*Observation {
	h.traceMu.RLock()
	defer h.traceMu.RUnlock()
	out := make([]*Observation, len(h.trace))
	copy(out, h.trace)
	return out
}

// Inject marshals payload and routes it through the controller as if from
// had sent it.
func (h *Harness) Inject(ctx context.Context, from, to, typ string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return h.Ctrl.InjectEnvelope(&pb.Envelope{
		From:    from,
		To:      to,
		Type:    typ,
		Payload: string(b),
	})
}

// WaitFor waits up to timeout for an observation matching pred and returns
// it, or nil on timeout.
func (h *Harness) WaitFor(ctx context.Context, timeout time.Duration, pred func(*Observation) bool) *Observation {
	ctx2, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, o := range h.SnapshotTrace() {
			if pred(o) {
				return o
			}
		}
		select {
		case <-ctx2.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Count returns the number of observations matching pred.
func (h *Harness) Count(pred func(*Observation) bool) int {
	n := 0
	for _, o := range h.SnapshotTrace() {
		if pred(o) {
			n++
		}
	}
	return n
}
