package dsnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"sync"
	"time"

	pb "github.com/distcodep7/ramutex/proto"
	"github.com/distcodep7/ramutex/testing"
	"github.com/google/uuid"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// ControllerID addresses the controller itself.
	ControllerID = "CTRL"
	// TypeHandshake registers a node with the controller.
	TypeHandshake = "HANDSHAKE"
	// TypeStop asks a node to stop receiving.
	TypeStop = "STOP"
)

// ErrClosed is returned by Send after the node has been closed or stopped.
var ErrClosed = errors.New("dsnet: node closed")

type BaseMessage struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

type Event struct {
	ID          string
	From        string
	To          string
	Type        string
	Payload     []byte
	VectorClock map[string]uint64
}

// Node is a peer's connection to the controller. Messages sent to one
// destination are delivered in send order; Inbound never drops.
type Node struct {
	ID string

	Inbound chan Event

	stream pb.NetworkController_StreamClient
	conn   *grpc.ClientConn
	wg     sync.WaitGroup

	// mu guards the vector clock and serialises stream sends so that stamp
	// order equals wire order.
	mu          sync.Mutex
	vectorClock map[string]uint64

	trace *testing.TraceLog

	closing   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
}

type Option func(*Node)

// WithTrace records every send, receive and mark on tl.
func WithTrace(tl *testing.TraceLog) Option {
	return func(n *Node) { n.trace = tl }
}

// WithInboundBuffer sets the capacity of the Inbound channel.
func WithInboundBuffer(size int) Option {
	return func(n *Node) { n.Inbound = make(chan Event, size) }
}

func NewNode(id string, controllerAddr string, opts ...Option) (*Node, error) {
	conn, err := grpc.NewClient(controllerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller at %s: %w", controllerAddr, err)
	}

	client := pb.NewNetworkControllerClient(conn)
	stream, err := client.Stream(context.Background())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	n := &Node{
		ID:          id,
		conn:        conn,
		stream:      stream,
		Inbound:     make(chan Event, 1024),
		vectorClock: map[string]uint64{id: 0},
		closing:     make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	if err := stream.Send(&pb.Envelope{
		Id:   uuid.NewString(),
		From: id,
		To:   ControllerID,
		Type: TypeHandshake,
	}); err != nil {
		n.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	n.wg.Add(1)
	go n.runRecvLoop()

	return n, nil
}

// Done is closed once the controller stops this node or the stream ends.
func (n *Node) Done() <-chan struct{} {
	return n.stopped
}

func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.closing)
		n.mu.Lock()
		n.stream.CloseSend()
		n.mu.Unlock()
		n.conn.Close()
		n.wg.Wait()
		close(n.Inbound)
	})
}

// Send marshals msg to JSON and routes it to dest. msg must carry a "type"
// field, usually by embedding BaseMessage.
func (n *Node) Send(ctx context.Context, dest string, msg interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payloadBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	var base BaseMessage
	if err := json.Unmarshal(payloadBytes, &base); err != nil {
		return fmt.Errorf("message must be valid JSON: %w", err)
	}
	if base.Type == "" {
		return fmt.Errorf("message to %s has no type", dest)
	}

	select {
	case <-n.closing:
		return ErrClosed
	case <-n.stopped:
		return ErrClosed
	default:
	}

	msgID := uuid.NewString()

	n.mu.Lock()
	defer n.mu.Unlock()

	n.vectorClock[n.ID]++
	envelope := &pb.Envelope{
		Id:      msgID,
		From:    n.ID,
		To:      dest,
		Type:    base.Type,
		Payload: string(payloadBytes),
		Vector:  n.toProtoVector(),
	}
	n.logEvent(testing.EvtTypeSend, msgID, base.Type, n.ID, dest, maps.Clone(n.vectorClock), payloadBytes)

	if err := n.stream.Send(envelope); err != nil {
		return fmt.Errorf("gRPC send failed: %w", err)
	}
	return nil
}

// Mark records a local event (such as entering the critical section) as a
// tick of this node's vector clock and returns the stamped clock.
func (n *Node) Mark(evtType testing.EvtType, detail interface{}) map[string]uint64 {
	var payload []byte
	if detail != nil {
		payload, _ = json.Marshal(detail)
	}

	n.mu.Lock()
	n.vectorClock[n.ID]++
	vc := maps.Clone(n.vectorClock)
	n.mu.Unlock()

	n.logEvent(evtType, "", "", n.ID, "", vc, payload)
	return vc
}

func (n *Node) stop() {
	n.stopOnce.Do(func() { close(n.stopped) })
}

func (n *Node) runRecvLoop() {
	defer n.wg.Done()
	defer n.stop()

	for {
		envelope, err := n.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			select {
			case <-n.closing:
			default:
				log.Printf("[%s] stream error: %v", n.ID, err)
			}
			return
		}

		if envelope.Type == TypeStop {
			return
		}

		n.mu.Lock()
		incomingVec := n.fromProtoVector(envelope.Vector)
		for id, val := range incomingVec {
			if val > n.vectorClock[id] {
				n.vectorClock[id] = val
			}
		}
		n.vectorClock[n.ID]++
		newClockState := maps.Clone(n.vectorClock)
		n.mu.Unlock()

		n.logEvent(testing.EvtTypeRecv, envelope.Id, envelope.Type, envelope.From, envelope.To, newClockState, []byte(envelope.Payload))

		select {
		case n.Inbound <- Event{
			ID:          envelope.Id,
			From:        envelope.From,
			To:          envelope.To,
			Type:        envelope.Type,
			Payload:     []byte(envelope.Payload),
			VectorClock: incomingVec,
		}:
		case <-n.closing:
			return
		}
	}
}

func (n *Node) logEvent(evtType testing.EvtType, msgID, msgType, from, to string, vc map[string]uint64, payload []byte) {
	if n.trace == nil {
		return
	}
	entry := testing.TraceEvent{
		ID:          uuid.NewString(),
		MessageID:   msgID,
		Timestamp:   time.Now().UnixNano(),
		EvtType:     evtType,
		MsgType:     msgType,
		From:        from,
		To:          to,
		VectorClock: vc,
	}
	if json.Valid(payload) {
		entry.Payload = json.RawMessage(payload)
	}
	if err := n.trace.Record(entry); err != nil {
		log.Printf("[%s] trace write failed: %v", n.ID, err)
	}
}

// toProtoVector must be called with mu held.
func (n *Node) toProtoVector() []*pb.VectorClockEntry {
	entries := make([]*pb.VectorClockEntry, 0, len(n.vectorClock))
	for id, c := range n.vectorClock {
		entries = append(entries, &pb.VectorClockEntry{Node: id, Counter: c})
	}
	pb.SortVector(entries)
	return entries
}

func (n *Node) fromProtoVector(entries []*pb.VectorClockEntry) map[string]uint64 {
	vec := make(map[string]uint64)
	for _, e := range entries {
		vec[e.Node] = e.Counter
	}
	return vec
}
