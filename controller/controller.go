package controller

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pb "github.com/distcodep7/ramutex/proto"
	"github.com/distcodep7/ramutex/testing"
	"github.com/google/uuid"
	"google.golang.org/grpc"
)

const (
	controllerID  = "CTRL"
	typeHandshake = "HANDSHAKE"
	typeStop      = "STOP"
)

// Event kinds published to observers.
const (
	KindRegister   = "Register"
	KindForward    = "Forward"
	KindDuplicate  = "Duplicate"
	KindUnknown    = "UnknownDestination"
	KindDisconnect = "Disconnect"
)

type ControllerEvent struct {
	Kind     string
	Env      *pb.Envelope
	RecvTime time.Time
}

type sender interface {
	SendEnvelope(*pb.Envelope) error
}

type Node struct {
	id     string
	stream pb.NetworkController_StreamServer
	sendMu sync.Mutex
	alive  atomic.Bool
}

// TestConfig enables fault injection. Only duplication is offered: the
// mutual exclusion protocol assumes reliable FIFO channels, so drops and
// reordering are outside what it can be tested against.
type TestConfig struct {
	DupeProb  float64
	DupeTypes []string // empty means every message type
	Seed      int64    // zero seeds from the wall clock
}

type ControllerProps struct {
	Logger Logger
	Config TestConfig
	Trace  *testing.TraceLog
}

// Server routes envelopes between registered nodes. Each node's inbound
// stream is read by one goroutine that forwards synchronously, so messages
// from one sender to one destination keep their order.
type Server struct {
	pb.UnimplementedNetworkControllerServer

	mu      sync.Mutex
	nodes   map[string]*Node
	senders map[string]sender
	changed chan struct{}
	rng     *rand.Rand
	rngMu   sync.Mutex

	obsMu     sync.RWMutex
	observers map[chan<- *ControllerEvent]struct{}

	testConfig TestConfig
	logger     Logger
	trace      *testing.TraceLog
}

func NewServer(props ControllerProps) *Server {
	logger := props.Logger
	if logger == nil {
		logger = log.Default()
	}
	seed := props.Config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Server{
		nodes:      make(map[string]*Node),
		senders:    make(map[string]sender),
		changed:    make(chan struct{}),
		observers:  make(map[chan<- *ControllerEvent]struct{}),
		rng:        rand.New(rand.NewSource(seed)),
		testConfig: props.Config,
		logger:     logger,
		trace:      props.Trace,
	}
}

func (n *Node) send(env *pb.Envelope) error {
	if !n.alive.Load() {
		return fmt.Errorf("receiver node %s is gone", n.id)
	}
	return n.SendEnvelope(env)
}

func (n *Node) SendEnvelope(env *pb.Envelope) error {
	if n.stream == nil {
		return fmt.Errorf("node stream not initialized")
	}
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	return n.stream.Send(env)
}

func (s *Server) Stream(stream pb.NetworkController_StreamServer) error {
	firstMsg, err := stream.Recv()
	if err != nil {
		return err
	}
	if firstMsg.Type != typeHandshake {
		return fmt.Errorf("expected %s from %s, got %s", typeHandshake, firstMsg.From, firstMsg.Type)
	}

	nodeID := firstMsg.From
	n := &Node{
		id:     nodeID,
		stream: stream,
	}
	n.alive.Store(true)

	s.mu.Lock()
	if old, exists := s.nodes[nodeID]; exists {
		old.alive.Store(false)
	}
	s.nodes[nodeID] = n
	s.senders[nodeID] = n
	s.notifyChangedLocked()
	s.mu.Unlock()

	s.logger.Printf("[CTRL] Node Registered: %s", nodeID)
	s.publish(KindRegister, firstMsg)

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			s.removeNode(n)
			return nil
		}
		if err != nil {
			s.removeNode(n)
			return err
		}

		if msg.To == controllerID {
			continue
		}
		s.forward(msg)
	}
}

func (s *Server) forward(msg *pb.Envelope) {
	s.mu.Lock()
	target, ok := s.nodes[msg.To]
	s.mu.Unlock()

	if !ok {
		s.logger.Printf("[ERR] Unknown destination: %s -> %s", msg.From, msg.To)
		s.publish(KindUnknown, msg)
		return
	}

	if err := target.send(msg); err != nil {
		s.logger.Printf("[ERR] send failed: %v", err)
		return
	}
	s.publish(KindForward, msg)

	if s.shouldDuplicate(msg) {
		if err := s.duplicateMessage(msg); err != nil {
			s.logger.Printf("[DUPE ERR] %v", err)
		}
	}
}

func (s *Server) removeNode(n *Node) {
	n.alive.Store(false)

	s.mu.Lock()
	current, exists := s.nodes[n.id]
	if exists && current == n {
		delete(s.nodes, n.id)
		delete(s.senders, n.id)
		s.notifyChangedLocked()
	}
	s.mu.Unlock()

	s.logger.Printf("[CTRL] Node Disconnected: %s", n.id)
	s.publish(KindDisconnect, &pb.Envelope{From: n.id, To: controllerID})
}

// notifyChangedLocked wakes WaitForNodes callers. s.mu must be held.
func (s *Server) notifyChangedLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Registered reports whether a node with the given id is connected.
func (s *Server) Registered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[id]
	return ok
}

// WaitForNodes blocks until every listed node has registered.
func (s *Server) WaitForNodes(ctx context.Context, ids ...string) error {
	for {
		s.mu.Lock()
		missing := ""
		for _, id := range ids {
			if _, ok := s.nodes[id]; !ok {
				missing = id
				break
			}
		}
		changed := s.changed
		s.mu.Unlock()

		if missing == "" {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for node %s: %w", missing, ctx.Err())
		}
	}
}

// InjectEnvelope routes env as if its sender had sent it.
func (s *Server) InjectEnvelope(env *pb.Envelope) error {
	if env.From == "" || env.Type == "" {
		return fmt.Errorf("injected envelope needs a sender and a type")
	}
	if !s.Registered(env.To) {
		return fmt.Errorf("unknown destination %s", env.To)
	}
	if env.Id == "" {
		env.Id = uuid.NewString()
	}
	s.forward(env)
	return nil
}

// Stop tells the listed nodes to stop receiving.
func (s *Server) Stop(ids ...string) {
	for _, id := range ids {
		s.mu.Lock()
		target, ok := s.nodes[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := target.send(&pb.Envelope{From: controllerID, To: id, Type: typeStop}); err != nil {
			s.logger.Printf("[ERR] stop %s: %v", id, err)
		}
	}
}

// RegisterObserver subscribes ch to every controller event. Delivery blocks,
// so observers must drain their channel until unregistered.
func (s *Server) RegisterObserver(ch chan<- *ControllerEvent) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers[ch] = struct{}{}
}

func (s *Server) UnregisterObserver(ch chan<- *ControllerEvent) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	delete(s.observers, ch)
}

func (s *Server) publish(kind string, env *pb.Envelope) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	if len(s.observers) == 0 {
		return
	}
	ev := &ControllerEvent{Kind: kind, Env: env, RecvTime: time.Now()}
	for ch := range s.observers {
		ch <- ev
	}
}

// Serve listens on addr and blocks serving the controller.
func Serve(addr string, props ControllerProps) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv := NewServer(props)

	grpcServer := grpc.NewServer()
	pb.RegisterNetworkControllerServer(grpcServer, srv)
	srv.logger.Printf("Controller listening on %s...", lis.Addr())

	return grpcServer.Serve(lis)
}
