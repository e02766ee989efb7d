package dsnet

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/distcodep7/ramutex/controller"
	dtesting "github.com/distcodep7/ramutex/testing"
	"github.com/distcodep7/ramutex/testutils"
)

type chatMessage struct {
	BaseMessage
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

func connectNodes(t *testing.T, ctrl *controller.Server, addr string, opts []Option, ids ...string) []*Node {
	t.Helper()

	nodes := make([]*Node, len(ids))
	for i, id := range ids {
		n, err := NewNode(id, addr, opts...)
		if err != nil {
			t.Fatalf("failed to connect %s: %v", id, err)
		}
		nodes[i] = n
		t.Cleanup(n.Close)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.WaitForNodes(ctx, ids...); err != nil {
		t.Fatalf("nodes did not register: %v", err)
	}
	return nodes
}

func recvEvent(t *testing.T, n *Node) Event {
	t.Helper()
	select {
	case ev := <-n.Inbound:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: timed out waiting for a message", n.ID)
	}
	return Event{}
}

func TestSendAndReceive(t *testing.T) {
	ctrl, lis := testutils.StartTestServer(t, controller.ControllerProps{})
	nodes := connectNodes(t, ctrl, lis.Addr().String(), nil, "nodeA", "nodeB")
	nodeA, nodeB := nodes[0], nodes[1]

	msg := chatMessage{BaseMessage: BaseMessage{From: "nodeA", To: "nodeB", Type: "chat"}, Text: "Hello from A to B"}
	if err := nodeA.Send(context.Background(), "nodeB", msg); err != nil {
		t.Fatalf("Failed to send message from A to B: %v", err)
	}

	ev := recvEvent(t, nodeB)
	if ev.From != "nodeA" || ev.Type != "chat" || ev.ID == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
	var got chatMessage
	if err := json.Unmarshal(ev.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Text != msg.Text {
		t.Fatalf("got %q, want %q", got.Text, msg.Text)
	}
	if ev.VectorClock["nodeA"] != 1 {
		t.Fatalf("expected sender clock 1, got %v", ev.VectorClock)
	}
}

func TestMessagesFromOneSenderArriveInOrder(t *testing.T) {
	ctrl, lis := testutils.StartTestServer(t, controller.ControllerProps{})
	nodes := connectNodes(t, ctrl, lis.Addr().String(), nil, "nodeA", "nodeB")
	nodeA, nodeB := nodes[0], nodes[1]

	const total = 200
	go func() {
		for i := 0; i < total; i++ {
			_ = nodeA.Send(context.Background(), "nodeB", chatMessage{BaseMessage: BaseMessage{Type: "chat"}, Seq: i})
		}
	}()

	for want := 0; want < total; want++ {
		ev := recvEvent(t, nodeB)
		var got chatMessage
		if err := json.Unmarshal(ev.Payload, &got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if got.Seq != want {
			t.Fatalf("message %d arrived at position %d", got.Seq, want)
		}
	}
}

func TestSendRequiresType(t *testing.T) {
	ctrl, lis := testutils.StartTestServer(t, controller.ControllerProps{})
	nodes := connectNodes(t, ctrl, lis.Addr().String(), nil, "nodeA")

	if err := nodes[0].Send(context.Background(), "nodeB", map[string]int{"seq": 1}); err == nil {
		t.Fatalf("expected an error for a message without type")
	}
	if err := nodes[0].Send(context.Background(), "nodeB", make(chan int)); err == nil {
		t.Fatalf("expected a marshal error")
	}
}

func TestServeDispatchesAndStops(t *testing.T) {
	ctrl, lis := testutils.StartTestServer(t, controller.ControllerProps{})
	nodes := connectNodes(t, ctrl, lis.Addr().String(), nil, "nodeA", "nodeB")
	nodeA, nodeB := nodes[0], nodes[1]

	var mu sync.Mutex
	var texts []string
	var unknown []string

	mux := NewMux()
	On(mux, "chat", func(ctx context.Context, from string, msg chatMessage) error {
		mu.Lock()
		defer mu.Unlock()
		texts = append(texts, from+":"+msg.Text)
		return nil
	})
	mux.HandleUnknown(func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		unknown = append(unknown, ev.Type)
		return nil
	})

	served := make(chan error, 1)
	go func() { served <- nodeB.Serve(context.Background(), mux) }()

	ctx := context.Background()
	_ = nodeA.Send(ctx, "nodeB", chatMessage{BaseMessage: BaseMessage{Type: "chat"}, Text: "one"})
	_ = nodeA.Send(ctx, "nodeB", chatMessage{BaseMessage: BaseMessage{Type: "gossip"}, Text: "two"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := len(texts) == 1 && len(unknown) == 1
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handlers not invoked: texts=%v unknown=%v", texts, unknown)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if texts[0] != "nodeA:one" || unknown[0] != "gossip" {
		t.Fatalf("unexpected dispatch: texts=%v unknown=%v", texts, unknown)
	}

	ctrl.Stop("nodeB")
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after STOP")
	}
	if err := nodeB.Send(ctx, "nodeA", chatMessage{BaseMessage: BaseMessage{Type: "chat"}}); err != ErrClosed {
		t.Fatalf("expected ErrClosed after STOP, got %v", err)
	}
}

func TestDispatchWithoutHandler(t *testing.T) {
	if err := NewMux().Dispatch(context.Background(), Event{Type: "chat"}); err == nil {
		t.Fatalf("expected an error for an unhandled type")
	}
}

func TestTraceRecordsCausality(t *testing.T) {
	var buf bytes.Buffer
	tl := dtesting.NewTraceLog(&buf)

	ctrl, lis := testutils.StartTestServer(t, controller.ControllerProps{})
	nodes := connectNodes(t, ctrl, lis.Addr().String(), []Option{WithTrace(tl)}, "nodeA", "nodeB")
	nodeA, nodeB := nodes[0], nodes[1]

	nodeA.Mark(dtesting.EvtTypeEnter, nil)
	nodeA.Mark(dtesting.EvtTypeExit, nil)
	if err := nodeA.Send(context.Background(), "nodeB", chatMessage{BaseMessage: BaseMessage{Type: "chat"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	recvEvent(t, nodeB)
	vc := nodeB.Mark(dtesting.EvtTypeEnter, map[string]string{"note": "after"})
	if vc["nodeA"] != 3 || vc["nodeB"] != 2 {
		t.Fatalf("unexpected clock after receive and mark: %v", vc)
	}

	nodeA.Close()
	nodeB.Close()

	events, err := dtesting.ReadTrace(&buf)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	var kinds []dtesting.EvtType
	for _, e := range events {
		kinds = append(kinds, e.EvtType)
	}
	want := []dtesting.EvtType{dtesting.EvtTypeEnter, dtesting.EvtTypeExit, dtesting.EvtTypeSend, dtesting.EvtTypeRecv, dtesting.EvtTypeEnter}
	if len(kinds) != len(want) {
		t.Fatalf("got events %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("got events %v, want %v", kinds, want)
		}
	}
	if events[3].Recorder() != "nodeB" || events[3].VectorClock["nodeA"] != 3 {
		t.Fatalf("receive not stamped with sender clock: %+v", events[3])
	}
}
