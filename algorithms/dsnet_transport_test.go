package algorithms

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/distcodep7/ramutex/controller"
	"github.com/distcodep7/ramutex/dsnet"
	"github.com/distcodep7/ramutex/testutils"
)

type dsnetPeer struct {
	node   *dsnet.Node
	mutex  *Mutex
	served chan error
}

func startDsnetPeers(t *testing.T, seeds ...Timestamp) (*controller.Server, *PeerDirectory, []*dsnetPeer) {
	t.Helper()
	ctrl, lis := testutils.StartTestServer(t, controller.ControllerProps{})
	dir, err := DefaultDirectory(len(seeds))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	peers := make([]*dsnetPeer, len(seeds))
	for i, seed := range seeds {
		name, _ := dir.Name(PeerID(i))
		node, err := dsnet.NewNode(name, lis.Addr().String())
		if err != nil {
			t.Fatalf("connect %s: %v", name, err)
		}
		t.Cleanup(node.Close)
		x, err := NewMutex(PeerID(i), len(seeds), seed, NewDsnetTransport(ctx, node, dir))
		if err != nil {
			t.Fatal(err)
		}
		p := &dsnetPeer{node: node, mutex: x, served: make(chan error, 1)}
		go func() { p.served <- Serve(ctx, node, x, dir) }()
		peers[i] = p
	}

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	if err := ctrl.WaitForNodes(wctx, dir.Names()...); err != nil {
		t.Fatal(err)
	}
	return ctrl, dir, peers
}

func TestMutexOverDsnet(t *testing.T) {
	const cycles = 3
	ctrl, dir, peers := startDsnetPeers(t, 5, 3, 3)

	cs := &testutils.CriticalSection{}
	var wg sync.WaitGroup
	for i, p := range peers {
		p := p
		name, _ := dir.Name(PeerID(i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := 0; c < cycles; c++ {
				err := WithCriticalSection(p.mutex, func() error {
					cs.Work(name, 5*time.Millisecond, nil)
					return nil
				})
				if err != nil {
					t.Errorf("%s: %v", name, err)
					return
				}
			}
		}()
	}
	waitAll(t, &wg, 30*time.Second)

	if cs.Violations() != 0 {
		t.Fatalf("%d overlapping entries", cs.Violations())
	}
	if cs.Value() != len(peers)*cycles {
		t.Fatalf("%d entries, want %d", cs.Value(), len(peers)*cycles)
	}

	ctrl.Stop(dir.Names()...)
	for _, p := range peers {
		select {
		case err := <-p.served:
			if err != nil {
				t.Fatalf("intake loop returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("intake loop still running after STOP")
		}
	}
}

func TestSpoofedSenderIsDropped(t *testing.T) {
	_, _, peers := startDsnetPeers(t, 0, 0, 0)

	// N1 sends a reply that claims to come from N2.
	spoof := json.RawMessage(`{"type":"REPLY","sender":2}`)
	if err := peers[1].node.Send(context.Background(), "N0", spoof); err != nil {
		t.Fatal(err)
	}
	garbage := json.RawMessage(`{"type":"REQUEST","sender":1}`)
	if err := peers[1].node.Send(context.Background(), "N0", garbage); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for peers[0].mutex.ProtocolErrors() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("protocol errors %d, want 2", peers[0].mutex.ProtocolErrors())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if peers[0].mutex.State() != Idle {
		t.Fatalf("N0 moved to %s", peers[0].mutex.State())
	}
}
