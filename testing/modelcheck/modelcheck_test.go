package modelcheck

import (
	"errors"
	"testing"

	"github.com/distcodep7/ramutex/algorithms"
)

func TestExploreSmallGroups(t *testing.T) {
	cases := []struct {
		name     string
		seeds    []algorithms.Timestamp
		requests int
	}{
		{name: "single peer", seeds: []algorithms.Timestamp{0}, requests: 2},
		{name: "two peers twice", seeds: []algorithms.Timestamp{0, 0}, requests: 2},
		{name: "skewed seeds", seeds: []algorithms.Timestamp{5, 3, 3}, requests: 1},
		{name: "equal seeds", seeds: []algorithms.Timestamp{1, 1, 1}, requests: 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rep, err := Explore(Config{Seeds: c.seeds, Requests: c.requests})
			if err != nil {
				t.Fatal(err)
			}
			if rep.Terminal == 0 || rep.States < 2 {
				t.Fatalf("search did not run: %+v", rep)
			}
			t.Logf("%d states, %d transitions, %d terminal, max deferred %d",
				rep.States, rep.Transitions, rep.Terminal, rep.MaxDeferred)
		})
	}
}

func TestExploreFindsDeferrals(t *testing.T) {
	rep, err := Explore(Config{Seeds: []algorithms.Timestamp{0, 0, 0}, Requests: 1})
	if err != nil {
		t.Fatal(err)
	}
	if rep.MaxDeferred != 2 {
		t.Fatalf("max deferred %d, want 2", rep.MaxDeferred)
	}
}

func TestExploreStateLimit(t *testing.T) {
	_, err := Explore(Config{Seeds: []algorithms.Timestamp{0, 0, 0}, Requests: 1, MaxStates: 10})
	if !errors.Is(err, ErrStateLimit) {
		t.Fatalf("got %v, want ErrStateLimit", err)
	}
	if _, err := Explore(Config{Seeds: []algorithms.Timestamp{0}}); err == nil {
		t.Fatal("accepted zero requests")
	}
}

func TestCheckCatchesDoubleHolder(t *testing.T) {
	w, _ := newWorld(Config{Seeds: []algorithms.Timestamp{0, 0}, Requests: 1})
	// Grant both peers the section by hand, as a broken engine would.
	for id := range w.peers {
		w.peers[id].Request()
		other := algorithms.PeerID(1 - id)
		w.peers[id].HandleReply(algorithms.ReplyMessage{Sender: other})
	}
	if err := w.check(); err == nil {
		t.Fatal("two holders accepted")
	}
}

func TestScheduleEntryOrder(t *testing.T) {
	cases := []struct {
		name       string
		seeds      []algorithms.Timestamp
		requesters []algorithms.PeerID
		want       []algorithms.PeerID
	}{
		{name: "lowest timestamp first", seeds: []algorithms.Timestamp{5, 3, 3}, requesters: []algorithms.PeerID{0, 1, 2}, want: []algorithms.PeerID{1, 2, 0}},
		{name: "ties by id", seeds: []algorithms.Timestamp{1, 1, 1}, requesters: []algorithms.PeerID{2, 1, 0}, want: []algorithms.PeerID{0, 1, 2}},
		{name: "no contention", seeds: []algorithms.Timestamp{0, 0, 0}, requesters: []algorithms.PeerID{1}, want: []algorithms.PeerID{1}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Schedule(c.seeds, c.requesters...)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(c.want) {
				t.Fatalf("entered %v, want %v", got, c.want)
			}
			for i := range c.want {
				if got[i] != c.want[i] {
					t.Fatalf("entered %v, want %v", got, c.want)
				}
			}
		})
	}
}

func TestScheduleRejectsUnknownPeer(t *testing.T) {
	if _, err := Schedule([]algorithms.Timestamp{0}, 3); !errors.Is(err, algorithms.ErrUnknownPeer) {
		t.Fatalf("got %v", err)
	}
}
