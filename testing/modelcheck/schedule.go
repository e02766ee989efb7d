package modelcheck

import (
	"fmt"

	"github.com/distcodep7/ramutex/algorithms"
)

// Schedule runs one deterministic execution: the listed peers request in
// order before any message moves, then messages are delivered in global send
// order and the holder releases whenever the network is quiet. It returns
// the order in which peers entered the critical section.
func Schedule(seeds []algorithms.Timestamp, requesters ...algorithms.PeerID) ([]algorithms.PeerID, error) {
	w, err := newWorld(Config{Seeds: seeds, Requests: 1})
	if err != nil {
		return nil, err
	}
	type link struct{ from, to algorithms.PeerID }
	var order []link
	post := func(from algorithms.PeerID, out []algorithms.Outbound) {
		for _, o := range out {
			order = append(order, link{from, o.To})
		}
		w.post(from, out)
	}

	var entered []algorithms.PeerID
	for _, id := range requesters {
		if int(id) < 0 || int(id) >= len(w.peers) {
			return nil, fmt.Errorf("%w: %d", algorithms.ErrUnknownPeer, id)
		}
		out, err := w.peers[id].Request()
		if err != nil {
			return nil, fmt.Errorf("peer %d request: %w", id, err)
		}
		post(id, out)
		if w.peers[id].State() == algorithms.Held {
			entered = append(entered, id)
		}
	}

	for {
		if err := w.check(); err != nil {
			return entered, err
		}
		if len(order) == 0 {
			holder := -1
			for i, p := range w.peers {
				if p.State() == algorithms.Held {
					holder = i
				}
			}
			if holder < 0 {
				break
			}
			out, err := w.peers[holder].Release()
			if err != nil {
				return entered, err
			}
			post(algorithms.PeerID(holder), out)
			continue
		}

		l := order[0]
		order = order[1:]
		msg := w.channels[l.from][l.to][0]
		w.channels[l.from][l.to] = w.channels[l.from][l.to][1:]
		before := w.peers[l.to].State()
		out, err := w.peers[l.to].Handle(msg)
		if err != nil {
			return entered, fmt.Errorf("peer %d: %w", l.to, err)
		}
		post(l.to, out)
		if before != algorithms.Held && w.peers[l.to].State() == algorithms.Held {
			entered = append(entered, l.to)
		}
	}

	for i, p := range w.peers {
		if p.State() != algorithms.Idle {
			return entered, fmt.Errorf("peer %d stuck in %s", i, p.State())
		}
	}
	return entered, nil
}
