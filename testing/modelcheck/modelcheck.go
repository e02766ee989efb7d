// Package modelcheck explores every interleaving of a small Ricart-Agrawala
// group. Peers are algorithms.Machine values; the network is one FIFO queue
// per ordered pair of peers. At every reachable state the checker verifies
// mutual exclusion, request priority and deferral bookkeeping, and every
// terminal state must have served all requests.
package modelcheck

import (
	"errors"
	"fmt"
	"strings"

	"github.com/distcodep7/ramutex/algorithms"
)

var ErrStateLimit = errors.New("state limit reached")

type Config struct {
	Seeds []algorithms.Timestamp
	// Requests is how many times each peer enters the critical section.
	Requests int
	// MaxStates bounds the search; zero means 1,000,000.
	MaxStates int
}

type Report struct {
	States      int
	Transitions int
	Terminal    int
	MaxDeferred int
}

type world struct {
	peers     []*algorithms.Machine
	channels  [][][]algorithms.Message // channels[from][to]
	remaining []int
	entries   []int
}

func (w *world) clone() *world {
	c := &world{
		peers:     make([]*algorithms.Machine, len(w.peers)),
		channels:  make([][][]algorithms.Message, len(w.channels)),
		remaining: append([]int(nil), w.remaining...),
		entries:   append([]int(nil), w.entries...),
	}
	for i, p := range w.peers {
		c.peers[i] = p.Clone()
	}
	for i, row := range w.channels {
		c.channels[i] = make([][]algorithms.Message, len(row))
		for j, q := range row {
			c.channels[i][j] = append([]algorithms.Message(nil), q...)
		}
	}
	return c
}

func (w *world) key() string {
	var b strings.Builder
	for i, p := range w.peers {
		fmt.Fprintf(&b, "%s|%d|", p.Key(), w.remaining[i])
	}
	for i, row := range w.channels {
		for j, q := range row {
			if len(q) == 0 {
				continue
			}
			fmt.Fprintf(&b, "%d>%d:", i, j)
			for _, m := range q {
				if r, ok := m.(algorithms.RequestMessage); ok {
					fmt.Fprintf(&b, "Q%d,", r.Timestamp)
				} else {
					b.WriteString("P,")
				}
			}
		}
	}
	return b.String()
}

func (w *world) post(from algorithms.PeerID, out []algorithms.Outbound) {
	for _, o := range out {
		w.channels[from][o.To] = append(w.channels[from][o.To], o.Msg)
	}
}

type step struct {
	desc  string
	apply func(w *world) error
}

func (w *world) steps() []step {
	var out []step
	for i, p := range w.peers {
		id := algorithms.PeerID(i)
		switch {
		case p.State() == algorithms.Idle && w.remaining[i] > 0:
			out = append(out, step{fmt.Sprintf("%d requests", i), func(w *world) error {
				msgs, err := w.peers[id].Request()
				if err != nil {
					return err
				}
				w.remaining[id]--
				w.post(id, msgs)
				if w.peers[id].State() == algorithms.Held {
					w.entries[id]++
				}
				return nil
			}})
		case p.State() == algorithms.Held:
			out = append(out, step{fmt.Sprintf("%d releases", i), func(w *world) error {
				msgs, err := w.peers[id].Release()
				if err != nil {
					return err
				}
				w.post(id, msgs)
				return nil
			}})
		}
	}
	for from, row := range w.channels {
		for to, q := range row {
			if len(q) == 0 {
				continue
			}
			f, t := algorithms.PeerID(from), algorithms.PeerID(to)
			out = append(out, step{fmt.Sprintf("%d delivers %s from %d", to, q[0].Kind(), from), func(w *world) error {
				msg := w.channels[f][t][0]
				w.channels[f][t] = w.channels[f][t][1:]
				before := w.peers[t].State()
				msgs, err := w.peers[t].Handle(msg)
				if err != nil {
					return err
				}
				w.post(t, msgs)
				if before != algorithms.Held && w.peers[t].State() == algorithms.Held {
					w.entries[t]++
				}
				return nil
			}})
		}
	}
	return out
}

// check verifies the invariants that hold in every reachable state.
func (w *world) check() error {
	holder := -1
	for i, p := range w.peers {
		if p.State() != algorithms.Held {
			continue
		}
		if holder >= 0 {
			return fmt.Errorf("peers %d and %d both hold the critical section", holder, i)
		}
		holder = i
	}
	if holder >= 0 {
		h := w.peers[holder]
		for j, p := range w.peers {
			if p.State() != algorithms.Requesting {
				continue
			}
			if algorithms.Precedes(p.Timestamp(), algorithms.PeerID(j), h.Timestamp(), h.Self()) {
				return fmt.Errorf("peer %d holds with (%d,%d) ahead of earlier request (%d,%d)",
					holder, h.Timestamp(), holder, p.Timestamp(), j)
			}
		}
	}
	for i, p := range w.peers {
		if p.State() == algorithms.Idle && len(p.Deferred()) > 0 {
			return fmt.Errorf("idle peer %d still defers %v", i, p.Deferred())
		}
		if p.State() == algorithms.Held && p.OutstandingReplies() != 0 {
			return fmt.Errorf("peer %d holds while owed %v", i, p.Owed())
		}
	}
	return nil
}

func (w *world) checkTerminal() error {
	for i, p := range w.peers {
		if p.State() != algorithms.Idle || w.remaining[i] != 0 {
			return fmt.Errorf("deadlock: peer %d is %s with %d requests left, owed %v",
				i, p.State(), w.remaining[i], p.Owed())
		}
	}
	for i, row := range w.channels {
		for j, q := range row {
			if len(q) > 0 {
				return fmt.Errorf("terminal state with %d messages from %d to %d", len(q), i, j)
			}
		}
	}
	return nil
}

func newWorld(cfg Config) (*world, error) {
	n := len(cfg.Seeds)
	w := &world{
		channels:  make([][][]algorithms.Message, n),
		remaining: make([]int, n),
		entries:   make([]int, n),
	}
	for i, seed := range cfg.Seeds {
		m, err := algorithms.NewMachine(algorithms.PeerID(i), n, seed)
		if err != nil {
			return nil, err
		}
		w.peers = append(w.peers, m)
		w.channels[i] = make([][]algorithms.Message, n)
		w.remaining[i] = cfg.Requests
	}
	return w, nil
}

// Explore runs a depth-first search over every reachable state. The first
// violation is returned together with the path of steps that led to it.
func Explore(cfg Config) (*Report, error) {
	if cfg.Requests < 1 {
		return nil, fmt.Errorf("requests must be positive, got %d", cfg.Requests)
	}
	limit := cfg.MaxStates
	if limit == 0 {
		limit = 1_000_000
	}
	start, err := newWorld(cfg)
	if err != nil {
		return nil, err
	}

	rep := &Report{}
	seen := map[string]bool{}
	var path []string

	var visit func(w *world) error
	visit = func(w *world) error {
		k := w.key()
		if seen[k] {
			return nil
		}
		seen[k] = true
		rep.States++
		if rep.States > limit {
			return ErrStateLimit
		}
		if err := w.check(); err != nil {
			return err
		}
		for _, p := range w.peers {
			if d := len(p.Deferred()); d > rep.MaxDeferred {
				rep.MaxDeferred = d
			}
		}

		steps := w.steps()
		if len(steps) == 0 {
			rep.Terminal++
			return w.checkTerminal()
		}
		for _, s := range steps {
			next := w.clone()
			if err := s.apply(next); err != nil {
				return fmt.Errorf("%s: %w", s.desc, err)
			}
			rep.Transitions++
			path = append(path, s.desc)
			if err := visit(next); err != nil {
				return err
			}
			path = path[:len(path)-1]
		}
		return nil
	}

	if err := visit(start); err != nil {
		return rep, fmt.Errorf("after [%s]: %w", strings.Join(path, ", "), err)
	}
	return rep, nil
}
