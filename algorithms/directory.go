package algorithms

import "fmt"

// PeerDirectory maps peer ids to the node names used on the network. It is
// fixed at startup.
type PeerDirectory struct {
	names []string
	ids   map[string]PeerID
}

func NewPeerDirectory(names ...string) (*PeerDirectory, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("peer directory needs at least one peer")
	}
	d := &PeerDirectory{
		names: append([]string(nil), names...),
		ids:   make(map[string]PeerID, len(names)),
	}
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("peer %d has an empty name", i)
		}
		if _, dup := d.ids[name]; dup {
			return nil, fmt.Errorf("peer name %q listed twice", name)
		}
		d.ids[name] = PeerID(i)
	}
	return d, nil
}

// DefaultDirectory names peers N0 .. N{n-1}.
func DefaultDirectory(n int) (*PeerDirectory, error) {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("N%d", i)
	}
	return NewPeerDirectory(names...)
}

func (d *PeerDirectory) Len() int {
	return len(d.names)
}

func (d *PeerDirectory) Name(id PeerID) (string, error) {
	if id < 0 || int(id) >= len(d.names) {
		return "", fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	return d.names[id], nil
}

func (d *PeerDirectory) ID(name string) (PeerID, error) {
	id, ok := d.ids[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPeer, name)
	}
	return id, nil
}

// Names returns every node name in id order.
func (d *PeerDirectory) Names() []string {
	return append([]string(nil), d.names...)
}

// Others lists every peer except self.
func (d *PeerDirectory) Others(self PeerID) []PeerID {
	out := make([]PeerID, 0, len(d.names))
	for i := range d.names {
		if PeerID(i) != self {
			out = append(out, PeerID(i))
		}
	}
	return out
}
