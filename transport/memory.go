package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Handlers is what a node registers with a MemoryNetwork to receive
// RPCs addressed to it, mirroring the three PeerTransport operations.
type Handlers struct {
	AppendEntries func(ctx context.Context, from string, req AppendEntriesRequest) (AppendEntriesResponse, error)
	RequestVote   func(ctx context.Context, from string, req RequestVoteRequest) (RequestVoteResponse, error)
	Inform        func(ctx context.Context, from string, req InformRequest) error
}

// LinkFault describes the fault injection applied to messages sent
// from one node to another.
type LinkFault struct {
	DropProbability  float64
	ExtraDelay       time.Duration
	ReorderProbability float64
}

// MemoryNetwork is an in-memory PeerTransport substrate shared by every
// node in a test cluster. It can drop, delay or reorder messages
// between any ordered pair of nodes, per the design note calling for
// an in-memory Transport that tests can use to simulate partitions.
type MemoryNetwork struct {
	mu       sync.Mutex
	handlers map[string]Handlers
	faults   map[[2]string]LinkFault
	rand     *rand.Rand
}

// NewMemoryNetwork creates an empty network; nodes Register themselves
// before any transport built against this network can reach them.
func NewMemoryNetwork(seed int64) *MemoryNetwork {
	return &MemoryNetwork{
		handlers: map[string]Handlers{},
		faults:   map[[2]string]LinkFault{},
		rand:     rand.New(rand.NewSource(seed)),
	}
}

// Register installs a node's handlers under id.
func (n *MemoryNetwork) Register(id string, h Handlers) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Unregister removes a node, simulating it being permanently gone.
func (n *MemoryNetwork) Unregister(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

// SetFault configures message loss/delay/reordering for messages sent
// from 'from' to 'to'. An empty LinkFault restores a perfect link.
func (n *MemoryNetwork) SetFault(from, to string, f LinkFault) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults[[2]string{from, to}] = f
}

// Partition is a convenience that drops all traffic in both directions
// between a and b.
func (n *MemoryNetwork) Partition(a, b string) {
	n.SetFault(a, b, LinkFault{DropProbability: 1})
	n.SetFault(b, a, LinkFault{DropProbability: 1})
}

// Heal removes any fault between a and b in both directions.
func (n *MemoryNetwork) Heal(a, b string) {
	n.SetFault(a, b, LinkFault{})
	n.SetFault(b, a, LinkFault{})
}

var errDropped = errors.New("transport: message dropped")

func (n *MemoryNetwork) apply(from, to string) (drop bool, delay time.Duration) {
	n.mu.Lock()
	f := n.faults[[2]string{from, to}]
	r := n.rand
	n.mu.Unlock()
	if f.DropProbability > 0 && r.Float64() < f.DropProbability {
		return true, 0
	}
	d := f.ExtraDelay
	if f.ReorderProbability > 0 && r.Float64() < f.ReorderProbability {
		d += time.Duration(r.Intn(20)) * time.Millisecond
	}
	return false, d
}

func (n *MemoryNetwork) handlerFor(id string) (Handlers, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.handlers[id]
	return h, ok
}

// MemoryTransport is the PeerTransport a single node uses to talk
// through a shared MemoryNetwork.
type MemoryTransport struct {
	self    string
	network *MemoryNetwork
}

// NewMemoryTransport builds the PeerTransport node self uses against
// network.
func NewMemoryTransport(self string, network *MemoryNetwork) *MemoryTransport {
	return &MemoryTransport{self: self, network: network}
}

func (t *MemoryTransport) deliver(ctx context.Context, peer Peer, fn func(Handlers) error) error {
	drop, delay := t.network.apply(t.self, peer.ID)
	if drop {
		return errDropped
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h, ok := t.network.handlerFor(peer.ID)
	if !ok {
		return errors.New("transport: unknown peer " + peer.ID)
	}
	return fn(h)
}

// SendAppendEntries implements PeerTransport.
func (t *MemoryTransport) SendAppendEntries(ctx context.Context, peer Peer, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	err := t.deliver(ctx, peer, func(h Handlers) error {
		if h.AppendEntries == nil {
			return errors.New("transport: peer has no AppendEntries handler")
		}
		r, err := h.AppendEntries(ctx, t.self, req)
		resp = r
		return err
	})
	return resp, err
}

// SendRequestVote implements PeerTransport.
func (t *MemoryTransport) SendRequestVote(ctx context.Context, peer Peer, req RequestVoteRequest) (RequestVoteResponse, error) {
	var resp RequestVoteResponse
	err := t.deliver(ctx, peer, func(h Handlers) error {
		if h.RequestVote == nil {
			return errors.New("transport: peer has no RequestVote handler")
		}
		r, err := h.RequestVote(ctx, t.self, req)
		resp = r
		return err
	})
	return resp, err
}

// SendInform implements PeerTransport.
func (t *MemoryTransport) SendInform(ctx context.Context, peer Peer, req InformRequest) error {
	return t.deliver(ctx, peer, func(h Handlers) error {
		if h.Inform == nil {
			return errors.New("transport: peer has no Inform handler")
		}
		return h.Inform(ctx, t.self, req)
	})
}

var _ PeerTransport = (*MemoryTransport)(nil)
