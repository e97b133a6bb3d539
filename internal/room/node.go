package room

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"

	"github.com/felixgeelhaar/huddle/internal/identity"
	"github.com/felixgeelhaar/huddle/internal/observe"
	"github.com/felixgeelhaar/huddle/internal/protocol"
	"github.com/felixgeelhaar/huddle/internal/store"
	"github.com/felixgeelhaar/huddle/internal/transport"
)

// endpointSeedKey names the node-key row holding the transport
// endpoint seed.
const endpointSeedKey = "endpoint_seed"

// Node binds the transport endpoint, the store and the signer, and
// indexes the coordinators of every joined room by name. Coordinators
// hold no back-reference to the node.
type Node struct {
	user   string
	agent  string
	tr     transport.Transport
	st     store.Storage
	signer identity.Signer
	obs    *observe.Observer
	events *EventBus

	mu    sync.RWMutex
	rooms map[string]*Coordinator
}

// NewNode assembles a node from its collaborators.
func NewNode(user, agent string, tr transport.Transport, st store.Storage, signer identity.Signer, obs *observe.Observer) *Node {
	return &Node{
		user:   user,
		agent:  agent,
		tr:     tr,
		st:     st,
		signer: signer,
		obs:    obs,
		events: NewEventBus(),
		rooms:  make(map[string]*Coordinator),
	}
}

// Events exposes the coordinator event bus for observers.
func (n *Node) Events() *EventBus { return n.events }

// Identity returns the node's canonical signer label.
func (n *Node) Identity() string { return n.signer.Identity() }

// NodeID returns the transport endpoint identity.
func (n *Node) NodeID() string { return n.tr.NodeID() }

// Store exposes the local store for room-independent queries.
func (n *Node) Store() store.Storage { return n.st }

// EndpointSeed loads the persistent 32-byte endpoint seed from the
// store, creating it on first start, so the node identity survives
// restarts.
func EndpointSeed(st store.Storage) ([]byte, error) {
	seed, err := st.GetNodeKey(endpointSeedKey)
	if err != nil {
		return nil, fmt.Errorf("loading endpoint seed: %w", err)
	}
	if len(seed) == 32 {
		return seed, nil
	}
	seed = make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating endpoint seed: %w", err)
	}
	if err := st.SetNodeKey(endpointSeedKey, seed); err != nil {
		return nil, fmt.Errorf("persisting endpoint seed: %w", err)
	}
	return seed, nil
}

// JoinRoom subscribes to the room's topic, starts its coordinator and
// announces presence. Returns ErrAlreadyJoined when the node is a
// member; the existing ticket is still usable.
func (n *Node) JoinRoom(ctx context.Context, name string, ticket *protocol.Ticket) (*Coordinator, *protocol.Ticket, error) {
	if name == "" {
		return nil, nil, fmt.Errorf("%w: room name is empty", ErrBadArgument)
	}
	if ticket != nil && ticket.Room != name {
		return nil, nil, fmt.Errorf("%w: ticket is for room %q", protocol.ErrInvalidTicket, ticket.Room)
	}

	n.mu.Lock()
	if existing, ok := n.rooms[name]; ok {
		n.mu.Unlock()
		return existing, n.ticketFor(name), fmt.Errorf("%w: %s", ErrAlreadyJoined, name)
	}
	n.mu.Unlock()

	sub, err := n.tr.Subscribe(ctx, protocol.Topic(name))
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to room %s: %w", name, err)
	}

	coord, err := newCoordinator(ctx, name, sub, n)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}

	n.mu.Lock()
	if existing, ok := n.rooms[name]; ok {
		// Lost a join race; keep the winner.
		n.mu.Unlock()
		coord.close()
		return existing, n.ticketFor(name), fmt.Errorf("%w: %s", ErrAlreadyJoined, name)
	}
	n.rooms[name] = coord
	n.mu.Unlock()

	if err := coord.NotifyPeers(ctx, "joined"); err != nil {
		coord.log.Debug().Err(err).Msg("join announcement failed")
	}
	return coord, n.ticketFor(name), nil
}

func (n *Node) ticketFor(name string) *protocol.Ticket {
	return protocol.NewTicket(name, n.tr.Addrs())
}

// LeaveRoom cancels the room's coordinator and fails its in-flight
// waiters. Persisted state outlives the room.
func (n *Node) LeaveRoom(name string) error {
	n.mu.Lock()
	coord, ok := n.rooms[name]
	delete(n.rooms, name)
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	coord.close()
	return nil
}

// Room returns the coordinator for a joined room.
func (n *Node) Room(name string) (*Coordinator, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	coord, ok := n.rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	return coord, nil
}

// ListRooms returns the joined room names, sorted.
func (n *Node) ListRooms() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.rooms))
	for name := range n.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close leaves every room, then closes the transport and the store.
func (n *Node) Close() error {
	n.mu.Lock()
	rooms := n.rooms
	n.rooms = make(map[string]*Coordinator)
	n.mu.Unlock()

	for _, coord := range rooms {
		coord.close()
	}
	if err := n.tr.Close(); err != nil {
		return err
	}
	return n.st.Close()
}
