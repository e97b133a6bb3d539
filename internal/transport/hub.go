package transport

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-process mesh: every endpoint created from the same hub
// shares its topics. It backs the multi-node boundary tests and
// standalone (single-process) operation.
type Hub struct {
	mu     sync.RWMutex
	topics map[[32]byte]map[*hubSub]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{topics: make(map[[32]byte]map[*hubSub]struct{})}
}

// Endpoint creates a transport bound to this hub with the given node
// identity.
func (h *Hub) Endpoint(nodeID string) Transport {
	return &hubEndpoint{hub: h, nodeID: nodeID}
}

type hubEndpoint struct {
	hub    *Hub
	nodeID string

	mu   sync.Mutex
	subs []*hubSub
}

func (e *hubEndpoint) NodeID() string { return e.nodeID }

func (e *hubEndpoint) Addrs() []string { return nil }

func (e *hubEndpoint) Subscribe(_ context.Context, topic [32]byte) (Subscription, error) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("transport: hub closed")
	}

	sub := &hubSub{
		hub:   h,
		topic: topic,
		from:  e.nodeID,
		ch:    make(chan Inbound, recvBuffer),
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*hubSub]struct{})
	}
	h.topics[topic][sub] = struct{}{}

	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
	return sub, nil
}

func (e *hubEndpoint) Close() error {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

type hubSub struct {
	hub   *Hub
	topic [32]byte
	from  string
	ch    chan Inbound

	closeOnce sync.Once
}

func (s *hubSub) Broadcast(_ context.Context, payload []byte) error {
	h := s.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return fmt.Errorf("transport: hub closed")
	}

	frame := Inbound{From: s.from, Payload: payload}
	for peer := range h.topics[s.topic] {
		if peer == s {
			continue
		}
		select {
		case peer.ch <- frame:
		default:
			// Slow receiver: drop rather than block the mesh.
		}
	}
	return nil
}

func (s *hubSub) Recv() <-chan Inbound { return s.ch }

func (s *hubSub) Close() error {
	s.closeOnce.Do(func() {
		h := s.hub
		h.mu.Lock()
		if peers, ok := h.topics[s.topic]; ok {
			delete(peers, s)
			if len(peers) == 0 {
				delete(h.topics, s.topic)
			}
		}
		h.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// Close tears down the hub and every subscription on it.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*hubSub
	for _, peers := range h.topics {
		for s := range peers {
			all = append(all, s)
		}
	}
	h.topics = make(map[[32]byte]map[*hubSub]struct{})
	h.mu.Unlock()

	for _, s := range all {
		s.closeOnce.Do(func() { close(s.ch) })
	}
}
