package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Relay is a Transport backed by a websocket relay server. The relay
// handles rendezvous and NAT traversal; frames remain opaque to it.
type Relay struct {
	nodeID string
	url    string
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*relaySub
	closed bool
}

// DialRelay connects to a relay at url (ws:// or wss://) with the
// given node identity.
func DialRelay(ctx context.Context, url, nodeID string) (*Relay, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing relay %s: %w", url, err)
	}
	r := &Relay{
		nodeID: nodeID,
		url:    url,
		conn:   conn,
		subs:   make(map[string]*relaySub),
	}
	go r.readLoop()
	return r, nil
}

func (r *Relay) NodeID() string { return r.nodeID }

// Addrs returns the relay URL; peers bootstrapping from a ticket dial
// the same relay.
func (r *Relay) Addrs() []string { return []string{r.url} }

func (r *Relay) write(f *relayFrame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(f)
}

func (r *Relay) Subscribe(_ context.Context, topic [32]byte) (Subscription, error) {
	key := hex.EncodeToString(topic[:])

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("transport: relay closed")
	}
	if existing, ok := r.subs[key]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	sub := &relaySub{relay: r, topic: key, ch: make(chan Inbound, recvBuffer)}
	r.subs[key] = sub
	r.mu.Unlock()

	if err := r.write(&relayFrame{Type: "subscribe", Topic: key}); err != nil {
		r.mu.Lock()
		delete(r.subs, key)
		r.mu.Unlock()
		return nil, fmt.Errorf("transport: subscribing to topic: %w", err)
	}
	return sub, nil
}

func (r *Relay) readLoop() {
	for {
		var frame relayFrame
		if err := r.conn.ReadJSON(&frame); err != nil {
			r.Close()
			return
		}
		if frame.Type != "publish" {
			continue
		}
		r.mu.Lock()
		sub, ok := r.subs[frame.Topic]
		r.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case sub.ch <- Inbound{From: frame.From, Payload: frame.Payload}:
		default:
			// Slow receiver: drop rather than stall the read loop.
		}
	}
}

func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*relaySub)
	r.mu.Unlock()

	for _, s := range subs {
		s.closeOnce.Do(func() { close(s.ch) })
	}
	return r.conn.Close()
}

type relaySub struct {
	relay *Relay
	topic string
	ch    chan Inbound

	closeOnce sync.Once
}

func (s *relaySub) Broadcast(_ context.Context, payload []byte) error {
	return s.relay.write(&relayFrame{
		Type:    "publish",
		Topic:   s.topic,
		From:    s.relay.nodeID,
		Payload: payload,
	})
}

func (s *relaySub) Recv() <-chan Inbound { return s.ch }

func (s *relaySub) Close() error {
	r := s.relay
	r.mu.Lock()
	delete(r.subs, s.topic)
	closed := r.closed
	r.mu.Unlock()

	if !closed {
		_ = r.write(&relayFrame{Type: "unsubscribe", Topic: s.topic})
	}
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}
