package transport

import (
	"encoding/hex"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// relayFrame is the JSON message exchanged with a relay. Topic is the
// hex form of the 32-byte topic id; Payload carries the opaque gossip
// frame.
type relayFrame struct {
	Type    string `json:"type"` // "subscribe", "unsubscribe", "publish"
	Topic   string `json:"topic"`
	From    string `json:"from,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

var relayUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RelayServer is a rendezvous rebroadcaster: clients announce topic
// interest and the relay fans every published frame out to the
// topic's other subscribers. It inspects nothing beyond the topic —
// frame signing and policy stay end-to-end.
type RelayServer struct {
	mu     sync.RWMutex
	topics map[string]map[*relayConn]struct{}
}

func NewRelayServer() *RelayServer {
	return &RelayServer{topics: make(map[string]map[*relayConn]struct{})}
}

type relayConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	topics  map[string]struct{}
}

func (c *relayConn) send(f *relayFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// ServeHTTP upgrades the connection and relays frames until the
// client disconnects.
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &relayConn{conn: conn, topics: make(map[string]struct{})}
	defer s.drop(client)
	defer conn.Close()

	for {
		var frame relayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if !validTopic(frame.Topic) {
			continue
		}

		switch frame.Type {
		case "subscribe":
			s.subscribe(client, frame.Topic)
		case "unsubscribe":
			s.unsubscribe(client, frame.Topic)
		case "publish":
			s.publish(client, &frame)
		}
	}
}

func validTopic(topic string) bool {
	raw, err := hex.DecodeString(topic)
	return err == nil && len(raw) == 32
}

func (s *RelayServer) subscribe(c *relayConn, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[*relayConn]struct{})
	}
	s.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (s *RelayServer) unsubscribe(c *relayConn, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peers, ok := s.topics[topic]; ok {
		delete(peers, c)
		if len(peers) == 0 {
			delete(s.topics, topic)
		}
	}
	delete(c.topics, topic)
}

func (s *RelayServer) publish(from *relayConn, frame *relayFrame) {
	s.mu.RLock()
	var targets []*relayConn
	for peer := range s.topics[frame.Topic] {
		if peer != from {
			targets = append(targets, peer)
		}
	}
	s.mu.RUnlock()

	for _, peer := range targets {
		// Write errors surface on the peer's own read loop.
		_ = peer.send(frame)
	}
}

func (s *RelayServer) drop(c *relayConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic := range c.topics {
		if peers, ok := s.topics[topic]; ok {
			delete(peers, c)
			if len(peers) == 0 {
				delete(s.topics, topic)
			}
		}
	}
}
