// Package transport supplies the gossip primitive the room layer is
// built on: subscribe to a 32-byte topic, broadcast opaque frames,
// receive frames from every other subscriber. Delivery is best
// effort; the application tolerates loss and never retries.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
)

// Inbound is one frame received on a topic.
type Inbound struct {
	From    string
	Payload []byte
}

// Subscription is a live membership in one topic.
type Subscription interface {
	// Broadcast sends a frame to every other subscriber of the topic.
	Broadcast(ctx context.Context, payload []byte) error

	// Recv yields inbound frames. The channel closes when the
	// subscription or its transport closes.
	Recv() <-chan Inbound

	Close() error
}

// Transport is the endpoint a node binds once at startup.
type Transport interface {
	// NodeID is the stable endpoint identity derived from the node
	// key.
	NodeID() string

	// Addrs are opaque bootstrap addresses other peers can dial,
	// suitable for embedding in room tickets.
	Addrs() []string

	Subscribe(ctx context.Context, topic [32]byte) (Subscription, error)

	Close() error
}

// DeriveNodeID maps a 32-byte endpoint seed to the public node
// identity: the hex form of the truncated digest of the derived
// ed25519 public key.
func DeriveNodeID(seed []byte) string {
	key := ed25519.NewKeyFromSeed(seed)
	sum := sha256.Sum256(key.Public().(ed25519.PublicKey))
	return hex.EncodeToString(sum[:16])
}

// recvBuffer bounds per-subscription delivery queues; frames beyond
// it are dropped rather than blocking the sender.
const recvBuffer = 64
