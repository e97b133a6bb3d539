// Package protocol defines the gossip frames exchanged on a room
// topic: a signed envelope around one of a fixed set of body
// variants, serialized with deterministic CBOR. The variant set is
// add-only; receivers ignore kinds they do not know.
package protocol

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/huddle/internal/identity"
	"github.com/felixgeelhaar/huddle/internal/memory"
	"github.com/felixgeelhaar/huddle/internal/skill"
)

// Kind names a message body variant.
type Kind string

const (
	KindNotify              Kind = "notify"
	KindMemoryCreated       Kind = "memory_created"
	KindSearchRequest       Kind = "search_request"
	KindSearchResponse      Kind = "search_response"
	KindTaskRequest         Kind = "task_request"
	KindTaskAccepted        Kind = "task_accepted"
	KindTaskResponse        Kind = "task_response"
	KindSkillPublished      Kind = "skill_published"
	KindSkillVoteCast       Kind = "skill_vote_cast"
	KindSkillSearchRequest  Kind = "skill_search_request"
	KindSkillSearchResponse Kind = "skill_search_response"
)

// Header identifies the room, the sending node and the frame itself.
type Header struct {
	Room        string    `cbor:"room"`
	SenderNode  string    `cbor:"sender_node_id"`
	SenderUser  string    `cbor:"sender_user"`
	SenderAgent string    `cbor:"sender_agent"`
	TSMS        int64     `cbor:"ts_ms"`
	MsgID       uuid.UUID `cbor:"msg_id"`
}

// Message is one gossip frame. Payload holds the canonical encoding
// of the body variant named by Kind; SignedBy and Signature are
// excluded from the signing input.
type Message struct {
	Header    Header     `cbor:"header"`
	Kind      Kind       `cbor:"kind"`
	Payload   RawMessage `cbor:"payload"`
	SignedBy  string     `cbor:"signed_by,omitempty"`
	Signature []byte     `cbor:"signature,omitempty"`
}

// Body variants.

type Notify struct {
	User   string `cbor:"user"`
	Agent  string `cbor:"agent"`
	Status string `cbor:"status_text"`
}

type MemoryCreated struct {
	Memory memory.Memory `cbor:"memory"`
}

type SearchRequest struct {
	CorrelationID uuid.UUID `cbor:"correlation_id"`
	Query         string    `cbor:"query"`
	KindFilter    string    `cbor:"kind_filter,omitempty"`
	TagFilter     string    `cbor:"tag_filter,omitempty"`
	Limit         int       `cbor:"limit"`
}

type SearchResponse struct {
	CorrelationID uuid.UUID       `cbor:"correlation_id"`
	Results       []memory.Memory `cbor:"results"`
}

type TaskRequest struct {
	TaskID            uuid.UUID `cbor:"task_id"`
	Description       string    `cbor:"description"`
	RequesterIdentity string    `cbor:"requester_identity"`
	DeadlineMS        int64     `cbor:"deadline_ms"`
}

type TaskAccepted struct {
	TaskID           uuid.UUID `cbor:"task_id"`
	ExecutorIdentity string    `cbor:"executor_identity"`
}

type TaskResponse struct {
	TaskID  uuid.UUID `cbor:"task_id"`
	Success bool      `cbor:"success"`
	Output  string    `cbor:"output,omitempty"`
	Error   string    `cbor:"error,omitempty"`
}

type SkillPublished struct {
	Skill skill.Skill `cbor:"skill"`
}

type SkillVoteCast struct {
	SkillHash string `cbor:"skill_hash"`
	Voter     string `cbor:"voter"`
	Value     int    `cbor:"value"`
}

type SkillSearchRequest struct {
	CorrelationID uuid.UUID `cbor:"correlation_id"`
	Query         string    `cbor:"query"`
	Limit         int       `cbor:"limit"`
}

type SkillSearchResponse struct {
	CorrelationID uuid.UUID     `cbor:"correlation_id"`
	Skills        []skill.Skill `cbor:"skills"`
}

// New builds a frame for the given body, stamping the header with a
// fresh message id and the current time.
func New(room, senderNode, senderUser, senderAgent string, kind Kind, body any) (*Message, error) {
	payload, err := Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s payload: %w", kind, err)
	}
	return &Message{
		Header: Header{
			Room:        room,
			SenderNode:  senderNode,
			SenderUser:  senderUser,
			SenderAgent: senderAgent,
			TSMS:        time.Now().UnixMilli(),
			MsgID:       uuid.New(),
		},
		Kind:    kind,
		Payload: payload,
	}, nil
}

// Decode unmarshals the payload into the variant struct for the
// frame's kind.
func (m *Message) Decode(v any) error {
	return Unmarshal(m.Payload, v)
}

// SigningInput returns the canonical bytes covered by the frame
// signature: the message with SignedBy and Signature cleared.
func (m *Message) SigningInput() ([]byte, error) {
	unsigned := Message{Header: m.Header, Kind: m.Kind, Payload: m.Payload}
	return Marshal(&unsigned)
}

// Sign fills SignedBy and Signature using the node's signer.
func (m *Message) Sign(signer identity.Signer) error {
	input, err := m.SigningInput()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(input)
	if err != nil {
		return err
	}
	m.SignedBy = signer.Identity()
	m.Signature = sig
	return nil
}

// Encode serializes the full frame for broadcast.
func (m *Message) Encode() ([]byte, error) {
	return Marshal(m)
}

// DecodeMessage parses an inbound frame.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("protocol: decoding frame: %w", err)
	}
	return &m, nil
}

// Topic derives the 32-byte gossip topic identifier for a room name.
func Topic(room string) [32]byte {
	return sha256.Sum256([]byte(room))
}
