package protocol

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTicket reports a ticket that could not be parsed.
var ErrInvalidTicket = errors.New("protocol: invalid ticket")

var ticketEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Ticket is the opaque bootstrap credential for a room: the room
// name, its topic id, and addresses of peers already inside. Unknown
// fields from newer nodes are preserved across a parse/serialize
// round trip.
type Ticket struct {
	Room      string
	Topic     [32]byte
	Bootstrap []string

	extra map[string]RawMessage
}

// NewTicket builds a ticket for a room with the given bootstrap
// addresses.
func NewTicket(room string, bootstrap []string) *Ticket {
	return &Ticket{Room: room, Topic: Topic(room), Bootstrap: bootstrap}
}

// String encodes the ticket as lowercase unpadded base32 over its
// deterministic CBOR map form.
func (t *Ticket) String() string {
	fields := map[string]RawMessage{}
	for k, v := range t.extra {
		fields[k] = v
	}
	fields["room"], _ = Marshal(t.Room)
	fields["topic"], _ = Marshal(t.Topic[:])
	fields["bootstrap"], _ = Marshal(t.Bootstrap)

	raw, err := Marshal(fields)
	if err != nil {
		// All field types are CBOR-encodable; this cannot happen.
		panic("protocol: ticket encoding failed: " + err.Error())
	}
	return strings.ToLower(ticketEncoding.EncodeToString(raw))
}

// ParseTicket decodes a ticket string. Fields it does not recognize
// are retained and re-emitted by String.
func ParseTicket(s string) (*Ticket, error) {
	raw, err := ticketEncoding.DecodeString(strings.ToUpper(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}

	var fields map[string]RawMessage
	if err := Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}

	t := &Ticket{extra: map[string]RawMessage{}}
	for k, v := range fields {
		switch k {
		case "room":
			if err := Unmarshal(v, &t.Room); err != nil {
				return nil, fmt.Errorf("%w: bad room: %v", ErrInvalidTicket, err)
			}
		case "topic":
			var topic []byte
			if err := Unmarshal(v, &topic); err != nil || len(topic) != 32 {
				return nil, fmt.Errorf("%w: bad topic", ErrInvalidTicket)
			}
			copy(t.Topic[:], topic)
		case "bootstrap":
			if err := Unmarshal(v, &t.Bootstrap); err != nil {
				return nil, fmt.Errorf("%w: bad bootstrap list: %v", ErrInvalidTicket, err)
			}
		default:
			t.extra[k] = v
		}
	}

	if t.Room == "" {
		return nil, fmt.Errorf("%w: missing room", ErrInvalidTicket)
	}
	return t, nil
}
