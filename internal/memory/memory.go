// Package memory defines the replicated memory record and its query
// filters. Memories are immutable after creation and identified
// globally by id; peers converge by merging received entries.
package memory

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind classifies a memory entry.
type Kind string

const (
	KindDecision       Kind = "decision"
	KindImplementation Kind = "implementation"
	KindContext        Kind = "context"
	KindSkill          Kind = "skill"
	KindStatus         Kind = "status"
	KindOther          Kind = "other"
)

// ParseKind parses a kind string case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "decision":
		return KindDecision, nil
	case "implementation":
		return KindImplementation, nil
	case "context":
		return KindContext, nil
	case "skill":
		return KindSkill, nil
	case "status":
		return KindStatus, nil
	case "other", "":
		return KindOther, nil
	}
	return "", fmt.Errorf("unknown memory kind: %s", s)
}

// Memory is a short, typed, author-tagged text record.
type Memory struct {
	ID        uuid.UUID `cbor:"id" json:"id"`
	Author    string    `cbor:"author" json:"author"`
	Agent     string    `cbor:"agent" json:"agent"`
	Room      string    `cbor:"room" json:"room"`
	Kind      Kind      `cbor:"kind" json:"kind"`
	Content   string    `cbor:"content" json:"content"`
	Tags      []string  `cbor:"tags" json:"tags"`
	CreatedAt int64     `cbor:"created_at" json:"created_at"`
}

// Filters narrows List and Search queries. Zero values mean "any".
type Filters struct {
	Room    string
	Author  string
	Kind    Kind
	Tag     string
	SinceMS int64
}

// Matches reports whether the memory satisfies every set filter.
func (m *Memory) Matches(f Filters) bool {
	if f.Room != "" && m.Room != f.Room {
		return false
	}
	if f.Author != "" && m.Author != f.Author {
		return false
	}
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	if f.Tag != "" && !containsTag(m.Tags, f.Tag) {
		return false
	}
	if f.SinceMS > 0 && m.CreatedAt < f.SinceMS {
		return false
	}
	return true
}

// MatchesQuery reports whether content or any tag contains query,
// case-insensitively. An empty query matches everything.
func (m *Memory) MatchesQuery(query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(m.Content), q) {
		return true
	}
	for _, t := range m.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
