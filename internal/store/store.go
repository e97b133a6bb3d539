// Package store is the embedded persistence layer: memories, skills,
// skill votes, per-room identity policies and node keys, all in one
// SQLite file. Every mutation runs in a single write transaction;
// durability is the database's responsibility.
package store

import (
	"github.com/google/uuid"

	"github.com/felixgeelhaar/huddle/internal/memory"
	"github.com/felixgeelhaar/huddle/internal/skill"
)

// IdentityPolicy is the per-room inbound frame policy. An empty
// whitelist means no whitelist enforcement; RequireSigned drops
// unsigned frames.
type IdentityPolicy struct {
	Whitelist     []string `json:"identities"`
	RequireSigned bool     `json:"require_signed"`
}

// Allows reports whether the whitelist admits the identity label.
func (p IdentityPolicy) Allows(label string) bool {
	if len(p.Whitelist) == 0 {
		return true
	}
	for _, w := range p.Whitelist {
		if w == label {
			return true
		}
	}
	return false
}

// Storage is the persistence interface the coordinator relies on.
type Storage interface {
	// UpsertMemory stores a memory; a second store with the same id
	// is a no-op (the earliest-seen copy wins).
	UpsertMemory(m *memory.Memory) error
	GetMemory(id uuid.UUID) (*memory.Memory, error)
	// ListMemories returns memories matching every set filter,
	// created_at descending, truncated to limit.
	ListMemories(f memory.Filters, limit int) ([]memory.Memory, error)
	// SearchMemories returns memories in room (any room when empty)
	// whose content or tags contain query case-insensitively,
	// created_at descending then id ascending.
	SearchMemories(room, query string, limit int) ([]memory.Memory, error)

	// UpsertSkill stores a skill; on an existing hash the earliest
	// author metadata and existing signature are preserved and votes
	// remain.
	UpsertSkill(s *skill.Skill) error
	GetSkill(hash string) (*skill.Skill, error)
	// SearchSkills matches title or tags case-insensitively, ranked
	// by aggregated vote score descending then created_at descending.
	SearchSkills(query string, limit int) ([]skill.Ranked, error)
	// CastVote upserts the (hash, voter) pair.
	CastVote(hash, voter string, value int, ts int64) error
	SkillScore(hash string) (int, error)

	GetPolicy(room string) (IdentityPolicy, error)
	SetPolicy(room string, p IdentityPolicy) error
	AddWhitelist(room, label string) error

	// Node keys hold small long-lived secrets such as the transport
	// endpoint seed.
	GetNodeKey(name string) ([]byte, error)
	SetNodeKey(name string, value []byte) error

	Close() error
}
