// Package skill defines the content-addressed skill record shared
// between peers. A skill's identity is the SHA-256 of its canonical
// content, so identical skills published by different authors collapse
// into one entry and votes aggregate by hash.
package skill

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Skill is a versioned, signed, upvotable knowledge artifact.
type Skill struct {
	Hash       string   `cbor:"hash" json:"hash"`
	Title      string   `cbor:"title" json:"title"`
	Body       string   `cbor:"body" json:"body"`
	Tags       []string `cbor:"tags" json:"tags"`
	Author     string   `cbor:"author" json:"author"`
	Agent      string   `cbor:"agent" json:"agent"`
	ParentHash string   `cbor:"parent_hash,omitempty" json:"parent_hash,omitempty"`
	SignedBy   string   `cbor:"signed_by,omitempty" json:"signed_by,omitempty"`
	Signature  []byte   `cbor:"signature,omitempty" json:"signature,omitempty"`
	CreatedAt  int64    `cbor:"created_at" json:"created_at"`
}

// Vote is one voter's current stance on a skill. A voter's latest
// value overrides earlier ones; the effective score of a skill is the
// sum of current voter values.
type Vote struct {
	SkillHash string `json:"skill_hash"`
	Voter     string `json:"voter"`
	Value     int    `json:"value"`
	TS        int64  `json:"ts"`
}

// Ranked pairs a skill with its aggregated vote score.
type Ranked struct {
	Skill Skill `json:"skill"`
	Score int   `json:"score"`
}

// ContentHash computes the canonical hex hash of a skill's content:
// SHA-256 over title, body, and tags in their given order, separated
// by 0x1f.
func ContentHash(title, body string, tags []string) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0x1f})
	h.Write([]byte(body))
	for _, t := range tags {
		h.Write([]byte{0x1f})
		h.Write([]byte(t))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SigningInput is the byte string a publisher signs and receivers
// verify: hash || author || parent_hash (empty when the skill has no
// parent). Content signatures survive re-broadcast by intermediaries.
func SigningInput(hash, author, parentHash string) []byte {
	input := make([]byte, 0, len(hash)+len(author)+len(parentHash))
	input = append(input, hash...)
	input = append(input, author...)
	input = append(input, parentHash...)
	return input
}

// MatchesQuery reports whether the title or any tag contains query,
// case-insensitively. An empty query matches everything.
func (s *Skill) MatchesQuery(query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(s.Title), q) {
		return true
	}
	for _, t := range s.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}
