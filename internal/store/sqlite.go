package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/huddle/internal/memory"
	"github.com/felixgeelhaar/huddle/internal/skill"
)

// SQLiteStore backs Storage with a single database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent coordinator
	// and tool-surface mutations.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			author TEXT,
			agent TEXT,
			room TEXT,
			kind TEXT,
			content TEXT,
			tags TEXT,
			created_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_room ON memories(room, created_at);`,
		`CREATE TABLE IF NOT EXISTS skills (
			hash TEXT PRIMARY KEY,
			title TEXT,
			body TEXT,
			tags TEXT,
			author TEXT,
			agent TEXT,
			parent_hash TEXT,
			signed_by TEXT,
			signature BLOB,
			created_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS skill_votes (
			skill_hash TEXT,
			voter TEXT,
			value INTEGER,
			ts INTEGER,
			PRIMARY KEY (skill_hash, voter)
		);`,
		`CREATE TABLE IF NOT EXISTS room_policies (
			room TEXT PRIMARY KEY,
			whitelist TEXT,
			require_signed INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS node_keys (
			name TEXT PRIMARY KEY,
			value BLOB
		);`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Memories

func (s *SQLiteStore) UpsertMemory(m *memory.Memory) error {
	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	query := `INSERT INTO memories (id, author, agent, room, kind, content, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	_, err = s.db.Exec(query, m.ID.String(), m.Author, m.Agent, m.Room, string(m.Kind), m.Content, string(tagsJSON), m.CreatedAt)
	return err
}

func (s *SQLiteStore) GetMemory(id uuid.UUID) (*memory.Memory, error) {
	row := s.db.QueryRow(`SELECT id, author, agent, room, kind, content, tags, created_at FROM memories WHERE id = ?`, id.String())
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*memory.Memory, error) {
	var m memory.Memory
	var id, kind, tagsJSON string
	if err := row.Scan(&id, &m.Author, &m.Agent, &m.Room, &kind, &m.Content, &tagsJSON, &m.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt memory id %q: %w", id, err)
	}
	m.ID = parsed
	m.Kind = memory.Kind(kind)
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags for %s: %w", id, err)
	}
	return &m, nil
}

func (s *SQLiteStore) ListMemories(f memory.Filters, limit int) ([]memory.Memory, error) {
	query := `SELECT id, author, agent, room, kind, content, tags, created_at FROM memories`
	var clauses []string
	var args []any
	if f.Room != "" {
		clauses = append(clauses, "room = ?")
		args = append(args, f.Room)
	}
	if f.Author != "" {
		clauses = append(clauses, "author = ?")
		args = append(args, f.Author)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.SinceMS > 0 {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.SinceMS)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		// Tag filtering happens here: tags live in a JSON column.
		if f.Tag != "" && !m.Matches(memory.Filters{Tag: f.Tag}) {
			continue
		}
		out = append(out, *m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SearchMemories(room, query string, limit int) ([]memory.Memory, error) {
	sqlQuery := `SELECT id, author, agent, room, kind, content, tags, created_at FROM memories`
	var args []any
	if room != "" {
		sqlQuery += " WHERE room = ?"
		args = append(args, room)
	}
	sqlQuery += " ORDER BY created_at DESC, id ASC"

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if !m.MatchesQuery(query) {
			continue
		}
		out = append(out, *m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// Skills

func (s *SQLiteStore) UpsertSkill(sk *skill.Skill) error {
	tagsJSON, err := json.Marshal(sk.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	// DO NOTHING keeps the earliest author metadata and signature;
	// votes are keyed by hash and unaffected.
	query := `INSERT INTO skills (hash, title, body, tags, author, agent, parent_hash, signed_by, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`
	_, err = s.db.Exec(query, sk.Hash, sk.Title, sk.Body, string(tagsJSON), sk.Author, sk.Agent, sk.ParentHash, sk.SignedBy, sk.Signature, sk.CreatedAt)
	return err
}

func scanSkill(row rowScanner) (*skill.Skill, error) {
	var sk skill.Skill
	var tagsJSON string
	if err := row.Scan(&sk.Hash, &sk.Title, &sk.Body, &tagsJSON, &sk.Author, &sk.Agent, &sk.ParentHash, &sk.SignedBy, &sk.Signature, &sk.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &sk.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags for skill %s: %w", sk.Hash, err)
	}
	return &sk, nil
}

func (s *SQLiteStore) GetSkill(hash string) (*skill.Skill, error) {
	row := s.db.QueryRow(`SELECT hash, title, body, tags, author, agent, parent_hash, signed_by, signature, created_at FROM skills WHERE hash = ?`, hash)
	sk, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sk, err
}

func (s *SQLiteStore) SearchSkills(query string, limit int) ([]skill.Ranked, error) {
	rows, err := s.db.Query(`SELECT s.hash, s.title, s.body, s.tags, s.author, s.agent, s.parent_hash, s.signed_by, s.signature, s.created_at,
			COALESCE(SUM(v.value), 0) AS score
		FROM skills s
		LEFT JOIN skill_votes v ON v.skill_hash = s.hash
		GROUP BY s.hash`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []skill.Ranked
	for rows.Next() {
		var sk skill.Skill
		var tagsJSON string
		var score int
		if err := rows.Scan(&sk.Hash, &sk.Title, &sk.Body, &tagsJSON, &sk.Author, &sk.Agent, &sk.ParentHash, &sk.SignedBy, &sk.Signature, &sk.CreatedAt, &score); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tagsJSON), &sk.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for skill %s: %w", sk.Hash, err)
		}
		if !sk.MatchesQuery(query) {
			continue
		}
		out = append(out, skill.Ranked{Skill: sk, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Skill.CreatedAt > out[j].Skill.CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SQLiteStore) CastVote(hash, voter string, value int, ts int64) error {
	query := `INSERT INTO skill_votes (skill_hash, voter, value, ts) VALUES (?, ?, ?, ?)
		ON CONFLICT(skill_hash, voter) DO UPDATE SET value = excluded.value, ts = excluded.ts`
	_, err := s.db.Exec(query, hash, voter, value, ts)
	return err
}

func (s *SQLiteStore) SkillScore(hash string) (int, error) {
	var score int
	err := s.db.QueryRow(`SELECT COALESCE(SUM(value), 0) FROM skill_votes WHERE skill_hash = ?`, hash).Scan(&score)
	return score, err
}

// Policies

func (s *SQLiteStore) GetPolicy(room string) (IdentityPolicy, error) {
	var whitelistJSON string
	var requireSigned int
	err := s.db.QueryRow(`SELECT whitelist, require_signed FROM room_policies WHERE room = ?`, room).
		Scan(&whitelistJSON, &requireSigned)
	if err == sql.ErrNoRows {
		return IdentityPolicy{}, nil
	}
	if err != nil {
		return IdentityPolicy{}, err
	}
	var p IdentityPolicy
	if err := json.Unmarshal([]byte(whitelistJSON), &p.Whitelist); err != nil {
		return IdentityPolicy{}, fmt.Errorf("corrupt whitelist for room %s: %w", room, err)
	}
	p.RequireSigned = requireSigned != 0
	return p, nil
}

func (s *SQLiteStore) SetPolicy(room string, p IdentityPolicy) error {
	whitelistJSON, err := json.Marshal(p.Whitelist)
	if err != nil {
		return fmt.Errorf("failed to marshal whitelist: %w", err)
	}
	requireSigned := 0
	if p.RequireSigned {
		requireSigned = 1
	}
	query := `INSERT INTO room_policies (room, whitelist, require_signed) VALUES (?, ?, ?)
		ON CONFLICT(room) DO UPDATE SET whitelist = excluded.whitelist, require_signed = excluded.require_signed`
	_, err = s.db.Exec(query, room, string(whitelistJSON), requireSigned)
	return err
}

func (s *SQLiteStore) AddWhitelist(room, label string) error {
	p, err := s.GetPolicy(room)
	if err != nil {
		return err
	}
	for _, w := range p.Whitelist {
		if w == label {
			return nil
		}
	}
	p.Whitelist = append(p.Whitelist, label)
	return s.SetPolicy(room, p)
}

// Node keys

func (s *SQLiteStore) GetNodeKey(name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM node_keys WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

func (s *SQLiteStore) SetNodeKey(name string, value []byte) error {
	query := `INSERT INTO node_keys (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, name, value)
	return err
}
