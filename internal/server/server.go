// Package server is the agent-facing boundary: it translates JSON
// tool calls into node and coordinator operations and converts
// errors into structured, client-visible values. It is the only
// package the transports (stdio, http) touch.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/huddle/internal/memory"
	"github.com/felixgeelhaar/huddle/internal/observe"
	"github.com/felixgeelhaar/huddle/internal/protocol"
	"github.com/felixgeelhaar/huddle/internal/room"
	"github.com/felixgeelhaar/huddle/internal/skill"
	"github.com/felixgeelhaar/huddle/internal/store"
)

// Server dispatches tool calls against one node.
type Server struct {
	node *room.Node
	obs  *observe.Observer
}

// New creates the tool surface for a node.
func New(node *room.Node, obs *observe.Observer) *Server {
	return &Server{node: node, obs: obs}
}

// ToolError is the structured error returned to agents.
type ToolError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// classify maps internal error kinds onto wire error kinds.
func classify(err error) *ToolError {
	kind := "StoreError"
	switch {
	case errors.Is(err, room.ErrNotJoined):
		kind = "NotJoined"
	case errors.Is(err, room.ErrAlreadyJoined):
		kind = "AlreadyJoined"
	case errors.Is(err, room.ErrSignerUnavailable):
		kind = "SignerUnavailable"
	case errors.Is(err, room.ErrPolicyRejected):
		kind = "PolicyRejected"
	case errors.Is(err, room.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = "Timeout"
	case errors.Is(err, room.ErrCancelled), errors.Is(err, context.Canceled):
		kind = "Cancelled"
	case errors.Is(err, room.ErrInvalidSignature):
		kind = "InvalidSignature"
	case errors.Is(err, room.ErrUnknownSkill):
		kind = "UnknownSkill"
	case errors.Is(err, room.ErrBadArgument):
		kind = "BadArgument"
	case errors.Is(err, protocol.ErrInvalidTicket):
		kind = "InvalidTicket"
	}
	return &ToolError{Kind: kind, Message: err.Error()}
}

// Tools returns the names of every operation the surface exposes.
func Tools() []string {
	return []string{
		"join_room", "leave_room",
		"store_memory", "search_memory", "list_memories",
		"notify_peers", "get_room_status", "list_rooms",
		"delegate_task", "poll_pending_tasks", "submit_task_result",
		"publish_skill", "search_skills", "vote_skill", "get_skill",
		"set_identity_policy", "add_whitelisted_identity", "get_identity_policy",
	}
}

// Dispatch runs one tool call. The returned value is JSON-shaped; a
// non-nil error is always a *ToolError.
func (s *Server) Dispatch(ctx context.Context, tool string, args json.RawMessage) (any, error) {
	ctx, span := s.obs.StartSpan(ctx, "tool."+tool, "")
	defer span.End()

	result, err := s.dispatch(ctx, tool, args)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, classify(err)
	}
	return result, nil
}

func badArgs(err error) *ToolError {
	return &ToolError{Kind: "BadArgument", Message: "invalid arguments: " + err.Error()}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	return json.Unmarshal(args, v)
}

func (s *Server) dispatch(ctx context.Context, tool string, args json.RawMessage) (any, error) {
	switch tool {
	case "join_room":
		return s.joinRoom(ctx, args)
	case "leave_room":
		return s.leaveRoom(args)
	case "store_memory":
		return s.storeMemory(ctx, args)
	case "search_memory":
		return s.searchMemory(ctx, args)
	case "list_memories":
		return s.listMemories(args)
	case "notify_peers":
		return s.notifyPeers(ctx, args)
	case "get_room_status":
		return s.getRoomStatus(args)
	case "list_rooms":
		return map[string]any{"rooms": s.node.ListRooms()}, nil
	case "delegate_task":
		return s.delegateTask(ctx, args)
	case "poll_pending_tasks":
		return s.pollPendingTasks(ctx, args)
	case "submit_task_result":
		return s.submitTaskResult(ctx, args)
	case "publish_skill":
		return s.publishSkill(ctx, args)
	case "search_skills":
		return s.searchSkills(ctx, args)
	case "vote_skill":
		return s.voteSkill(ctx, args)
	case "get_skill":
		return s.getSkill(args)
	case "set_identity_policy":
		return s.setIdentityPolicy(args)
	case "add_whitelisted_identity":
		return s.addWhitelistedIdentity(args)
	case "get_identity_policy":
		return s.getIdentityPolicy(args)
	}
	return nil, &ToolError{Kind: "BadArgument", Message: "unknown tool: " + tool}
}

type joinRoomArgs struct {
	Room   string `json:"room"`
	Ticket string `json:"ticket,omitempty"`
}

func (s *Server) joinRoom(ctx context.Context, args json.RawMessage) (any, error) {
	var a joinRoomArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}

	var ticket *protocol.Ticket
	if a.Ticket != "" {
		parsed, err := protocol.ParseTicket(a.Ticket)
		if err != nil {
			return nil, err
		}
		ticket = parsed
		if a.Room == "" {
			a.Room = ticket.Room
		}
	}

	_, issued, err := s.node.JoinRoom(ctx, a.Room, ticket)
	if err != nil && !errors.Is(err, room.ErrAlreadyJoined) {
		return nil, err
	}
	// Joining twice is idempotent: the existing membership's ticket
	// is returned.
	return map[string]any{"room": a.Room, "ticket": issued.String(), "node_id": s.node.NodeID()}, nil
}

type roomArgs struct {
	Room string `json:"room"`
}

func (s *Server) leaveRoom(args json.RawMessage) (any, error) {
	var a roomArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	if err := s.node.LeaveRoom(a.Room); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

type storeMemoryArgs struct {
	Room    string   `json:"room,omitempty"`
	Kind    string   `json:"kind"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

func (s *Server) storeMemory(ctx context.Context, args json.RawMessage) (any, error) {
	var a storeMemoryArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	coord, err := s.roomOrOnly(a.Room)
	if err != nil {
		return nil, err
	}
	kind, err := memory.ParseKind(a.Kind)
	if err != nil {
		return nil, &ToolError{Kind: "BadArgument", Message: err.Error()}
	}
	m, err := coord.StoreMemory(ctx, kind, a.Content, a.Tags)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memory": m}, nil
}

// roomOrOnly resolves the target coordinator: an explicit room, or
// the single joined room when the caller names none.
func (s *Server) roomOrOnly(name string) (*room.Coordinator, error) {
	if name != "" {
		return s.node.Room(name)
	}
	rooms := s.node.ListRooms()
	if len(rooms) == 1 {
		return s.node.Room(rooms[0])
	}
	return nil, &ToolError{Kind: "BadArgument", Message: "room is required when joined to zero or several rooms"}
}

type searchMemoryArgs struct {
	Room    string `json:"room,omitempty"`
	Query   string `json:"query"`
	Kind    string `json:"kind,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Timeout int    `json:"timeout_ms,omitempty"`
}

func (s *Server) searchMemory(ctx context.Context, args json.RawMessage) (any, error) {
	var a searchMemoryArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	coord, err := s.roomOrOnly(a.Room)
	if err != nil {
		return nil, err
	}
	results, err := coord.SearchMemory(ctx, a.Query, a.Kind, a.Tag, a.Limit, time.Duration(a.Timeout)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

type listMemoriesArgs struct {
	Room    string `json:"room,omitempty"`
	Author  string `json:"author,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Tag     string `json:"tag,omitempty"`
	SinceMS int64  `json:"since_ms,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Server) listMemories(args json.RawMessage) (any, error) {
	var a listMemoriesArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	f := memory.Filters{Room: a.Room, Author: a.Author, Tag: a.Tag, SinceMS: a.SinceMS}
	if a.Kind != "" {
		kind, err := memory.ParseKind(a.Kind)
		if err != nil {
			return nil, &ToolError{Kind: "BadArgument", Message: err.Error()}
		}
		f.Kind = kind
	}
	limit := a.Limit
	if limit <= 0 {
		limit = 50
	}
	memories, err := s.node.Store().ListMemories(f, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memories": memories}, nil
}

type notifyPeersArgs struct {
	Room   string `json:"room"`
	Status string `json:"status"`
}

func (s *Server) notifyPeers(ctx context.Context, args json.RawMessage) (any, error) {
	var a notifyPeersArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	coord, err := s.node.Room(a.Room)
	if err != nil {
		return nil, err
	}
	if err := coord.NotifyPeers(ctx, a.Status); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) getRoomStatus(args json.RawMessage) (any, error) {
	var a roomArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	coord, err := s.node.Room(a.Room)
	if err != nil {
		return nil, err
	}
	return map[string]any{"peers": coord.Peers()}, nil
}

type delegateTaskArgs struct {
	Room        string `json:"room"`
	Description string `json:"description"`
	DeadlineMS  int64  `json:"deadline_ms,omitempty"`
}

func (s *Server) delegateTask(ctx context.Context, args json.RawMessage) (any, error) {
	var a delegateTaskArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	coord, err := s.node.Room(a.Room)
	if err != nil {
		return nil, err
	}
	outcome, err := coord.DelegateTask(ctx, a.Description, time.Duration(a.DeadlineMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

type pollTasksArgs struct {
	Room      string `json:"room"`
	MaxWaitMS int64  `json:"max_wait_ms,omitempty"`
}

func (s *Server) pollPendingTasks(ctx context.Context, args json.RawMessage) (any, error) {
	var a pollTasksArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	coord, err := s.node.Room(a.Room)
	if err != nil {
		return nil, err
	}
	tasks, err := coord.PollPendingTasks(ctx, time.Duration(a.MaxWaitMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []room.PendingTask{}
	}
	return map[string]any{"tasks": tasks}, nil
}

type submitTaskResultArgs struct {
	Room    string `json:"room,omitempty"`
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) submitTaskResult(ctx context.Context, args json.RawMessage) (any, error) {
	var a submitTaskResultArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	taskID, err := uuid.Parse(a.TaskID)
	if err != nil {
		return nil, &ToolError{Kind: "BadArgument", Message: "task_id: " + err.Error()}
	}
	coord, err := s.roomOrOnly(a.Room)
	if err != nil {
		return nil, err
	}
	if err := coord.SubmitTaskResult(ctx, taskID, a.Success, a.Output, a.Error); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

type publishSkillArgs struct {
	Room       string   `json:"room,omitempty"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Tags       []string `json:"tags,omitempty"`
	ParentHash string   `json:"parent_hash,omitempty"`
}

func (s *Server) publishSkill(ctx context.Context, args json.RawMessage) (any, error) {
	var a publishSkillArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	coord, err := s.roomOrOnly(a.Room)
	if err != nil {
		return nil, err
	}
	sk, err := coord.PublishSkill(ctx, a.Title, a.Body, a.Tags, a.ParentHash)
	if err != nil {
		return nil, err
	}
	return map[string]any{"skill": sk}, nil
}

type searchSkillsArgs struct {
	Room  string `json:"room,omitempty"`
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) searchSkills(ctx context.Context, args json.RawMessage) (any, error) {
	var a searchSkillsArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}

	// With a room the search scatters to its peers; without, it runs
	// against the local store only.
	if a.Room != "" {
		coord, err := s.node.Room(a.Room)
		if err != nil {
			return nil, err
		}
		ranked, err := coord.SearchSkillsDistributed(ctx, a.Query, a.Limit, 0)
		if err != nil {
			return nil, err
		}
		return map[string]any{"skills": rankedOut(ranked)}, nil
	}

	limit := a.Limit
	if limit <= 0 {
		limit = 20
	}
	ranked, err := s.node.Store().SearchSkills(a.Query, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"skills": rankedOut(ranked)}, nil
}

type rankedSkill struct {
	skill.Skill
	Score int `json:"score"`
}

func rankedOut(in []skill.Ranked) []rankedSkill {
	out := make([]rankedSkill, 0, len(in))
	for _, r := range in {
		out = append(out, rankedSkill{Skill: r.Skill, Score: r.Score})
	}
	return out
}

type voteSkillArgs struct {
	Room  string `json:"room,omitempty"`
	Hash  string `json:"hash"`
	Value int    `json:"value"`
}

func (s *Server) voteSkill(ctx context.Context, args json.RawMessage) (any, error) {
	var a voteSkillArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	coord, err := s.roomOrOnly(a.Room)
	if err != nil {
		return nil, err
	}
	if err := coord.VoteSkill(ctx, a.Hash, a.Value); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

type getSkillArgs struct {
	Hash string `json:"hash"`
}

func (s *Server) getSkill(args json.RawMessage) (any, error) {
	var a getSkillArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	sk, err := s.node.Store().GetSkill(a.Hash)
	if err != nil {
		return nil, err
	}
	if sk == nil {
		return map[string]any{"skill": nil}, nil
	}
	score, err := s.node.Store().SkillScore(a.Hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{"skill": sk, "score": score}, nil
}

type setPolicyArgs struct {
	Room          string   `json:"room"`
	Identities    []string `json:"identities"`
	RequireSigned bool     `json:"require_signed"`
}

func (s *Server) setIdentityPolicy(args json.RawMessage) (any, error) {
	var a setPolicyArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	coord, err := s.node.Room(a.Room)
	if err != nil {
		return nil, err
	}
	if err := coord.SetPolicy(store.IdentityPolicy{Whitelist: a.Identities, RequireSigned: a.RequireSigned}); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

type addWhitelistArgs struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

func (s *Server) addWhitelistedIdentity(args json.RawMessage) (any, error) {
	var a addWhitelistArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	coord, err := s.node.Room(a.Room)
	if err != nil {
		return nil, err
	}
	if err := coord.AddWhitelistedIdentity(a.Identity); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) getIdentityPolicy(args json.RawMessage) (any, error) {
	var a roomArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, badArgs(err)
	}
	coord, err := s.node.Room(a.Room)
	if err != nil {
		return nil, err
	}
	return map[string]any{"policy": coord.Policy(), "local_identity": s.node.Identity()}, nil
}
