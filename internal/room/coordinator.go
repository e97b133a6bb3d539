// Package room implements the per-room control loop: it joins the
// room's gossip topic, signs and broadcasts outbound frames, verifies
// and dispatches inbound ones under the room's identity policy, and
// owns the correlation state for distributed searches and delegated
// tasks.
package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/huddle/internal/identity"
	"github.com/felixgeelhaar/huddle/internal/memory"
	"github.com/felixgeelhaar/huddle/internal/observe"
	"github.com/felixgeelhaar/huddle/internal/protocol"
	"github.com/felixgeelhaar/huddle/internal/skill"
	"github.com/felixgeelhaar/huddle/internal/store"
	"github.com/felixgeelhaar/huddle/internal/transport"
)

const (
	// MaxPendingTasks caps the inbound-task queue per room; overflow
	// drops the oldest entries.
	MaxPendingTasks = 256

	// DefaultSearchDeadline bounds distributed searches when the
	// caller supplies none.
	DefaultSearchDeadline = 3 * time.Second

	// DefaultTaskDeadline bounds delegated tasks when the caller
	// supplies none.
	DefaultTaskDeadline = 60 * time.Second

	// responseBufferPerPeer scales the bounded search-response
	// channels; excess responses are dropped silently.
	responseBufferPerPeer = 8
)

// TaskOutcome is the requester-visible result of a delegated task.
type TaskOutcome struct {
	Status string `json:"status"` // completed | failed | timeout
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PendingTask is an inbound delegated task awaiting a local executor.
type PendingTask struct {
	TaskID      uuid.UUID `json:"task_id"`
	Description string    `json:"description"`
	Requester   string    `json:"requester_identity"`
	DeadlineMS  int64     `json:"deadline_ms"`
	ReceivedAt  int64     `json:"received_at"`
}

// Coordinator is the per-room actor. One receive goroutine processes
// inbound frames serially; outbound operations run on caller
// goroutines and share the correlation tables under c.mu. The lock is
// never held across a broadcast, store transaction or signer call.
type Coordinator struct {
	name   string
	nodeID string
	user   string
	agent  string

	sub    transport.Subscription
	st     store.Storage
	signer identity.Signer
	obs    *observe.Observer
	log    *bolt.Logger
	events *EventBus

	presence *presenceTable

	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.RWMutex
	policy        store.IdentityPolicy
	searches      map[uuid.UUID]chan []memory.Memory
	skillSearches map[uuid.UUID]chan []skill.Skill
	taskWaiters   map[uuid.UUID]chan TaskOutcome
	pending       []PendingTask
	taskWake      chan struct{}
	closed        bool
}

func newCoordinator(ctx context.Context, name string, sub transport.Subscription, n *Node) (*Coordinator, error) {
	policy, err := n.st.GetPolicy(name)
	if err != nil {
		return nil, fmt.Errorf("loading policy for %s: %w", name, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Coordinator{
		name:          name,
		nodeID:        n.tr.NodeID(),
		user:          n.user,
		agent:         n.agent,
		sub:           sub,
		st:            n.st,
		signer:        n.signer,
		obs:           n.obs,
		log:           n.obs.Room(name),
		events:        n.events,
		presence:      newPresenceTable(),
		cancel:        cancel,
		done:          make(chan struct{}),
		policy:        policy,
		searches:      make(map[uuid.UUID]chan []memory.Memory),
		skillSearches: make(map[uuid.UUID]chan []skill.Skill),
		taskWaiters:   make(map[uuid.UUID]chan TaskOutcome),
		taskWake:      make(chan struct{}),
	}

	go c.receiveLoop(loopCtx)
	return c, nil
}

// Name returns the room name.
func (c *Coordinator) Name() string { return c.name }

// Peers returns the room's transient presence view.
func (c *Coordinator) Peers() []Presence { return c.presence.Snapshot() }

// close cancels the receive loop and fails every in-flight waiter
// with Cancelled. Persisted state is untouched.
func (c *Coordinator) close() {
	c.cancel()
	c.sub.Close()
	<-c.done
}

func (c *Coordinator) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer c.failAllWaiters()

	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-c.sub.Recv():
			if !ok {
				return
			}
			c.handleFrame(ctx, in)
		}
	}
}

// failAllWaiters drains the correlation tables on shutdown. Receivers
// of a closed waiter channel observe Cancelled.
func (c *Coordinator) failAllWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.searches {
		close(ch)
		delete(c.searches, id)
	}
	for id, ch := range c.skillSearches {
		close(ch)
		delete(c.skillSearches, id)
	}
	for id, ch := range c.taskWaiters {
		close(ch)
		delete(c.taskWaiters, id)
	}
	close(c.taskWake)
}

// handleFrame enforces the room and policy checks, then dispatches by
// variant. Every error is logged and dropped; the loop never fails
// upward.
func (c *Coordinator) handleFrame(ctx context.Context, in transport.Inbound) {
	msg, err := protocol.DecodeMessage(in.Payload)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping undecodable frame")
		return
	}

	if msg.Header.Room != c.name {
		return
	}
	// Loopback: never double-apply locally-originated mutations.
	if msg.Header.SenderNode == c.nodeID {
		return
	}

	if reason := c.checkPolicy(msg); reason != "" {
		c.log.Debug().
			Str("sender", msg.Header.SenderUser).
			Str("reason", reason).
			Msg("frame rejected by policy")
		c.events.Emit(EventFrameDropped, c.name, map[string]interface{}{"reason": reason})
		return
	}

	c.presence.Seen(msg.Header.SenderNode, msg.Header.SenderUser, msg.Header.SenderAgent, "")

	switch msg.Kind {
	case protocol.KindNotify:
		c.handleNotify(msg)
	case protocol.KindMemoryCreated:
		c.handleMemoryCreated(msg)
	case protocol.KindSearchRequest:
		c.handleSearchRequest(ctx, msg)
	case protocol.KindSearchResponse:
		c.handleSearchResponse(msg)
	case protocol.KindTaskRequest:
		c.handleTaskRequest(msg)
	case protocol.KindTaskAccepted:
		// Advisory only.
	case protocol.KindTaskResponse:
		c.handleTaskResponse(msg)
	case protocol.KindSkillPublished:
		c.handleSkillPublished(msg)
	case protocol.KindSkillVoteCast:
		c.handleSkillVoteCast(msg)
	case protocol.KindSkillSearchRequest:
		c.handleSkillSearchRequest(ctx, msg)
	case protocol.KindSkillSearchResponse:
		c.handleSkillSearchResponse(msg)
	default:
		// Unknown variant from a newer peer: ignore.
	}
}

// checkPolicy returns a drop reason, or "" when the frame passes.
func (c *Coordinator) checkPolicy(msg *protocol.Message) string {
	c.mu.RLock()
	policy := c.policy
	c.mu.RUnlock()

	if policy.RequireSigned && len(msg.Signature) == 0 {
		return "unsigned frame in require_signed room"
	}
	if len(policy.Whitelist) > 0 {
		if msg.SignedBy == "" || !policy.Allows(msg.SignedBy) {
			return "identity not whitelisted"
		}
	}
	if len(msg.Signature) > 0 {
		input, err := msg.SigningInput()
		if err != nil {
			return "unsignable frame"
		}
		if res := identity.Verify(msg.SignedBy, input, msg.Signature); res != identity.ResultOK {
			return "signature verification " + res.String()
		}
	}
	return ""
}

func (c *Coordinator) handleNotify(msg *protocol.Message) {
	var body protocol.Notify
	if err := msg.Decode(&body); err != nil {
		return
	}
	c.presence.Seen(msg.Header.SenderNode, body.User, body.Agent, body.Status)
	c.events.Emit(EventPeerSeen, c.name, map[string]interface{}{"user": body.User, "agent": body.Agent})
}

func (c *Coordinator) handleMemoryCreated(msg *protocol.Message) {
	var body protocol.MemoryCreated
	if err := msg.Decode(&body); err != nil {
		c.log.Debug().Err(err).Msg("bad memory_created payload")
		return
	}
	if err := c.st.UpsertMemory(&body.Memory); err != nil {
		c.log.Warn().Err(err).Msg("failed to store replicated memory")
		return
	}
	c.events.Emit(EventMemoryReplicated, c.name, map[string]interface{}{"id": body.Memory.ID.String()})
}

func (c *Coordinator) handleSearchRequest(ctx context.Context, msg *protocol.Message) {
	var body protocol.SearchRequest
	if err := msg.Decode(&body); err != nil {
		return
	}
	results, err := c.localSearch(body.Query, body.KindFilter, body.TagFilter, body.Limit)
	if err != nil {
		c.log.Warn().Err(err).Msg("local search for peer failed")
		return
	}
	// Silence means "nothing here".
	if len(results) == 0 {
		return
	}
	resp := protocol.SearchResponse{CorrelationID: body.CorrelationID, Results: results}
	if err := c.broadcast(ctx, protocol.KindSearchResponse, resp); err != nil {
		c.log.Debug().Err(err).Msg("failed to answer search request")
	}
}

func (c *Coordinator) handleSearchResponse(msg *protocol.Message) {
	var body protocol.SearchResponse
	if err := msg.Decode(&body); err != nil {
		return
	}
	c.mu.RLock()
	ch, ok := c.searches[body.CorrelationID]
	c.mu.RUnlock()
	if !ok {
		// Late or unknown correlation: a no-op, not an error.
		return
	}
	select {
	case ch <- body.Results:
	default:
		// Bounded channel full: drop excess responses silently.
	}
}

func (c *Coordinator) handleTaskRequest(msg *protocol.Message) {
	var body protocol.TaskRequest
	if err := msg.Decode(&body); err != nil {
		return
	}
	task := PendingTask{
		TaskID:      body.TaskID,
		Description: body.Description,
		Requester:   body.RequesterIdentity,
		DeadlineMS:  body.DeadlineMS,
		ReceivedAt:  time.Now().UnixMilli(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, task)
	if len(c.pending) > MaxPendingTasks {
		c.pending = c.pending[len(c.pending)-MaxPendingTasks:]
	}
	wake := c.taskWake
	c.taskWake = make(chan struct{})
	c.mu.Unlock()

	close(wake)
	c.log.Info().Str("task_id", body.TaskID.String()).Str("from", msg.Header.SenderUser).Msg("received delegated task")
	c.events.Emit(EventTaskEnqueued, c.name, map[string]interface{}{"task_id": body.TaskID.String()})
}

func (c *Coordinator) handleTaskResponse(msg *protocol.Message) {
	var body protocol.TaskResponse
	if err := msg.Decode(&body); err != nil {
		return
	}
	outcome := TaskOutcome{Status: "completed", Output: body.Output}
	if !body.Success {
		outcome = TaskOutcome{Status: "failed", Error: body.Error}
	}

	c.mu.Lock()
	ch, ok := c.taskWaiters[body.TaskID]
	if ok {
		// First response wins; the waiter entry is gone for any
		// duplicate or straggler.
		delete(c.taskWaiters, body.TaskID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- outcome
	c.events.Emit(EventTaskCompleted, c.name, map[string]interface{}{"task_id": body.TaskID.String(), "status": outcome.Status})
}

func (c *Coordinator) handleSkillPublished(msg *protocol.Message) {
	var body protocol.SkillPublished
	if err := msg.Decode(&body); err != nil {
		return
	}
	sk := body.Skill

	if skill.ContentHash(sk.Title, sk.Body, sk.Tags) != sk.Hash {
		c.log.Debug().Str("hash", sk.Hash).Msg("skill hash mismatch, dropping")
		return
	}
	if sk.SignedBy != "" {
		input := skill.SigningInput(sk.Hash, sk.Author, sk.ParentHash)
		if res := identity.Verify(sk.SignedBy, input, sk.Signature); res != identity.ResultOK {
			c.log.Debug().Str("hash", sk.Hash).Str("result", res.String()).Msg("skill content signature rejected")
			return
		}
	} else if c.requireSigned() {
		c.log.Debug().Str("hash", sk.Hash).Msg("unsigned skill in require_signed room, dropping")
		return
	}

	if err := c.st.UpsertSkill(&sk); err != nil {
		c.log.Warn().Err(err).Msg("failed to store replicated skill")
		return
	}
	c.events.Emit(EventSkillReplicated, c.name, map[string]interface{}{"hash": sk.Hash})
}

func (c *Coordinator) requireSigned() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy.RequireSigned
}

func (c *Coordinator) handleSkillVoteCast(msg *protocol.Message) {
	var body protocol.SkillVoteCast
	if err := msg.Decode(&body); err != nil {
		return
	}
	if body.Value != 1 && body.Value != -1 {
		return
	}
	if err := c.st.CastVote(body.SkillHash, body.Voter, body.Value, msg.Header.TSMS); err != nil {
		c.log.Warn().Err(err).Msg("failed to store replicated vote")
		return
	}
	c.events.Emit(EventVoteReplicated, c.name, map[string]interface{}{"hash": body.SkillHash})
}

func (c *Coordinator) handleSkillSearchRequest(ctx context.Context, msg *protocol.Message) {
	var body protocol.SkillSearchRequest
	if err := msg.Decode(&body); err != nil {
		return
	}
	ranked, err := c.st.SearchSkills(body.Query, body.Limit)
	if err != nil {
		c.log.Warn().Err(err).Msg("local skill search for peer failed")
		return
	}
	if len(ranked) == 0 {
		return
	}
	skills := make([]skill.Skill, 0, len(ranked))
	for _, r := range ranked {
		skills = append(skills, r.Skill)
	}
	resp := protocol.SkillSearchResponse{CorrelationID: body.CorrelationID, Skills: skills}
	if err := c.broadcast(ctx, protocol.KindSkillSearchResponse, resp); err != nil {
		c.log.Debug().Err(err).Msg("failed to answer skill search request")
	}
}

func (c *Coordinator) handleSkillSearchResponse(msg *protocol.Message) {
	var body protocol.SkillSearchResponse
	if err := msg.Decode(&body); err != nil {
		return
	}
	c.mu.RLock()
	ch, ok := c.skillSearches[body.CorrelationID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- body.Skills:
	default:
	}
}

// localSearch runs the store search with the wire filters applied.
func (c *Coordinator) localSearch(query, kindFilter, tagFilter string, limit int) ([]memory.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	candidates, err := c.st.SearchMemories(c.name, query, 0)
	if err != nil {
		return nil, err
	}
	var out []memory.Memory
	for _, m := range candidates {
		if kindFilter != "" && !strings.EqualFold(string(m.Kind), kindFilter) {
			continue
		}
		if tagFilter != "" && !m.Matches(memory.Filters{Tag: tagFilter}) {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// broadcast signs (when the signer allows) and sends one frame on the
// room topic. A coordinator never broadcasts a frame it could not
// verify under its own policy.
func (c *Coordinator) broadcast(ctx context.Context, kind protocol.Kind, body any) error {
	msg, err := protocol.New(c.name, c.nodeID, c.user, c.agent, kind, body)
	if err != nil {
		return err
	}

	if err := msg.Sign(c.signer); err != nil {
		if !errors.Is(err, identity.ErrUnavailable) {
			return fmt.Errorf("signing %s frame: %w", kind, err)
		}
		if c.requireSigned() {
			return fmt.Errorf("%w: room requires signed frames", ErrSignerUnavailable)
		}
	}

	// Invariant: never broadcast a frame this coordinator could not
	// itself verify under the room's policy.
	c.mu.RLock()
	policy := c.policy
	c.mu.RUnlock()
	if len(policy.Whitelist) > 0 && !policy.Allows(c.signer.Identity()) {
		return fmt.Errorf("%w: local identity %s is not whitelisted in %s", ErrPolicyRejected, c.signer.Identity(), c.name)
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.sub.Broadcast(ctx, data)
}

// StoreMemory persists a new memory locally, then broadcasts it.
// Local persistence must succeed before the broadcast.
func (c *Coordinator) StoreMemory(ctx context.Context, kind memory.Kind, content string, tags []string) (*memory.Memory, error) {
	ctx, span := c.obs.StartSpan(ctx, "StoreMemory", c.name)
	defer span.End()

	if content == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrBadArgument)
	}
	m := &memory.Memory{
		ID:        uuid.New(),
		Author:    c.user,
		Agent:     c.agent,
		Room:      c.name,
		Kind:      kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := c.st.UpsertMemory(m); err != nil {
		return nil, fmt.Errorf("persisting memory: %w", err)
	}
	if err := c.broadcast(ctx, protocol.KindMemoryCreated, protocol.MemoryCreated{Memory: *m}); err != nil {
		// The memory is durable locally; replication rides on the
		// next search. Best effort by design of the mesh.
		c.log.Debug().Err(err).Msg("memory broadcast failed")
	}
	return m, nil
}

// SearchMemory scatters a search to the room and gathers responses
// until the deadline, merging them with the local results. The
// deadline is hard: late responses are dropped by correlation-table
// removal.
func (c *Coordinator) SearchMemory(ctx context.Context, query, kindFilter, tagFilter string, limit int, deadline time.Duration) ([]memory.Memory, error) {
	ctx, span := c.obs.StartSpan(ctx, "SearchMemory", c.name)
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	if deadline <= 0 {
		deadline = DefaultSearchDeadline
	}

	correlationID := uuid.New()
	ch := make(chan []memory.Memory, responseBufferPerPeer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, c.name)
	}
	c.searches[correlationID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.searches, correlationID)
		c.mu.Unlock()
	}()

	req := protocol.SearchRequest{
		CorrelationID: correlationID,
		Query:         query,
		KindFilter:    kindFilter,
		TagFilter:     tagFilter,
		Limit:         limit,
	}
	if err := c.broadcast(ctx, protocol.KindSearchRequest, req); err != nil {
		c.log.Debug().Err(err).Msg("search broadcast failed, returning local results only")
	}

	merged, err := c.localSearch(query, kindFilter, tagFilter, limit)
	if err != nil {
		return nil, fmt.Errorf("local search: %w", err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
collect:
	for {
		select {
		case results, ok := <-ch:
			if !ok {
				return nil, ErrCancelled
			}
			merged = append(merged, results...)
		case <-timer.C:
			break collect
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
	}

	return dedupeMemories(merged, limit), nil
}

// dedupeMemories unions results by id, newest first, capped at limit.
func dedupeMemories(in []memory.Memory, limit int) []memory.Memory {
	seen := make(map[uuid.UUID]struct{}, len(in))
	out := make([]memory.Memory, 0, len(in))
	for _, m := range in {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SearchSkillsDistributed scatters a skill search to the room and
// merges peer results with the local ranking.
func (c *Coordinator) SearchSkillsDistributed(ctx context.Context, query string, limit int, deadline time.Duration) ([]skill.Ranked, error) {
	ctx, span := c.obs.StartSpan(ctx, "SearchSkills", c.name)
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	if deadline <= 0 {
		deadline = DefaultSearchDeadline
	}

	correlationID := uuid.New()
	ch := make(chan []skill.Skill, responseBufferPerPeer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, c.name)
	}
	c.skillSearches[correlationID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.skillSearches, correlationID)
		c.mu.Unlock()
	}()

	req := protocol.SkillSearchRequest{CorrelationID: correlationID, Query: query, Limit: limit}
	if err := c.broadcast(ctx, protocol.KindSkillSearchRequest, req); err != nil {
		c.log.Debug().Err(err).Msg("skill search broadcast failed")
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
collect:
	for {
		select {
		case skills, ok := <-ch:
			if !ok {
				return nil, ErrCancelled
			}
			// Remote skills are folded into the local store, then
			// re-ranked with local votes.
			for i := range skills {
				sk := skills[i]
				if skill.ContentHash(sk.Title, sk.Body, sk.Tags) != sk.Hash {
					continue
				}
				if err := c.st.UpsertSkill(&sk); err != nil {
					c.log.Debug().Err(err).Msg("failed to fold in remote skill")
				}
			}
		case <-timer.C:
			break collect
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
	}

	return c.st.SearchSkills(query, limit)
}

// DelegateTask broadcasts a task request and waits for the first
// peer's response until the deadline. On timeout the waiter is
// removed and any later response for this id is a no-op.
func (c *Coordinator) DelegateTask(ctx context.Context, description string, deadline time.Duration) (TaskOutcome, error) {
	ctx, span := c.obs.StartSpan(ctx, "DelegateTask", c.name)
	defer span.End()

	if description == "" {
		return TaskOutcome{}, fmt.Errorf("%w: description is empty", ErrBadArgument)
	}
	if deadline <= 0 {
		deadline = DefaultTaskDeadline
	}

	taskID := uuid.New()
	ch := make(chan TaskOutcome, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return TaskOutcome{}, fmt.Errorf("%w: %s", ErrNotJoined, c.name)
	}
	c.taskWaiters[taskID] = ch
	c.mu.Unlock()

	removeWaiter := func() {
		c.mu.Lock()
		delete(c.taskWaiters, taskID)
		c.mu.Unlock()
	}

	req := protocol.TaskRequest{
		TaskID:            taskID,
		Description:       description,
		RequesterIdentity: c.signer.Identity(),
		DeadlineMS:        time.Now().Add(deadline).UnixMilli(),
	}
	if err := c.broadcast(ctx, protocol.KindTaskRequest, req); err != nil {
		removeWaiter()
		return TaskOutcome{}, fmt.Errorf("broadcasting task request: %w", err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case outcome, ok := <-ch:
		if !ok {
			return TaskOutcome{}, ErrCancelled
		}
		// The receive loop already removed the waiter.
		return outcome, nil
	case <-timer.C:
		removeWaiter()
		return TaskOutcome{Status: "timeout"}, nil
	case <-ctx.Done():
		removeWaiter()
		return TaskOutcome{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// PollPendingTasks drains the inbound task queue. With maxWait > 0 it
// blocks for new tasks up to that duration when the queue is empty.
func (c *Coordinator) PollPendingTasks(ctx context.Context, maxWait time.Duration) ([]PendingTask, error) {
	tasks, wake, err := c.drainPending()
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 || maxWait <= 0 {
		return tasks, nil
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-wake:
	case <-timer.C:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}

	tasks, _, err = c.drainPending()
	return tasks, err
}

func (c *Coordinator) drainPending() ([]PendingTask, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotJoined, c.name)
	}
	tasks := c.pending
	c.pending = nil

	// Expired tasks are not worth handing to an executor.
	now := time.Now().UnixMilli()
	live := tasks[:0]
	for _, t := range tasks {
		if t.DeadlineMS == 0 || now < t.DeadlineMS {
			live = append(live, t)
		}
	}
	return live, c.taskWake, nil
}

// SubmitTaskResult broadcasts the outcome of an executed task. No
// local persistence; the first response to arrive wins at the
// requester.
func (c *Coordinator) SubmitTaskResult(ctx context.Context, taskID uuid.UUID, success bool, output, errMsg string) error {
	ctx, span := c.obs.StartSpan(ctx, "SubmitTaskResult", c.name)
	defer span.End()

	resp := protocol.TaskResponse{TaskID: taskID, Success: success, Output: output, Error: errMsg}
	return c.broadcast(ctx, protocol.KindTaskResponse, resp)
}

// NotifyPeers broadcasts a presence/status update.
func (c *Coordinator) NotifyPeers(ctx context.Context, status string) error {
	ctx, span := c.obs.StartSpan(ctx, "NotifyPeers", c.name)
	defer span.End()

	return c.broadcast(ctx, protocol.KindNotify, protocol.Notify{User: c.user, Agent: c.agent, Status: status})
}

// PublishSkill hashes, signs and persists a skill, then broadcasts
// it. Publishing unsigned is allowed unless this room requires
// signatures.
func (c *Coordinator) PublishSkill(ctx context.Context, title, body string, tags []string, parentHash string) (*skill.Skill, error) {
	ctx, span := c.obs.StartSpan(ctx, "PublishSkill", c.name)
	defer span.End()

	if title == "" {
		return nil, fmt.Errorf("%w: title is empty", ErrBadArgument)
	}

	sk := &skill.Skill{
		Hash:       skill.ContentHash(title, body, tags),
		Title:      title,
		Body:       body,
		Tags:       tags,
		Author:     c.user,
		Agent:      c.agent,
		ParentHash: parentHash,
		CreatedAt:  time.Now().UnixMilli(),
	}

	input := skill.SigningInput(sk.Hash, sk.Author, sk.ParentHash)
	sig, err := c.signer.Sign(input)
	switch {
	case err == nil:
		sk.SignedBy = c.signer.Identity()
		sk.Signature = sig
	case errors.Is(err, identity.ErrUnavailable):
		if c.requireSigned() {
			return nil, fmt.Errorf("%w: room requires signed skills", ErrSignerUnavailable)
		}
	default:
		return nil, fmt.Errorf("signing skill: %w", err)
	}

	if err := c.st.UpsertSkill(sk); err != nil {
		return nil, fmt.Errorf("persisting skill: %w", err)
	}
	if err := c.broadcast(ctx, protocol.KindSkillPublished, protocol.SkillPublished{Skill: *sk}); err != nil {
		c.log.Debug().Err(err).Msg("skill broadcast failed")
	}
	return sk, nil
}

// VoteSkill records the local vote and broadcasts it.
func (c *Coordinator) VoteSkill(ctx context.Context, hash string, value int) error {
	ctx, span := c.obs.StartSpan(ctx, "VoteSkill", c.name)
	defer span.End()

	if value != 1 && value != -1 {
		return fmt.Errorf("%w: vote value must be +1 or -1", ErrBadArgument)
	}
	existing, err := c.st.GetSkill(hash)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSkill, hash)
	}

	voter := c.signer.Identity()
	if err := c.st.CastVote(hash, voter, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("recording vote: %w", err)
	}
	return c.broadcast(ctx, protocol.KindSkillVoteCast, protocol.SkillVoteCast{SkillHash: hash, Voter: voter, Value: value})
}

// Policy returns the current in-memory policy view.
func (c *Coordinator) Policy() store.IdentityPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetPolicy persists the policy and atomically swaps the in-memory
// view. The new policy applies only to frames processed afterwards.
func (c *Coordinator) SetPolicy(p store.IdentityPolicy) error {
	if err := c.st.SetPolicy(c.name, p); err != nil {
		return fmt.Errorf("persisting policy: %w", err)
	}
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	c.events.Emit(EventPolicyUpdated, c.name, nil)
	return nil
}

// AddWhitelistedIdentity appends one identity to the persisted
// whitelist and refreshes the in-memory view.
func (c *Coordinator) AddWhitelistedIdentity(label string) error {
	if _, _, err := identity.SplitLabel(label); err != nil {
		return fmt.Errorf("%w: %v", ErrBadArgument, err)
	}
	if err := c.st.AddWhitelist(c.name, label); err != nil {
		return fmt.Errorf("persisting whitelist: %w", err)
	}
	p, err := c.st.GetPolicy(c.name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	c.events.Emit(EventPolicyUpdated, c.name, nil)
	return nil
}
