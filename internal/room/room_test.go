package room

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/huddle/internal/identity"
	"github.com/felixgeelhaar/huddle/internal/memory"
	"github.com/felixgeelhaar/huddle/internal/observe"
	"github.com/felixgeelhaar/huddle/internal/protocol"
	"github.com/felixgeelhaar/huddle/internal/store"
	"github.com/felixgeelhaar/huddle/internal/transport"
)

func newTestNode(t *testing.T, hub *transport.Hub, user string) *Node {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewSQLiteStore(filepath.Join(dir, "huddle.db"))
	if err != nil {
		t.Fatalf("store for %s: %v", user, err)
	}

	signer, err := identity.New(identity.Config{Mode: identity.ModeGenerated, DataDir: dir})
	if err != nil {
		t.Fatalf("signer for %s: %v", user, err)
	}

	seed, err := EndpointSeed(st)
	if err != nil {
		t.Fatalf("seed for %s: %v", user, err)
	}

	obs := observe.New(io.Discard, observe.Options{})
	n := NewNode(user, user+"-agent", hub.Endpoint(transport.DeriveNodeID(seed)), st, signer, obs)
	t.Cleanup(func() { n.Close() })
	return n
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMemoryReplication(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newTestNode(t, hub, "alice")
	bob := newTestNode(t, hub, "bob")
	charlie := newTestNode(t, hub, "charlie")

	aliceRoom, _, err := alice.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if _, _, err := bob.JoinRoom(ctx, "r", nil); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	// Charlie stays out of "r".
	if _, _, err := charlie.JoinRoom(ctx, "elsewhere", nil); err != nil {
		t.Fatalf("charlie join: %v", err)
	}

	m, err := aliceRoom.StoreMemory(ctx, memory.KindDecision, "ship it", []string{"release"})
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}

	eventually(t, "bob to replicate the memory", func() bool {
		got, err := bob.Store().GetMemory(m.ID)
		return err == nil && got != nil
	})

	got, err := bob.Store().GetMemory(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Author != "alice" || got.Content != "ship it" || got.Kind != memory.KindDecision ||
		got.CreatedAt != m.CreatedAt || len(got.Tags) != 1 || got.Tags[0] != "release" {
		t.Errorf("replicated memory differs: %+v vs %+v", got, m)
	}

	outside, err := charlie.Store().ListMemories(memory.Filters{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(outside) != 0 {
		t.Errorf("charlie is not in the room and must see nothing, got %d", len(outside))
	}
}

func TestSkillPublishVoteSearch(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newTestNode(t, hub, "alice")
	bob := newTestNode(t, hub, "bob")
	charlie := newTestNode(t, hub, "charlie")

	aliceRoom, _, err := alice.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	bobRoom, _, err := bob.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := charlie.JoinRoom(ctx, "r", nil); err != nil {
		t.Fatal(err)
	}

	sk, err := aliceRoom.PublishSkill(ctx, "deploy", "run deploy.sh", []string{"ci"}, "")
	if err != nil {
		t.Fatalf("PublishSkill: %v", err)
	}
	if sk.SignedBy != alice.Identity() {
		t.Errorf("skill signed_by = %q, want alice", sk.SignedBy)
	}

	eventually(t, "bob to replicate the skill", func() bool {
		got, err := bob.Store().GetSkill(sk.Hash)
		return err == nil && got != nil
	})

	if err := bobRoom.VoteSkill(ctx, sk.Hash, 1); err != nil {
		t.Fatalf("VoteSkill: %v", err)
	}

	eventually(t, "charlie to see the upvoted skill", func() bool {
		ranked, err := charlie.Store().SearchSkills("", 0)
		return err == nil && len(ranked) == 1 && ranked[0].Score >= 1
	})

	ranked, err := charlie.Store().SearchSkills("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if ranked[0].Skill.SignedBy != alice.Identity() {
		t.Errorf("replicated skill signed_by = %q, want %q", ranked[0].Skill.SignedBy, alice.Identity())
	}
}

func TestRequireSignedDropsUnsignedFrames(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newTestNode(t, hub, "alice")
	aliceRoom, _, err := alice.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := aliceRoom.SetPolicy(store.IdentityPolicy{RequireSigned: true}); err != nil {
		t.Fatal(err)
	}

	// Mallory injects a hand-crafted unsigned memory_created frame
	// straight onto the topic.
	mallory, err := hub.Endpoint("mallory-node").Subscribe(ctx, protocol.Topic("r"))
	if err != nil {
		t.Fatal(err)
	}
	forged := memory.Memory{
		ID:        uuid.New(),
		Author:    "mallory",
		Room:      "r",
		Kind:      memory.KindStatus,
		Content:   "injected",
		CreatedAt: time.Now().UnixMilli(),
	}
	msg, err := protocol.New("r", "mallory-node", "mallory", "evil", protocol.KindMemoryCreated, protocol.MemoryCreated{Memory: forged})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := mallory.Broadcast(ctx, raw); err != nil {
		t.Fatal(err)
	}

	// Give the frame time to be (not) applied.
	time.Sleep(150 * time.Millisecond)
	got, err := alice.Store().GetMemory(forged.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("unsigned frame must be dropped in a require_signed room")
	}
}

func TestWhitelistEnforcement(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newTestNode(t, hub, "alice")
	bob := newTestNode(t, hub, "bob")
	carol := newTestNode(t, hub, "carol")

	aliceRoom, _, err := alice.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	bobRoom, _, err := bob.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	carolRoom, _, err := carol.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Alice trusts only Bob.
	if err := aliceRoom.SetPolicy(store.IdentityPolicy{Whitelist: []string{bob.Identity()}}); err != nil {
		t.Fatal(err)
	}

	fromBob, err := bobRoom.StoreMemory(ctx, memory.KindContext, "from bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	fromCarol, err := carolRoom.StoreMemory(ctx, memory.KindContext, "from carol", nil)
	if err != nil {
		t.Fatal(err)
	}

	eventually(t, "bob's memory to reach alice", func() bool {
		got, err := alice.Store().GetMemory(fromBob.ID)
		return err == nil && got != nil
	})

	time.Sleep(150 * time.Millisecond)
	got, err := alice.Store().GetMemory(fromCarol.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("carol is not whitelisted; her frame must not change state")
	}

	// Alice's whitelist excludes her own identity, so she can no
	// longer emit frames she could verify herself.
	if err := aliceRoom.NotifyPeers(ctx, "hello"); err == nil {
		t.Error("broadcast must fail when the local identity is not whitelisted")
	}
}

func TestDelegateTaskRoundTrip(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newTestNode(t, hub, "alice")
	bob := newTestNode(t, hub, "bob")

	aliceRoom, _, err := alice.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	bobRoom, _, err := bob.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		outcome TaskOutcome
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		outcome, err := aliceRoom.DelegateTask(ctx, "ping", 5*time.Second)
		resCh <- result{outcome, err}
	}()

	tasks, err := bobRoom.PollPendingTasks(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("PollPendingTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Description != "ping" {
		t.Fatalf("unexpected pending tasks: %+v", tasks)
	}
	if err := bobRoom.SubmitTaskResult(ctx, tasks[0].TaskID, true, "pong", ""); err != nil {
		t.Fatalf("SubmitTaskResult: %v", err)
	}

	select {
	case r := <-resCh:
		if r.err != nil {
			t.Fatalf("DelegateTask: %v", r.err)
		}
		if r.outcome.Status != "completed" || r.outcome.Output != "pong" {
			t.Errorf("outcome = %+v", r.outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delegate did not complete")
	}
}

func TestDelegateTaskTimeoutAndLateResponse(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newTestNode(t, hub, "alice")
	aliceRoom, _, err := alice.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}

	// A bare subscription overhears the task request but answers only
	// after the deadline.
	straggler, err := hub.Endpoint("late-node").Subscribe(ctx, protocol.Topic("r"))
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	outcome, err := aliceRoom.DelegateTask(ctx, "nobody-will-answer", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}
	if outcome.Status != "timeout" {
		t.Errorf("status = %q, want timeout", outcome.Status)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("timeout fired after %v", elapsed)
	}

	// A late TaskResponse for the abandoned id is a no-op.
	var req protocol.TaskRequest
	select {
	case in := <-straggler.Recv():
		frame, err := protocol.DecodeMessage(in.Payload)
		if err != nil || frame.Kind != protocol.KindTaskRequest {
			t.Fatalf("straggler expected the task request, got %+v (%v)", frame, err)
		}
		if err := frame.Decode(&req); err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("straggler never heard the task request")
	}
	late, err := protocol.New("r", "late-node", "late", "agent", protocol.KindTaskResponse,
		protocol.TaskResponse{TaskID: req.TaskID, Success: true, Output: "too late"})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := late.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := straggler.Broadcast(ctx, raw); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	// Nothing to assert beyond "no panic, no hang": the correlation
	// entry is gone and the frame must be ignored.
}

func TestSkillDedupAcrossAuthors(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newTestNode(t, hub, "alice")
	bob := newTestNode(t, hub, "bob")

	aliceRoom, _, err := alice.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	bobRoom, _, err := bob.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}

	skA, err := aliceRoom.PublishSkill(ctx, "rollback", "run rollback.sh", []string{"ops"}, "")
	if err != nil {
		t.Fatal(err)
	}
	skB, err := bobRoom.PublishSkill(ctx, "rollback", "run rollback.sh", []string{"ops"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if skA.Hash != skB.Hash {
		t.Fatalf("identical content must hash identically: %s vs %s", skA.Hash, skB.Hash)
	}

	eventually(t, "both stores to hold exactly one skill", func() bool {
		a, errA := alice.Store().SearchSkills("", 0)
		b, errB := bob.Store().SearchSkills("", 0)
		return errA == nil && errB == nil && len(a) == 1 && len(b) == 1
	})

	if err := aliceRoom.VoteSkill(ctx, skA.Hash, 1); err != nil {
		t.Fatal(err)
	}
	if err := bobRoom.VoteSkill(ctx, skB.Hash, 1); err != nil {
		t.Fatal(err)
	}

	eventually(t, "score to aggregate to +2 on both peers", func() bool {
		a, errA := alice.Store().SkillScore(skA.Hash)
		b, errB := bob.Store().SkillScore(skB.Hash)
		return errA == nil && errB == nil && a == 2 && b == 2
	})
}

func TestDistributedSearchMergesPeerResults(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newTestNode(t, hub, "alice")
	bob := newTestNode(t, hub, "bob")

	aliceRoom, _, err := alice.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := bob.JoinRoom(ctx, "r", nil); err != nil {
		t.Fatal(err)
	}

	// Seed bob with a memory alice does not have by writing it
	// directly to bob's local store.
	only := &memory.Memory{
		ID:        uuid.New(),
		Author:    "bob",
		Agent:     "bob-agent",
		Room:      "r",
		Kind:      memory.KindContext,
		Content:   "bob remembers the outage",
		Tags:      []string{"incident"},
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := bob.Store().UpsertMemory(only); err != nil {
		t.Fatal(err)
	}
	if _, err := aliceRoom.StoreMemory(ctx, memory.KindContext, "alice remembers the fix", nil); err != nil {
		t.Fatal(err)
	}

	results, err := aliceRoom.SearchMemory(ctx, "remembers", "", "", 10, 700*time.Millisecond)
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected union of local and peer results, got %d: %+v", len(results), results)
	}
	foundRemote := false
	for _, m := range results {
		if m.ID == only.ID {
			foundRemote = true
		}
	}
	if !foundRemote {
		t.Error("peer-only memory missing from distributed search")
	}
}

func TestLoopbackFramesIgnored(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newTestNode(t, hub, "alice")
	aliceRoom, _, err := alice.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Replay alice's own frame as if the gossip layer echoed it back.
	echo, err := hub.Endpoint("echo").Subscribe(ctx, protocol.Topic("r"))
	if err != nil {
		t.Fatal(err)
	}
	m, err := aliceRoom.StoreMemory(ctx, memory.KindStatus, "once only", nil)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := protocol.New("r", alice.NodeID(), "alice", "alice-agent", protocol.KindMemoryCreated,
		protocol.MemoryCreated{Memory: *m})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := echo.Broadcast(ctx, raw); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	list, err := alice.Store().ListMemories(memory.Filters{Room: "r"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("loopback frame must not double-apply: %d entries", len(list))
	}
}

func TestJoinLeaveLifecycle(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newTestNode(t, hub, "alice")

	coord, ticket, err := alice.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if ticket.Room != "r" || ticket.Topic != protocol.Topic("r") {
		t.Errorf("bad ticket: %+v", ticket)
	}

	if _, _, err := alice.JoinRoom(ctx, "r", nil); err == nil {
		t.Error("second join must report already joined")
	}

	if got := alice.ListRooms(); len(got) != 1 || got[0] != "r" {
		t.Errorf("ListRooms = %v", got)
	}

	// In-flight waiters fail with Cancelled when the room closes.
	errCh := make(chan error, 1)
	go func() {
		_, err := coord.DelegateTask(ctx, "will-be-cancelled", 10*time.Second)
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)

	if err := alice.LeaveRoom("r"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("delegate during leave must fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delegate did not observe cancellation")
	}

	if err := alice.LeaveRoom("r"); err == nil {
		t.Error("second leave must report not joined")
	}
	if _, err := alice.Room("r"); err == nil {
		t.Error("Room after leave must report not joined")
	}

	// A room that was left can be joined again.
	if _, _, err := alice.JoinRoom(ctx, "r", nil); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
}

func TestUnknownSkillVoteRejected(t *testing.T) {
	hub := transport.NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice := newTestNode(t, hub, "alice")
	aliceRoom, _, err := alice.JoinRoom(ctx, "r", nil)
	if err != nil {
		t.Fatal(err)
	}

	err = aliceRoom.VoteSkill(ctx, "does-not-exist", 1)
	if err == nil {
		t.Fatal("voting an unknown skill must fail")
	}
	if err := aliceRoom.VoteSkill(ctx, "whatever", 3); err == nil {
		t.Fatal("vote value outside ±1 must fail")
	}
}
