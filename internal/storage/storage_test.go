package storage

import (
	"errors"
	"testing"
	"time"
)

func TestEnsureSession(t *testing.T) {
	db := testDB(t)

	s, err := db.EnsureSession("telegram:u1", "telegram", "u1")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if s.Platform != "telegram" || s.SenderID != "u1" {
		t.Errorf("session = %+v", s)
	}

	// Second call returns the existing row.
	again, err := db.EnsureSession("telegram:u1", "telegram", "u1")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if !again.CreatedAt.Equal(s.CreatedAt) {
		t.Errorf("created_at changed: %v vs %v", again.CreatedAt, s.CreatedAt)
	}
}

func TestDegradedStreak(t *testing.T) {
	db := testDB(t)

	if _, err := db.EnsureSession("s1", "cli", "u1"); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if _, err := db.EnsureSession("s2", "cli", "u2"); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	if err := db.SetDegradedStreak("s1", 2); err != nil {
		t.Fatalf("SetDegradedStreak failed: %v", err)
	}
	if err := db.SetDegradedStreak("s2", 4); err != nil {
		t.Fatalf("SetDegradedStreak failed: %v", err)
	}

	max, err := db.MaxDegradedStreak()
	if err != nil {
		t.Fatalf("MaxDegradedStreak failed: %v", err)
	}
	if max != 4 {
		t.Errorf("max = %d, want 4", max)
	}
}

func TestAppendAndGetMessages(t *testing.T) {
	db := testDB(t)

	if _, err := db.EnsureSession("s1", "cli", "u1"); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	if _, err := db.AppendMessage("s1", "user", "hi", nil, ""); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if _, err := db.AppendMessage("s1", "assistant", "hello", nil, ""); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	msgs, err := db.GetMessages("s1", 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
}

func TestKV_TTL(t *testing.T) {
	db := testDB(t)

	if err := db.SetKV("k", "v", 0); err != nil {
		t.Fatalf("SetKV failed: %v", err)
	}
	v, err := db.GetKV("k")
	if err != nil || v != "v" {
		t.Fatalf("GetKV = %q, %v", v, err)
	}

	// Expired rows are deleted on read.
	if err := db.SetKV("exp", "v", time.Nanosecond); err != nil {
		t.Fatalf("SetKV failed: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := db.GetKV("exp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetKV error = %v, want ErrNotFound", err)
	}
}

func TestCallbackReceipts_Duplicate(t *testing.T) {
	db := testDB(t)

	key := "task-1:completed:ok"
	if err := db.RecordCallbackReceipt(key, 202, "accepted"); err != nil {
		t.Fatalf("RecordCallbackReceipt failed: %v", err)
	}

	err := db.RecordCallbackReceipt(key, 202, "accepted")
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("second insert error = %v, want ErrDuplicate", err)
	}

	r, err := db.GetCallbackReceipt(key)
	if err != nil {
		t.Fatalf("GetCallbackReceipt failed: %v", err)
	}
	if r.Outcome != "accepted" || r.StatusCode != 202 {
		t.Errorf("receipt = %+v", r)
	}
}

func TestJobLifecycle(t *testing.T) {
	db := testDB(t)

	j, err := db.CreateJob("s1", "b1", "do things", "Research", "find facts")
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if j.State != JobQueued {
		t.Errorf("state = %q, want queued", j.State)
	}

	if err := db.UpdateJobState(j.ID, JobRunning, 1, "", ""); err != nil {
		t.Fatalf("UpdateJobState failed: %v", err)
	}
	if err := db.UpdateJobState(j.ID, JobCompleted, 1, "done", ""); err != nil {
		t.Fatalf("UpdateJobState failed: %v", err)
	}

	got, err := db.GetJob(j.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.State != JobCompleted || got.Output != "done" || got.Attempt != 1 {
		t.Errorf("job = %+v", got)
	}
}

func TestRoutingEvents_Prune(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 10; i++ {
		if err := db.AppendRoutingEvent("p1", "m1", "attempt", "", 5); err != nil {
			t.Fatalf("AppendRoutingEvent failed: %v", err)
		}
	}

	events, err := db.ListRoutingEvents(0)
	if err != nil {
		t.Fatalf("ListRoutingEvents failed: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("event count = %d, want 5 (pruned)", len(events))
	}
}

func TestUsageSince_SkippedExcluded(t *testing.T) {
	db := testDB(t)

	entries := []*UsageEntry{
		{SessionID: "s1", ProviderID: "p1", Stage: "success", RequestTokens: 100, ResponseTokens: 50},
		{SessionID: "s1", ProviderID: "p2", Stage: "failure"},
		{SessionID: "s2", ProviderID: "p1", Stage: "skipped"},
	}
	for _, e := range entries {
		if err := db.AppendUsage(e); err != nil {
			t.Fatalf("AppendUsage failed: %v", err)
		}
	}

	since := time.Now().Add(-time.Minute)
	totals, err := db.UsageSince(since, "", "")
	if err != nil {
		t.Fatalf("UsageSince failed: %v", err)
	}
	if totals.Requests != 2 {
		t.Errorf("requests = %d, want 2 (skipped excluded)", totals.Requests)
	}
	if totals.Tokens != 150 {
		t.Errorf("tokens = %d, want 150", totals.Tokens)
	}

	perSession, err := db.UsageSince(since, "s1", "")
	if err != nil {
		t.Fatalf("UsageSince failed: %v", err)
	}
	if perSession.Requests != 2 {
		t.Errorf("session requests = %d, want 2", perSession.Requests)
	}
}

func TestReasoningNodes_OpposingPolarity(t *testing.T) {
	db := testDB(t)

	pos, err := db.UpsertReasoningNode("sky|blue", "the sky is blue", 1)
	if err != nil {
		t.Fatalf("UpsertReasoningNode failed: %v", err)
	}
	neg, err := db.UpsertReasoningNode("sky|blue", "the sky is not blue", -1)
	if err != nil {
		t.Fatalf("UpsertReasoningNode failed: %v", err)
	}
	if pos.ID == neg.ID {
		t.Fatal("opposing polarities must be distinct nodes")
	}

	found, err := db.FindOpposingNode("sky|blue", 1)
	if err != nil {
		t.Fatalf("FindOpposingNode failed: %v", err)
	}
	if found.ID != neg.ID {
		t.Errorf("opposing node = %s, want %s", found.ID, neg.ID)
	}

	// Re-upserting the same claim and polarity refreshes, not duplicates.
	again, err := db.UpsertReasoningNode("sky|blue", "the sky is very blue", 1)
	if err != nil {
		t.Fatalf("UpsertReasoningNode failed: %v", err)
	}
	if again.ID != pos.ID {
		t.Errorf("upsert created a new node: %s vs %s", again.ID, pos.ID)
	}
}

func TestMemoryVectorRoundTrip(t *testing.T) {
	db := testDB(t)

	vec := []float32{0.1, -0.5, 2.25, 0}
	m, err := db.InsertMemory("s1", "some fact", vec)
	if err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	memories, err := db.ListMemories("s1")
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("memory count = %d, want 1", len(memories))
	}
	if memories[0].ID != m.ID {
		t.Errorf("id = %s, want %s", memories[0].ID, m.ID)
	}
	for i, v := range memories[0].Vector {
		if v != vec[i] {
			t.Errorf("vector[%d] = %v, want %v", i, v, vec[i])
		}
	}
}

func TestEdges_CountsAndOrder(t *testing.T) {
	db := testDB(t)

	a, _ := db.UpsertReasoningNode("a", "claim a", 1)
	b, _ := db.UpsertReasoningNode("b", "claim b", 1)
	c, _ := db.UpsertReasoningNode("c", "claim c", 1)

	if err := db.UpsertReasoningEdge(a.ID, b.ID, RelationSupports); err != nil {
		t.Fatalf("UpsertReasoningEdge failed: %v", err)
	}
	if err := db.UpsertReasoningEdge(a.ID, c.ID, RelationContradicts); err != nil {
		t.Fatalf("UpsertReasoningEdge failed: %v", err)
	}

	edges, err := db.ListEdgesFrom(a.ID, 10)
	if err != nil {
		t.Fatalf("ListEdgesFrom failed: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("edge count = %d, want 2", len(edges))
	}

	counts, err := db.CountEdgesByRelation(a.ID)
	if err != nil {
		t.Fatalf("CountEdgesByRelation failed: %v", err)
	}
	if counts[RelationSupports] != 1 || counts[RelationContradicts] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
