package sessions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/talon-ai/talon/pkg/models"
)

func TestDeriveKey(t *testing.T) {
	dm := &models.Inbound{Channel: models.ChannelTelegram, SenderID: "42"}
	if got := DeriveKey(dm); got != "telegram:dm:42" {
		t.Fatalf("dm key = %q", got)
	}

	group := &models.Inbound{Channel: models.ChannelTelegram, SenderID: "42", IsGroup: true, GroupID: "-100"}
	if got := DeriveKey(group); got != "telegram:group:-100" {
		t.Fatalf("group key = %q", got)
	}
	if got := DeriveGroupSenderKey(group); got != "telegram:group:-100:42" {
		t.Fatalf("per-sender group key = %q", got)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, created, err := store.GetOrCreate(ctx, "cli:local", models.ChannelCLI)
	if err != nil || !created {
		t.Fatalf("first GetOrCreate: created=%v err=%v", created, err)
	}
	second, created, err := store.GetOrCreate(ctx, "cli:local", models.ChannelCLI)
	if err != nil || created {
		t.Fatalf("second GetOrCreate: created=%v err=%v", created, err)
	}
	if first.ID != second.ID {
		t.Fatalf("session id changed on repeat lookup: %q vs %q", first.ID, second.ID)
	}
}

func TestResetRotatesIDAndClearsTranscript(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	before, _, err := store.GetOrCreate(ctx, "telegram:dm:1", models.ChannelTelegram)
	if err != nil {
		t.Fatal(err)
	}
	msg := &models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"}
	if err := store.AppendMessage(ctx, "telegram:dm:1", msg); err != nil {
		t.Fatal(err)
	}

	after, err := store.Reset(ctx, "telegram:dm:1")
	if err != nil {
		t.Fatal(err)
	}
	if after.Key != before.Key {
		t.Fatalf("reset changed key: %q", after.Key)
	}
	if after.ID == before.ID {
		t.Fatal("reset did not rotate session id")
	}
	hist, err := store.History(ctx, "telegram:dm:1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Fatalf("transcript not cleared, %d messages remain", len(hist))
	}
}

func TestHistoryLimitReturnsTail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.GetOrCreate(ctx, "k", models.ChannelWeb)

	for i := 0; i < 5; i++ {
		store.AppendMessage(ctx, "k", &models.Message{ID: fmt.Sprintf("m%d", i), Role: models.RoleUser})
	}
	hist, err := store.History(ctx, "k", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].ID != "m3" || hist[1].ID != "m4" {
		t.Fatalf("unexpected tail: %+v", hist)
	}
}

func TestHistoryReturnsClones(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.GetOrCreate(ctx, "k", models.ChannelWeb)
	store.AppendMessage(ctx, "k", &models.Message{ID: "m1", Content: "original"})

	hist, _ := store.History(ctx, "k", 0)
	hist[0].Content = "mutated"

	again, _ := store.History(ctx, "k", 0)
	if again[0].Content != "original" {
		t.Fatal("store state leaked to caller")
	}
}

func TestEvictIdleRemovesStaleSessions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.GetOrCreate(ctx, "stale", models.ChannelWeb)
	store.GetOrCreate(ctx, "fresh", models.ChannelWeb)

	evicted, err := store.EvictIdle(ctx, time.Now().Add(48*time.Hour), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 2 {
		t.Fatalf("expected both sessions evicted, got %d", len(evicted))
	}
	if _, err := store.Get(ctx, "stale"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	store.GetOrCreate(ctx, "fresh", models.ChannelWeb)
	evicted, err = store.EvictIdle(ctx, time.Now(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 0 {
		t.Fatalf("fresh session evicted: %+v", evicted)
	}
}

func TestLockerSerializesPerKey(t *testing.T) {
	locker := NewLocker()
	ctx := context.Background()

	if err := locker.Lock(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if locker.TryLock("a") {
		t.Fatal("second acquire on held key succeeded")
	}
	if !locker.TryLock("b") {
		t.Fatal("independent key blocked")
	}
	locker.Unlock("b")

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := locker.Lock(short, "a"); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline error, got %v", err)
	}

	locker.Unlock("a")
	if err := locker.Lock(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	locker.Unlock("a")
}

func TestRepairTranscriptClosesDanglingCalls(t *testing.T) {
	msgs := []*models.Message{
		{ID: "u1", Role: models.RoleUser, Content: "run it"},
		{ID: "a1", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "shell"}}},
		{ID: "u2", Role: models.RoleUser, Content: "still there?"},
	}

	repaired := RepairTranscript(msgs)
	if len(repaired) != 4 {
		t.Fatalf("expected synthetic result inserted, got %d messages", len(repaired))
	}
	synth := repaired[2]
	if synth.Role != models.RoleTool || len(synth.ToolResults) != 1 {
		t.Fatalf("unexpected synthetic message: %+v", synth)
	}
	if synth.ToolResults[0].ToolCallID != "c1" || !synth.ToolResults[0].IsError {
		t.Fatalf("unexpected synthetic result: %+v", synth.ToolResults[0])
	}
}

func TestRepairTranscriptDropsOrphanResults(t *testing.T) {
	msgs := []*models.Message{
		{ID: "t1", Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "ghost", Content: "x"}}},
		{ID: "u1", Role: models.RoleUser, Content: "hello"},
	}

	repaired := RepairTranscript(msgs)
	if len(repaired) != 1 || repaired[0].ID != "u1" {
		t.Fatalf("orphan result survived: %+v", repaired)
	}
}

func TestRepairTranscriptKeepsValidPairs(t *testing.T) {
	msgs := []*models.Message{
		{ID: "a1", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "read_file"}}},
		{ID: "t1", Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "ok"}}},
	}

	repaired := RepairTranscript(msgs)
	if len(repaired) != 2 {
		t.Fatalf("valid pair altered: %+v", repaired)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := t.TempDir() + "/sessions.db"
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	sess, created, err := store.GetOrCreate(ctx, "telegram:dm:9", models.ChannelTelegram)
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	msg := &models.Message{
		ID:      "m1",
		Role:    models.RoleAssistant,
		Content: "done",
		ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "shell", Input: []byte(`{"command":"ls"}`)},
		},
	}
	if err := store.AppendMessage(ctx, sess.Key, msg); err != nil {
		t.Fatal(err)
	}

	hist, err := store.History(ctx, sess.Key, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].ID != "m1" || len(hist[0].ToolCalls) != 1 {
		t.Fatalf("unexpected history: %+v", hist)
	}

	got, err := store.Get(ctx, sess.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != 1 {
		t.Fatalf("message count = %d", got.MessageCount)
	}

	reset, err := store.Reset(ctx, sess.Key)
	if err != nil {
		t.Fatal(err)
	}
	if reset.ID == sess.ID || reset.MessageCount != 0 {
		t.Fatalf("reset did not rotate/clear: %+v", reset)
	}
}
