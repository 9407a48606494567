package audit

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/relay/migrations"
	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrations.RunMigrations(db, zerolog.Nop()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t), zerolog.Nop())

	rec, err := store.Create(ctx, "job-1", `[{"role":"user","content":"hi"}]`, &Fingerprint{PID: 42, StartTime: 1000})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.AttemptID == "" {
		t.Fatal("expected attempt id")
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.Owner == nil || got.Owner.PID != 42 || got.Owner.StartTime != 1000 {
		t.Errorf("unexpected owner %+v", got.Owner)
	}
	if got.ResponsePayload != "" || got.DurationSeconds != nil {
		t.Errorf("expected empty response and duration, got %q %v", got.ResponsePayload, got.DurationSeconds)
	}
}

func TestGetMissing(t *testing.T) {
	store := NewStore(setupTestDB(t), zerolog.Nop())
	if _, err := store.Get(context.Background(), 999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusMachine(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t), zerolog.Nop())
	rec, err := store.Create(ctx, "job-2", "{}", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Closing before admission is refused.
	changed, err := store.Close(ctx, rec.ID, StatusCompleted, "{}", 1, "")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if changed {
		t.Fatal("pending record must not close directly")
	}

	changed, err = store.Transition(ctx, rec.ID, []Status{StatusPending}, StatusInProgress, "admitted")
	if err != nil || !changed {
		t.Fatalf("Transition to in_progress: changed=%v err=%v", changed, err)
	}

	changed, err = store.Close(ctx, rec.ID, StatusCompleted, `{"ok":true}`, 1.25, "done")
	if err != nil || !changed {
		t.Fatalf("Close: changed=%v err=%v", changed, err)
	}

	// Terminal rows are immutable apart from comments.
	changed, err = store.Transition(ctx, rec.ID, NonTerminal, StatusFailed, "late")
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if changed {
		t.Fatal("completed record must not transition")
	}
	if err := store.AppendComment(ctx, rec.ID, "note after close"); err != nil {
		t.Fatalf("AppendComment: %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.ResponsePayload != `{"ok":true}` {
		t.Errorf("unexpected response %q", got.ResponsePayload)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != 1.25 {
		t.Errorf("unexpected duration %v", got.DurationSeconds)
	}
	lines := strings.Split(strings.TrimSpace(got.Comments), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 comment lines, got %d: %q", len(lines), got.Comments)
	}
	if !strings.HasSuffix(lines[2], "] note after close") {
		t.Errorf("unexpected last comment %q", lines[2])
	}
}

func TestListActiveExcludesSelfAndTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t), zerolog.Nop())

	a, _ := store.Create(ctx, "k", "{}", nil)
	b, _ := store.Create(ctx, "k", "{}", nil)
	c, _ := store.Create(ctx, "k", "{}", nil)
	_, _ = store.Create(ctx, "other", "{}", nil)
	if _, err := store.Transition(ctx, b.ID, NonTerminal, StatusFailed, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	active, err := store.ListActive(ctx, "k", c.ID)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("expected only record %d, got %+v", a.ID, active)
	}
}

func TestToolCalls(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t), zerolog.Nop())
	rec, _ := store.Create(ctx, "k", "{}", nil)

	call, err := store.CreateToolCall(ctx, ToolCall{
		RequestLogID:   rec.ID,
		CorrelationKey: "k",
		CallID:         "call_1",
		FunctionName:   "lookup",
		Arguments:      `{"q":"x"}`,
	})
	if err != nil {
		t.Fatalf("CreateToolCall: %v", err)
	}
	if err := store.FinishToolCall(ctx, call.ID, ToolCallFailed, `{"error":"boom"}`, "boom", 0.5); err != nil {
		t.Fatalf("FinishToolCall: %v", err)
	}
	// A second finish is ignored.
	if err := store.FinishToolCall(ctx, call.ID, ToolCallSuccess, "ok", "", 0.1); err != nil {
		t.Fatalf("FinishToolCall: %v", err)
	}

	calls, err := store.ListToolCalls(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Status != ToolCallFailed || calls[0].ErrorMessage != "boom" || calls[0].Output != `{"error":"boom"}` {
		t.Errorf("unexpected call %+v", calls[0])
	}
}

func TestFormatComment(t *testing.T) {
	at := time.Date(2025, 3, 7, 9, 5, 1, 250*int(time.Millisecond), time.UTC)
	if got := FormatComment(at, "hello"); got != "[03-07 09:05:01.250] hello\n" {
		t.Errorf("unexpected comment %q", got)
	}
}
