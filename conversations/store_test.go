package conversations

import (
	"context"
	"database/sql"
	"testing"

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

func TestActiveLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t), zerolog.Nop())

	if _, err := store.Active(ctx, "alice"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	conv, adopted, err := store.Create(ctx, "conv_1", "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if adopted {
		t.Fatal("first create must not adopt")
	}

	got, err := store.Active(ctx, "alice")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if got.RemoteID != "conv_1" || got.ID != conv.ID {
		t.Errorf("unexpected active conversation %+v", got)
	}

	if err := store.Close(ctx, "conv_1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := store.Active(ctx, "alice"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after close, got %v", err)
	}
	// Closing twice is a no-op.
	if err := store.Close(ctx, "conv_1"); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, _, err := store.Create(ctx, "conv_2", "alice"); err != nil {
		t.Fatalf("Create after close: %v", err)
	}
}

func TestCreateAdoptsExistingActive(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t), zerolog.Nop())

	if _, _, err := store.Create(ctx, "conv_a", "bob"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	conv, adopted, err := store.Create(ctx, "conv_b", "bob")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if !adopted {
		t.Fatal("expected second create to adopt the existing conversation")
	}
	if conv.RemoteID != "conv_a" {
		t.Errorf("expected conv_a, got %s", conv.RemoteID)
	}

	// Different owners do not collide.
	if _, adopted, err := store.Create(ctx, "conv_c", "carol"); err != nil || adopted {
		t.Fatalf("Create for other owner: adopted=%v err=%v", adopted, err)
	}
}
