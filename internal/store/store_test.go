package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/chat"
	"chatrelay/pkg/logx"
)

func msg(id, author, body string, visible bool) chat.Message {
	return chat.Message{
		ID:        id,
		Author:    author,
		Body:      body,
		RawBody:   body,
		Type:      chat.MessageSent,
		Visible:   visible,
		Timestamp: time.Now().UTC(),
	}
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "chat.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = mem.Close()
		_ = sq.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestAppendOrderAndQuery(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"a", "b", "c"} {
				if err := st.Append(ctx, msg(id, "alice", "hi "+id, true)); err != nil {
					t.Fatalf("append %s: %v", id, err)
				}
			}

			got, err := st.Query(ctx, Filter{})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 messages, got %d", len(got))
			}
			for i, id := range []string{"a", "b", "c"} {
				if got[i].ID != id {
					t.Fatalf("append order lost: index %d has id %s", i, got[i].ID)
				}
			}
		})
	}
}

func TestAppendConflict(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Append(ctx, msg("dup", "alice", "one", true)); err != nil {
				t.Fatalf("first append: %v", err)
			}
			err := st.Append(ctx, msg("dup", "bob", "two", true))
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}

			// Log untouched by the rejected append.
			got, _ := st.Query(ctx, Filter{})
			if len(got) != 1 || got[0].Author != "alice" {
				t.Fatalf("conflict mutated the log: %+v", got)
			}
		})
	}
}

func TestAppendConflictUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			// Racing appends of the same id: exactly one wins, the rest see
			// ErrConflict rather than a raw driver error.
			const racers = 8
			errs := make(chan error, racers)
			var start sync.WaitGroup
			start.Add(1)
			for i := 0; i < racers; i++ {
				go func(n int) {
					start.Wait()
					errs <- st.Append(ctx, msg("contested", "racer", "body", true))
				}(i)
			}
			start.Done()

			okCount, conflictCount := 0, 0
			for i := 0; i < racers; i++ {
				switch err := <-errs; {
				case err == nil:
					okCount++
				case errors.Is(err, ErrConflict):
					conflictCount++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if okCount != 1 || conflictCount != racers-1 {
				t.Fatalf("got %d successes and %d conflicts", okCount, conflictCount)
			}

			got, _ := st.Query(ctx, Filter{})
			if len(got) != 1 {
				t.Fatalf("expected a single stored message, got %d", len(got))
			}
		})
	}
}

func TestVisibleOnlyFilter(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_ = st.Append(ctx, msg("v1", "a", "shown", true))
			_ = st.Append(ctx, msg("h1", "a", "hidden", false))
			_ = st.Append(ctx, msg("v2", "a", "shown too", true))

			got, err := st.Query(ctx, Filter{VisibleOnly: true})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != 2 || got[0].ID != "v1" || got[1].ID != "v2" {
				t.Fatalf("unexpected filtered result: %+v", got)
			}
		})
	}
}

func TestSetVisibility(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_ = st.Append(ctx, msg("x", "a", "b", true))

			changed, err := st.SetVisibility(ctx, []string{"x", "nope"}, false)
			if err != nil {
				t.Fatalf("set visibility: %v", err)
			}
			if changed != 1 {
				t.Fatalf("expected 1 change, got %d", changed)
			}

			m, err := st.GetByID(ctx, "x")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if m.Visible {
				t.Fatalf("message still visible")
			}
		})
	}
}

func TestGetByIDNotFound(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.GetByID(ctx, "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Append(ctx, msg("persist", "alice", "<p>hello</p>", true)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	m, err := st2.GetByID(ctx, "persist")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if m.Body != "<p>hello</p>" || m.Author != "alice" {
		t.Fatalf("unexpected message after reopen: %+v", m)
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
