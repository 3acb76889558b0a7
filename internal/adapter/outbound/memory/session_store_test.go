package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
)

func TestSessionStore_AddAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()

	sess := &session.Session{ID: "sess-1", Number: 7, ClientAddr: "192.0.2.10:40312"}

	if err := store.Add(ctx, sess); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	if got != sess {
		t.Error("Get() should return the live session pointer")
	}
	if got.Number != 7 {
		t.Errorf("Number = %d, want 7", got.Number)
	}
}

func TestSessionStore_GetNonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()

	_, err := store.Get(ctx, "nonexistent")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionStore_Remove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()

	if err := store.Add(ctx, &session.Session{ID: "sess-1"}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	if err := store.Remove(ctx, "sess-1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	if _, err := store.Get(ctx, "sess-1"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Get() after Remove error = %v, want ErrSessionNotFound", err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 0 {
		t.Errorf("Count() = %d, want 0", count)
	}
}

func TestSessionStore_RemoveUnknownIsNoError(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()

	if err := store.Remove(context.Background(), "never-added"); err != nil {
		t.Errorf("Remove(unknown) error = %v, want nil", err)
	}
}

func TestSessionStore_ListInsertionOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()

	for i := 0; i < 5; i++ {
		sess := &session.Session{ID: fmt.Sprintf("sess-%d", i), Number: uint64(i)}
		if err := store.Add(ctx, sess); err != nil {
			t.Fatalf("Add() error: %v", err)
		}
	}

	// Remove one from the middle
	if err := store.Remove(ctx, "sess-2"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}

	wantIDs := []string{"sess-0", "sess-1", "sess-3", "sess-4"}
	if len(list) != len(wantIDs) {
		t.Fatalf("List() returned %d sessions, want %d", len(list), len(wantIDs))
	}
	for i, want := range wantIDs {
		if list[i].ID != want {
			t.Errorf("List()[%d].ID = %q, want %q", i, list[i].ID, want)
		}
	}
}

func TestSessionStore_ReAddKeepsPosition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()

	first := &session.Session{ID: "sess-a", Number: 1}
	second := &session.Session{ID: "sess-b", Number: 2}

	_ = store.Add(ctx, first)
	_ = store.Add(ctx, second)

	// Re-add sess-a; it should not move to the end or duplicate
	replacement := &session.Session{ID: "sess-a", Number: 3}
	_ = store.Add(ctx, replacement)

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() returned %d sessions, want 2", len(list))
	}
	if list[0].ID != "sess-a" || list[0].Number != 3 {
		t.Errorf("List()[0] = {%s %d}, want {sess-a 3}", list[0].ID, list[0].Number)
	}
	if list[1].ID != "sess-b" {
		t.Errorf("List()[1].ID = %q, want sess-b", list[1].ID)
	}
}

func TestSessionStore_Count(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()

	for i := 0; i < 3; i++ {
		_ = store.Add(ctx, &session.Session{ID: fmt.Sprintf("sess-%d", i)})
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 3 {
		t.Errorf("Count() = %d, want 3", count)
	}
}

func TestSessionStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()

	var wg sync.WaitGroup

	// Concurrent adds
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_ = store.Add(ctx, &session.Session{ID: fmt.Sprintf("sess-%d", idx)})
		}(i)
	}

	// Concurrent reads
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.List(ctx)
			_, _ = store.Count(ctx)
		}()
	}

	// Concurrent removes of half the IDs
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_ = store.Remove(ctx, fmt.Sprintf("sess-%d", idx))
		}(i)
	}

	wg.Wait()

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count < 25 || count > 50 {
		t.Errorf("Count() after concurrent ops = %d, want between 25 and 50", count)
	}
}
