package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rallylink/coordinator/internal/logging"
)

func TestMemoryStoreSaveDelete(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()

	record := map[string]any{"name": "Server One", "ping": 42}
	if err := memory.Save(ctx, KindServer, "srv-1", record); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := memory.Get(KindServer, "srv-1"); !ok {
		t.Fatal("expected record to be stored")
	}
	if err := memory.Delete(ctx, KindServer, "srv-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := memory.Get(KindServer, "srv-1"); ok {
		t.Fatal("expected record to be removed")
	}
	// Deleting an absent id is a no-op, not an error.
	if err := memory.Delete(ctx, KindServer, "srv-1"); err != nil {
		t.Fatalf("repeat Delete: %v", err)
	}
}

// flakyStore fails a configured number of times before succeeding.
type flakyStore struct {
	mu        sync.Mutex
	failures  int
	saves     int
	deletes   int
	succeeded []string
}

func (f *flakyStore) Save(_ context.Context, _ Kind, id string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.failures > 0 {
		f.failures--
		return errors.New("transient store outage")
	}
	f.succeeded = append(f.succeeded, id)
	return nil
}

func (f *flakyStore) Delete(_ context.Context, _ Kind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

func TestAsyncWriterRetriesTransientFailures(t *testing.T) {
	backend := &flakyStore{failures: 2}
	writer := NewAsyncWriter(backend,
		WithWriterLogger(logging.NewTestLogger()),
		WithWriterBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
		}))

	if err := writer.Save(context.Background(), KindSession, "sess-1", map[string]string{"id": "sess-1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.saves != 3 {
		t.Fatalf("expected 3 attempts (2 failures + success), got %d", backend.saves)
	}
	if len(backend.succeeded) != 1 || backend.succeeded[0] != "sess-1" {
		t.Fatalf("expected sess-1 to persist, got %#v", backend.succeeded)
	}
}

func TestAsyncWriterPreservesOperationOrder(t *testing.T) {
	memory := NewMemoryStore()
	writer := NewAsyncWriter(memory, WithWriterLogger(logging.NewTestLogger()))

	ctx := context.Background()
	if err := writer.Save(ctx, KindLobby, "lobby-1", map[string]string{"name": "warmup"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := writer.Delete(ctx, KindLobby, "lobby-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := memory.Get(KindLobby, "lobby-1"); ok {
		t.Fatal("delete enqueued after save must win")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := t.TempDir() + "/records.zst"

	first, err := NewFileStore(path, WithFileStoreLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if err := first.Save(ctx, KindServer, "srv-1", map[string]any{"name": "Server One"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := first.Save(ctx, KindLobby, "lobby-1", map[string]any{"name": "warmup"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := first.Delete(ctx, KindLobby, "lobby-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := NewFileStore(path, WithFileStoreLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	if _, ok := second.Get(KindServer, "srv-1"); !ok {
		t.Fatal("expected server record to survive reopen")
	}
	if _, ok := second.Get(KindLobby, "lobby-1"); ok {
		t.Fatal("deleted lobby must not survive reopen")
	}
}
