package store

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// Kind names a durable record collection.
type Kind string

const (
	// KindServer holds advertised game server records.
	KindServer Kind = "servers"
	// KindSession holds live session records.
	KindSession Kind = "sessions"
	// KindLobby holds pre-match lobby records.
	KindLobby Kind = "lobbies"
)

// Store is the minimal save/delete contract the coordinator requires from its
// durable record store. No transactional cross-record guarantees are expected,
// and implementations must tolerate repeated deletes of absent ids.
type Store interface {
	Save(ctx context.Context, kind Kind, id string, record any) error
	Delete(ctx context.Context, kind Kind, id string) error
}

var json = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

// MemoryStore keeps records in process memory. It backs tests and the default
// deployment profile where durability is not required.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Kind]map[string][]byte
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Kind]map[string][]byte)}
}

// Save marshals the record and retains it under (kind, id).
func (s *MemoryStore) Save(_ context.Context, kind Kind, id string, record any) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	collection, ok := s.records[kind]
	if !ok {
		collection = make(map[string][]byte)
		s.records[kind] = collection
	}
	collection[id] = blob
	return nil
}

// Delete removes the record under (kind, id); absent ids are a no-op.
func (s *MemoryStore) Delete(_ context.Context, kind Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if collection, ok := s.records[kind]; ok {
		delete(collection, id)
	}
	return nil
}

// Get returns the raw stored bytes for (kind, id), primarily for tests.
func (s *MemoryStore) Get(kind Kind, id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	collection, ok := s.records[kind]
	if !ok {
		return nil, false
	}
	blob, ok := collection[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), blob...), true
}

// Count reports how many records exist under the kind.
func (s *MemoryStore) Count(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[kind])
}
