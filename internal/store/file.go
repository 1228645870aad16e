package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"rallylink/coordinator/internal/logging"
)

const defaultFlushInterval = 5 * time.Second

// FileStore persists records as a zstd-compressed JSON document on local disk.
// Mutations mark the state dirty and a background loop flushes on an interval
// or on demand, so callers never pay disk latency inline.
type FileStore struct {
	mu     sync.Mutex
	path   string
	logger *logging.Logger

	state map[Kind]map[string][]byte
	dirty bool

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type fileDocument struct {
	SavedAt     time.Time                  `json:"saved_at"`
	Collections map[Kind]map[string][]byte `json:"collections"`
}

// FileStoreOption configures optional FileStore behaviour.
type FileStoreOption func(*FileStore)

// WithFileStoreLogger injects a logger for flush diagnostics.
func WithFileStoreLogger(logger *logging.Logger) FileStoreOption {
	return func(s *FileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFileStore opens (or creates) the record log at path and starts the flush loop.
func NewFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path must not be empty")
	}
	store := &FileStore{
		path:    path,
		logger:  logging.L(),
		state:   make(map[Kind]map[string][]byte),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	go store.loop()
	return store, nil
}

// Save marshals the record and schedules a flush.
func (s *FileStore) Save(_ context.Context, kind Kind, id string, record any) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	collection, ok := s.state[kind]
	if !ok {
		collection = make(map[string][]byte)
		s.state[kind] = collection
	}
	collection[id] = blob
	s.dirty = true
	s.mu.Unlock()
	s.signalFlush()
	return nil
}

// Delete removes the record and schedules a flush; absent ids are a no-op.
func (s *FileStore) Delete(_ context.Context, kind Kind, id string) error {
	s.mu.Lock()
	if collection, ok := s.state[kind]; ok {
		if _, present := collection[id]; present {
			delete(collection, id)
			s.dirty = true
		}
	}
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		s.signalFlush()
	}
	return nil
}

// Get returns the stored bytes for (kind, id), primarily for startup reloads and tests.
func (s *FileStore) Get(kind Kind, id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	collection, ok := s.state[kind]
	if !ok {
		return nil, false
	}
	blob, ok := collection[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), blob...), true
}

func (s *FileStore) signalFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer decoder.Close()
	blob, err := decoder.DecodeAll(raw, nil)
	if err != nil {
		return err
	}
	var document fileDocument
	if err := json.Unmarshal(blob, &document); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, collection := range document.Collections {
		clone := make(map[string][]byte, len(collection))
		for id, record := range collection {
			clone[id] = append([]byte(nil), record...)
		}
		s.state[kind] = clone
	}
	return nil
}

func (s *FileStore) loop() {
	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

// Flush writes the current state to disk when dirty.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	document := fileDocument{SavedAt: time.Now().UTC(), Collections: make(map[Kind]map[string][]byte, len(s.state))}
	for kind, collection := range s.state {
		clone := make(map[string][]byte, len(collection))
		for id, record := range collection {
			clone[id] = append([]byte(nil), record...)
		}
		document.Collections[kind] = clone
	}
	s.dirty = false
	s.mu.Unlock()

	blob, err := json.Marshal(document)
	if err != nil {
		return err
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := encoder.EncodeAll(blob, nil)
	if err := encoder.Close(); err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return os.WriteFile(s.path, compressed, 0o644)
}

func (s *FileStore) flush() {
	if err := s.Flush(); err != nil {
		s.logger.Error("failed to flush record store", logging.Error(err))
	}
}

// Close stops the flush loop after persisting any pending state.
func (s *FileStore) Close() error {
	if s == nil {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
