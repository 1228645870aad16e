package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"rallylink/coordinator/internal/auth"
	"rallylink/coordinator/internal/logging"
	"rallylink/coordinator/internal/store"
)

const (
	defaultSessionMaxPlayers = 8
	defaultLobbyName         = "New Lobby"
	defaultLobbyMaxPlayers   = 4
	defaultUsername          = "Guest"
)

// Join failures are part of the wire contract and map one-to-one onto the
// error codes clients already understand.
var (
	ErrSessionNotFound = errors.New("session_not_found")
	ErrSessionFull     = errors.New("session_full")
	ErrLobbyNotFound   = errors.New("lobby_not_found")
	ErrLobbyFull       = errors.New("lobby_full")
	ErrInvalidPassword = errors.New("invalid_password")
	ErrUnknownPlayer   = errors.New("unknown_player")
)

// Status tracks where a session sits in its lifecycle. A session never leaves
// Empty again; the reaper removes it once the empty timeout elapses.
type Status string

const (
	StatusOpen  Status = "open"
	StatusFull  Status = "full"
	StatusEmpty Status = "empty"
)

// Record is one live session: a server-hosted match grouping connections.
type Record struct {
	ID         string    `json:"session_id"`
	Key        string    `json:"session_key"`
	Public     bool      `json:"public"`
	MaxPlayers int       `json:"max_players"`
	Password   string    `json:"-"`
	GameMode   string    `json:"game_mode"`
	Members    []string  `json:"members"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	emptySince time.Time
}

// Summary is the public listing shape for a session.
type Summary struct {
	ID          string    `json:"session_id"`
	Players     int       `json:"players"`
	MaxPlayers  int       `json:"max_players"`
	GameMode    string    `json:"game_mode"`
	HasPassword bool      `json:"has_password"`
	CreatedAt   time.Time `json:"created_at"`
}

// Options configures an explicit session creation.
type Options struct {
	Public     bool
	MaxPlayers int
	Password   string
	GameMode   string
}

// Player is the per-connection record binding a connection to its one session.
type Player struct {
	ConnID      string    `json:"conn_id"`
	SessionID   string    `json:"session_id"`
	Username    string    `json:"username"`
	Address     string    `json:"address"`
	ConnectedAt time.Time `json:"connected_at"`
}

// StoreOption configures optional behaviour of the session store.
type StoreOption func(*SessionStore)

// WithStoreClock overrides the time source for deterministic tests.
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *SessionStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithStoreLogger injects a logger for membership diagnostics.
func WithStoreLogger(logger *logging.Logger) StoreOption {
	return func(s *SessionStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithKeyGenerator overrides session key minting, mainly for tests.
func WithKeyGenerator(gen func() string) StoreOption {
	return func(s *SessionStore) {
		if gen != nil {
			s.keygen = gen
		}
	}
}

// SessionStore owns sessions, lobbies, and the per-connection player records.
// One mutex serializes every mutation; persistence happens after unlock.
type SessionStore struct {
	now     func() time.Time
	logger  *logging.Logger
	records store.Store
	keygen  func() string

	mu       sync.Mutex
	sessions map[string]*Record
	lobbies  map[string]*Lobby
	players  map[string]*Player
}

func defaultSessionKey() string {
	key, err := auth.GenerateSessionKey()
	if err != nil {
		return ""
	}
	return key
}

// NewSessionStore constructs an empty store persisting through records.
func NewSessionStore(records store.Store, opts ...StoreOption) *SessionStore {
	s := &SessionStore{
		now:      time.Now,
		logger:   logging.L(),
		records:  records,
		keygen:   defaultSessionKey,
		sessions: make(map[string]*Record),
		lobbies:  make(map[string]*Lobby),
		players:  make(map[string]*Player),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Connect records a new player and seats them in an implicit private session.
// The returned record carries the session id handed back during the handshake.
func (s *SessionStore) Connect(connID, username, address string) Player {
	if strings.TrimSpace(username) == "" {
		username = defaultUsername
	}
	now := s.now()
	record := s.newSession(Options{MaxPlayers: defaultSessionMaxPlayers}, now)

	s.mu.Lock()
	record.Members = append(record.Members, connID)
	s.sessions[record.ID] = record
	player := &Player{
		ConnID:      connID,
		SessionID:   record.ID,
		Username:    username,
		Address:     address,
		ConnectedAt: now,
	}
	s.players[connID] = player
	snapshot := *player
	persisted := *record
	s.mu.Unlock()

	s.persistSession(persisted)
	return snapshot
}

// Disconnect releases the player's session membership and drops their record.
// Safe to call for an unknown connection; abrupt transport closes reach here too.
func (s *SessionStore) Disconnect(connID string) {
	s.LeaveSession(connID)
	s.mu.Lock()
	delete(s.players, connID)
	s.mu.Unlock()
}

// Player returns a copy of the record for the connection.
func (s *SessionStore) Player(connID string) (Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[connID]
	if !ok {
		return Player{}, false
	}
	return *player, true
}

// SetUsername updates the stored display name for the connection.
func (s *SessionStore) SetUsername(connID, username string) bool {
	if strings.TrimSpace(username) == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[connID]
	if !ok {
		return false
	}
	player.Username = username
	return true
}

// CreateSession opens a new explicit session with the caller as sole member.
// The caller is moved out of whatever session they occupied before.
func (s *SessionStore) CreateSession(connID string, opts Options) (Record, error) {
	now := s.now()
	record := s.newSession(opts, now)

	s.mu.Lock()
	player, ok := s.players[connID]
	if !ok {
		s.mu.Unlock()
		return Record{}, ErrUnknownPlayer
	}
	previous := s.detachLocked(connID, now)
	record.Members = append(record.Members, connID)
	s.sessions[record.ID] = record
	player.SessionID = record.ID
	snapshot := cloneSession(record)
	var prevSnapshot *Record
	if previous != nil {
		copied := cloneSession(previous)
		prevSnapshot = &copied
	}
	s.mu.Unlock()

	if prevSnapshot != nil {
		s.persistSession(*prevSnapshot)
	}
	s.persistSession(snapshot)
	return snapshot, nil
}

// JoinSession appends the caller to an existing session. Empty sessions are
// already condemned and behave as absent.
func (s *SessionStore) JoinSession(connID, sessionID, password string) (Record, error) {
	now := s.now()
	s.mu.Lock()
	player, ok := s.players[connID]
	if !ok {
		s.mu.Unlock()
		return Record{}, ErrUnknownPlayer
	}
	record, ok := s.sessions[sessionID]
	if !ok || record.Status == StatusEmpty {
		s.mu.Unlock()
		return Record{}, ErrSessionNotFound
	}
	if record.Password != "" && record.Password != password {
		s.mu.Unlock()
		return Record{}, ErrInvalidPassword
	}
	if len(record.Members) >= record.MaxPlayers {
		s.mu.Unlock()
		return Record{}, ErrSessionFull
	}
	previous := s.detachLocked(connID, now)
	record.Members = append(record.Members, connID)
	record.Status = statusFor(len(record.Members), record.MaxPlayers)
	record.UpdatedAt = now
	player.SessionID = record.ID
	snapshot := cloneSession(record)
	var prevSnapshot *Record
	if previous != nil {
		copied := cloneSession(previous)
		prevSnapshot = &copied
	}
	s.mu.Unlock()

	if prevSnapshot != nil {
		s.persistSession(*prevSnapshot)
	}
	s.persistSession(snapshot)
	return snapshot, nil
}

// LeaveSession removes the caller from their current session. The empty timer
// starts when the last member walks out; the reaper evaluates it later.
func (s *SessionStore) LeaveSession(connID string) {
	now := s.now()
	s.mu.Lock()
	player, ok := s.players[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	previous := s.detachLocked(connID, now)
	player.SessionID = ""
	var snapshot *Record
	if previous != nil {
		copied := cloneSession(previous)
		snapshot = &copied
	}
	s.mu.Unlock()

	if snapshot != nil {
		s.persistSession(*snapshot)
	}
}

// detachLocked pulls the connection out of its current session and returns the
// mutated session, or nil when the player was unseated. Caller holds s.mu.
func (s *SessionStore) detachLocked(connID string, now time.Time) *Record {
	player, ok := s.players[connID]
	if !ok || player.SessionID == "" {
		return nil
	}
	record, ok := s.sessions[player.SessionID]
	if !ok {
		return nil
	}
	for i, member := range record.Members {
		if member == connID {
			record.Members = append(record.Members[:i], record.Members[i+1:]...)
			break
		}
	}
	record.UpdatedAt = now
	if len(record.Members) == 0 {
		record.Status = StatusEmpty
		record.emptySince = now
	} else {
		record.Status = statusFor(len(record.Members), record.MaxPlayers)
	}
	return record
}

// Session returns a copy of the session record by id.
func (s *SessionStore) Session(sessionID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return Record{}, false
	}
	return cloneSession(record), true
}

// Members returns the connection ids currently seated in the session.
func (s *SessionStore) Members(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	members := make([]string, len(record.Members))
	copy(members, record.Members)
	return members
}

// ListPublic returns summaries of the joinable public sessions. Passworded
// sessions are never advertised.
func (s *SessionStore) ListPublic() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	summaries := make([]Summary, 0)
	for _, record := range s.sessions {
		if !record.Public || record.Password != "" || record.Status == StatusEmpty {
			continue
		}
		summaries = append(summaries, Summary{
			ID:         record.ID,
			Players:    len(record.Members),
			MaxPlayers: record.MaxPlayers,
			GameMode:   record.GameMode,
			CreatedAt:  record.CreatedAt,
		})
	}
	return summaries
}

// SweepEmptySessions removes sessions that have sat empty longer than maxAge
// and returns the removed ids. Called only by the reaper.
func (s *SessionStore) SweepEmptySessions(maxAge time.Duration) []string {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	removed := make([]string, 0)
	for id, record := range s.sessions {
		if record.Status == StatusEmpty && record.emptySince.Before(cutoff) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		if s.records != nil {
			_ = s.records.Delete(context.Background(), store.KindSession, id)
		}
		s.logger.Info("removed empty session", logging.String("session_id", id))
	}
	return removed
}

// Counts reports live session and player totals for the stats surface.
func (s *SessionStore) Counts() (sessions, players int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions), len(s.players)
}

func (s *SessionStore) newSession(opts Options, now time.Time) *Record {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = defaultSessionMaxPlayers
	}
	return &Record{
		ID:         "session_" + uuid.Must(uuid.NewV4()).String(),
		Key:        s.keygen(),
		Public:     opts.Public,
		MaxPlayers: opts.MaxPlayers,
		Password:   opts.Password,
		GameMode:   opts.GameMode,
		Members:    make([]string, 0, opts.MaxPlayers),
		Status:     StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *SessionStore) persistSession(record Record) {
	if s.records == nil {
		return
	}
	_ = s.records.Save(context.Background(), store.KindSession, record.ID, record)
}

func cloneSession(record *Record) Record {
	copied := *record
	copied.Members = make([]string, len(record.Members))
	copy(copied.Members, record.Members)
	return copied
}

func statusFor(members, max int) Status {
	if members >= max {
		return StatusFull
	}
	return StatusOpen
}
