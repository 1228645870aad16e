package session

import (
	"context"
	"strings"
	"time"

	"github.com/gofrs/uuid"

	"rallylink/coordinator/internal/logging"
	"rallylink/coordinator/internal/store"
)

// Lobby is a pre-match player group. Membership is a list of player ids, not
// connections: lobbies can outlive an individual transport in some flows.
type Lobby struct {
	ID         string    `json:"lobby_id"`
	Name       string    `json:"name"`
	MaxPlayers int       `json:"max_players"`
	Players    []string  `json:"players"`
	Password   string    `json:"-"`
	CreatorID  string    `json:"creator_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// LobbyOptions configures lobby creation.
type LobbyOptions struct {
	Name       string
	MaxPlayers int
	Password   string
}

// LobbySummary is the listing shape for a lobby.
type LobbySummary struct {
	ID          string `json:"lobby_id"`
	Name        string `json:"name"`
	Players     int    `json:"players"`
	MaxPlayers  int    `json:"max_players"`
	HasPassword bool   `json:"has_password"`
}

// CreateLobby opens a lobby with the creator as its initial member.
func (s *SessionStore) CreateLobby(creatorID string, opts LobbyOptions) Lobby {
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = defaultLobbyName
	}
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = defaultLobbyMaxPlayers
	}
	lobby := &Lobby{
		ID:         "lobby_" + uuid.Must(uuid.NewV4()).String(),
		Name:       opts.Name,
		MaxPlayers: opts.MaxPlayers,
		Players:    []string{creatorID},
		Password:   opts.Password,
		CreatorID:  creatorID,
		CreatedAt:  s.now(),
	}

	s.mu.Lock()
	s.lobbies[lobby.ID] = lobby
	snapshot := cloneLobby(lobby)
	s.mu.Unlock()

	s.persistLobby(snapshot)
	return snapshot
}

// JoinLobby adds the player to an existing lobby, mirroring the session
// failure taxonomy. Joining a lobby the player already occupies is a no-op
// success.
func (s *SessionStore) JoinLobby(playerID, lobbyID, password string) (Lobby, error) {
	s.mu.Lock()
	lobby, ok := s.lobbies[lobbyID]
	if !ok {
		s.mu.Unlock()
		return Lobby{}, ErrLobbyNotFound
	}
	if lobby.Password != "" && lobby.Password != password {
		s.mu.Unlock()
		return Lobby{}, ErrInvalidPassword
	}
	for _, member := range lobby.Players {
		if member == playerID {
			snapshot := cloneLobby(lobby)
			s.mu.Unlock()
			return snapshot, nil
		}
	}
	if len(lobby.Players) >= lobby.MaxPlayers {
		s.mu.Unlock()
		return Lobby{}, ErrLobbyFull
	}
	lobby.Players = append(lobby.Players, playerID)
	snapshot := cloneLobby(lobby)
	s.mu.Unlock()

	s.persistLobby(snapshot)
	return snapshot, nil
}

// LeaveLobby removes the player from the lobby. An emptied lobby stays in
// memory until the reaper's lobby sweep collects it.
func (s *SessionStore) LeaveLobby(playerID, lobbyID string) bool {
	s.mu.Lock()
	lobby, ok := s.lobbies[lobbyID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	removed := false
	for i, member := range lobby.Players {
		if member == playerID {
			lobby.Players = append(lobby.Players[:i], lobby.Players[i+1:]...)
			removed = true
			break
		}
	}
	var snapshot *Lobby
	if removed {
		copied := cloneLobby(lobby)
		snapshot = &copied
	}
	s.mu.Unlock()

	if snapshot != nil {
		s.persistLobby(*snapshot)
	}
	return removed
}

// ListLobbies returns summaries of every lobby, passworded ones flagged.
func (s *SessionStore) ListLobbies() []LobbySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	summaries := make([]LobbySummary, 0, len(s.lobbies))
	for _, lobby := range s.lobbies {
		summaries = append(summaries, LobbySummary{
			ID:          lobby.ID,
			Name:        lobby.Name,
			Players:     len(lobby.Players),
			MaxPlayers:  lobby.MaxPlayers,
			HasPassword: lobby.Password != "",
		})
	}
	return summaries
}

// Lobby returns a copy of the lobby by id.
func (s *SessionStore) Lobby(lobbyID string) (Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lobby, ok := s.lobbies[lobbyID]
	if !ok {
		return Lobby{}, false
	}
	return cloneLobby(lobby), true
}

// SweepEmptyLobbies removes every zero-member lobby and returns the ids.
// Called only by the reaper.
func (s *SessionStore) SweepEmptyLobbies() []string {
	s.mu.Lock()
	removed := make([]string, 0)
	for id, lobby := range s.lobbies {
		if len(lobby.Players) == 0 {
			delete(s.lobbies, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		if s.records != nil {
			_ = s.records.Delete(context.Background(), store.KindLobby, id)
		}
		s.logger.Info("removed empty lobby", logging.String("lobby_id", id))
	}
	return removed
}

// LobbyCount reports the number of live lobbies.
func (s *SessionStore) LobbyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lobbies)
}

func (s *SessionStore) persistLobby(lobby Lobby) {
	if s.records == nil {
		return
	}
	_ = s.records.Save(context.Background(), store.KindLobby, lobby.ID, lobby)
}

func cloneLobby(lobby *Lobby) Lobby {
	copied := *lobby
	copied.Players = make([]string, len(lobby.Players))
	copy(copied.Players, lobby.Players)
	return copied
}
