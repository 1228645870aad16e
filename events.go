package main

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// wireJSON is the codec for every websocket frame.
var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Event names are the wire contract inherited from the original client fleet.
const (
	EventRegisterServer = "RegisterServer"
	EventUpdateServer   = "UpdateServer"
	EventGetServerList  = "GetServerList"
	EventGetSessionList = "GetSessionList"
	EventCreateSession  = "CreateSession"
	EventJoinSession    = "JoinSession"
	EventCreateLobby    = "CreateLobby"
	EventJoinLobby      = "JoinLobby"
	EventGameMessage    = "GameMessage"
	EventPlayerUpdate   = "PlayerUpdate"
	EventHeartbeat      = "Heartbeat"
	EventFindPlayers    = "FindPlayers"
	EventFindMatch      = "FindMatch"

	EventConnectionInfo    = "ConnectionInfo"
	EventServerRegistered  = "ServerRegistered"
	EventServerList        = "ServerList"
	EventSessionList       = "SessionList"
	EventSessionCreated    = "SessionCreated"
	EventSessionJoined     = "SessionJoined"
	EventJoinFailed        = "JoinFailed"
	EventLobbyCreated      = "LobbyCreated"
	EventLobbyJoined       = "LobbyJoined"
	EventPlayerSuggestions = "PlayerSuggestions"
	EventMatchFound        = "MatchFound"
	EventRateLimited       = "RateLimited"
)

// Envelope is the outer frame of every wire message.
type Envelope struct {
	Type string              `json:"type"`
	Data jsoniter.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses a raw frame into its typed envelope.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var envelope Envelope
	if err := wireJSON.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &envelope, nil
}

// EncodeEvent wraps a payload into a framed wire message.
func EncodeEvent(eventType string, payload any) ([]byte, error) {
	data, err := wireJSON.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	raw, err := wireJSON.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", eventType, err)
	}
	return raw, nil
}

// RegisterServerPayload advertises a game server. Omitted fields take the
// legacy defaults.
type RegisterServerPayload struct {
	IP             string `json:"ip"`
	Port           int    `json:"port"`
	Name           string `json:"name,omitempty"`
	MaxPlayers     int    `json:"max_players,omitempty"`
	CurrentPlayers int    `json:"current_players,omitempty"`
	GameMode       string `json:"game_mode,omitempty"`
	Region         string `json:"region,omitempty"`
	Ping           int    `json:"ping,omitempty"`
}

// ServerRegisteredPayload acknowledges a registration.
type ServerRegisteredPayload struct {
	ServerID string `json:"server_id"`
}

// UpdateServerPayload mutates an advertised server. Absent fields stay as-is.
type UpdateServerPayload struct {
	ServerID       string  `json:"server_id"`
	Name           *string `json:"name,omitempty"`
	MaxPlayers     *int    `json:"max_players,omitempty"`
	CurrentPlayers *int    `json:"current_players,omitempty"`
	GameMode       *string `json:"game_mode,omitempty"`
	Region         *string `json:"region,omitempty"`
	Ping           *int    `json:"ping,omitempty"`
}

// GetServerListPayload narrows the advertised server listing. The wire field
// max_players is a capacity floor, matching the legacy clients.
type GetServerListPayload struct {
	Region     string `json:"region,omitempty"`
	GameMode   string `json:"game_mode,omitempty"`
	MinPlayers int    `json:"min_players,omitempty"`
	MaxPlayers int    `json:"max_players,omitempty"`
}

// ServerSummary is one row of the server listing.
type ServerSummary struct {
	ServerID       string `json:"server_id"`
	IP             string `json:"ip"`
	Port           int    `json:"port"`
	Name           string `json:"name"`
	MaxPlayers     int    `json:"max_players"`
	CurrentPlayers int    `json:"current_players"`
	GameMode       string `json:"game_mode"`
	Region         string `json:"region"`
	Ping           int    `json:"ping"`
}

// ServerListPayload answers GetServerList.
type ServerListPayload struct {
	Servers []ServerSummary `json:"servers"`
}

// SessionSummaryPayload is one row of the public session listing.
type SessionSummaryPayload struct {
	SessionID   string `json:"session_id"`
	PlayerCount int    `json:"player_count"`
	MaxPlayers  int    `json:"max_players"`
	GameMode    string `json:"game_mode"`
	HasPassword bool   `json:"has_password"`
	CreatedAt   string `json:"created_at"`
}

// SessionListPayload answers GetSessionList.
type SessionListPayload struct {
	Sessions []SessionSummaryPayload `json:"sessions"`
}

// CreateSessionPayload opens an explicit session.
type CreateSessionPayload struct {
	Public     *bool  `json:"public,omitempty"`
	MaxPlayers int    `json:"max_players,omitempty"`
	Password   string `json:"password,omitempty"`
	GameMode   string `json:"game_mode,omitempty"`
}

// SessionCreatedPayload acknowledges session creation. The session key is
// transported through the reversible payload codec the legacy clients expect.
type SessionCreatedPayload struct {
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key,omitempty"`
}

// JoinSessionPayload requests membership in an existing session.
type JoinSessionPayload struct {
	SessionID string `json:"session_id"`
	Password  string `json:"password,omitempty"`
}

// SessionJoinedPayload acknowledges a join.
type SessionJoinedPayload struct {
	SessionID string `json:"session_id"`
}

// JoinFailedPayload carries the rejection taxonomy for sessions and lobbies.
type JoinFailedPayload struct {
	Reason string `json:"reason"`
}

// CreateLobbyPayload opens a pre-match lobby.
type CreateLobbyPayload struct {
	Name       string `json:"name,omitempty"`
	MaxPlayers int    `json:"max_players,omitempty"`
	Password   string `json:"password,omitempty"`
	GameMode   string `json:"game_mode,omitempty"`
}

// LobbyCreatedPayload acknowledges lobby creation.
type LobbyCreatedPayload struct {
	LobbyID string `json:"lobby_id"`
}

// JoinLobbyPayload requests lobby membership.
type JoinLobbyPayload struct {
	LobbyID  string `json:"lobby_id"`
	Password string `json:"password,omitempty"`
}

// LobbyJoinedPayload acknowledges a lobby join.
type LobbyJoinedPayload struct {
	LobbyID string `json:"lobby_id"`
}

// GameMessagePayload is an opaque application message scoped to a session.
type GameMessagePayload struct {
	Type string              `json:"type"`
	Data jsoniter.RawMessage `json:"data"`
}

// RelayedGameMessagePayload is what session peers receive.
type RelayedGameMessagePayload struct {
	FromClient  string              `json:"from_client"`
	MessageType string              `json:"message_type"`
	Data        jsoniter.RawMessage `json:"data"`
	Compressed  bool                `json:"compressed,omitempty"`
}

// PlayerUpdatePayload is the periodic state sync every client sends.
type PlayerUpdatePayload struct {
	Position  []float32 `json:"position"`
	Rotation  []float32 `json:"rotation"`
	Model     string    `json:"model,omitempty"`
	Texture   string    `json:"texture,omitempty"`
	Username  string    `json:"username,omitempty"`
	Highscore float64   `json:"highscore,omitempty"`
	Cosmetic  string    `json:"cosmetic,omitempty"`
}

// RelayedPlayerUpdatePayload is the state sync as session peers receive it.
type RelayedPlayerUpdatePayload struct {
	PlayerID string `json:"player_id"`
	PlayerUpdatePayload
}

// FindPlayersPayload is the skill-matchmaking stub request.
type FindPlayersPayload struct {
	SkillLevel int    `json:"skill_level,omitempty"`
	GameMode   string `json:"game_mode,omitempty"`
}

// PlayerSuggestion is one canned suggestion row.
type PlayerSuggestion struct {
	PlayerID   string `json:"player_id"`
	Username   string `json:"username"`
	SkillLevel int    `json:"skill_level"`
}

// PlayerSuggestionsPayload answers FindPlayers.
type PlayerSuggestionsPayload struct {
	Players []PlayerSuggestion `json:"players"`
}

// FindMatchPayload asks the selector for the best advertised server.
type FindMatchPayload struct {
	Region     string `json:"region,omitempty"`
	GameMode   string `json:"game_mode,omitempty"`
	MinPlayers int    `json:"min_players,omitempty"`
}

// MatchFoundPayload answers FindMatch. Found=false is a normal outcome when
// no advertised server survives filtering.
type MatchFoundPayload struct {
	Found  bool           `json:"found"`
	Server *ServerSummary `json:"server,omitempty"`
}

// ConnectionInfoPayload greets a freshly connected client.
type ConnectionInfoPayload struct {
	SessionID   string   `json:"session_id"`
	PublicIP    string   `json:"public_ip"`
	Port        int      `json:"port"`
	STUNServers []string `json:"stun_servers"`
}

// RateLimitedPayload tells a client which action exhausted its budget.
type RateLimitedPayload struct {
	Action string `json:"action"`
}
