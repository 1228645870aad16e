package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"rallylink/coordinator/internal/config"
	"rallylink/coordinator/internal/logging"
	"rallylink/coordinator/internal/security"
	"rallylink/coordinator/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Address:          ":25565",
		PublicIP:         "198.51.100.4",
		STUNServers:      []string{"stun:stun.l.google.com:19302"},
		MaxPayloadBytes:  1 << 20,
		PingInterval:     time.Second,
		HandshakeTimeout: 2 * time.Second,
		MaxClients:       16,
		TokenTTL:         time.Hour,
		RateLimitMax:     100,
		RateLimitWindow:  time.Minute,
		Persistence:      config.PersistenceConfig{Backend: "memory"},
	}
}

func newTestCoordinator(t *testing.T, cfg *config.Config) (*Coordinator, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	coordinator, err := NewCoordinator(cfg, logging.NewTestLogger(), store.NewMemoryStore())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(coordinator.ServeWS))
	t.Cleanup(func() {
		server.Close()
		coordinator.Close()
	})
	return coordinator, server
}

func dialWS(t *testing.T, server *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, wantType string) jsoniter.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", wantType, err)
		}
		envelope, err := DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if envelope.Type == wantType {
			return envelope.Data
		}
		if time.Now().After(deadline) {
			t.Fatalf("did not receive %s", wantType)
		}
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	raw, err := EncodeEvent(eventType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", eventType, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

func TestConnectReceivesConnectionInfo(t *testing.T) {
	_, server := newTestCoordinator(t, nil)
	conn := dialWS(t, server, nil)

	data := readEvent(t, conn, EventConnectionInfo)
	var info ConnectionInfoPayload
	if err := wireJSON.Unmarshal(data, &info); err != nil {
		t.Fatalf("decode connection info: %v", err)
	}
	if info.SessionID == "" {
		t.Fatal("connection info must carry the implicit session id")
	}
	if info.PublicIP != "198.51.100.4" || info.Port != 25565 {
		t.Fatalf("unexpected endpoint info %+v", info)
	}
	if len(info.STUNServers) != 1 {
		t.Fatalf("stun servers missing: %+v", info)
	}
}

func TestRegisterAndListServers(t *testing.T) {
	_, server := newTestCoordinator(t, nil)
	conn := dialWS(t, server, nil)
	readEvent(t, conn, EventConnectionInfo)

	sendEvent(t, conn, EventRegisterServer, RegisterServerPayload{IP: "10.0.0.1", Port: 7777, Region: "eu", Ping: 20})
	var registered ServerRegisteredPayload
	if err := wireJSON.Unmarshal(readEvent(t, conn, EventServerRegistered), &registered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if registered.ServerID == "" {
		t.Fatal("registration must return a server id")
	}

	sendEvent(t, conn, EventGetServerList, GetServerListPayload{Region: "eu"})
	var listed ServerListPayload
	if err := wireJSON.Unmarshal(readEvent(t, conn, EventServerList), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Servers) != 1 || listed.Servers[0].ServerID != registered.ServerID {
		t.Fatalf("unexpected listing %+v", listed.Servers)
	}
	if listed.Servers[0].Name != "Unnamed Server" {
		t.Fatalf("registration defaults not applied: %+v", listed.Servers[0])
	}
}

func TestSessionCreateJoinAndRelay(t *testing.T) {
	_, server := newTestCoordinator(t, nil)
	host := dialWS(t, server, nil)
	readEvent(t, host, EventConnectionInfo)
	guest := dialWS(t, server, nil)
	readEvent(t, guest, EventConnectionInfo)

	sendEvent(t, host, EventCreateSession, CreateSessionPayload{MaxPlayers: 4, GameMode: "race"})
	var created SessionCreatedPayload
	if err := wireJSON.Unmarshal(readEvent(t, host, EventSessionCreated), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.SessionID == "" {
		t.Fatal("session id missing")
	}
	var sessionKey string
	if err := security.DecodeData(created.SessionKey, &sessionKey); err != nil || sessionKey == "" {
		t.Fatalf("session key must decode through the payload codec: %v", err)
	}

	sendEvent(t, guest, EventJoinSession, JoinSessionPayload{SessionID: created.SessionID})
	var joined SessionJoinedPayload
	if err := wireJSON.Unmarshal(readEvent(t, guest, EventSessionJoined), &joined); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if joined.SessionID != created.SessionID {
		t.Fatalf("joined the wrong session: %s", joined.SessionID)
	}

	sendEvent(t, host, EventGameMessage, GameMessagePayload{Type: "lap_complete", Data: []byte(`{"lap":2}`)})
	var relayed RelayedGameMessagePayload
	if err := wireJSON.Unmarshal(readEvent(t, guest, EventGameMessage), &relayed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if relayed.MessageType != "lap_complete" || relayed.FromClient == "" {
		t.Fatalf("unexpected relay %+v", relayed)
	}
	data, err := DecodeRelayedData(relayed)
	if err != nil || string(data) != `{"lap":2}` {
		t.Fatalf("relay payload mangled: %s %v", data, err)
	}
}

func TestJoinSessionFailureReasonsOnTheWire(t *testing.T) {
	_, server := newTestCoordinator(t, nil)
	host := dialWS(t, server, nil)
	readEvent(t, host, EventConnectionInfo)
	guest := dialWS(t, server, nil)
	readEvent(t, guest, EventConnectionInfo)

	sendEvent(t, host, EventCreateSession, CreateSessionPayload{MaxPlayers: 2, Password: "abc"})
	var created SessionCreatedPayload
	if err := wireJSON.Unmarshal(readEvent(t, host, EventSessionCreated), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	sendEvent(t, guest, EventJoinSession, JoinSessionPayload{SessionID: "session_missing"})
	var failed JoinFailedPayload
	if err := wireJSON.Unmarshal(readEvent(t, guest, EventJoinFailed), &failed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if failed.Reason != "session_not_found" {
		t.Fatalf("unexpected reason %q", failed.Reason)
	}

	sendEvent(t, guest, EventJoinSession, JoinSessionPayload{SessionID: created.SessionID, Password: "xyz"})
	if err := wireJSON.Unmarshal(readEvent(t, guest, EventJoinFailed), &failed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if failed.Reason != "invalid_password" {
		t.Fatalf("unexpected reason %q", failed.Reason)
	}
}

func TestLobbyEventsOnTheWire(t *testing.T) {
	_, server := newTestCoordinator(t, nil)
	creator := dialWS(t, server, nil)
	readEvent(t, creator, EventConnectionInfo)
	joiner := dialWS(t, server, nil)
	readEvent(t, joiner, EventConnectionInfo)

	sendEvent(t, creator, EventCreateLobby, CreateLobbyPayload{MaxPlayers: 2})
	var lobby LobbyCreatedPayload
	if err := wireJSON.Unmarshal(readEvent(t, creator, EventLobbyCreated), &lobby); err != nil {
		t.Fatalf("decode: %v", err)
	}

	sendEvent(t, joiner, EventJoinLobby, JoinLobbyPayload{LobbyID: lobby.LobbyID})
	var joined LobbyJoinedPayload
	if err := wireJSON.Unmarshal(readEvent(t, joiner, EventLobbyJoined), &joined); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if joined.LobbyID != lobby.LobbyID {
		t.Fatalf("joined the wrong lobby: %s", joined.LobbyID)
	}

	sendEvent(t, joiner, EventJoinLobby, JoinLobbyPayload{LobbyID: "lobby_missing"})
	var failed JoinFailedPayload
	if err := wireJSON.Unmarshal(readEvent(t, joiner, EventJoinFailed), &failed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if failed.Reason != "lobby_not_found" {
		t.Fatalf("unexpected reason %q", failed.Reason)
	}
}

func TestFindMatchPrefersRegion(t *testing.T) {
	_, server := newTestCoordinator(t, nil)
	conn := dialWS(t, server, nil)
	readEvent(t, conn, EventConnectionInfo)

	sendEvent(t, conn, EventRegisterServer, RegisterServerPayload{IP: "10.0.0.1", Port: 1, Region: "us", Ping: 45, CurrentPlayers: 2})
	readEvent(t, conn, EventServerRegistered)
	sendEvent(t, conn, EventRegisterServer, RegisterServerPayload{IP: "10.0.0.2", Port: 2, Region: "eu", Ping: 62, CurrentPlayers: 2})
	readEvent(t, conn, EventServerRegistered)

	sendEvent(t, conn, EventFindMatch, FindMatchPayload{Region: "eu", GameMode: "race"})
	var match MatchFoundPayload
	if err := wireJSON.Unmarshal(readEvent(t, conn, EventMatchFound), &match); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !match.Found || match.Server == nil {
		t.Fatal("expected a match")
	}
	if match.Server.Region != "eu" || match.Server.Ping != 62 {
		t.Fatalf("off-region penalty ignored: %+v", match.Server)
	}
}

func TestRateLimitedActionGetsTypedRejection(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMax = 1
	_, server := newTestCoordinator(t, cfg)
	conn := dialWS(t, server, nil)
	readEvent(t, conn, EventConnectionInfo)

	sendEvent(t, conn, EventCreateLobby, CreateLobbyPayload{})
	readEvent(t, conn, EventLobbyCreated)

	sendEvent(t, conn, EventCreateLobby, CreateLobbyPayload{})
	var limited RateLimitedPayload
	if err := wireJSON.Unmarshal(readEvent(t, conn, EventRateLimited), &limited); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if limited.Action != EventCreateLobby {
		t.Fatalf("unexpected limited action %q", limited.Action)
	}
}

func TestTokenAuthGatesConnections(t *testing.T) {
	cfg := testConfig()
	cfg.AuthSecret = "coordinator-secret"
	coordinator, server := newTestCoordinator(t, cfg)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("tokenless dial must be rejected")
	}

	token, err := coordinator.TokenAuthority().Issue("p1", "alice")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	header := http.Header{"X-Auth-Token": []string{token}}
	conn := dialWS(t, server, header)
	readEvent(t, conn, EventConnectionInfo)
}

func TestCheaterIsBannedAndDisconnected(t *testing.T) {
	_, server := newTestCoordinator(t, nil)
	conn := dialWS(t, server, nil)
	readEvent(t, conn, EventConnectionInfo)

	// A plausible baseline followed by repeated teleports. Each teleport trips
	// the positional rule at minimum, so the cumulative score passes 50 and
	// the ban hook closes the connection.
	positions := [][]float32{
		{0, 0, 0},
		{5000, 0, 0},
		{0, 5000, 0},
		{5000, 5000, 0},
		{0, 0, 5000},
		{5000, 0, 5000},
		{0, 5000, 5000},
	}
	for _, position := range positions {
		raw, err := EncodeEvent(EventPlayerUpdate, PlayerUpdatePayload{Position: position, Rotation: []float32{0, 0, 0}})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			// The server may already have dropped us.
			return
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestServerFullRejectsUpgrade(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 1
	_, server := newTestCoordinator(t, cfg)

	first := dialWS(t, server, nil)
	readEvent(t, first, EventConnectionInfo)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("second dial must be rejected when the server is full")
	}
}
