package main

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"rallylink/coordinator/internal/auth"
	"rallylink/coordinator/internal/config"
	"rallylink/coordinator/internal/httpapi"
	"rallylink/coordinator/internal/logging"
	"rallylink/coordinator/internal/registry"
	"rallylink/coordinator/internal/security"
	"rallylink/coordinator/internal/session"
	"rallylink/coordinator/internal/store"
)

// Client is one connected websocket peer.
type Client struct {
	id         string
	playerID   string
	username   string
	remoteAddr string
	host       string
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once

	// Relay baseline, touched only by this client's reader goroutine.
	lastPosition security.Vec3
	hasPosition  bool
	lastUpdateAt time.Time

	// Advertised server owned by this connection, refreshed by Heartbeat.
	serverID string
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// CoordinatorOption mutates optional Coordinator behaviour.
type CoordinatorOption func(*Coordinator)

// WithAuthenticator overrides the connection authenticator.
func WithAuthenticator(authenticator websocketAuthenticator) CoordinatorOption {
	return func(c *Coordinator) {
		if authenticator != nil {
			c.authenticator = authenticator
		}
	}
}

// WithCoordinatorClock overrides the time source for deterministic tests.
func WithCoordinatorClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Coordinator owns every coordination component and the connected client set.
// It is the only writer of the client map; each component serializes its own
// state behind its own lock.
type Coordinator struct {
	cfg           *config.Config
	logger        *logging.Logger
	tokens        *auth.TokenAuthority
	limiter       *security.RateLimiter
	monitor       *security.AntiCheatMonitor
	registry      *registry.ServerRegistry
	sessions      *session.SessionStore
	authenticator websocketAuthenticator
	upgrader      websocket.Upgrader
	clock         func() time.Time
	started       time.Time
	startupErr    error
	port          int

	mu      sync.Mutex
	clients map[string]*Client
	pending int
}

// NewCoordinator wires the coordination components over the persistence
// collaborator. An empty auth secret disables token verification and admits
// connections anonymously.
func NewCoordinator(cfg *config.Config, logger *logging.Logger, records store.Store, opts ...CoordinatorOption) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("coordinator requires a configuration")
	}
	if logger == nil {
		logger = logging.L()
	}

	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		clock:    time.Now,
		clients:  make(map[string]*Client),
		registry: registry.NewServerRegistry(records, registry.WithRegistryLogger(logger)),
		sessions: session.NewSessionStore(records, session.WithStoreLogger(logger)),
		limiter:  security.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow, security.WithLimiterLogger(logger)),
	}
	c.authenticator = allowAllAuthenticator{}
	if cfg.AuthSecret != "" {
		authority, err := auth.NewTokenAuthority(cfg.AuthSecret, cfg.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("token authority: %w", err)
		}
		c.tokens = authority
		authenticator, err := newTokenAuthenticator(authority)
		if err != nil {
			return nil, err
		}
		c.authenticator = authenticator
	}
	//1.- A ban revokes the cached token and tears down the live connection.
	c.monitor = security.NewAntiCheatMonitor(
		security.WithMonitorLogger(logger),
		security.WithBanHook(func(playerID, reason string) {
			if c.tokens != nil {
				c.tokens.Revoke(playerID)
			}
			c.disconnectPlayer(playerID, reason)
		}),
	)
	c.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      c.checkOrigin,
	}
	if _, portRaw, err := net.SplitHostPort(cfg.Address); err == nil {
		if port, err := strconv.Atoi(portRaw); err == nil {
			c.port = port
		}
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.started = c.clock()
	return c, nil
}

func (c *Coordinator) checkOrigin(r *http.Request) bool {
	if len(c.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range c.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and runs the per-connection goroutines.
func (c *Coordinator) ServeWS(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	if c.cfg.MaxClients > 0 && len(c.clients)+c.pending >= c.cfg.MaxClients {
		c.mu.Unlock()
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	c.pending++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
	}()

	identity, err := c.authenticator.Authenticate(r)
	if err != nil {
		c.logger.Warn("connection rejected",
			logging.String("remote_addr", r.RemoteAddr),
			logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	client := &Client{
		id:         "client_" + uuid.Must(uuid.NewV4()).String(),
		playerID:   identity.PlayerID,
		username:   identity.Username,
		remoteAddr: r.RemoteAddr,
		conn:       conn,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
	}
	if client.playerID == "" {
		client.playerID = client.id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		client.host = host
	} else {
		client.host = r.RemoteAddr
	}

	conn.SetReadLimit(c.cfg.MaxPayloadBytes)

	//1.- The greeting must land within the handshake window or the connection
	// is torn down before it ever holds state.
	player := c.sessions.Connect(client.id, client.username, client.host)
	greeting, err := EncodeEvent(EventConnectionInfo, ConnectionInfoPayload{
		SessionID:   player.SessionID,
		PublicIP:    c.cfg.PublicIP,
		Port:        c.port,
		STUNServers: c.cfg.STUNServers,
	})
	if err == nil {
		_ = conn.SetWriteDeadline(c.clock().Add(c.cfg.HandshakeTimeout))
		err = conn.WriteMessage(websocket.TextMessage, greeting)
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		c.logger.Warn("connection greeting failed",
			logging.String("client_id", client.id),
			logging.Error(err))
		c.sessions.Disconnect(client.id)
		client.close()
		return
	}

	c.mu.Lock()
	c.clients[client.id] = client
	c.mu.Unlock()

	c.logger.Info("client connected",
		logging.String("client_id", client.id),
		logging.String("player_id", client.playerID),
		logging.String("remote_addr", client.remoteAddr))

	go c.writeLoop(client)
	go c.readLoop(client)
}

func (c *Coordinator) readLoop(client *Client) {
	defer func() {
		//2.- Guaranteed cleanup: membership release and record drop run on
		// every exit path, abrupt disconnects included.
		c.mu.Lock()
		delete(c.clients, client.id)
		c.mu.Unlock()
		c.sessions.Disconnect(client.id)
		client.close()
		close(client.done)
		c.logger.Info("client disconnected", logging.String("client_id", client.id))
	}()

	idle := 2 * c.cfg.PingInterval
	_ = client.conn.SetReadDeadline(c.clock().Add(idle))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(c.clock().Add(idle))
	})
	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read error", logging.String("client_id", client.id), logging.Error(err))
			}
			return
		}
		_ = client.conn.SetReadDeadline(c.clock().Add(idle))
		c.dispatch(client, raw)
	}
}

func (c *Coordinator) writeLoop(client *Client) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		client.close()
	}()
	for {
		select {
		case msg := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-client.done:
			_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// dispatch routes one inbound frame. Malformed frames are logged and dropped;
// the sender may be stale rather than malicious.
func (c *Coordinator) dispatch(client *Client, raw []byte) {
	envelope, err := DecodeEnvelope(raw)
	if err != nil {
		c.logger.Warn("malformed frame dropped",
			logging.String("client_id", client.id),
			logging.Error(err))
		return
	}

	switch envelope.Type {
	case EventRegisterServer, EventCreateSession, EventJoinSession,
		EventCreateLobby, EventJoinLobby, EventFindPlayers, EventFindMatch:
		if !c.limiter.Allow(client.host, envelope.Type) {
			c.sendEvent(client, EventRateLimited, RateLimitedPayload{Action: envelope.Type})
			return
		}
	}

	switch envelope.Type {
	case EventRegisterServer:
		c.handleRegisterServer(client, envelope.Data)
	case EventUpdateServer:
		c.handleUpdateServer(client, envelope.Data)
	case EventGetServerList:
		c.handleGetServerList(client, envelope.Data)
	case EventGetSessionList:
		c.handleGetSessionList(client)
	case EventCreateSession:
		c.handleCreateSession(client, envelope.Data)
	case EventJoinSession:
		c.handleJoinSession(client, envelope.Data)
	case EventCreateLobby:
		c.handleCreateLobby(client, envelope.Data)
	case EventJoinLobby:
		c.handleJoinLobby(client, envelope.Data)
	case EventGameMessage:
		c.handleGameMessage(client, envelope.Data)
	case EventPlayerUpdate:
		c.handlePlayerUpdate(client, envelope.Data)
	case EventHeartbeat:
		c.handleHeartbeat(client)
	case EventFindPlayers:
		c.handleFindPlayers(client)
	case EventFindMatch:
		c.handleFindMatch(client, envelope.Data)
	default:
		c.logger.Debug("unknown event dropped",
			logging.String("client_id", client.id),
			logging.String("event", envelope.Type))
	}
}

func (c *Coordinator) handleRegisterServer(client *Client, data jsoniter.RawMessage) {
	var payload RegisterServerPayload
	if err := wireJSON.Unmarshal(data, &payload); err != nil {
		c.logPayloadError(client, EventRegisterServer, err)
		return
	}
	serverID := c.registry.Register(registry.ServerRecord{
		IP:             payload.IP,
		Port:           payload.Port,
		Name:           payload.Name,
		MaxPlayers:     payload.MaxPlayers,
		CurrentPlayers: payload.CurrentPlayers,
		GameMode:       payload.GameMode,
		Region:         payload.Region,
		Ping:           payload.Ping,
	})
	client.serverID = serverID
	c.sendEvent(client, EventServerRegistered, ServerRegisteredPayload{ServerID: serverID})
}

func (c *Coordinator) handleUpdateServer(client *Client, data jsoniter.RawMessage) {
	var payload UpdateServerPayload
	if err := wireJSON.Unmarshal(data, &payload); err != nil {
		c.logPayloadError(client, EventUpdateServer, err)
		return
	}
	// No response by contract; unknown ids are logged inside the registry.
	c.registry.Update(payload.ServerID, registry.ServerUpdate{
		Name:           payload.Name,
		MaxPlayers:     payload.MaxPlayers,
		CurrentPlayers: payload.CurrentPlayers,
		GameMode:       payload.GameMode,
		Region:         payload.Region,
		Ping:           payload.Ping,
	})
}

func (c *Coordinator) handleGetServerList(client *Client, data jsoniter.RawMessage) {
	var payload GetServerListPayload
	if len(data) > 0 {
		if err := wireJSON.Unmarshal(data, &payload); err != nil {
			c.logPayloadError(client, EventGetServerList, err)
			return
		}
	}
	records := c.registry.List(registry.Filters{
		Region:      payload.Region,
		GameMode:    payload.GameMode,
		MinPlayers:  payload.MinPlayers,
		MinCapacity: payload.MaxPlayers,
	})
	servers := make([]ServerSummary, 0, len(records))
	for _, record := range records {
		servers = append(servers, ServerSummary{
			ServerID:       record.ID,
			IP:             record.IP,
			Port:           record.Port,
			Name:           record.Name,
			MaxPlayers:     record.MaxPlayers,
			CurrentPlayers: record.CurrentPlayers,
			GameMode:       record.GameMode,
			Region:         record.Region,
			Ping:           record.Ping,
		})
	}
	c.sendEvent(client, EventServerList, ServerListPayload{Servers: servers})
}

func (c *Coordinator) handleGetSessionList(client *Client) {
	listed := c.sessions.ListPublic()
	sessions := make([]SessionSummaryPayload, 0, len(listed))
	for _, summary := range listed {
		sessions = append(sessions, SessionSummaryPayload{
			SessionID:   summary.ID,
			PlayerCount: summary.Players,
			MaxPlayers:  summary.MaxPlayers,
			GameMode:    summary.GameMode,
			HasPassword: summary.HasPassword,
			CreatedAt:   summary.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.sendEvent(client, EventSessionList, SessionListPayload{Sessions: sessions})
}

func (c *Coordinator) handleCreateSession(client *Client, data jsoniter.RawMessage) {
	var payload CreateSessionPayload
	if len(data) > 0 {
		if err := wireJSON.Unmarshal(data, &payload); err != nil {
			c.logPayloadError(client, EventCreateSession, err)
			return
		}
	}
	public := true
	if payload.Public != nil {
		public = *payload.Public
	}
	created, err := c.sessions.CreateSession(client.id, session.Options{
		Public:     public,
		MaxPlayers: payload.MaxPlayers,
		Password:   payload.Password,
		GameMode:   payload.GameMode,
	})
	if err != nil {
		c.logPayloadError(client, EventCreateSession, err)
		return
	}
	encodedKey, err := security.EncodeData(created.Key)
	if err != nil {
		encodedKey = ""
	}
	c.sendEvent(client, EventSessionCreated, SessionCreatedPayload{
		SessionID:  created.ID,
		SessionKey: encodedKey,
	})
}

func (c *Coordinator) handleJoinSession(client *Client, data jsoniter.RawMessage) {
	var payload JoinSessionPayload
	if err := wireJSON.Unmarshal(data, &payload); err != nil {
		c.logPayloadError(client, EventJoinSession, err)
		return
	}
	joined, err := c.sessions.JoinSession(client.id, payload.SessionID, payload.Password)
	if err != nil {
		c.sendEvent(client, EventJoinFailed, JoinFailedPayload{Reason: err.Error()})
		return
	}
	c.sendEvent(client, EventSessionJoined, SessionJoinedPayload{SessionID: joined.ID})
}

func (c *Coordinator) handleCreateLobby(client *Client, data jsoniter.RawMessage) {
	var payload CreateLobbyPayload
	if len(data) > 0 {
		if err := wireJSON.Unmarshal(data, &payload); err != nil {
			c.logPayloadError(client, EventCreateLobby, err)
			return
		}
	}
	lobby := c.sessions.CreateLobby(client.playerID, session.LobbyOptions{
		Name:       payload.Name,
		MaxPlayers: payload.MaxPlayers,
		Password:   payload.Password,
	})
	c.sendEvent(client, EventLobbyCreated, LobbyCreatedPayload{LobbyID: lobby.ID})
}

func (c *Coordinator) handleJoinLobby(client *Client, data jsoniter.RawMessage) {
	var payload JoinLobbyPayload
	if err := wireJSON.Unmarshal(data, &payload); err != nil {
		c.logPayloadError(client, EventJoinLobby, err)
		return
	}
	lobby, err := c.sessions.JoinLobby(client.playerID, payload.LobbyID, payload.Password)
	if err != nil {
		c.sendEvent(client, EventJoinFailed, JoinFailedPayload{Reason: err.Error()})
		return
	}
	c.sendEvent(client, EventLobbyJoined, LobbyJoinedPayload{LobbyID: lobby.ID})
}

func (c *Coordinator) handleHeartbeat(client *Client) {
	if client.serverID != "" {
		c.registry.Touch(client.serverID)
	}
}

func (c *Coordinator) handleFindPlayers(client *Client) {
	//3.- Skill matchmaking is a stub surface: canned suggestions, kept for
	// client compatibility.
	c.sendEvent(client, EventPlayerSuggestions, PlayerSuggestionsPayload{
		Players: []PlayerSuggestion{
			{PlayerID: "player1", Username: "Racer1", SkillLevel: 5},
			{PlayerID: "player2", Username: "Speedster", SkillLevel: 7},
		},
	})
}

func (c *Coordinator) handleFindMatch(client *Client, data jsoniter.RawMessage) {
	var payload FindMatchPayload
	if len(data) > 0 {
		if err := wireJSON.Unmarshal(data, &payload); err != nil {
			c.logPayloadError(client, EventFindMatch, err)
			return
		}
	}
	best, found := registry.SelectBestServer(c.registry.Snapshot(), payload.Region, payload.GameMode, payload.MinPlayers)
	response := MatchFoundPayload{Found: found}
	if found {
		response.Server = &ServerSummary{
			ServerID:       best.ID,
			IP:             best.IP,
			Port:           best.Port,
			Name:           best.Name,
			MaxPlayers:     best.MaxPlayers,
			CurrentPlayers: best.CurrentPlayers,
			GameMode:       best.GameMode,
			Region:         best.Region,
			Ping:           best.Ping,
		}
	}
	c.sendEvent(client, EventMatchFound, response)
}

// sendEvent encodes and queues an event for one client. A saturated send
// buffer means the peer has stopped draining; it is disconnected rather than
// allowed to stall the sender.
func (c *Coordinator) sendEvent(client *Client, eventType string, payload any) {
	raw, err := EncodeEvent(eventType, payload)
	if err != nil {
		c.logger.Error("encode outbound event failed",
			logging.String("event", eventType),
			logging.Error(err))
		return
	}
	c.deliver(client, raw)
}

func (c *Coordinator) deliver(client *Client, raw []byte) {
	select {
	case client.send <- raw:
	default:
		c.logger.Warn("send buffer full, dropping client",
			logging.String("client_id", client.id))
		client.close()
	}
}

func (c *Coordinator) logPayloadError(client *Client, eventType string, err error) {
	c.logger.Warn("invalid payload dropped",
		logging.String("client_id", client.id),
		logging.String("event", eventType),
		logging.Error(err))
}

// disconnectPlayer tears down every connection authenticated as the player.
func (c *Coordinator) disconnectPlayer(playerID, reason string) {
	c.mu.Lock()
	var doomed []*Client
	for _, client := range c.clients {
		if client.playerID == playerID {
			doomed = append(doomed, client)
		}
	}
	c.mu.Unlock()
	for _, client := range doomed {
		c.logger.Warn("disconnecting player",
			logging.String("player_id", playerID),
			logging.String("reason", reason))
		client.close()
	}
}

// SnapshotClientCounts reports connected and pending clients for readiness.
func (c *Coordinator) SnapshotClientCounts() (clients, pending int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients), c.pending
}

// StartupError reports a wiring failure captured during startup.
func (c *Coordinator) StartupError() error { return c.startupErr }

// Uptime reports how long the coordinator has been running.
func (c *Coordinator) Uptime() time.Duration { return c.clock().Sub(c.started) }

// Stats aggregates the operational counters for the HTTP surface.
func (c *Coordinator) Stats() httpapi.Stats {
	regStats := c.registry.Stats()
	sessions, players := c.sessions.Counts()
	return httpapi.Stats{
		TotalServers:  regStats.TotalServers,
		TotalPlayers:  players,
		TotalSessions: sessions,
		TotalLobbies:  c.sessions.LobbyCount(),
		Regions:       regStats.Regions,
	}
}

// SecurityReport aggregates the security counters for the HTTP surface.
func (c *Coordinator) SecurityReport() httpapi.SecurityReport {
	report := httpapi.SecurityReport{
		SuspiciousPlayers: c.monitor.SuspiciousPlayerCount(),
		TrackedRateKeys:   c.limiter.TrackedKeyCount(),
	}
	if c.tokens != nil {
		report.ActiveTokens = c.tokens.ActiveTokenCount()
	}
	return report
}

// TokenAuthority exposes the authority for the HTTP minting endpoint; nil when
// auth is disabled.
func (c *Coordinator) TokenAuthority() *auth.TokenAuthority { return c.tokens }

// Registry exposes the server registry for wiring the reaper.
func (c *Coordinator) Registry() *registry.ServerRegistry { return c.registry }

// Sessions exposes the session store for wiring the reaper.
func (c *Coordinator) Sessions() *session.SessionStore { return c.sessions }

// RateLimiter exposes the limiter for wiring the reaper.
func (c *Coordinator) RateLimiter() *security.RateLimiter { return c.limiter }

// Close tears down every connected client.
func (c *Coordinator) Close() {
	c.mu.Lock()
	doomed := make([]*Client, 0, len(c.clients))
	for _, client := range c.clients {
		doomed = append(doomed, client)
	}
	c.mu.Unlock()
	for _, client := range doomed {
		client.close()
	}
}
