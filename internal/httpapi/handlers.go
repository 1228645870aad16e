package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"rallylink/coordinator/internal/logging"
)

// ReadinessProvider exposes coordinator state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// Stats summarises the matchmaking surface for operators.
type Stats struct {
	TotalServers  int      `json:"total_servers"`
	TotalPlayers  int      `json:"total_players"`
	TotalSessions int      `json:"total_sessions"`
	TotalLobbies  int      `json:"total_lobbies"`
	Regions       []string `json:"regions"`
}

// StatsFunc returns the current coordination statistics.
type StatsFunc func() Stats

// SecurityReport summarises the security components.
type SecurityReport struct {
	ActiveTokens      int `json:"active_tokens"`
	SuspiciousPlayers int `json:"suspicious_players"`
	TrackedRateKeys   int `json:"tracked_rate_keys"`
}

// SecurityFunc returns the current security report.
type SecurityFunc func() SecurityReport

// TokenIssuer mints an authentication token for a player.
type TokenIssuer interface {
	Issue(playerID, username string) (string, error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// keyedLimiter is the optional per-client refinement of RateLimiter.
type keyedLimiter interface {
	AllowKey(key string) bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Security    SecurityFunc
	Tokens      TokenIssuer
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the coordinator operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	security    SecurityFunc
	tokens      TokenIssuer
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		security:    opts.Security,
		tokens:      opts.Tokens,
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/stats", h.StatsHandler())
	mux.HandleFunc("/securityz", h.SecurityHandler())
	mux.HandleFunc("/auth/token", h.TokenHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports coordinator readiness, including client counts and
// startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			clients, pending := h.readiness.SnapshotClientCounts()
			resp.Clients = clients
			resp.PendingClients = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// StatsHandler reports aggregate matchmaking occupancy.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var stats Stats
		if h.stats != nil {
			stats = h.stats()
		}
		if stats.Regions == nil {
			stats.Regions = []string{}
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// SecurityHandler reports the token, suspicion, and rate-limit tallies.
func (h *HandlerSet) SecurityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var report SecurityReport
		if h.security != nil {
			report = h.security()
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// TokenHandler mints an authentication token for the posted player identity.
func (h *HandlerSet) TokenHandler() http.HandlerFunc {
	type request struct {
		PlayerID string `json:"player_id"`
		Username string `json:"username"`
	}
	type response struct {
		Token string `json:"token"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "auth_token"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.allowRequest(r) {
			reqLogger.Warn("token mint denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.tokens == nil {
			http.Error(w, "token minting is unavailable", http.StatusServiceUnavailable)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.PlayerID) == "" {
			http.Error(w, "player_id is required", http.StatusBadRequest)
			return
		}
		token, err := h.tokens.Issue(req.PlayerID, req.Username)
		if err != nil {
			reqLogger.Error("token mint failed", logging.Error(err))
			http.Error(w, "failed to mint token", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("token minted", logging.String("player_id", req.PlayerID))
		writeJSON(w, http.StatusOK, response{Token: token})
	}
}

func (h *HandlerSet) allowRequest(r *http.Request) bool {
	if h.rateLimiter == nil {
		return true
	}
	if keyed, ok := h.rateLimiter.(keyedLimiter); ok {
		host := r.RemoteAddr
		if split, _, err := net.SplitHostPort(host); err == nil {
			host = split
		}
		return keyed.AllowKey(host)
	}
	return h.rateLimiter.Allow()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
