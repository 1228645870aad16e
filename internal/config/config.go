package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the coordinator listens on.
	DefaultAddr = ":25565"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultHandshakeTimeout bounds how long a fresh connection may take to complete the hello exchange.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultTokenTTL is how long issued auth tokens remain valid.
	DefaultTokenTTL = 24 * time.Hour
	// DefaultRateLimitMax is the per-(address, action) request budget within a window.
	DefaultRateLimitMax = 10
	// DefaultRateLimitWindow is the fixed rate-limit window length.
	DefaultRateLimitWindow = time.Minute

	// DefaultServerSweepInterval controls how often stale game servers and empty sessions are reaped.
	DefaultServerSweepInterval = time.Minute
	// DefaultLobbySweepInterval controls how often empty lobbies are reaped.
	DefaultLobbySweepInterval = 2 * time.Minute
	// DefaultServerMaxAge is the registry staleness threshold.
	DefaultServerMaxAge = 5 * time.Minute
	// DefaultSessionEmptyAge is how long an empty session lingers before eviction.
	DefaultSessionEmptyAge = 5 * time.Minute
	// DefaultRateBucketIdleAge is how long an idle rate bucket survives.
	DefaultRateBucketIdleAge = time.Hour

	// DefaultPersistBackend selects the persistence collaborator implementation.
	DefaultPersistBackend = "memory"

	// DefaultLogLevel controls verbosity for coordinator logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "coordinator.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// defaultSTUNServers is the public STUN pool advertised to connecting clients.
var defaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun2.l.google.com:19302",
}

// Config captures all runtime tunables for the coordination service.
type Config struct {
	Address          string
	PublicIP         string
	AllowedOrigins   []string
	STUNServers      []string
	MaxPayloadBytes  int64
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	MaxClients       int
	TLSCertPath      string
	TLSKeyPath       string

	AuthSecret      string
	TokenTTL        time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration

	ServerSweepInterval time.Duration
	LobbySweepInterval  time.Duration
	ServerMaxAge        time.Duration
	SessionEmptyAge     time.Duration
	RateBucketIdleAge   time.Duration

	Persistence PersistenceConfig
	Logging     LoggingConfig
}

// PersistenceConfig selects and parameterises the durable record store.
type PersistenceConfig struct {
	// Backend is one of "memory", "file", or "dynamo".
	Backend string
	// Path locates the record log used by the file backend.
	Path string
	// TablePrefix namespaces the DynamoDB tables used by the dynamo backend.
	TablePrefix string
	// Region overrides the AWS region for the dynamo backend.
	Region string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the coordinator configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:          getString("COORD_ADDR", DefaultAddr),
		PublicIP:         strings.TrimSpace(os.Getenv("COORD_PUBLIC_IP")),
		AllowedOrigins:   parseList(os.Getenv("COORD_ALLOWED_ORIGINS")),
		STUNServers:      defaultSTUNServers,
		MaxPayloadBytes:  DefaultMaxPayloadBytes,
		PingInterval:     DefaultPingInterval,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxClients:       DefaultMaxClients,
		TLSCertPath:      strings.TrimSpace(os.Getenv("COORD_TLS_CERT")),
		TLSKeyPath:       strings.TrimSpace(os.Getenv("COORD_TLS_KEY")),

		AuthSecret:      strings.TrimSpace(os.Getenv("COORD_AUTH_SECRET")),
		TokenTTL:        DefaultTokenTTL,
		RateLimitMax:    DefaultRateLimitMax,
		RateLimitWindow: DefaultRateLimitWindow,

		ServerSweepInterval: DefaultServerSweepInterval,
		LobbySweepInterval:  DefaultLobbySweepInterval,
		ServerMaxAge:        DefaultServerMaxAge,
		SessionEmptyAge:     DefaultSessionEmptyAge,
		RateBucketIdleAge:   DefaultRateBucketIdleAge,

		Persistence: PersistenceConfig{
			Backend:     strings.ToLower(getString("COORD_PERSIST_BACKEND", DefaultPersistBackend)),
			Path:        strings.TrimSpace(os.Getenv("COORD_PERSIST_PATH")),
			TablePrefix: strings.TrimSpace(os.Getenv("COORD_DYNAMO_PREFIX")),
			Region:      strings.TrimSpace(os.Getenv("COORD_DYNAMO_REGION")),
		},
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("COORD_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("COORD_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if stun := parseList(os.Getenv("COORD_STUN_SERVERS")); len(stun) > 0 {
		cfg.STUNServers = stun
	}

	if raw := strings.TrimSpace(os.Getenv("COORD_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("COORD_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("COORD_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("COORD_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("COORD_RATE_LIMIT_MAX")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("COORD_RATE_LIMIT_MAX must be a positive integer, got %q", raw))
		} else {
			cfg.RateLimitMax = value
		}
	}

	durations := []struct {
		env    string
		target *time.Duration
	}{
		{"COORD_PING_INTERVAL", &cfg.PingInterval},
		{"COORD_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"COORD_TOKEN_TTL", &cfg.TokenTTL},
		{"COORD_RATE_LIMIT_WINDOW", &cfg.RateLimitWindow},
		{"COORD_SERVER_SWEEP_INTERVAL", &cfg.ServerSweepInterval},
		{"COORD_LOBBY_SWEEP_INTERVAL", &cfg.LobbySweepInterval},
		{"COORD_SERVER_MAX_AGE", &cfg.ServerMaxAge},
		{"COORD_SESSION_EMPTY_AGE", &cfg.SessionEmptyAge},
		{"COORD_RATE_BUCKET_IDLE_AGE", &cfg.RateBucketIdleAge},
	}
	for _, entry := range durations {
		raw := strings.TrimSpace(os.Getenv(entry.env))
		if raw == "" {
			continue
		}
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", entry.env, raw))
			continue
		}
		*entry.target = duration
	}

	if raw := strings.TrimSpace(os.Getenv("COORD_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("COORD_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("COORD_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("COORD_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("COORD_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("COORD_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("COORD_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("COORD_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	switch cfg.Persistence.Backend {
	case "memory", "dynamo":
	case "file":
		if cfg.Persistence.Path == "" {
			problems = append(problems, "COORD_PERSIST_PATH must be set when COORD_PERSIST_BACKEND=file")
		}
	default:
		problems = append(problems, fmt.Sprintf("COORD_PERSIST_BACKEND must be one of memory, file, dynamo, got %q", cfg.Persistence.Backend))
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "COORD_TLS_CERT and COORD_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
