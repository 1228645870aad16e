package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"rallylink/coordinator/internal/logging"
	"rallylink/coordinator/internal/store"
)

const (
	defaultServerName = "Unnamed Server"
	defaultMaxPlayers = 8
	defaultGameMode   = "race"
	defaultRegion     = "global"
)

// ServerRecord describes one advertised game server and its live occupancy.
type ServerRecord struct {
	ID             string    `json:"server_id"`
	IP             string    `json:"ip"`
	Port           int       `json:"port"`
	Name           string    `json:"name"`
	MaxPlayers     int       `json:"max_players"`
	CurrentPlayers int       `json:"current_players"`
	GameMode       string    `json:"game_mode"`
	Region         string    `json:"region"`
	Ping           int       `json:"ping"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// seq preserves registration order so ping-sorted listings break ties stably.
	seq uint64
}

// ServerUpdate carries the recognised mutable fields of a server record.
// Nil fields are left untouched.
type ServerUpdate struct {
	Name           *string `json:"name,omitempty"`
	MaxPlayers     *int    `json:"max_players,omitempty"`
	CurrentPlayers *int    `json:"current_players,omitempty"`
	GameMode       *string `json:"game_mode,omitempty"`
	Region         *string `json:"region,omitempty"`
	Ping           *int    `json:"ping,omitempty"`
}

// Filters narrows List results. Zero values disable the corresponding predicate.
type Filters struct {
	Region      string
	GameMode    string
	MinPlayers  int
	MinCapacity int
}

// RegistryOption configures optional ServerRegistry behaviour.
type RegistryOption func(*ServerRegistry)

// WithRegistryClock overrides the registry time source for deterministic tests.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *ServerRegistry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithRegistryLogger injects a logger for registration diagnostics.
func WithRegistryLogger(logger *logging.Logger) RegistryOption {
	return func(r *ServerRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// ServerRegistry tracks advertised game servers and their live occupancy.
// All mutations are serialized behind one mutex; persistence writes happen
// after the lock is released.
type ServerRegistry struct {
	now     func() time.Time
	logger  *logging.Logger
	records store.Store

	mu      sync.Mutex
	servers map[string]*ServerRecord
	nextSeq uint64
}

// NewServerRegistry constructs an empty registry persisting through records.
func NewServerRegistry(records store.Store, opts ...RegistryOption) *ServerRegistry {
	registry := &ServerRegistry{
		now:     time.Now,
		logger:  logging.L(),
		records: records,
		servers: make(map[string]*ServerRecord),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// Register stores a new server record, applying legacy defaults for omitted
// fields, and returns the assigned id.
func (r *ServerRegistry) Register(record ServerRecord) string {
	//1.- Apply the defaults the original wire contract promises for omitted fields.
	if strings.TrimSpace(record.Name) == "" {
		record.Name = defaultServerName
	}
	if record.MaxPlayers <= 0 {
		record.MaxPlayers = defaultMaxPlayers
	}
	if strings.TrimSpace(record.GameMode) == "" {
		record.GameMode = defaultGameMode
	}
	if strings.TrimSpace(record.Region) == "" {
		record.Region = defaultRegion
	}
	if record.CurrentPlayers < 0 {
		record.CurrentPlayers = 0
	}
	if record.CurrentPlayers > record.MaxPlayers {
		record.CurrentPlayers = record.MaxPlayers
	}

	now := r.now()
	record.ID = "server_" + uuid.Must(uuid.NewV4()).String()
	record.CreatedAt = now
	record.UpdatedAt = now

	r.mu.Lock()
	record.seq = r.nextSeq
	r.nextSeq++
	stored := record
	r.servers[record.ID] = &stored
	r.mu.Unlock()

	//2.- Persist outside the lock; memory stays authoritative if the store lags.
	r.persist(record)
	r.logger.Info("server registered",
		logging.String("server_id", record.ID),
		logging.String("name", record.Name),
		logging.String("region", record.Region))
	return record.ID
}

// Update applies the recognised fields to an existing record. An unknown id is
// a stale or forged update: it is logged and dropped, never surfaced as an error.
func (r *ServerRegistry) Update(serverID string, update ServerUpdate) bool {
	r.mu.Lock()
	record, ok := r.servers[serverID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("update for unknown server dropped", logging.String("server_id", serverID))
		return false
	}
	if update.Name != nil {
		record.Name = *update.Name
	}
	if update.MaxPlayers != nil && *update.MaxPlayers > 0 {
		record.MaxPlayers = *update.MaxPlayers
	}
	if update.CurrentPlayers != nil && *update.CurrentPlayers >= 0 {
		record.CurrentPlayers = *update.CurrentPlayers
	}
	if update.GameMode != nil {
		record.GameMode = *update.GameMode
	}
	if update.Region != nil {
		record.Region = *update.Region
	}
	if update.Ping != nil && *update.Ping >= 0 {
		record.Ping = *update.Ping
	}
	//1.- Clamp occupancy so the current<=max invariant holds whatever the caller sent.
	if record.CurrentPlayers > record.MaxPlayers {
		record.CurrentPlayers = record.MaxPlayers
	}
	record.UpdatedAt = r.now()
	snapshot := *record
	r.mu.Unlock()

	r.persist(snapshot)
	return true
}

// Touch refreshes the record's liveness timestamp without changing fields.
func (r *ServerRegistry) Touch(serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.servers[serverID]
	if !ok {
		return false
	}
	record.UpdatedAt = r.now()
	return true
}

// List returns the records matching the filters, sorted ascending by ping with
// registration order breaking ties.
func (r *ServerRegistry) List(filters Filters) []ServerRecord {
	matched := r.snapshotFiltered(filters)
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Ping < matched[j].Ping })
	return matched
}

// Snapshot returns a copy of every record in registration order, for matchmaking.
func (r *ServerRegistry) Snapshot() []ServerRecord {
	return r.snapshotFiltered(Filters{})
}

func (r *ServerRegistry) snapshotFiltered(filters Filters) []ServerRecord {
	r.mu.Lock()
	matched := make([]ServerRecord, 0, len(r.servers))
	for _, record := range r.servers {
		if filters.Region != "" && record.Region != filters.Region {
			continue
		}
		if filters.GameMode != "" && record.GameMode != filters.GameMode {
			continue
		}
		if filters.MinPlayers > 0 && record.CurrentPlayers < filters.MinPlayers {
			continue
		}
		if filters.MinCapacity > 0 && record.MaxPlayers < filters.MinCapacity {
			continue
		}
		matched = append(matched, *record)
	}
	r.mu.Unlock()
	//1.- Registration order is the stable baseline every caller sorts from.
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	return matched
}

// EvictStale removes every record whose updated-at is older than maxAge and
// returns the evicted ids. Called only by the reaper.
func (r *ServerRegistry) EvictStale(maxAge time.Duration) []string {
	cutoff := r.now().Add(-maxAge)
	r.mu.Lock()
	evicted := make([]string, 0)
	for id, record := range r.servers {
		if record.UpdatedAt.Before(cutoff) {
			delete(r.servers, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		if r.records != nil {
			_ = r.records.Delete(context.Background(), store.KindServer, id)
		}
		r.logger.Info("removed stale server", logging.String("server_id", id))
	}
	return evicted
}

// Stats summarises the registry for the operational surface.
type Stats struct {
	TotalServers int      `json:"total_servers"`
	TotalPlayers int      `json:"total_players"`
	Regions      []string `json:"regions"`
}

// Stats reports aggregate occupancy across all registered servers.
func (r *ServerRegistry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{TotalServers: len(r.servers)}
	seen := make(map[string]bool)
	for _, record := range r.servers {
		stats.TotalPlayers += record.CurrentPlayers
		if !seen[record.Region] {
			seen[record.Region] = true
			stats.Regions = append(stats.Regions, record.Region)
		}
	}
	sort.Strings(stats.Regions)
	return stats
}

func (r *ServerRegistry) persist(record ServerRecord) {
	if r.records == nil {
		return
	}
	_ = r.records.Save(context.Background(), store.KindServer, record.ID, record)
}
