package security

import (
	"sync"
	"time"

	"github.com/chewxy/math32"

	"rallylink/coordinator/internal/logging"
)

// DetectionKind identifies a class of suspicious telemetry.
type DetectionKind string

const (
	KindSpeedHacking     DetectionKind = "speed_hacking"
	KindPositionCheating DetectionKind = "position_cheating"
	KindTimeManipulation DetectionKind = "time_manipulation"
)

const (
	// maxSpeed is the highest plausible vehicle speed in world units per second.
	maxSpeed float32 = 50.0
	// maxPositionDelta is the largest plausible positional change between updates.
	maxPositionDelta float32 = 100.0
	// minUpdateInterval and maxUpdateInterval bound the telemetry cadence in seconds.
	minUpdateInterval = 0.01
	maxUpdateInterval = 2.0
	// banThreshold is the cumulative suspicion score beyond which a player is auto-banned.
	banThreshold = 50
)

// detectionWeights maps each cheat kind to its suspicion score contribution.
var detectionWeights = map[DetectionKind]int{
	KindSpeedHacking:     10,
	KindPositionCheating: 8,
	KindTimeManipulation: 5,
}

// Vec3 is a 3-D telemetry position.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Distance returns the Euclidean distance between two positions.
func (v Vec3) Distance(other Vec3) float32 {
	dx := v.X - other.X
	dy := v.Y - other.Y
	dz := v.Z - other.Z
	return math32.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Telemetry is the per-update gameplay sample scored by the monitor.
type Telemetry struct {
	Speed            float32
	Position         Vec3
	PreviousPosition Vec3
	// HasPrevious gates the positional check: the first sample has no baseline.
	HasPrevious    bool
	UpdateInterval float64
	// HasInterval gates the cadence check for the same reason.
	HasInterval bool
}

// ControlInput is the subset of player input subject to plausibility bounds.
type ControlInput struct {
	Steering float64 `json:"steering"`
	Throttle float64 `json:"throttle"`
	Brake    float64 `json:"brake"`
}

// KindDetail accumulates per-kind detection statistics for one player.
type KindDetail struct {
	Count         int       `json:"count"`
	LastDetection time.Time `json:"last_detection"`
	MaxValue      float64   `json:"max_value"`
}

// SuspicionRecord is the cumulative anti-cheat state for one player.
type SuspicionRecord struct {
	FirstDetection time.Time                    `json:"first_detection"`
	Detections     map[DetectionKind]KindDetail `json:"detections"`
	TotalScore     int                          `json:"total_score"`
}

// MonitorOption configures optional AntiCheatMonitor behaviour.
type MonitorOption func(*AntiCheatMonitor)

// WithMonitorClock overrides the monitor time source for deterministic tests.
func WithMonitorClock(clock func() time.Time) MonitorOption {
	return func(m *AntiCheatMonitor) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithMonitorLogger injects a logger for suspicion diagnostics.
func WithMonitorLogger(logger *logging.Logger) MonitorOption {
	return func(m *AntiCheatMonitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBanHook registers the callback invoked when a player crosses the ban threshold.
func WithBanHook(hook func(playerID, reason string)) MonitorOption {
	return func(m *AntiCheatMonitor) {
		if hook != nil {
			m.onBan = hook
		}
	}
}

// AntiCheatMonitor scores suspicious gameplay telemetry and triggers bans.
type AntiCheatMonitor struct {
	now    func() time.Time
	logger *logging.Logger
	onBan  func(playerID, reason string)

	mu         sync.Mutex
	suspicious map[string]*SuspicionRecord
	banned     map[string]bool
}

// NewAntiCheatMonitor constructs a monitor with the fixed detection rules.
func NewAntiCheatMonitor(opts ...MonitorOption) *AntiCheatMonitor {
	monitor := &AntiCheatMonitor{
		now:        time.Now,
		logger:     logging.L(),
		onBan:      func(string, string) {},
		suspicious: make(map[string]*SuspicionRecord),
		banned:     make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(monitor)
		}
	}
	return monitor
}

// Evaluate scores one telemetry sample, recording a detection for every rule it
// trips, and returns the per-kind results.
func (m *AntiCheatMonitor) Evaluate(playerID string, sample Telemetry) map[DetectionKind]bool {
	results := map[DetectionKind]bool{
		KindSpeedHacking:     false,
		KindPositionCheating: false,
		KindTimeManipulation: false,
	}
	if m == nil || playerID == "" {
		return results
	}

	if sample.Speed > maxSpeed {
		results[KindSpeedHacking] = true
		m.RecordDetection(playerID, KindSpeedHacking, float64(sample.Speed))
	}

	if sample.HasPrevious {
		if delta := sample.Position.Distance(sample.PreviousPosition); delta > maxPositionDelta {
			results[KindPositionCheating] = true
			m.RecordDetection(playerID, KindPositionCheating, float64(delta))
		}
	}

	if sample.HasInterval {
		if sample.UpdateInterval < minUpdateInterval || sample.UpdateInterval > maxUpdateInterval {
			results[KindTimeManipulation] = true
			m.RecordDetection(playerID, KindTimeManipulation, sample.UpdateInterval)
		}
	}

	return results
}

// RecordDetection accumulates a detection against the player's suspicion record
// and auto-bans once the cumulative score crosses the threshold.
func (m *AntiCheatMonitor) RecordDetection(playerID string, kind DetectionKind, value float64) {
	if m == nil || playerID == "" {
		return
	}
	now := m.now()

	m.mu.Lock()
	record, ok := m.suspicious[playerID]
	if !ok {
		record = &SuspicionRecord{
			FirstDetection: now,
			Detections:     make(map[DetectionKind]KindDetail),
		}
		m.suspicious[playerID] = record
	}
	detail := record.Detections[kind]
	if detail.Count == 0 {
		detail.MaxValue = value
	} else if value > detail.MaxValue {
		detail.MaxValue = value
	}
	detail.Count++
	detail.LastDetection = now
	record.Detections[kind] = detail

	weight, ok := detectionWeights[kind]
	if !ok {
		weight = 1
	}
	record.TotalScore += weight
	score := record.TotalScore
	alreadyBanned := m.banned[playerID]
	crossed := score > banThreshold && !alreadyBanned
	if crossed {
		m.banned[playerID] = true
	}
	m.mu.Unlock()

	m.logger.Warn("suspicious activity detected",
		logging.String("player_id", playerID),
		logging.String("kind", string(kind)),
		logging.Float64("value", value),
		logging.Int("score", score))

	if crossed {
		m.ban(playerID, score)
	}
}

func (m *AntiCheatMonitor) ban(playerID string, score int) {
	//1.- Ban persistence and cross-server propagation are out of scope; the hook
	// revokes the cached token and tears down the live connection only.
	m.logger.Warn("player banned",
		logging.String("player_id", playerID),
		logging.Int("score", score))
	m.onBan(playerID, "excessive cheat detection score")
}

// IsBanned reports whether the player has crossed the ban threshold.
func (m *AntiCheatMonitor) IsBanned(playerID string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banned[playerID]
}

// Score returns the player's current cumulative suspicion score.
func (m *AntiCheatMonitor) Score(playerID string) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.suspicious[playerID]; ok {
		return record.TotalScore
	}
	return 0
}

// SuspiciousPlayerCount reports how many players carry a suspicion record.
func (m *AntiCheatMonitor) SuspiciousPlayerCount() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.suspicious)
}

// ValidateInput rejects physically impossible control input before it reaches
// simulation: steering beyond ±2.0 or pedal values outside [0, 1.5].
func (m *AntiCheatMonitor) ValidateInput(input ControlInput) bool {
	if input.Steering > 2.0 || input.Steering < -2.0 {
		return false
	}
	if input.Throttle < 0 || input.Throttle > 1.5 {
		return false
	}
	if input.Brake < 0 || input.Brake > 1.5 {
		return false
	}
	return true
}
