package reaper

import (
	"sync"
	"time"

	"rallylink/coordinator/internal/logging"
)

// ServerEvictor prunes stale game server records.
type ServerEvictor interface {
	EvictStale(maxAge time.Duration) []string
}

// SessionSweeper prunes empty sessions and lobbies.
type SessionSweeper interface {
	SweepEmptySessions(maxAge time.Duration) []string
	SweepEmptyLobbies() []string
}

// BucketEvictor prunes idle rate-limit buckets.
type BucketEvictor interface {
	EvictIdle(maxIdle time.Duration) int
}

// Config carries the sweep cadence and age thresholds.
type Config struct {
	ServerSweepInterval time.Duration
	LobbySweepInterval  time.Duration
	ServerMaxAge        time.Duration
	SessionEmptyAge     time.Duration
	RateBucketIdleAge   time.Duration
}

// Reaper periodically prunes stale coordination state. The fast timer covers
// servers, empty sessions, and idle rate buckets; the slow timer covers
// lobbies.
type Reaper struct {
	cfg      Config
	servers  ServerEvictor
	sessions SessionSweeper
	buckets  BucketEvictor
	logger   *logging.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New wires a reaper over the prunable components. Any collaborator may be nil
// and its sweep is skipped.
func New(cfg Config, servers ServerEvictor, sessions SessionSweeper, buckets BucketEvictor, logger *logging.Logger) *Reaper {
	if logger == nil {
		logger = logging.L()
	}
	return &Reaper{
		cfg:      cfg,
		servers:  servers,
		sessions: sessions,
		buckets:  buckets,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. Subsequent calls are no-ops.
func (r *Reaper) Start() {
	if r == nil {
		return
	}
	r.startOnce.Do(func() {
		go r.run()
	})
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (r *Reaper) Stop() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
}

func (r *Reaper) run() {
	defer close(r.doneCh)
	fast := time.NewTicker(r.cfg.ServerSweepInterval)
	slow := time.NewTicker(r.cfg.LobbySweepInterval)
	defer fast.Stop()
	defer slow.Stop()
	for {
		select {
		case <-fast.C:
			r.SweepFast()
		case <-slow.C:
			r.SweepLobbies()
		case <-r.stopCh:
			return
		}
	}
}

// SweepFast runs the 60-second pass: stale servers, sessions empty past the
// timeout, and rate buckets idle past theirs.
func (r *Reaper) SweepFast() {
	if r.servers != nil {
		if evicted := r.servers.EvictStale(r.cfg.ServerMaxAge); len(evicted) > 0 {
			r.logger.Info("reaper evicted stale servers", logging.Int("count", len(evicted)))
		}
	}
	if r.sessions != nil {
		if removed := r.sessions.SweepEmptySessions(r.cfg.SessionEmptyAge); len(removed) > 0 {
			r.logger.Info("reaper removed empty sessions", logging.Int("count", len(removed)))
		}
	}
	if r.buckets != nil {
		if evicted := r.buckets.EvictIdle(r.cfg.RateBucketIdleAge); evicted > 0 {
			r.logger.Debug("reaper dropped idle rate buckets", logging.Int("count", evicted))
		}
	}
}

// SweepLobbies runs the 120-second pass collecting zero-member lobbies.
func (r *Reaper) SweepLobbies() {
	if r.sessions == nil {
		return
	}
	if removed := r.sessions.SweepEmptyLobbies(); len(removed) > 0 {
		r.logger.Info("reaper removed empty lobbies", logging.Int("count", len(removed)))
	}
}
