// Package focus owns the conference table. It creates conferences on
// demand, wires each one to the bridge layer and the signaling
// transport, and drives graceful shutdown by draining the table.
package focus

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/confocus/confocus/internal/bridge"
	"github.com/confocus/confocus/internal/colibri"
	"github.com/confocus/confocus/internal/conference"
)

// ErrShuttingDown is returned for conference creation after graceful
// shutdown has begun.
var ErrShuttingDown = errors.New("focus is shutting down")

// gidSpace bounds the conference id counter. Ids wrap within a 32-bit
// space, started at a random offset so they stay distinct across focus
// restarts while bridges may still hold old conferences.
const gidSpace = 1 << 32

// Config tunes the supervisor and every conference it creates.
type Config struct {
	// Conference is applied to each new conference.
	Conference conference.Config

	// PinnedBridgeVersion, when set, restricts bridge selection to that
	// version for every conference.
	PinnedBridgeVersion string
}

/// Supervisor is the conference table: room id to live conference. All
// creation goes through it so each conference gets its own colibri
// session manager and a unique conference id on the bridges.
type Supervisor struct {
	cfg        Config
	client     colibri.Client
	selector   *bridge.Selector
	registry   *bridge.Registry
	signaler   conference.Signaler
	allocStats *colibri.AllocStats
	logger     *slog.Logger
	started    time.Time

	mu          sync.Mutex
	conferences map[string]*conference.Conference
	nextGid     uint64
	shutdown    bool
	onEmpty     func()
}

// NewSupervisor builds an empty conference table.
func NewSupervisor(cfg Config, client colibri.Client, selector *bridge.Selector, registry *bridge.Registry, signaler conference.Signaler, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		client:      client,
		selector:    selector,
		registry:    registry,
		signaler:    signaler,
		allocStats:  &colibri.AllocStats{},
		logger:      logger.With("subsystem", "focus"),
		started:     time.Now(),
		conferences: make(map[string]*conference.Conference),
		nextGid:     uint64(rand.Int63n(gidSpace)),
	}
}

// GetOrCreate returns the conference for the room, creating it when
// absent. Creation is refused during shutdown.
func (s *Supervisor) GetOrCreate(room string) (*conference.Conference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, ErrShuttingDown
	}
	if c, ok := s.conferences[room]; ok {
		return c, nil
	}

	gid := s.nextGidLocked()
	sessions := colibri.NewSessionManager(gid, s.client, s.selector, s.registry, s.cfg.PinnedBridgeVersion, s.allocStats, s.logger)
	c := conference.New(room, s.cfg.Conference, sessions, s.signaler, s.conferenceEnded, s.logger)
	s.conferences[room] = c
	s.logger.Info("conference created", "room", room, "gid", gid, "total", len(s.conferences))
	return c, nil
}

// Get returns the live conference for the room.
func (s *Supervisor) Get(room string) (*conference.Conference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conferences[room]
	return c, ok
}

// Conferences returns a snapshot of the table, sorted by room id.
func (s *Supervisor) Conferences() []*conference.Conference {
	s.mu.Lock()
	out := make([]*conference.Conference, 0, len(s.conferences))
	for _, c := range s.conferences {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID() < out[j].RoomID() })
	return out
}

// Count returns the number of live conferences.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conferences)
}

// ShuttingDown reports whether graceful shutdown has begun.
func (s *Supervisor) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// StartedAt returns when the supervisor came up.
func (s *Supervisor) StartedAt() time.Time {
	return s.started
}

// AllocationFailures returns the number of failed channel allocations
// across all conferences since startup.
func (s *Supervisor) AllocationFailures() int64 {
	return s.allocStats.Failures()
}

// BridgesLost fans a set of failed bridges out to every conference, so
// each can re-invite the participants it had on them.
func (s *Supervisor) BridgesLost(ctx context.Context, bridgeIDs []string) {
	if len(bridgeIDs) == 0 {
		return
	}
	conferences := s.Conferences()
	s.logger.Warn("bridges lost", "bridges", bridgeIDs, "conferences", len(conferences))
	for _, c := range conferences {
		c.BridgesDown(ctx, bridgeIDs)
	}
}

// BeginShutdown stops conference creation and drains the table. onEmpty
// fires once, when the last conference is gone; with an already empty
// table it fires before BeginShutdown returns.
func (s *Supervisor) BeginShutdown(onEmpty func()) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	conferences := make([]*conference.Conference, 0, len(s.conferences))
	for _, c := range s.conferences {
		conferences = append(conferences, c)
	}
	empty := len(conferences) == 0
	if !empty {
		s.onEmpty = onEmpty
	}
	s.mu.Unlock()

	s.logger.Info("graceful shutdown started", "conferences", len(conferences))
	for _, c := range conferences {
		c.BeginDraining()
	}
	if empty && onEmpty != nil {
		onEmpty()
	}
}

// DisposeAll force-disposes every conference and waits for their invite
// tasks. Used when the drain grace period runs out.
func (s *Supervisor) DisposeAll(ctx context.Context) {
	for _, c := range s.Conferences() {
		c.Dispose(ctx)
		c.Wait()
	}
}

// conferenceEnded runs after a conference disposed itself; it drops the
// table entry and fires the shutdown callback on the last one out.
func (s *Supervisor) conferenceEnded(c *conference.Conference) {
	s.mu.Lock()
	if cur, ok := s.conferences[c.RoomID()]; ok && cur == c {
		delete(s.conferences, c.RoomID())
	}
	remaining := len(s.conferences)
	var onEmpty func()
	if s.shutdown && remaining == 0 {
		onEmpty = s.onEmpty
		s.onEmpty = nil
	}
	s.mu.Unlock()

	s.logger.Info("conference ended", "room", c.RoomID(), "remaining", remaining)
	if onEmpty != nil {
		onEmpty()
	}
}

// nextGidLocked hands out the next conference id in the gid space.
func (s *Supervisor) nextGidLocked() string {
	gid := s.nextGid
	s.nextGid = (s.nextGid + 1) % gidSpace
	return strconv.FormatUint(gid, 10)
}
