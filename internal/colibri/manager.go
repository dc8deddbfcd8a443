package colibri

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/confocus/confocus/internal/bridge"
	"github.com/confocus/confocus/internal/source"
)

// ParticipantInfo identifies one endpoint for channel allocation.
type ParticipantInfo struct {
	EndpointID string
	StatsID    string
	Region     string
	UseSctp    bool
}

// Allocation is a successful channel allocation: where the endpoint
// landed and what the bridge offered.
type Allocation struct {
	BridgeID        string
	BridgeSessionID string
	Sources         []source.Content
	Transport       Transport
	Sctp            *Sctp
}

// SessionInfo is a debug snapshot of one bridge session.
type SessionInfo struct {
	BridgeID     string   `json:"bridge"`
	SessionID    string   `json:"session_id"`
	Failed       bool     `json:"failed"`
	Participants []string `json:"participants"`
	Relays       []string `json:"relays,omitempty"`
}

// AllocStats counts failed channel allocations. One instance is shared
// by every session manager in the process. A nil *AllocStats is valid
// and records nothing.
type AllocStats struct {
	failures atomic.Int64
}

// Fail records one failed allocation.
func (a *AllocStats) Fail() {
	if a == nil {
		return
	}
	a.failures.Add(1)
}

// Failures returns the number of failed allocations recorded so far.
func (a *AllocStats) Failures() int64 {
	if a == nil {
		return 0
	}
	return a.failures.Load()
}

// SessionManager aggregates the bridge sessions of one conference. It
// places participants through the selector, fans source updates out to
// every bridge and keeps the relay mesh consistent with the set of
// bridges in use.
type SessionManager struct {
	conferenceID string
	client       Client
	selector     *bridge.Selector
	registry     *bridge.Registry
	version      string
	stats        *AllocStats
	logger       *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*BridgeSession
	byEndpoint map[string]string
	disposed   bool
}

// NewSessionManager creates the manager for one conference. version, when
// non-empty, pins every selection to that bridge version. stats may be
// nil.
func NewSessionManager(conferenceID string, client Client, selector *bridge.Selector, registry *bridge.Registry, version string, stats *AllocStats, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		conferenceID: conferenceID,
		client:       client,
		selector:     selector,
		registry:     registry,
		version:      version,
		stats:        stats,
		logger:       logger.With("subsystem", "colibri-manager", "conference", conferenceID),
		sessions:     make(map[string]*BridgeSession),
		byEndpoint:   make(map[string]string),
	}
}

// Allocate picks a bridge for the participant and requests channels on
// it. The request is one-shot per bridge; failures map onto the
// allocation error taxonomy and, for bridge faults, mark the bridge so
// the next selection avoids it.
func (m *SessionManager) Allocate(ctx context.Context, p ParticipantInfo, contents []source.Content, reInvite bool) (*Allocation, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, &AllocationError{Kind: AllocConferenceDisposed}
	}
	counts := make(map[string]int, len(m.sessions))
	for id, s := range m.sessions {
		counts[id] = s.participantCount()
	}
	m.mu.Unlock()

	b, ok := m.selector.Select(counts, p.Region, m.version)
	if !ok {
		m.stats.Fail()
		return nil, &AllocationError{Kind: AllocSelectionFailed}
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, &AllocationError{Kind: AllocConferenceDisposed}
	}
	s, exists := m.sessions[b.ID]
	created := false
	if !exists {
		s = newBridgeSession(m.client, b, m.conferenceID, m.logger)
		m.sessions[b.ID] = s
		created = true
	}
	relays := m.relaysForLocked(b.ID)
	m.mu.Unlock()

	if created {
		m.logger.Info("added bridge", "bridge", b.ID, "session", s.ID, "re_invite", reInvite)
	}

	resp, err := s.Allocate(ctx, p, contents, relays)
	if err != nil {
		return nil, m.allocationFailed(ctx, s, created, err)
	}

	m.mu.Lock()
	prev := m.byEndpoint[p.EndpointID]
	m.byEndpoint[p.EndpointID] = b.ID
	var prevSession *BridgeSession
	if prev != "" && prev != b.ID {
		prevSession = m.sessions[prev]
	}
	m.mu.Unlock()

	// A re-invite that lands on a different bridge releases the old
	// channels.
	if prevSession != nil {
		if err := prevSession.Terminate(ctx, p.EndpointID); err != nil {
			m.logger.Warn("failed to expire old channels", "bridge", prev, "endpoint", p.EndpointID, "error", err)
		}
	}
	if created {
		m.updateMesh(ctx)
	}

	return &Allocation{
		BridgeID:        b.ID,
		BridgeSessionID: s.ID,
		Sources:         resp.Sources,
		Transport:       resp.Transport,
		Sctp:            resp.Sctp,
	}, nil
}

// allocationFailed applies the fault policy to a failed allocation and
// maps the bridge error onto the allocation taxonomy.
func (m *SessionManager) allocationFailed(ctx context.Context, s *BridgeSession, created bool, err error) error {
	m.stats.Fail()
	bridgeID := s.Bridge.ID
	var cerr *Error
	if !errors.As(err, &cerr) {
		cerr = &Error{Kind: KindGeneric, Bridge: bridgeID, Msg: err.Error()}
	}

	switch cerr.Kind {
	case KindConferenceNotFound:
		// The bridge expired the conference behind our back. It is
		// healthy; the conference as a whole must start over.
		m.logger.Warn("conference expired on bridge", "bridge", bridgeID)
		m.dropSession(bridgeID)
		m.updateMesh(ctx)
		return &AllocationError{Kind: AllocConferenceExpired, Bridge: bridgeID, RestartConference: true, Msg: cerr.Msg}

	case KindBadRequest:
		m.logger.Error("bridge rejected allocation", "bridge", bridgeID, "error", cerr.Msg)
		if created {
			m.dropSession(bridgeID)
		}
		return &AllocationError{Kind: AllocBadRequest, Bridge: bridgeID, Msg: cerr.Msg}

	case KindWrongResponseType:
		m.registry.MarkFailed(bridgeID)
		s.markFailed()
		return &AllocationError{Kind: AllocParsing, Bridge: bridgeID, Msg: cerr.Msg}

	default:
		m.logger.Warn("bridge failed allocation", "bridge", bridgeID, "kind", cerr.Kind, "error", cerr.Msg)
		m.registry.MarkFailed(bridgeID)
		s.markFailed()
		if created {
			m.dropSession(bridgeID)
			m.updateMesh(ctx)
		}
		return &AllocationError{Kind: AllocBridgeFailed, Bridge: bridgeID, Msg: cerr.Msg}
	}
}

// dropSession forgets a session without expiring anything on the bridge.
func (m *SessionManager) dropSession(bridgeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, bridgeID)
	for endpoint, id := range m.byEndpoint {
		if id == bridgeID {
			delete(m.byEndpoint, endpoint)
		}
	}
}

// AddSources pushes an endpoint's new sources to its own bridge and to
// the relay peers of every other bridge.
func (m *SessionManager) AddSources(ctx context.Context, endpointID string, set source.EndpointSourceSet) error {
	own, others, err := m.route(endpointID)
	if err != nil {
		return err
	}
	for _, o := range others {
		if rerr := o.AddSourcesToRelay(ctx, endpointID, set); rerr != nil {
			m.logger.Warn("relay source add failed", "bridge", o.Bridge.ID, "error", rerr)
		}
	}
	return own.AddSources(ctx, endpointID, set)
}

// RemoveSources pushes an endpoint's removed sources to its own bridge
// and to the relay peers of every other bridge.
func (m *SessionManager) RemoveSources(ctx context.Context, endpointID string, set source.EndpointSourceSet) error {
	own, others, err := m.route(endpointID)
	if err != nil {
		return err
	}
	for _, o := range others {
		if rerr := o.RemoveSourcesFromRelay(ctx, endpointID, set); rerr != nil {
			m.logger.Warn("relay source remove failed", "bridge", o.Bridge.ID, "error", rerr)
		}
	}
	return own.RemoveSources(ctx, endpointID, set)
}

// UpdateChannels pushes an endpoint's media contents and transport to its
// bridge.
func (m *SessionManager) UpdateChannels(ctx context.Context, endpointID string, contents []source.Content, transport *Transport) error {
	own, _, err := m.route(endpointID)
	if err != nil {
		return err
	}
	return own.UpdateChannels(ctx, endpointID, contents, transport)
}

// UpdateTransport pushes an endpoint's transport to its bridge.
func (m *SessionManager) UpdateTransport(ctx context.Context, endpointID string, transport Transport) error {
	return m.UpdateChannels(ctx, endpointID, nil, &transport)
}

// route resolves an endpoint to its own session plus the other sessions.
func (m *SessionManager) route(endpointID string) (*BridgeSession, []*BridgeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bridgeID, ok := m.byEndpoint[endpointID]
	if !ok {
		return nil, nil, fmt.Errorf("no channels allocated for endpoint %s", endpointID)
	}
	own := m.sessions[bridgeID]
	if own == nil {
		return nil, nil, fmt.Errorf("no session for bridge %s", bridgeID)
	}
	others := make([]*BridgeSession, 0, len(m.sessions)-1)
	for id, s := range m.sessions {
		if id != bridgeID {
			others = append(others, s)
		}
	}
	return own, others, nil
}

// RemoveParticipants removes the endpoints from their bridge sessions.
// A bridge left without real participants is expired.
func (m *SessionManager) RemoveParticipants(ctx context.Context, endpointIDs []string) {
	m.mu.Lock()
	bySession := make(map[*BridgeSession][]string)
	for _, id := range endpointIDs {
		bridgeID, ok := m.byEndpoint[id]
		if !ok {
			continue
		}
		delete(m.byEndpoint, id)
		if s := m.sessions[bridgeID]; s != nil {
			bySession[s] = append(bySession[s], id)
		}
	}
	m.mu.Unlock()

	meshDirty := false
	for s, ids := range bySession {
		if remaining := s.removeParticipants(ids); remaining == 0 {
			m.mu.Lock()
			delete(m.sessions, s.Bridge.ID)
			m.mu.Unlock()
			s.Dispose(ctx, false)
			meshDirty = true
			m.logger.Info("removed empty bridge", "bridge", s.Bridge.ID)
			continue
		}
		for _, id := range ids {
			if err := s.Terminate(ctx, id); err != nil {
				m.logger.Warn("failed to expire endpoint", "bridge", s.Bridge.ID, "endpoint", id, "error", err)
			}
		}
	}
	if meshDirty {
		m.updateMesh(ctx)
	}
}

// BridgesDown handles the loss of a set of bridges: their sessions are
// disposed without expire, the bridges are marked failed and the
// participants that were hosted there are returned for re-invitation.
func (m *SessionManager) BridgesDown(ctx context.Context, bridgeIDs []string) []string {
	m.mu.Lock()
	downed := make([]*BridgeSession, 0, len(bridgeIDs))
	for _, id := range bridgeIDs {
		if s, ok := m.sessions[id]; ok {
			downed = append(downed, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range bridgeIDs {
		m.registry.MarkFailed(id)
	}

	var displaced []string
	for _, s := range downed {
		s.markFailed()
		ids := s.TerminateAll()
		s.Dispose(ctx, true)
		displaced = append(displaced, ids...)
		m.logger.Warn("bridge down", "bridge", s.Bridge.ID, "displaced", len(ids))
	}

	m.mu.Lock()
	for _, id := range displaced {
		delete(m.byEndpoint, id)
	}
	m.mu.Unlock()

	m.updateMesh(ctx)
	sort.Strings(displaced)
	return displaced
}

// Expire ends every bridge session. The manager accepts no allocations
// afterwards.
func (m *SessionManager) Expire(ctx context.Context) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	sessions := make([]*BridgeSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*BridgeSession)
	m.byEndpoint = make(map[string]string)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Dispose(ctx, false)
	}
}

// updateMesh points every session's relay peer at the other operational
// bridges of the conference. Below two bridges the relays are torn down.
func (m *SessionManager) updateMesh(ctx context.Context) {
	m.mu.Lock()
	type target struct {
		s      *BridgeSession
		relays []string
	}
	targets := make([]target, 0, len(m.sessions))
	for id, s := range m.sessions {
		targets = append(targets, target{s: s, relays: m.relaysForLocked(id)})
	}
	m.mu.Unlock()

	for _, t := range targets {
		if err := t.s.SetRelays(ctx, t.relays); err != nil {
			m.logger.Warn("relay update failed", "bridge", t.s.Bridge.ID, "error", err)
		}
	}
}

// relaysForLocked computes the relay list for one bridge: the relay ids
// of every other operational bridge in the conference. Callers hold m.mu.
func (m *SessionManager) relaysForLocked(selfID string) []string {
	if len(m.sessions) < 2 {
		return nil
	}
	relays := make([]string, 0, len(m.sessions)-1)
	for id, s := range m.sessions {
		if id == selfID || !m.registry.IsOperational(id) {
			continue
		}
		relayID := s.Bridge.RelayID
		if relayID == "" {
			relayID = s.Bridge.ID
		}
		relays = append(relays, relayID)
	}
	sort.Strings(relays)
	return relays
}

// BridgeFor returns the bridge hosting the endpoint.
func (m *SessionManager) BridgeFor(endpointID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEndpoint[endpointID]
	return id, ok
}

// Bridges returns the ids of the bridges in use, sorted.
func (m *SessionManager) Bridges() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BridgeCount returns the number of bridges in use.
func (m *SessionManager) BridgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ParticipantCount returns the number of endpoints with allocated
// channels.
func (m *SessionManager) ParticipantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byEndpoint)
}

// Sessions returns a debug snapshot of every bridge session, sorted by
// bridge id.
func (m *SessionManager) Sessions() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*BridgeSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			BridgeID:     s.Bridge.ID,
			SessionID:    s.ID,
			Failed:       s.HasFailed(),
			Participants: s.participantIDs(),
			Relays:       s.currentRelays(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BridgeID < out[j].BridgeID })
	return out
}
