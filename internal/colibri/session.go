package colibri

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/confocus/confocus/internal/bridge"
	"github.com/confocus/confocus/internal/source"
)

// relayEndpointID names the aggregate relay peer a session keeps on its
// bridge. It stands for all participants hosted on the other bridges.
const relayEndpointID = "relay"

// BridgeSession is the allocation of one conference on one bridge: the
// participants pinned there, the relay peer toward the other bridges and
// a sticky failure flag. The io mutex serializes RPCs to the bridge so
// channel writes never interleave with an allocate or expire.
type BridgeSession struct {
	// Bridge is the bridge's state when the session was created.
	Bridge bridge.Bridge

	// ID disambiguates incarnations of the conference on this bridge.
	// Clients echo it back so stale ICE failure reports can be ignored.
	ID string

	client       Client
	conferenceID string
	logger       *slog.Logger

	io sync.Mutex

	mu            sync.Mutex
	created       bool
	participants  map[string]bool
	relays        []string
	relayCreated  bool
	queuedAdds    *source.ConferenceSourceMap
	queuedRemoves *source.ConferenceSourceMap
	failed        bool
	disposed      bool
}

func newBridgeSession(client Client, b bridge.Bridge, conferenceID string, logger *slog.Logger) *BridgeSession {
	id := fmt.Sprintf("%06x", uint32(rand.Int31n(1<<24)))
	return &BridgeSession{
		Bridge:        b,
		ID:            id,
		client:        client,
		conferenceID:  conferenceID,
		logger:        logger.With("subsystem", "bridge-session", "bridge", b.ID, "session", id),
		participants:  make(map[string]bool),
		queuedAdds:    source.NewMap(),
		queuedRemoves: source.NewMap(),
	}
}

// Allocate requests channels for one endpoint. The first allocation also
// creates the conference on the bridge. The request is one-shot; the
// caller applies the fault policy to the returned error.
func (s *BridgeSession) Allocate(ctx context.Context, p ParticipantInfo, contents []source.Content, relays []string) (*AllocationResponse, error) {
	s.io.Lock()
	defer s.io.Unlock()

	s.mu.Lock()
	create := !s.created
	s.mu.Unlock()

	resp, err := s.client.Allocate(ctx, s.Bridge.ID, AllocationRequest{
		ConferenceID: s.conferenceID,
		Create:       create,
		EndpointID:   p.EndpointID,
		StatsID:      p.StatsID,
		Contents:     contents,
		Relays:       relays,
		UseSctp:      p.UseSctp,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.created = true
	s.participants[p.EndpointID] = true
	s.mu.Unlock()
	return resp, nil
}

// UpdateChannels pushes an endpoint's media contents and, when non-nil,
// its transport to the bridge.
func (s *BridgeSession) UpdateChannels(ctx context.Context, endpointID string, contents []source.Content, transport *Transport) error {
	s.io.Lock()
	defer s.io.Unlock()

	return s.client.Update(ctx, s.Bridge.ID, UpdateRequest{
		ConferenceID: s.conferenceID,
		EndpointID:   endpointID,
		Contents:     contents,
		Transport:    transport,
	})
}

// AddSources signals new sources of an endpoint hosted on this bridge.
func (s *BridgeSession) AddSources(ctx context.Context, endpointID string, set source.EndpointSourceSet) error {
	s.io.Lock()
	defer s.io.Unlock()

	return s.client.Update(ctx, s.Bridge.ID, UpdateRequest{
		ConferenceID: s.conferenceID,
		EndpointID:   endpointID,
		Contents:     source.EncodeContents(set, endpointID),
	})
}

// RemoveSources signals removed sources of an endpoint hosted on this
// bridge.
func (s *BridgeSession) RemoveSources(ctx context.Context, endpointID string, set source.EndpointSourceSet) error {
	s.io.Lock()
	defer s.io.Unlock()

	return s.client.Update(ctx, s.Bridge.ID, UpdateRequest{
		ConferenceID:   s.conferenceID,
		EndpointID:     endpointID,
		RemovedSources: source.EncodeContents(set, endpointID),
	})
}

// SetRelays points the session's relay peer at the given remote bridges.
// Establishing the relay flushes the source updates queued while it was
// down; an empty list tears the relay down.
func (s *BridgeSession) SetRelays(ctx context.Context, ids []string) error {
	s.io.Lock()
	defer s.io.Unlock()

	s.mu.Lock()
	if stringsEqual(s.relays, ids) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.client.Update(ctx, s.Bridge.ID, UpdateRequest{
		ConferenceID: s.conferenceID,
		Relays:       ids,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.relays = append([]string(nil), ids...)
	var adds, removes *source.ConferenceSourceMap
	establish := len(ids) > 0 && !s.relayCreated
	if establish {
		s.relayCreated = true
		adds, removes = s.queuedAdds, s.queuedRemoves
		s.queuedAdds, s.queuedRemoves = source.NewMap(), source.NewMap()
	} else if len(ids) == 0 {
		s.relayCreated = false
	}
	s.mu.Unlock()

	if !establish {
		return nil
	}
	if !adds.IsEmpty() || !removes.IsEmpty() {
		s.logger.Debug("flushing queued relay sources",
			"adds", adds.SourceCount(),
			"removes", removes.SourceCount(),
		)
		if err := s.client.Update(ctx, s.Bridge.ID, UpdateRequest{
			ConferenceID:   s.conferenceID,
			RelayID:        relayEndpointID,
			Contents:       source.EncodeMapContents(adds),
			RemovedSources: source.EncodeMapContents(removes),
		}); err != nil {
			return err
		}
	}
	return nil
}

// AddSourcesToRelay signals sources of a remote participant to this
// bridge's relay peer, queueing them while the relay is not established.
func (s *BridgeSession) AddSourcesToRelay(ctx context.Context, owner string, set source.EndpointSourceSet) error {
	s.mu.Lock()
	if !s.relayCreated {
		s.queuedAdds.Add(owner, set)
		s.queuedRemoves.Remove(owner, set)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.io.Lock()
	defer s.io.Unlock()

	m := source.NewMap()
	m.Add(owner, set)
	return s.client.Update(ctx, s.Bridge.ID, UpdateRequest{
		ConferenceID: s.conferenceID,
		RelayID:      relayEndpointID,
		Contents:     source.EncodeMapContents(m),
	})
}

// RemoveSourcesFromRelay signals removed sources of a remote participant
// to this bridge's relay peer. A remove that only cancels queued adds is
// absorbed; the bridge never hears about either.
func (s *BridgeSession) RemoveSourcesFromRelay(ctx context.Context, owner string, set source.EndpointSourceSet) error {
	s.mu.Lock()
	if !s.relayCreated {
		pendingAdds, _ := s.queuedAdds.Get(owner)
		s.queuedAdds.Remove(owner, set)
		if remainder := set.Diff(pendingAdds); !remainder.IsEmpty() {
			s.queuedRemoves.Add(owner, remainder)
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.io.Lock()
	defer s.io.Unlock()

	m := source.NewMap()
	m.Add(owner, set)
	return s.client.Update(ctx, s.Bridge.ID, UpdateRequest{
		ConferenceID:   s.conferenceID,
		RelayID:        relayEndpointID,
		RemovedSources: source.EncodeMapContents(m),
	})
}

// Terminate expires one endpoint's channels on the bridge.
func (s *BridgeSession) Terminate(ctx context.Context, endpointID string) error {
	s.mu.Lock()
	delete(s.participants, endpointID)
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return nil
	}

	s.io.Lock()
	defer s.io.Unlock()
	return s.client.Expire(ctx, s.Bridge.ID, ExpireRequest{
		ConferenceID: s.conferenceID,
		EndpointIDs:  []string{endpointID},
	})
}

// TerminateAll forgets every participant and returns their ids. It sends
// nothing to the bridge; callers follow up with Dispose.
func (s *BridgeSession) TerminateAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	s.participants = make(map[string]bool)
	sort.Strings(ids)
	return ids
}

// Dispose ends the session. Unless the bridge is faulty, the conference
// is expired on it; a faulty bridge is skipped so the call cannot block
// on a dead peer.
func (s *BridgeSession) Dispose(ctx context.Context, faulty bool) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	if faulty {
		s.logger.Info("disposing failed session without expire")
		return
	}

	s.io.Lock()
	defer s.io.Unlock()
	if err := s.client.Expire(ctx, s.Bridge.ID, ExpireRequest{ConferenceID: s.conferenceID}); err != nil {
		s.logger.Warn("expire failed", "error", err)
	}
}

// markFailed raises the sticky failure flag.
func (s *BridgeSession) markFailed() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

// HasFailed reports whether the session saw a bridge failure.
func (s *BridgeSession) HasFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// removeParticipants drops the given endpoints and returns how many
// participants remain.
func (s *BridgeSession) removeParticipants(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.participants, id)
	}
	return len(s.participants)
}

// participantIDs returns the endpoints pinned to this bridge, sorted.
func (s *BridgeSession) participantIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// participantCount returns the number of endpoints pinned to this bridge.
func (s *BridgeSession) participantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

func (s *BridgeSession) currentRelays() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.relays...)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
