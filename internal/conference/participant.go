// Package conference runs one state machine per room: membership, roles,
// source signaling, moderation, channel allocation and bridge failover.
package conference

import (
	"sort"
	"sync"
	"time"

	"github.com/confocus/confocus/internal/source"
)

// Role of a member within its room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// RolePolicy decides who becomes owner.
type RolePolicy string

const (
	// RolePolicyAutoOwner keeps exactly one human owner, electing the
	// earliest-joined non-robot member when the owner leaves.
	RolePolicyAutoOwner RolePolicy = "auto-owner"

	// RolePolicyAuthenticated grants owner to every member that has
	// authenticated with the external authority.
	RolePolicyAuthenticated RolePolicy = "authenticated"
)

// Client features discovered before building an offer.
const (
	FeatureAudio       = "audio"
	FeatureVideo       = "video"
	FeatureSctp        = "sctp"
	FeatureSourceNames = "source-names"
	FeatureJSONSources = "json-sources"
)

// MemberInfo is what presence tells us about a joining member.
type MemberInfo struct {
	JID           string
	EndpointID    string
	Region        string
	StatsID       string
	Robot         bool
	Authenticated string
	Features      []string
}

// Participant is one connected client within a conference. Mutable state
// is guarded by mu; accessors return copies.
type Participant struct {
	endpointID string
	jid        string
	robot      bool
	joinOrder  int
	joinedAt   time.Time

	// signalMu serializes draining and sending this participant's
	// source diffs so batches reach the wire in queue order.
	signalMu sync.Mutex

	mu            sync.Mutex
	region        string
	statsID       string
	role          Role
	authenticated string
	features      map[string]bool
	muted         map[source.MediaType]bool
	offerSentAt   time.Time
	established   bool
	receivesDiffs bool
	invite        *channelAllocator
	queue         *signalQueue
}

func newParticipant(info MemberInfo, joinOrder int, startMuted map[source.MediaType]bool) *Participant {
	p := &Participant{
		endpointID:    info.EndpointID,
		jid:           info.JID,
		robot:         info.Robot,
		joinOrder:     joinOrder,
		joinedAt:      time.Now(),
		region:        info.Region,
		statsID:       info.StatsID,
		role:          RoleMember,
		authenticated: info.Authenticated,
		muted:         make(map[source.MediaType]bool, len(startMuted)),
		queue:         newSignalQueue(),
	}
	for media, m := range startMuted {
		p.muted[media] = m
	}
	if len(info.Features) > 0 {
		p.setFeatures(info.Features)
	}
	return p
}

// EndpointID returns the endpoint id the participant signals under.
func (p *Participant) EndpointID() string { return p.endpointID }

// JID returns the member's room address.
func (p *Participant) JID() string { return p.jid }

// Robot reports whether the member is a server-side entity (recorder,
// gateway) rather than a human client.
func (p *Participant) Robot() bool { return p.robot }

// Region returns the member's advertised region.
func (p *Participant) Region() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.region
}

// StatsID returns the client's stats identifier.
func (p *Participant) StatsID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsID
}

// Role returns the member's current room role.
func (p *Participant) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *Participant) setRole(r Role) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.role == r {
		return false
	}
	p.role = r
	return true
}

// IsOwner reports whether the member holds the owner role.
func (p *Participant) IsOwner() bool { return p.Role() == RoleOwner }

// AuthenticatedID returns the external identity, empty when anonymous.
func (p *Participant) AuthenticatedID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authenticated
}

func (p *Participant) setAuthenticated(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authenticated = id
}

// HasFeature reports whether the client advertised the feature. An
// undiscovered feature set claims everything, so offers are not needlessly
// stripped before discovery ran.
func (p *Participant) HasFeature(f string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.features == nil {
		return true
	}
	return p.features[f]
}

func (p *Participant) setFeatures(features []string) {
	set := make(map[string]bool, len(features))
	for _, f := range features {
		set[f] = true
	}
	p.mu.Lock()
	p.features = set
	p.mu.Unlock()
}

func (p *Participant) featuresKnown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.features != nil
}

// Muted reports the mute state for a media type.
func (p *Participant) Muted(media source.MediaType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted[media]
}

func (p *Participant) setMuted(media source.MediaType, muted bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.muted[media] == muted {
		return false
	}
	p.muted[media] = muted
	return true
}

// Established reports whether the signaling session is up, meaning the
// participant acked an offer and can receive source diffs.
func (p *Participant) Established() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.established
}

func (p *Participant) markEstablished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.established = true
}

func (p *Participant) markOfferSent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerSentAt = time.Now()
	p.established = false
}

// beginDiffs marks the moment the participant's offer snapshot was
// taken; every source change from here on goes through its queue. Diffs
// queued before the snapshot are already covered by it and are dropped.
func (p *Participant) beginDiffs() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receivesDiffs = true
	p.queue.clear()
}

func (p *Participant) receivingDiffs() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.receivesDiffs
}

// OfferSentAt returns when the last offer went out, zero if none did.
func (p *Participant) OfferSentAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offerSentAt
}

func (p *Participant) setInvite(a *channelAllocator) (previous *channelAllocator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous = p.invite
	p.invite = a
	return previous
}

func (p *Participant) clearInvite(a *channelAllocator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.invite == a {
		p.invite = nil
	}
}

func (p *Participant) cancelInvite() {
	p.mu.Lock()
	invite := p.invite
	p.invite = nil
	p.mu.Unlock()
	if invite != nil {
		invite.cancel()
	}
}

// Snapshot is a point-in-time debug view of a participant.
type Snapshot struct {
	EndpointID    string   `json:"endpoint_id"`
	JID           string   `json:"jid"`
	Region        string   `json:"region,omitempty"`
	Role          Role     `json:"role"`
	Robot         bool     `json:"robot,omitempty"`
	Authenticated string   `json:"authenticated,omitempty"`
	MutedAudio    bool     `json:"muted_audio,omitempty"`
	MutedVideo    bool     `json:"muted_video,omitempty"`
	Established   bool     `json:"established"`
	Features      []string `json:"features,omitempty"`
}

func (p *Participant) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{
		EndpointID:    p.endpointID,
		JID:           p.jid,
		Region:        p.region,
		Role:          p.role,
		Robot:         p.robot,
		Authenticated: p.authenticated,
		MutedAudio:    p.muted[source.MediaAudio],
		MutedVideo:    p.muted[source.MediaVideo],
		Established:   p.established,
	}
	for f := range p.features {
		s.Features = append(s.Features, f)
	}
	sort.Strings(s.Features)
	return s
}
