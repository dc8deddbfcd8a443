package conference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/confocus/confocus/internal/colibri"
	"github.com/confocus/confocus/internal/source"
)

// State of a conference.
type State string

const (
	StateJoining  State = "joining"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateDisposed State = "disposed"
)

// Defaults applied by New when the config leaves them zero.
const (
	DefaultLinger              = 20 * time.Second
	DefaultInviteTimeout       = 30 * time.Second
	DefaultReinviteConcurrency = 8
)

// feedbackOwner is the owner id stamped on the bridge's feedback sources
// in offers.
const feedbackOwner = "jvb"

var (
	// ErrDisposed is returned for operations on a disposed conference.
	ErrDisposed = errors.New("conference disposed")

	// ErrNoSuchParticipant is returned when an endpoint id or jid does
	// not name a member of this conference.
	ErrNoSuchParticipant = errors.New("no such participant")

	// ErrNotAllowed is returned when the mute and moderation rules
	// forbid the requested change.
	ErrNotAllowed = errors.New("not allowed")
)

// BridgeSessions is what the conference needs from its per-conference
// colibri session manager.
type BridgeSessions interface {
	Allocate(ctx context.Context, p colibri.ParticipantInfo, contents []source.Content, reInvite bool) (*colibri.Allocation, error)
	AddSources(ctx context.Context, endpointID string, set source.EndpointSourceSet) error
	RemoveSources(ctx context.Context, endpointID string, set source.EndpointSourceSet) error
	UpdateTransport(ctx context.Context, endpointID string, transport colibri.Transport) error
	RemoveParticipants(ctx context.Context, endpointIDs []string)
	BridgesDown(ctx context.Context, bridgeIDs []string) []string
	Expire(ctx context.Context)
	BridgeCount() int
	Sessions() []colibri.SessionInfo
}

// Signaler carries offers, source diffs and control messages to room
// members. DiscoverFeatures, SessionInitiate and TransportReplace block
// on the client; the rest only enqueue.
type Signaler interface {
	DiscoverFeatures(ctx context.Context, jid string) ([]string, error)
	SessionInitiate(ctx context.Context, jid string, offer Offer) error
	TransportReplace(ctx context.Context, jid string, offer Offer) error
	SourceAdd(jid string, contents []source.Content) error
	SourceRemove(jid string, contents []source.Content) error
	SetRole(jid string, role Role) error
	MuteParticipant(jid string, media source.MediaType, muted bool) error
	ModerationChanged(roomID string, media source.MediaType, enabled bool, whitelist []string) error
}

// Config tunes one conference.
type Config struct {
	RolePolicy          RolePolicy
	StripSimulcast      bool
	EnableSctp          bool
	StartAudioMuted     bool
	StartVideoMuted     bool
	Linger              time.Duration
	InviteTimeout       time.Duration
	ReinviteConcurrency int
	TrustedDomains      []string
	SourceLimits        source.Limits
}

// Conference is the per-room state machine: membership, roles, the
// conference source map, moderation, and channel allocation through the
// bridge sessions.
type Conference struct {
	roomID    string
	meetingID string
	cfg       Config
	bridges   BridgeSessions
	signaler  Signaler
	onEnded   func(*Conference)
	logger    *slog.Logger
	createdAt time.Time
	feedback  source.EndpointSourceSet

	mu           sync.Mutex
	state        State
	participants map[string]*Participant
	byJID        map[string]string
	joinSeq      int
	sources      *source.ValidatedMap
	lingerGen    int
	lingerTimer  *time.Timer
	lastRestart  time.Time

	moderation *moderationState
	wg         sync.WaitGroup
}

// New creates a conference in the joining state. onEnded, when non-nil,
// runs once after the conference is disposed.
func New(roomID string, cfg Config, bridges BridgeSessions, signaler Signaler, onEnded func(*Conference), logger *slog.Logger) *Conference {
	if cfg.Linger <= 0 {
		cfg.Linger = DefaultLinger
	}
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = DefaultInviteTimeout
	}
	if cfg.ReinviteConcurrency <= 0 {
		cfg.ReinviteConcurrency = DefaultReinviteConcurrency
	}
	if cfg.RolePolicy == "" {
		cfg.RolePolicy = RolePolicyAutoOwner
	}
	if cfg.SourceLimits == (source.Limits{}) {
		cfg.SourceLimits = source.DefaultLimits
	}
	return &Conference{
		roomID:       roomID,
		meetingID:    uuid.NewString(),
		cfg:          cfg,
		bridges:      bridges,
		signaler:     signaler,
		onEnded:      onEnded,
		logger:       logger.With("subsystem", "conference", "room", roomID),
		createdAt:    time.Now(),
		feedback:     newFeedbackSources(),
		state:        StateJoining,
		participants: make(map[string]*Participant),
		byJID:        make(map[string]string),
		sources:      source.NewValidatedMap(cfg.SourceLimits),
		moderation:   newModerationState(),
	}
}

// newFeedbackSources builds the bridge-owned audio and video feedback
// sources advertised to every participant, named jvb-a0 and jvb-v0.
func newFeedbackSources() source.EndpointSourceSet {
	audio := randomSSRC()
	video := randomSSRC()
	for video == audio {
		video = randomSSRC()
	}
	return source.NewSet([]source.Source{
		{SSRC: audio, MediaType: source.MediaAudio, Name: "jvb-a0", Injected: true},
		{SSRC: video, MediaType: source.MediaVideo, Name: "jvb-v0", Injected: true},
	}, nil)
}

func randomSSRC() uint32 {
	return uint32(rand.Int63n(math.MaxUint32)) + 1
}

// RoomID returns the room this conference serves.
func (c *Conference) RoomID() string { return c.roomID }

// MeetingID returns the unique id of this instantiation of the room.
func (c *Conference) MeetingID() string { return c.meetingID }

// CreatedAt returns when the conference was created.
func (c *Conference) CreatedAt() time.Time { return c.createdAt }

// State returns the lifecycle state.
func (c *Conference) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartMuted returns the conference-wide start-muted defaults.
func (c *Conference) StartMuted() (audio, video bool) {
	return c.cfg.StartAudioMuted, c.cfg.StartVideoMuted
}

// MemberJoined folds a presence join into the conference and starts the
// invite handshake for the new member. Joining an already-known jid just
// returns the existing participant.
func (c *Conference) MemberJoined(info MemberInfo) (*Participant, error) {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}
	if id, ok := c.byJID[info.JID]; ok {
		p := c.participants[id]
		c.mu.Unlock()
		return p, nil
	}
	if _, ok := c.participants[info.EndpointID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("endpoint %q already joined under another jid", info.EndpointID)
	}
	c.joinSeq++
	p := newParticipant(info, c.joinSeq, map[source.MediaType]bool{
		source.MediaAudio: c.cfg.StartAudioMuted,
		source.MediaVideo: c.cfg.StartVideoMuted,
	})
	c.participants[info.EndpointID] = p
	c.byJID[info.JID] = info.EndpointID
	c.cancelLingerLocked()
	if c.state == StateJoining {
		c.state = StateRunning
	}
	changed := c.electOwnerLocked()
	c.mu.Unlock()

	c.logger.Info("member joined",
		"participant", info.EndpointID,
		"jid", info.JID,
		"region", info.Region,
		"robot", info.Robot,
	)
	c.notifyRoles(changed)
	c.startInvite(p, false)
	return p, nil
}

// MemberLeft removes a member, releases its bridge resources and signals
// its sources away from the remaining participants.
func (c *Conference) MemberLeft(ctx context.Context, jid string) {
	c.mu.Lock()
	id, ok := c.byJID[jid]
	if !ok {
		c.mu.Unlock()
		return
	}
	p := c.participants[id]
	delete(c.participants, id)
	delete(c.byJID, jid)
	removed := c.sources.RemoveOwner(id)
	var targets []*Participant
	if !removed.IsEmpty() {
		targets = c.queueToOthersLocked(id, removed, false)
	}
	changed := c.electOwnerLocked()
	empty := !c.hasHumansLocked()
	draining := c.state == StateDraining
	c.mu.Unlock()

	p.cancelInvite()
	if !removed.IsEmpty() {
		// Push the removal while the endpoint is still routed so the
		// other bridges' relays learn about it too.
		if err := c.bridges.RemoveSources(ctx, id, removed); err != nil {
			c.logger.Debug("bridge source removal on leave", "participant", id, "error", err)
		}
	}
	c.bridges.RemoveParticipants(ctx, []string{id})
	c.flushTo(targets)
	c.notifyRoles(changed)
	c.logger.Info("member left", "participant", id, "jid", jid)
	if !empty {
		return
	}
	// A draining conference is done the moment the last human leaves;
	// otherwise give the room a grace period to refill.
	if draining {
		c.Dispose(ctx)
	} else {
		c.scheduleLinger()
	}
}

// AuthenticateMember records the member's external identity and, under
// the authenticated role policy, grants it owner.
func (c *Conference) AuthenticateMember(endpointID, identity string) error {
	c.mu.Lock()
	p, ok := c.participants[endpointID]
	if !ok {
		c.mu.Unlock()
		return ErrNoSuchParticipant
	}
	p.setAuthenticated(identity)
	changed := c.electOwnerLocked()
	c.mu.Unlock()
	c.notifyRoles(changed)
	return nil
}

// electOwnerLocked applies the role policy and returns the participants
// whose role changed.
func (c *Conference) electOwnerLocked() []*Participant {
	var changed []*Participant
	switch c.cfg.RolePolicy {
	case RolePolicyAuthenticated:
		for _, p := range c.participants {
			if p.AuthenticatedID() != "" && p.setRole(RoleOwner) {
				changed = append(changed, p)
			}
		}
	default:
		var earliest *Participant
		for _, p := range c.participants {
			if p.robot {
				continue
			}
			if p.IsOwner() {
				return nil
			}
			if earliest == nil || p.joinOrder < earliest.joinOrder {
				earliest = p
			}
		}
		if earliest != nil && earliest.setRole(RoleOwner) {
			changed = append(changed, earliest)
		}
	}
	return changed
}

func (c *Conference) notifyRoles(changed []*Participant) {
	for _, p := range changed {
		role := p.Role()
		if err := c.signaler.SetRole(p.jid, role); err != nil {
			c.logger.Warn("role grant failed", "participant", p.endpointID, "role", role, "error", err)
		} else {
			c.logger.Info("role granted", "participant", p.endpointID, "role", role)
		}
	}
}

// startInvite launches the allocate-and-offer task for a participant,
// cancelling any still-running one.
func (c *Conference) startInvite(p *Participant, reInvite bool) {
	a := &channelAllocator{conf: c, p: p, reInvite: reInvite}
	if prev := p.setInvite(a); prev != nil {
		prev.cancel()
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.InviteTimeout)
		defer cancel()
		a.run(ctx)
	}()
}

// AddSources validates and commits sources a participant advertised,
// pushes them to the bridges and queues them for the other members.
func (c *Conference) AddSources(ctx context.Context, endpointID string, contents []source.Content) error {
	set, err := source.ParseContents(contents)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.participants[endpointID]; !ok {
		c.mu.Unlock()
		return ErrNoSuchParticipant
	}
	accepted, err := c.sources.TryToAdd(endpointID, set)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	targets := c.queueToOthersLocked(endpointID, accepted, true)
	c.mu.Unlock()

	if err := c.bridges.AddSources(ctx, endpointID, accepted); err != nil {
		c.logger.Warn("bridge source add failed", "participant", endpointID, "error", err)
		c.flushTo(targets)
		return err
	}
	c.flushTo(targets)
	return nil
}

// RemoveSources validates and commits a source withdrawal.
func (c *Conference) RemoveSources(ctx context.Context, endpointID string, contents []source.Content) error {
	set, err := source.ParseContents(contents)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.participants[endpointID]; !ok {
		c.mu.Unlock()
		return ErrNoSuchParticipant
	}
	removed, err := c.sources.TryToRemove(endpointID, set)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	targets := c.queueToOthersLocked(endpointID, removed, false)
	c.mu.Unlock()

	if err := c.bridges.RemoveSources(ctx, endpointID, removed); err != nil {
		c.logger.Warn("bridge source removal failed", "participant", endpointID, "error", err)
		c.flushTo(targets)
		return err
	}
	c.flushTo(targets)
	return nil
}

// ParticipantTransport forwards a participant's transport answer to its
// bridge.
func (c *Conference) ParticipantTransport(ctx context.Context, endpointID string, transport colibri.Transport) error {
	c.mu.Lock()
	_, ok := c.participants[endpointID]
	c.mu.Unlock()
	if !ok {
		return ErrNoSuchParticipant
	}
	return c.bridges.UpdateTransport(ctx, endpointID, transport)
}

// queueToOthersLocked queues one source change for every member that
// receives diffs and returns the ones ready to be flushed.
func (c *Conference) queueToOthersLocked(owner string, set source.EndpointSourceSet, add bool) []*Participant {
	var flush []*Participant
	for id, p := range c.participants {
		if id == owner || !p.receivingDiffs() {
			continue
		}
		if add {
			p.queue.queueAdd(owner, set)
		} else {
			p.queue.queueRemove(owner, set)
		}
		if p.Established() {
			flush = append(flush, p)
		}
	}
	return flush
}

func (c *Conference) flushTo(targets []*Participant) {
	for _, p := range targets {
		c.flushSignals(p)
	}
}

// flushSignals drains the participant's queue and sends the batches in
// order. The per-participant signal lock keeps concurrent flushes from
// reordering an add against a remove.
func (c *Conference) flushSignals(p *Participant) {
	p.signalMu.Lock()
	defer p.signalMu.Unlock()
	if !p.Established() {
		return
	}
	for _, b := range p.queue.flush() {
		filtered := c.filterFor(p, b.sources)
		if filtered.IsEmpty() {
			continue
		}
		contents := source.EncodeMapContents(filtered)
		var err error
		if b.add {
			err = c.signaler.SourceAdd(p.jid, contents)
		} else {
			err = c.signaler.SourceRemove(p.jid, contents)
		}
		if err != nil {
			c.logger.Warn("source signal failed", "participant", p.endpointID, "error", err)
		}
	}
}

// offerContents snapshots everything the participant should see in its
// offer: the other members' sources plus the bridge feedback sources.
// From the moment the snapshot is taken the participant receives diffs,
// so nothing is lost or doubled between offer and queue.
func (c *Conference) offerContents(p *Participant) []source.Content {
	c.mu.Lock()
	snapshot := c.sources.Copy()
	p.beginDiffs()
	c.mu.Unlock()

	snapshot.RemoveOwner(p.endpointID)
	filtered := c.filterFor(p, snapshot)
	filtered.Add(feedbackOwner, c.feedback)
	return source.EncodeMapContents(filtered)
}

// filterFor applies flush-time filtering for one receiver: simulcast
// strip per config and the receiver's supported media types.
func (c *Conference) filterFor(p *Participant, m *source.ConferenceSourceMap) *source.ConferenceSourceMap {
	out := m
	if c.cfg.StripSimulcast {
		stripped, err := out.StripSimulcast()
		if err != nil {
			c.logger.Warn("simulcast strip failed", "participant", p.endpointID, "error", err)
		} else {
			out = stripped
		}
	}
	var media []source.MediaType
	if p.HasFeature(FeatureAudio) {
		media = append(media, source.MediaAudio)
	}
	if p.HasFeature(FeatureVideo) {
		media = append(media, source.MediaVideo)
	}
	if len(media) < 2 {
		out = out.MediaSources(media...)
	}
	return out
}

// Mute applies the muting rules: self-mute is free, self-unmute is
// governed by moderation, muting others needs the owner role, unmuting
// others is never allowed.
func (c *Conference) Mute(actorID, targetID string, media source.MediaType, mute bool) error {
	c.mu.Lock()
	actor, aok := c.participants[actorID]
	target, tok := c.participants[targetID]
	c.mu.Unlock()
	if !aok || !tok {
		return ErrNoSuchParticipant
	}

	if actorID != targetID {
		if !mute {
			return fmt.Errorf("%w: cannot unmute another participant", ErrNotAllowed)
		}
		if !actor.IsOwner() {
			return fmt.Errorf("%w: muting others requires the owner role", ErrNotAllowed)
		}
	} else if !mute && c.moderation.isEnabled(media) &&
		!target.IsOwner() && !c.moderation.isWhitelisted(media, target.jid) {
		return fmt.Errorf("%w: %s moderation is in effect", ErrNotAllowed, media)
	}

	if target.setMuted(media, mute) && actorID != targetID {
		if err := c.signaler.MuteParticipant(target.jid, media, mute); err != nil {
			c.logger.Warn("mute signal failed", "participant", targetID, "error", err)
		}
	}
	return nil
}

// SetModeration updates the A/V moderation state for a media type. A
// false to true transition mutes every member that is not exempt.
func (c *Conference) SetModeration(media source.MediaType, enabled bool, whitelist []string) {
	c.moderation.setWhitelist(media, whitelist)
	turnedOn := c.moderation.setEnabled(media, enabled)
	if err := c.signaler.ModerationChanged(c.roomID, media, enabled, whitelist); err != nil {
		c.logger.Warn("moderation broadcast failed", "media", media, "error", err)
	}
	c.logger.Info("moderation changed", "media", media, "enabled", enabled, "whitelist", len(whitelist))
	if turnedOn {
		c.massMute(media)
	}
}

// Moderation returns the current moderation state for debug output.
func (c *Conference) Moderation() map[source.MediaType]ModerationInfo {
	return c.moderation.snapshot()
}

func (c *Conference) massMute(media source.MediaType) {
	for _, p := range c.participantList() {
		c.applyModerationMute(p, media)
	}
}

// applyModerationTo mutes a single participant per the current
// moderation state, used when it joins an already-moderated room.
func (c *Conference) applyModerationTo(p *Participant) {
	for _, media := range []source.MediaType{source.MediaAudio, source.MediaVideo} {
		if c.moderation.isEnabled(media) {
			c.applyModerationMute(p, media)
		}
	}
}

func (c *Conference) applyModerationMute(p *Participant, media source.MediaType) {
	if p.robot || p.IsOwner() || c.moderation.isWhitelisted(media, p.jid) {
		return
	}
	if p.setMuted(media, true) {
		if err := c.signaler.MuteParticipant(p.jid, media, true); err != nil {
			c.logger.Warn("moderation mute failed", "participant", p.endpointID, "error", err)
		}
	}
}

// AcceptWorkerRequest reports whether a room member may start or stop
// recording, streaming and SIP sessions: owners may, and so may anyone
// from a trusted domain.
func (c *Conference) AcceptWorkerRequest(fromJID string) bool {
	c.mu.Lock()
	id, ok := c.byJID[fromJID]
	var p *Participant
	if ok {
		p = c.participants[id]
	}
	c.mu.Unlock()
	if p != nil && p.IsOwner() {
		return true
	}
	domain := jidDomain(fromJID)
	for _, trusted := range c.cfg.TrustedDomains {
		if domain == trusted {
			return true
		}
	}
	return false
}

func jidDomain(jid string) string {
	if _, after, ok := strings.Cut(jid, "@"); ok {
		jid = after
	}
	domain, _, _ := strings.Cut(jid, "/")
	return domain
}

// BridgesDown routes a bridge failure into the session manager and
// re-invites the displaced participants on new bridges, bounded by the
// configured concurrency. The displaced endpoint ids are returned.
func (c *Conference) BridgesDown(ctx context.Context, bridgeIDs []string) []string {
	displaced := c.bridges.BridgesDown(ctx, bridgeIDs)
	if len(displaced) == 0 {
		return displaced
	}
	c.mu.Lock()
	ps := make([]*Participant, 0, len(displaced))
	for _, id := range displaced {
		if p, ok := c.participants[id]; ok {
			ps = append(ps, p)
		}
	}
	c.mu.Unlock()

	c.logger.Warn("bridges failed, re-inviting participants",
		"bridges", bridgeIDs,
		"displaced", len(displaced),
	)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		g := new(errgroup.Group)
		g.SetLimit(c.cfg.ReinviteConcurrency)
		for _, p := range ps {
			p := p
			g.Go(func() error {
				a := &channelAllocator{conf: c, p: p, reInvite: true}
				if prev := p.setInvite(a); prev != nil {
					prev.cancel()
				}
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.InviteTimeout)
				defer cancel()
				a.run(ctx)
				return nil
			})
		}
		g.Wait()
	}()
	return displaced
}

// allocationFailed decides what happens after a failed channel
// allocation: restart the whole conference when the bridge expired it,
// retry on another bridge after a bridge fault, give up otherwise.
func (c *Conference) allocationFailed(p *Participant, reInvite bool, err error) {
	var aerr *colibri.AllocationError
	if !errors.As(err, &aerr) {
		c.logger.Error("allocation failed", "participant", p.endpointID, "error", err)
		return
	}
	if aerr.RestartConference {
		c.restart()
		return
	}
	switch aerr.Kind {
	case colibri.AllocBridgeFailed:
		c.logger.Warn("bridge failed during allocation, retrying elsewhere",
			"participant", p.endpointID, "bridge", aerr.Bridge)
		c.startInvite(p, reInvite)
	case colibri.AllocSelectionFailed:
		c.logger.Error("no bridge available", "participant", p.endpointID)
	default:
		c.logger.Error("allocation failed", "participant", p.endpointID, "error", err)
	}
}

// inviteFailed is called when a participant did not ack its offer. The
// bridge side stays allocated; presence decides whether the member is
// really gone.
func (c *Conference) inviteFailed(p *Participant, reInvite bool, err error) {
	c.logger.Warn("invite not acknowledged",
		"participant", p.endpointID,
		"re_invite", reInvite,
		"error", err,
	)
}

// restart re-invites every participant after a bridge expired the whole
// conference. Stampedes from several concurrent allocation failures are
// collapsed into one restart.
func (c *Conference) restart() {
	c.mu.Lock()
	if time.Since(c.lastRestart) < time.Second {
		c.mu.Unlock()
		return
	}
	c.lastRestart = time.Now()
	ps := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		ps = append(ps, p)
	}
	c.mu.Unlock()

	c.logger.Warn("restarting conference", "participants", len(ps))
	for _, p := range ps {
		c.startInvite(p, p.Established())
	}
}

func (c *Conference) hasHumansLocked() bool {
	for _, p := range c.participants {
		if !p.robot {
			return true
		}
	}
	return false
}

// scheduleLinger arms the empty-conference timer. A member joining
// before it fires cancels it.
func (c *Conference) scheduleLinger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return
	}
	c.lingerGen++
	gen := c.lingerGen
	if c.lingerTimer != nil {
		c.lingerTimer.Stop()
	}
	c.lingerTimer = time.AfterFunc(c.cfg.Linger, func() { c.lingerExpired(gen) })
	c.logger.Info("conference empty, lingering", "linger", c.cfg.Linger)
}

func (c *Conference) lingerExpired(gen int) {
	c.mu.Lock()
	stale := c.lingerGen != gen || c.state == StateDisposed || c.hasHumansLocked()
	c.mu.Unlock()
	if stale {
		return
	}
	c.Dispose(context.Background())
}

func (c *Conference) cancelLingerLocked() {
	c.lingerGen++
	if c.lingerTimer != nil {
		c.lingerTimer.Stop()
		c.lingerTimer = nil
	}
}

// BeginDraining moves the conference out of accepting-new-work during a
// graceful shutdown. An already-empty conference is disposed at once.
func (c *Conference) BeginDraining() {
	c.mu.Lock()
	if c.state == StateJoining || c.state == StateRunning {
		c.state = StateDraining
	}
	empty := !c.hasHumansLocked()
	c.mu.Unlock()
	if empty {
		c.Dispose(context.Background())
	}
}

// Dispose tears the conference down: cancels invites, expires every
// bridge session and fires the end callback. Idempotent.
func (c *Conference) Dispose(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisposed
	c.cancelLingerLocked()
	ps := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		ps = append(ps, p)
	}
	c.participants = make(map[string]*Participant)
	c.byJID = make(map[string]string)
	c.mu.Unlock()

	for _, p := range ps {
		p.cancelInvite()
	}
	c.bridges.Expire(ctx)
	c.logger.Info("conference disposed", "duration", time.Since(c.createdAt).Round(time.Second))
	if c.onEnded != nil {
		c.onEnded(c)
	}
}

// Wait blocks until every invite task has finished. Used by shutdown
// and tests.
func (c *Conference) Wait() {
	c.wg.Wait()
}

// Participant returns a member by endpoint id.
func (c *Conference) Participant(endpointID string) (*Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[endpointID]
	return p, ok
}

// ParticipantByJID returns a member by room jid.
func (c *Conference) ParticipantByJID(jid string) (*Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byJID[jid]
	if !ok {
		return nil, false
	}
	p, ok := c.participants[id]
	return p, ok
}

func (c *Conference) participantList() []*Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].joinOrder < ps[j].joinOrder })
	return ps
}

// ParticipantCount returns the number of members, robots included.
func (c *Conference) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

// ParticipantJIDs lists the occupant jids of everyone in the room.
func (c *Conference) ParticipantJIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	jids := make([]string, 0, len(c.participants))
	for jid := range c.byJID {
		jids = append(jids, jid)
	}
	return jids
}

// HumanCount returns the number of non-robot members.
func (c *Conference) HumanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.participants {
		if !p.robot {
			n++
		}
	}
	return n
}

// BridgeCount returns the number of bridges in use.
func (c *Conference) BridgeCount() int {
	return c.bridges.BridgeCount()
}

// Sources returns the read-only view of the conference source map.
func (c *Conference) Sources() source.MapReader {
	return c.sources.Reader()
}

// DebugInfo is the admin endpoint's dump of one conference.
type DebugInfo struct {
	RoomID         string                              `json:"room_id"`
	MeetingID      string                              `json:"meeting_id"`
	State          State                               `json:"state"`
	CreatedAt      time.Time                           `json:"created_at"`
	Participants   []Snapshot                          `json:"participants"`
	BridgeSessions []colibri.SessionInfo               `json:"bridge_sessions,omitempty"`
	Sources        json.RawMessage                     `json:"sources,omitempty"`
	Moderation     map[source.MediaType]ModerationInfo `json:"moderation,omitempty"`
}

// Debug returns a point-in-time dump for the admin API.
func (c *Conference) Debug() DebugInfo {
	info := DebugInfo{
		RoomID:     c.roomID,
		MeetingID:  c.meetingID,
		State:      c.State(),
		CreatedAt:  c.createdAt,
		Moderation: c.moderation.snapshot(),
	}
	for _, p := range c.participantList() {
		info.Participants = append(info.Participants, p.snapshot())
	}
	info.BridgeSessions = c.bridges.Sessions()
	if data, err := c.sources.CompactJSON(); err == nil {
		info.Sources = data
	}
	return info
}
