package conference

import (
	"context"
	"sync/atomic"

	"github.com/confocus/confocus/internal/colibri"
	"github.com/confocus/confocus/internal/source"
)

// Offer is the session description sent to a participant: where the
// bridge listens, and every source visible to the receiver. The bridge
// session id lets clients flag stale transport failures after a
// re-invite moved them elsewhere.
type Offer struct {
	BridgeSessionID string            `json:"bridge_session_id"`
	Contents        []source.Content  `json:"contents"`
	Transport       colibri.Transport `json:"transport"`
	Sctp            *colibri.Sctp     `json:"sctp,omitempty"`
}

// channelAllocator is the one-shot invite task for one participant:
// discover features, allocate channels, build and send the offer, apply
// moderation. It runs on its own goroutine. cancel is checked between
// steps; channels already allocated by a cancelled task are reclaimed.
type channelAllocator struct {
	conf      *Conference
	p         *Participant
	reInvite  bool
	cancelled atomic.Bool
}

func (a *channelAllocator) cancel() {
	a.cancelled.Store(true)
}

func (a *channelAllocator) run(ctx context.Context) {
	c := a.conf
	p := a.p
	defer p.clearInvite(a)

	if !p.featuresKnown() {
		features, err := c.signaler.DiscoverFeatures(ctx, p.jid)
		if err != nil {
			c.logger.Warn("feature discovery failed, assuming defaults",
				"participant", p.endpointID, "error", err)
		} else {
			p.setFeatures(features)
		}
	}
	if a.cancelled.Load() {
		return
	}

	useSctp := c.cfg.EnableSctp && p.HasFeature(FeatureSctp)
	alloc, err := c.bridges.Allocate(ctx, colibri.ParticipantInfo{
		EndpointID: p.endpointID,
		StatsID:    p.StatsID(),
		Region:     p.Region(),
		UseSctp:    useSctp,
	}, nil, a.reInvite)
	if err != nil {
		c.allocationFailed(p, a.reInvite, err)
		return
	}
	if a.cancelled.Load() {
		c.bridges.RemoveParticipants(context.Background(), []string{p.endpointID})
		return
	}

	offer := Offer{
		BridgeSessionID: alloc.BridgeSessionID,
		Contents:        c.offerContents(p),
		Transport:       alloc.Transport,
		Sctp:            alloc.Sctp,
	}

	p.markOfferSent()
	if a.reInvite {
		err = c.signaler.TransportReplace(ctx, p.jid, offer)
	} else {
		err = c.signaler.SessionInitiate(ctx, p.jid, offer)
	}
	if err != nil {
		c.inviteFailed(p, a.reInvite, err)
		return
	}
	p.markEstablished()
	c.flushSignals(p)

	// Members that joined a moderated room start muted.
	c.applyModerationTo(p)
}
