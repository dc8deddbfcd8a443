// Package bridge tracks the media bridges available to the focus and picks
// one for each participant. Bridges announce themselves over the signaling
// presence channel; their load reports feed the registry, and a pluggable
// selection strategy decides placement.
package bridge

import (
	"fmt"
	"time"
)

// Bridge is a point-in-time view of one media bridge. Values are copied out
// of the registry, so callers can hold them without locking.
type Bridge struct {
	// ID is the bridge's signaling address.
	ID string

	// Stress is the bridge's self-reported load in [0, 1+].
	Stress float64

	// Region is the cloud region the bridge runs in.
	Region string

	// Version is the bridge software version. Conferences never span
	// bridge versions.
	Version string

	// GracefulShutdown is set when the bridge announced it will leave:
	// it keeps serving existing conferences but takes no new ones.
	GracefulShutdown bool

	// Drain mirrors GracefulShutdown for operator-initiated draining,
	// without the implication that the bridge is going away.
	Drain bool

	// RelayID identifies the bridge in the relay mesh that stitches
	// multi-bridge conferences together.
	RelayID string

	// SupportsColibri2 reports whether the bridge speaks the channel
	// allocation protocol this focus uses. Assumed until a load report
	// says otherwise.
	SupportsColibri2 bool

	// LastSeen is when the bridge last announced itself or reported load.
	LastSeen time.Time

	// failedAt is when the bridge last failed an operation. Failure is
	// sticky: the bridge stays non-operational until the reset threshold
	// has passed.
	failedAt time.Time
}

// operational reports whether the bridge may be used at all: it has not
// failed recently.
func (b Bridge) operational(now time.Time, resetThreshold time.Duration) bool {
	return b.failedAt.IsZero() || now.Sub(b.failedAt) >= resetThreshold
}

// Draining reports whether the bridge should receive no new conferences.
func (b Bridge) Draining() bool {
	return b.GracefulShutdown || b.Drain
}

// String returns a short log form.
func (b Bridge) String() string {
	return fmt.Sprintf("%s[region=%s stress=%.2f]", b.ID, b.Region, b.Stress)
}

// Stats is a partial load report from a bridge. Nil fields leave the prior
// value untouched, so sparse presence updates merge cleanly.
type Stats struct {
	Stress           *float64 `json:"stress,omitempty"`
	Region           *string  `json:"region,omitempty"`
	Version          *string  `json:"version,omitempty"`
	GracefulShutdown *bool    `json:"graceful_shutdown,omitempty"`
	Drain            *bool    `json:"drain,omitempty"`
	RelayID          *string  `json:"relay_id,omitempty"`
	SupportsColibri2 *bool    `json:"colibri2,omitempty"`
}

// merge applies the non-nil fields of st to b.
func (b *Bridge) merge(st Stats) {
	if st.Stress != nil {
		b.Stress = *st.Stress
	}
	if st.Region != nil {
		b.Region = *st.Region
	}
	if st.Version != nil {
		b.Version = *st.Version
	}
	if st.GracefulShutdown != nil {
		b.GracefulShutdown = *st.GracefulShutdown
	}
	if st.Drain != nil {
		b.Drain = *st.Drain
	}
	if st.RelayID != nil {
		b.RelayID = *st.RelayID
	}
	if st.SupportsColibri2 != nil {
		b.SupportsColibri2 = *st.SupportsColibri2
	}
}
