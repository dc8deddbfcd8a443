package bridge

import (
	"fmt"
	"log/slog"
	"sort"
)

// Selection strategy defaults, overridable through the config.
const (
	// DefaultMaxStress is the stress ceiling above which a conference's
	// current bridge is no longer preferred for new participants.
	DefaultMaxStress = 0.8

	// DefaultParticipantStress estimates the stress one additional
	// participant adds to a bridge.
	DefaultParticipantStress = 0.01
)

// Strategy picks one bridge out of the operational candidates.
// conferenceBridges maps the ids of bridges already hosting the conference
// to their participant counts.
type Strategy interface {
	Select(candidates []Bridge, conferenceBridges map[string]int, participantRegion string) (Bridge, bool)
}

// StrategyConfig carries the tunables shared by the strategies.
type StrategyConfig struct {
	// Kind is one of "single", "region" or "split".
	Kind string

	// LocalRegion is the region this focus runs in, used as a fallback
	// preference by the region strategy.
	LocalRegion string

	// RegionGroups lists sets of regions considered close to each other.
	RegionGroups [][]string

	// MaxStress and ParticipantStress drive the single strategy's
	// decision to stay on the conference's bridge.
	MaxStress         float64
	ParticipantStress float64
}

// NewStrategy builds the strategy named by cfg.Kind.
func NewStrategy(cfg StrategyConfig) (Strategy, error) {
	maxStress := cfg.MaxStress
	if maxStress <= 0 {
		maxStress = DefaultMaxStress
	}
	participantStress := cfg.ParticipantStress
	if participantStress <= 0 {
		participantStress = DefaultParticipantStress
	}
	switch cfg.Kind {
	case "", "single":
		return &SingleStrategy{MaxStress: maxStress, ParticipantStress: participantStress}, nil
	case "region":
		return &RegionStrategy{LocalRegion: cfg.LocalRegion, Groups: cfg.RegionGroups}, nil
	case "split":
		return &SplitStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown bridge selection strategy %q", cfg.Kind)
	}
}

// Selector resolves a bridge for one participant: it narrows the registry
// to usable candidates (operational, version compatible, not draining
// unless already hosting the conference) and delegates the final pick to
// the strategy.
type Selector struct {
	registry *Registry
	strategy Strategy
	logger   *slog.Logger
}

// NewSelector creates a selector over the given registry.
func NewSelector(registry *Registry, strategy Strategy, logger *slog.Logger) *Selector {
	return &Selector{
		registry: registry,
		strategy: strategy,
		logger:   logger.With("subsystem", "bridge-selector"),
	}
}

// Select picks a bridge for a participant in the given region. version pins
// the selection to one bridge version; when empty and the conference
// already has bridges, the pin is derived from them. Returns false when no
// usable bridge exists; the caller must treat that as a hard failure, not
// pick an incompatible bridge itself.
func (s *Selector) Select(conferenceBridges map[string]int, participantRegion, version string) (Bridge, bool) {
	all := s.registry.Operational()

	pin := version
	if pin == "" {
		pin = s.conferenceVersion(conferenceBridges)
	}

	candidates := make([]Bridge, 0, len(all))
	for _, b := range all {
		if pin != "" && b.Version != pin {
			continue
		}
		if !b.SupportsColibri2 {
			continue
		}
		if b.Draining() {
			if _, hosting := conferenceBridges[b.ID]; !hosting {
				continue
			}
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		s.logger.Warn("no usable bridge",
			"operational", len(all),
			"version_pin", pin,
			"participant_region", participantRegion,
		)
		return Bridge{}, false
	}

	b, ok := s.strategy.Select(candidates, conferenceBridges, participantRegion)
	if ok {
		s.logger.Debug("bridge selected",
			"bridge", b.ID,
			"region", b.Region,
			"stress", b.Stress,
			"participant_region", participantRegion,
		)
	}
	return b, ok
}

// conferenceVersion returns the version of the conference's existing
// bridges, taking the first one still known to the registry.
func (s *Selector) conferenceVersion(conferenceBridges map[string]int) string {
	ids := make([]string, 0, len(conferenceBridges))
	for id := range conferenceBridges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if b, ok := s.registry.Get(id); ok {
			return b.Version
		}
	}
	return ""
}

// leastStressed returns the candidate with the lowest stress; ties go to
// the lexically smallest id so selection is deterministic.
func leastStressed(candidates []Bridge) (Bridge, bool) {
	if len(candidates) == 0 {
		return Bridge{}, false
	}
	best := candidates[0]
	for _, b := range candidates[1:] {
		if b.Stress < best.Stress || (b.Stress == best.Stress && b.ID < best.ID) {
			best = b
		}
	}
	return best, true
}

// leastStressedIn restricts leastStressed to the given regions.
func leastStressedIn(candidates []Bridge, regions map[string]bool) (Bridge, bool) {
	in := make([]Bridge, 0, len(candidates))
	for _, b := range candidates {
		if regions[b.Region] {
			in = append(in, b)
		}
	}
	return leastStressed(in)
}

// leastStressedHosting restricts leastStressed to bridges already hosting
// the conference.
func leastStressedHosting(candidates []Bridge, conferenceBridges map[string]int) (Bridge, bool) {
	hosting := make([]Bridge, 0, len(candidates))
	for _, b := range candidates {
		if _, ok := conferenceBridges[b.ID]; ok {
			hosting = append(hosting, b)
		}
	}
	return leastStressed(hosting)
}

// SingleStrategy keeps a conference on one bridge: the bridge already
// hosting it is preferred until adding another participant would push it
// past the stress ceiling, at which point the least-stressed bridge wins.
type SingleStrategy struct {
	MaxStress         float64
	ParticipantStress float64
}

func (st *SingleStrategy) Select(candidates []Bridge, conferenceBridges map[string]int, participantRegion string) (Bridge, bool) {
	if b, ok := leastStressedHosting(candidates, conferenceBridges); ok {
		if b.Stress+st.ParticipantStress <= st.MaxStress {
			return b, true
		}
	}
	return leastStressed(candidates)
}

// RegionStrategy places each participant near their own region: exact
// region first, then a configured region group, then the conference's
// existing bridges, then the focus's local region, then anything.
type RegionStrategy struct {
	LocalRegion string
	Groups      [][]string
}

func (st *RegionStrategy) Select(candidates []Bridge, conferenceBridges map[string]int, participantRegion string) (Bridge, bool) {
	if participantRegion != "" {
		if b, ok := leastStressedIn(candidates, map[string]bool{participantRegion: true}); ok {
			return b, true
		}
		if group := st.groupOf(participantRegion); len(group) > 0 {
			if b, ok := leastStressedIn(candidates, group); ok {
				return b, true
			}
		}
	}
	// Nothing near the participant: stay where the conference already is.
	if b, ok := leastStressedHosting(candidates, conferenceBridges); ok {
		return b, true
	}
	if st.LocalRegion != "" {
		if b, ok := leastStressedIn(candidates, map[string]bool{st.LocalRegion: true}); ok {
			return b, true
		}
	}
	return leastStressed(candidates)
}

// groupOf returns the first configured region group containing region.
func (st *RegionStrategy) groupOf(region string) map[string]bool {
	for _, group := range st.Groups {
		for _, r := range group {
			if r == region {
				set := make(map[string]bool, len(group))
				for _, g := range group {
					set[g] = true
				}
				return set
			}
		}
	}
	return nil
}

// SplitStrategy spreads a conference over as many bridges as possible: the
// bridge hosting the fewest of the conference's participants wins, with
// stress and id as tie-breakers.
type SplitStrategy struct{}

func (SplitStrategy) Select(candidates []Bridge, conferenceBridges map[string]int, participantRegion string) (Bridge, bool) {
	if len(candidates) == 0 {
		return Bridge{}, false
	}
	best := candidates[0]
	bestUsage := conferenceBridges[best.ID]
	for _, b := range candidates[1:] {
		usage := conferenceBridges[b.ID]
		if usage < bestUsage ||
			(usage == bestUsage && (b.Stress < best.Stress ||
				(b.Stress == best.Stress && b.ID < best.ID))) {
			best = b
			bestUsage = usage
		}
	}
	return best, true
}
