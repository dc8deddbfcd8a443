package source

import (
	"fmt"
	"sync"
)

// ValidationKind identifies the rule a rejected mutation violated. The
// signaling layer maps kinds to wire error conditions, so the string values
// are part of the external contract.
type ValidationKind string

const (
	KindInvalidSSRC              ValidationKind = "invalid-ssrc"
	KindSSRCAlreadyUsed          ValidationKind = "ssrc-already-used"
	KindSSRCLimitExceeded        ValidationKind = "ssrc-limit-exceeded"
	KindGroupLimitExceeded       ValidationKind = "ssrc-group-limit-exceeded"
	KindMsidConflict             ValidationKind = "msid-conflict"
	KindGroupUnknownSource       ValidationKind = "group-references-unknown-source"
	KindInvalidFidGroup          ValidationKind = "invalid-fid-group"
	KindRequiredParameterMissing ValidationKind = "required-parameter-missing"
	KindGroupMsidMismatch        ValidationKind = "group-msid-mismatch"
	KindSourceNotFound           ValidationKind = "source-does-not-exist"
	KindGroupNotFound            ValidationKind = "source-group-does-not-exist"
)

// ValidationError reports why a validated mutation was rejected. The map is
// always left unchanged when one is returned.
type ValidationError struct {
	Kind  ValidationKind
	SSRC  uint32 // ssrc involved, when meaningful
	MSID  string // msid involved, when meaningful
	Owner string // endpoint on the other side of a conflict
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Msg
}

// Limits bounds how much a single endpoint may advertise. A limit of zero
// rejects every addition of that kind.
type Limits struct {
	MaxSSRCsPerEndpoint  int
	MaxGroupsPerEndpoint int
}

// DefaultLimits mirrors the defaults exposed through the conference config.
var DefaultLimits = Limits{MaxSSRCsPerEndpoint: 20, MaxGroupsPerEndpoint: 20}

// ValidatedMap wraps a ConferenceSourceMap with the full admission rule set.
// All externally signaled mutations go through TryToAdd and TryToRemove;
// anything else only ever sees the MapReader view, so unvalidated writes are
// impossible outside this package.
//
// ssrcOwner and msidOwner are kept consistent with the underlying map on
// every mutation and give O(1) cross-endpoint conflict checks.
type ValidatedMap struct {
	mu        sync.Mutex
	inner     *ConferenceSourceMap
	limits    Limits
	ssrcOwner map[uint32]string
	msidOwner map[string]string
}

// NewValidatedMap returns an empty validated map enforcing the given limits.
func NewValidatedMap(limits Limits) *ValidatedMap {
	return &ValidatedMap{
		inner:     NewMap(),
		limits:    limits,
		ssrcOwner: make(map[uint32]string),
		msidOwner: make(map[string]string),
	}
}

// Reader returns the read-only capability over the map, for handing to
// components that must not mutate it.
func (v *ValidatedMap) Reader() MapReader { return v }

// Get returns a copy of the owner's current set.
func (v *ValidatedMap) Get(owner string) (EndpointSourceSet, bool) { return v.inner.Get(owner) }

// Owners returns the owner ids present in the map, sorted.
func (v *ValidatedMap) Owners() []string { return v.inner.Owners() }

// Copy returns a detached deep copy of the underlying map.
func (v *ValidatedMap) Copy() *ConferenceSourceMap { return v.inner.Copy() }

// IsEmpty reports whether no owner has any source.
func (v *ValidatedMap) IsEmpty() bool { return v.inner.IsEmpty() }

// SourceCount returns the total number of sources across owners.
func (v *ValidatedMap) SourceCount() int { return v.inner.SourceCount() }

// CompactJSON renders the map in the compact debug encoding.
func (v *ValidatedMap) CompactJSON() ([]byte, error) { return v.inner.CompactJSON() }

// TryToAdd validates set against the current conference state and, on
// success, merges it into the owner's entry. The returned set is what was
// actually added: empty groups and groups the owner already has are dropped
// as no-ops. On error the map is left unchanged.
func (v *ValidatedMap) TryToAdd(owner string, set EndpointSourceSet) (EndpointSourceSet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing, _ := v.inner.Get(owner)

	toAdd := NewSet(set.Sources, set.Groups)
	kept := make([]SsrcGroup, 0, len(toAdd.Groups))
	for _, g := range toAdd.Groups {
		if g.IsEmpty() || existing.HasGroup(g) {
			continue
		}
		kept = append(kept, g)
	}
	toAdd.Groups = kept
	if toAdd.IsEmpty() {
		return EndpointSourceSet{}, nil
	}

	if err := v.validateAdd(owner, existing, toAdd); err != nil {
		return EndpointSourceSet{}, err
	}

	v.inner.Add(owner, toAdd)
	for _, src := range toAdd.Sources {
		v.ssrcOwner[src.SSRC] = owner
		if src.MSID != "" {
			v.msidOwner[src.MSID] = owner
		}
	}
	return toAdd, nil
}

func (v *ValidatedMap) validateAdd(owner string, existing, toAdd EndpointSourceSet) error {
	for _, src := range toAdd.Sources {
		if src.SSRC == 0 {
			return &ValidationError{
				Kind: KindInvalidSSRC,
				Msg:  "ssrc 0 is not a valid RTP ssrc",
			}
		}
		if prev, used := v.ssrcOwner[src.SSRC]; used {
			return &ValidationError{
				Kind:  KindSSRCAlreadyUsed,
				SSRC:  src.SSRC,
				Owner: prev,
				Msg:   fmt.Sprintf("ssrc %d is already owned by %s", src.SSRC, prev),
			}
		}
	}

	if len(existing.Sources)+len(toAdd.Sources) > v.limits.MaxSSRCsPerEndpoint {
		return &ValidationError{
			Kind: KindSSRCLimitExceeded,
			Msg: fmt.Sprintf("endpoint would have %d sources, limit is %d",
				len(existing.Sources)+len(toAdd.Sources), v.limits.MaxSSRCsPerEndpoint),
		}
	}
	if len(existing.Groups)+len(toAdd.Groups) > v.limits.MaxGroupsPerEndpoint {
		return &ValidationError{
			Kind: KindGroupLimitExceeded,
			Msg: fmt.Sprintf("endpoint would have %d groups, limit is %d",
				len(existing.Groups)+len(toAdd.Groups), v.limits.MaxGroupsPerEndpoint),
		}
	}

	for _, src := range toAdd.Sources {
		if src.MSID == "" {
			continue
		}
		if prev, used := v.msidOwner[src.MSID]; used && prev != owner {
			return &ValidationError{
				Kind:  KindMsidConflict,
				MSID:  src.MSID,
				Owner: prev,
				Msg:   fmt.Sprintf("msid %q is already owned by %s", src.MSID, prev),
			}
		}
	}

	result := existing.Union(toAdd)
	for _, g := range result.Groups {
		var msid string
		for i, ssrc := range g.SSRCs {
			src, ok := result.GetBySSRC(ssrc)
			if !ok || src.MediaType != g.MediaType {
				return &ValidationError{
					Kind: KindGroupUnknownSource,
					SSRC: ssrc,
					Msg:  fmt.Sprintf("group %s references ssrc %d which has no %s source", g, ssrc, g.MediaType),
				}
			}
			if src.MSID == "" {
				return &ValidationError{
					Kind: KindRequiredParameterMissing,
					SSRC: ssrc,
					Msg:  fmt.Sprintf("grouped source %d has no msid", ssrc),
				}
			}
			if i == 0 {
				msid = src.MSID
			} else if src.MSID != msid {
				return &ValidationError{
					Kind: KindGroupMsidMismatch,
					SSRC: ssrc,
					MSID: src.MSID,
					Msg:  fmt.Sprintf("source %d in group %s has msid %q, expected %q", ssrc, g, src.MSID, msid),
				}
			}
		}
	}

	return checkMsidPerExtendedGroup(result)
}

// checkMsidPerExtendedGroup verifies that within each media type, sources
// sharing an msid all belong to the same extended group. The extended group
// of a source is its connected component over SIM and FID membership, so a
// full simulcast set (SIM layers plus their FID retransmission partners)
// counts as a single claim on its msid.
func checkMsidPerExtendedGroup(set EndpointSourceSet) error {
	byMedia := make(map[MediaType][]Source)
	for _, src := range set.Sources {
		byMedia[src.MediaType] = append(byMedia[src.MediaType], src)
	}
	for media, sources := range byMedia {
		roots := extendedGroups(set, media)
		claimed := make(map[string]uint32)
		for _, src := range sources {
			if src.MSID == "" {
				continue
			}
			root := roots[src.SSRC]
			if prev, ok := claimed[src.MSID]; ok && prev != root {
				return &ValidationError{
					Kind: KindMsidConflict,
					SSRC: src.SSRC,
					MSID: src.MSID,
					Msg:  fmt.Sprintf("msid %q is used by more than one extended %s group", src.MSID, media),
				}
			}
			claimed[src.MSID] = root
		}
	}
	return nil
}

// extendedGroups partitions the ssrcs of one media type into their extended
// groups. Every source is a node; every group of that media type connects
// its members. The returned map gives each ssrc its partition root.
func extendedGroups(set EndpointSourceSet, media MediaType) map[uint32]uint32 {
	parent := make(map[uint32]uint32)
	var find func(uint32) uint32
	find = func(x uint32) uint32 {
		p, ok := parent[x]
		if !ok || p == x {
			parent[x] = x
			return x
		}
		root := find(p)
		parent[x] = root
		return root
	}
	for _, src := range set.Sources {
		if src.MediaType == media {
			find(src.SSRC)
		}
	}
	for _, g := range set.Groups {
		if g.MediaType != media || len(g.SSRCs) < 2 {
			continue
		}
		first := g.SSRCs[0]
		for _, ssrc := range g.SSRCs[1:] {
			parent[find(ssrc)] = find(first)
		}
	}
	roots := make(map[uint32]uint32, len(parent))
	for ssrc := range parent {
		roots[ssrc] = find(ssrc)
	}
	return roots
}

// TryToRemove validates that every source and group in set is present for
// the owner and removes them. Sources are matched by ssrc only. Groups
// referencing a removed ssrc are removed along with it, whether or not they
// were requested. The returned set is everything actually removed, with the
// full source values as stored. On error the map is left unchanged. An
// empty request is a no-op.
func (v *ValidatedMap) TryToRemove(owner string, set EndpointSourceSet) (EndpointSourceSet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if set.IsEmpty() {
		return EndpointSourceSet{}, nil
	}
	existing, _ := v.inner.Get(owner)

	var removed EndpointSourceSet
	removedSSRCs := make(map[uint32]bool)
	for _, src := range set.Sources {
		have, ok := existing.GetBySSRC(src.SSRC)
		if !ok {
			return EndpointSourceSet{}, &ValidationError{
				Kind: KindSourceNotFound,
				SSRC: src.SSRC,
				Msg:  fmt.Sprintf("%s has no source with ssrc %d", owner, src.SSRC),
			}
		}
		if !removedSSRCs[src.SSRC] {
			removedSSRCs[src.SSRC] = true
			removed.Sources = append(removed.Sources, have)
		}
	}
	for _, g := range set.Groups {
		if g.IsEmpty() {
			continue
		}
		if !existing.HasGroup(g) {
			return EndpointSourceSet{}, &ValidationError{
				Kind: KindGroupNotFound,
				Msg:  fmt.Sprintf("%s has no group %s", owner, g),
			}
		}
	}
	for _, g := range existing.Groups {
		requested := set.HasGroup(g)
		touches := false
		for _, ssrc := range g.SSRCs {
			if removedSSRCs[ssrc] {
				touches = true
				break
			}
		}
		if requested || touches {
			removed.Groups = append(removed.Groups, g.Copy())
		}
	}

	v.inner.Remove(owner, removed)
	for ssrc := range removedSSRCs {
		delete(v.ssrcOwner, ssrc)
	}
	v.releaseMsids(owner, removed.Sources)
	return removed, nil
}

// RemoveOwner drops the owner's whole entry without validation and returns
// it. Used when an endpoint leaves the conference.
func (v *ValidatedMap) RemoveOwner(owner string) EndpointSourceSet {
	v.mu.Lock()
	defer v.mu.Unlock()

	removed := v.inner.RemoveOwner(owner)
	for _, src := range removed.Sources {
		delete(v.ssrcOwner, src.SSRC)
		if src.MSID != "" {
			delete(v.msidOwner, src.MSID)
		}
	}
	return removed
}

// releaseMsids drops msid ownership entries that no remaining source of the
// owner still uses.
func (v *ValidatedMap) releaseMsids(owner string, removed []Source) {
	rest, _ := v.inner.Get(owner)
	for _, src := range removed {
		if src.MSID == "" {
			continue
		}
		stillUsed := false
		for _, r := range rest.Sources {
			if r.MSID == src.MSID {
				stillUsed = true
				break
			}
		}
		if !stillUsed {
			delete(v.msidOwner, src.MSID)
		}
	}
}

var _ MapReader = (*ValidatedMap)(nil)
