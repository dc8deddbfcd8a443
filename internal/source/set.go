package source

import (
	"fmt"
	"strings"
)

// EndpointSourceSet is the set of sources and source groups advertised by a
// single endpoint. Sources are identified by SSRC; groups by their full
// value. The zero value is an empty set ready for use.
//
// The slices are treated as sets: element order carries no meaning (except
// for the SSRC order inside each group) and duplicates never occur in a set
// produced by this package.
type EndpointSourceSet struct {
	Sources []Source
	Groups  []SsrcGroup
}

// NewSet builds a set from the given sources and groups, dropping duplicate
// SSRCs and duplicate groups.
func NewSet(sources []Source, groups []SsrcGroup) EndpointSourceSet {
	var s EndpointSourceSet
	for _, src := range sources {
		s.addSource(src)
	}
	for _, g := range groups {
		s.addGroup(g)
	}
	return s
}

// IsEmpty reports whether the set contains no sources and no groups.
func (s EndpointSourceSet) IsEmpty() bool {
	return len(s.Sources) == 0 && len(s.Groups) == 0
}

// Size returns the number of sources in the set.
func (s EndpointSourceSet) Size() int {
	return len(s.Sources)
}

// HasSSRC reports whether the set contains a source with the given SSRC.
func (s EndpointSourceSet) HasSSRC(ssrc uint32) bool {
	for _, src := range s.Sources {
		if src.SSRC == ssrc {
			return true
		}
	}
	return false
}

// GetBySSRC returns the source with the given SSRC, if present.
func (s EndpointSourceSet) GetBySSRC(ssrc uint32) (Source, bool) {
	for _, src := range s.Sources {
		if src.SSRC == ssrc {
			return src, true
		}
	}
	return Source{}, false
}

// HasGroup reports whether the set contains an equal group.
func (s EndpointSourceSet) HasGroup(g SsrcGroup) bool {
	for _, have := range s.Groups {
		if have.Equal(g) {
			return true
		}
	}
	return false
}

// SSRCs returns all SSRCs present in the set.
func (s EndpointSourceSet) SSRCs() []uint32 {
	out := make([]uint32, 0, len(s.Sources))
	for _, src := range s.Sources {
		out = append(out, src.SSRC)
	}
	return out
}

// Copy returns a deep copy of the set.
func (s EndpointSourceSet) Copy() EndpointSourceSet {
	cp := EndpointSourceSet{
		Sources: make([]Source, len(s.Sources)),
		Groups:  make([]SsrcGroup, 0, len(s.Groups)),
	}
	copy(cp.Sources, s.Sources)
	for _, g := range s.Groups {
		cp.Groups = append(cp.Groups, g.Copy())
	}
	return cp
}

// addSource appends a source unless its SSRC is already present.
func (s *EndpointSourceSet) addSource(src Source) bool {
	if s.HasSSRC(src.SSRC) {
		return false
	}
	s.Sources = append(s.Sources, src)
	return true
}

// addGroup appends a group unless an equal group is already present or the
// group is empty.
func (s *EndpointSourceSet) addGroup(g SsrcGroup) bool {
	if g.IsEmpty() || s.HasGroup(g) {
		return false
	}
	s.Groups = append(s.Groups, g.Copy())
	return true
}

// removeSource deletes the source with the given SSRC, reporting whether it
// was present.
func (s *EndpointSourceSet) removeSource(ssrc uint32) bool {
	for i, src := range s.Sources {
		if src.SSRC == ssrc {
			s.Sources = append(s.Sources[:i], s.Sources[i+1:]...)
			return true
		}
	}
	return false
}

// removeGroup deletes an equal group, reporting whether it was present.
func (s *EndpointSourceSet) removeGroup(g SsrcGroup) bool {
	for i, have := range s.Groups {
		if have.Equal(g) {
			s.Groups = append(s.Groups[:i], s.Groups[i+1:]...)
			return true
		}
	}
	return false
}

// Union returns the set union of s and other. Sources are merged by SSRC
// (entries already present in s win), groups by value.
func (s EndpointSourceSet) Union(other EndpointSourceSet) EndpointSourceSet {
	out := s.Copy()
	for _, src := range other.Sources {
		out.addSource(src)
	}
	for _, g := range other.Groups {
		out.addGroup(g)
	}
	return out
}

// Diff returns the set difference s − other. Sources are matched by SSRC
// only, groups by value.
func (s EndpointSourceSet) Diff(other EndpointSourceSet) EndpointSourceSet {
	out := s.Copy()
	for _, src := range other.Sources {
		out.removeSource(src.SSRC)
	}
	for _, g := range other.Groups {
		out.removeGroup(g)
	}
	return out
}

// Equal reports whether two sets contain the same sources (compared by full
// value) and the same groups, ignoring order.
func (s EndpointSourceSet) Equal(other EndpointSourceSet) bool {
	if len(s.Sources) != len(other.Sources) || len(s.Groups) != len(other.Groups) {
		return false
	}
	for _, src := range s.Sources {
		got, ok := other.GetBySSRC(src.SSRC)
		if !ok || got != src {
			return false
		}
	}
	for _, g := range s.Groups {
		if !other.HasGroup(g) {
			return false
		}
	}
	return true
}

// MediaSources returns a copy of the set reduced to the given media types.
// Groups of excluded media types are dropped with their sources.
func (s EndpointSourceSet) MediaSources(types ...MediaType) EndpointSourceSet {
	keep := make(map[MediaType]bool, len(types))
	for _, t := range types {
		keep[t] = true
	}
	var out EndpointSourceSet
	for _, src := range s.Sources {
		if keep[src.MediaType] {
			out.addSource(src)
		}
	}
	for _, g := range s.Groups {
		if keep[g.MediaType] {
			out.addGroup(g)
		}
	}
	return out
}

// StripInjected returns a copy of the set without injected sources.
func (s EndpointSourceSet) StripInjected() EndpointSourceSet {
	var out EndpointSourceSet
	for _, src := range s.Sources {
		if !src.Injected {
			out.addSource(src)
		}
	}
	for _, g := range s.Groups {
		out.addGroup(g)
	}
	return out
}

// StripSimulcast returns a copy of the set with the simulcast projection
// applied: only the first (lowest) layer of each SIM group is kept, FID
// retransmission partners of removed layers are removed together with their
// group, and all SIM groups are dropped.
//
// A FID group that does not have exactly two SSRCs makes the projection
// fail with an invalid-fid-group validation error; the receiver is
// unchanged.
func (s EndpointSourceSet) StripSimulcast() (EndpointSourceSet, error) {
	for _, g := range s.Groups {
		if g.Semantics == SemanticsFid && len(g.SSRCs) != 2 {
			return EndpointSourceSet{}, &ValidationError{
				Kind: KindInvalidFidGroup,
				Msg:  fmt.Sprintf("FID group must have exactly 2 sources, has %d", len(g.SSRCs)),
			}
		}
	}

	// Collect the SSRCs dropped by the SIM projection: everything but the
	// first entry of each SIM group.
	dropped := make(map[uint32]bool)
	for _, g := range s.Groups {
		if g.Semantics != SemanticsSim {
			continue
		}
		for i, ssrc := range g.SSRCs {
			if i > 0 {
				dropped[ssrc] = true
			}
		}
	}

	// A FID group whose primary was dropped takes its retransmission SSRC
	// down with it.
	for _, g := range s.Groups {
		if g.Semantics == SemanticsFid && dropped[g.SSRCs[0]] {
			dropped[g.SSRCs[1]] = true
		}
	}

	var out EndpointSourceSet
	for _, src := range s.Sources {
		if !dropped[src.SSRC] {
			out.addSource(src)
		}
	}
	for _, g := range s.Groups {
		if g.Semantics == SemanticsSim {
			continue
		}
		if g.Semantics == SemanticsFid && dropped[g.SSRCs[0]] {
			continue
		}
		out.addGroup(g)
	}
	return out, nil
}

// String returns a short log form like "audio:[1 2] video:[3] groups:[FID[3,4]]".
func (s EndpointSourceSet) String() string {
	var audio, video []Source
	for _, src := range s.Sources {
		if src.MediaType == MediaAudio {
			audio = append(audio, src)
		} else {
			video = append(video, src)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "audio:%v video:%v", sortedSSRCs(audio), sortedSSRCs(video))
	if len(s.Groups) > 0 {
		parts := make([]string, len(s.Groups))
		for i, g := range s.Groups {
			parts[i] = g.String()
		}
		fmt.Fprintf(&b, " groups:[%s]", strings.Join(parts, " "))
	}
	return b.String()
}
