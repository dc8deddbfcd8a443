// Package source holds the canonical model of the media sources advertised
// by conference participants: single RTP sources, SSRC groups, the per
// endpoint source set, and the per conference owner → set map with its
// validated mutators.
package source

import (
	"fmt"
	"sort"
	"strings"
)

// MediaType identifies the media carried by a source.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// ParseMediaType converts a wire media name into a MediaType.
func ParseMediaType(s string) (MediaType, error) {
	switch strings.ToLower(s) {
	case "audio":
		return MediaAudio, nil
	case "video":
		return MediaVideo, nil
	default:
		return "", fmt.Errorf("unrecognized media type %q", s)
	}
}

// VideoType distinguishes camera capture from desktop sharing.
type VideoType string

const (
	VideoTypeCamera  VideoType = "camera"
	VideoTypeDesktop VideoType = "desktop"
)

// Source describes a single RTP source advertised by an endpoint.
// Two sources are considered the same source iff their SSRCs match;
// all other fields are descriptive.
type Source struct {
	// SSRC is the RTP synchronization source identifier. Zero is not a
	// valid SSRC and is rejected by validation.
	SSRC uint32

	// MediaType is audio or video.
	MediaType MediaType

	// Name is the signaled source name (e.g. "endpoint-v0"). Optional.
	Name string

	// MSID is the application-layer media stream identifier. Optional
	// for ungrouped sources, required for grouped ones.
	MSID string

	// VideoType is set for video sources only. Empty means camera.
	VideoType VideoType

	// Injected marks sources inserted by server-side entities rather
	// than advertised by the client itself.
	Injected bool
}

// String returns a compact human-readable form used in logs.
func (s Source) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%d", s.MediaType, s.SSRC)
	if s.Name != "" {
		fmt.Fprintf(&b, "[%s]", s.Name)
	}
	if s.Injected {
		b.WriteString("(injected)")
	}
	return b.String()
}

// Semantics names the relationship among the SSRCs of a group.
type Semantics string

const (
	// SemanticsSim groups the layers of a simulcast encoding; the first
	// SSRC is the lowest layer.
	SemanticsSim Semantics = "SIM"
	// SemanticsFid pairs a primary SSRC with its retransmission SSRC.
	SemanticsFid Semantics = "FID"
	// SemanticsFec pairs a primary SSRC with its forward-error-correction
	// SSRC.
	SemanticsFec Semantics = "FEC-FR"
)

// ParseSemantics converts a wire semantics string into Semantics.
func ParseSemantics(s string) (Semantics, error) {
	switch strings.ToUpper(s) {
	case "SIM":
		return SemanticsSim, nil
	case "FID":
		return SemanticsFid, nil
	case "FEC-FR", "FEC":
		return SemanticsFec, nil
	default:
		return "", fmt.Errorf("unparseable group semantics %q", s)
	}
}

// SsrcGroup associates several SSRCs of one media type. The order of the
// SSRCs inside a group is meaningful (e.g. for FID the first entry is the
// primary and the second the retransmission); the order of groups relative
// to each other is not.
type SsrcGroup struct {
	Semantics Semantics
	SSRCs     []uint32
	MediaType MediaType
}

// NewGroup builds an SsrcGroup, copying the SSRC list.
func NewGroup(semantics Semantics, mediaType MediaType, ssrcs ...uint32) SsrcGroup {
	cp := make([]uint32, len(ssrcs))
	copy(cp, ssrcs)
	return SsrcGroup{Semantics: semantics, SSRCs: cp, MediaType: mediaType}
}

// Equal reports whether two groups have the same semantics, media type and
// the same SSRCs in the same order.
func (g SsrcGroup) Equal(other SsrcGroup) bool {
	if g.Semantics != other.Semantics || g.MediaType != other.MediaType || len(g.SSRCs) != len(other.SSRCs) {
		return false
	}
	for i, s := range g.SSRCs {
		if other.SSRCs[i] != s {
			return false
		}
	}
	return true
}

// Contains reports whether the group references the given SSRC.
func (g SsrcGroup) Contains(ssrc uint32) bool {
	for _, s := range g.SSRCs {
		if s == ssrc {
			return true
		}
	}
	return false
}

// Primary returns the first SSRC of the group, or 0 for an empty group.
func (g SsrcGroup) Primary() uint32 {
	if len(g.SSRCs) == 0 {
		return 0
	}
	return g.SSRCs[0]
}

// IsEmpty reports whether the group references no SSRCs.
func (g SsrcGroup) IsEmpty() bool {
	return len(g.SSRCs) == 0
}

// Copy returns a deep copy of the group.
func (g SsrcGroup) Copy() SsrcGroup {
	return NewGroup(g.Semantics, g.MediaType, g.SSRCs...)
}

// String returns a compact form like FID[1234,5678].
func (g SsrcGroup) String() string {
	parts := make([]string, len(g.SSRCs))
	for i, s := range g.SSRCs {
		parts[i] = fmt.Sprintf("%d", s)
	}
	return fmt.Sprintf("%s[%s]", g.Semantics, strings.Join(parts, ","))
}

// sortedSSRCs returns the SSRCs of a set of sources in ascending order,
// used for deterministic log output.
func sortedSSRCs(sources []Source) []uint32 {
	out := make([]uint32, len(sources))
	for i, s := range sources {
		out[i] = s.SSRC
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
