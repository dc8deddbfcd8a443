package source

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidArgument marks wire input that cannot be interpreted at all,
// before any conference-level validation applies. The signaling layer maps
// it to a bad-request condition.
var ErrInvalidArgument = errors.New("invalid argument")

// Content is the wire form of one media description in a session signal:
// the media name plus the sources and source groups advertised under it.
type Content struct {
	Name    string       `json:"name"`
	Sources []SourceInfo `json:"sources,omitempty"`
	Groups  []GroupInfo  `json:"groups,omitempty"`
}

// SourceInfo is the wire form of a single source. SSRC is widened to int64
// so that out-of-range values survive decoding and can be rejected with a
// proper error instead of silently wrapping.
type SourceInfo struct {
	SSRC      int64  `json:"ssrc"`
	Name      string `json:"name,omitempty"`
	MSID      string `json:"msid,omitempty"`
	VideoType string `json:"videoType,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Injected  bool   `json:"injected,omitempty"`
}

// GroupInfo is the wire form of an ssrc group.
type GroupInfo struct {
	Semantics string  `json:"semantics"`
	SSRCs     []int64 `json:"sources"`
}

// parseSSRC rejects everything outside [1, 2^32).
func parseSSRC(v int64) (uint32, error) {
	if v < 1 || v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: ssrc %d out of range", ErrInvalidArgument, v)
	}
	return uint32(v), nil
}

func parseVideoType(s string) (VideoType, error) {
	switch s {
	case "":
		return "", nil
	case string(VideoTypeCamera):
		return VideoTypeCamera, nil
	case string(VideoTypeDesktop):
		return VideoTypeDesktop, nil
	default:
		return "", fmt.Errorf("%w: unknown video type %q", ErrInvalidArgument, s)
	}
}

// ParseContents converts the wire representation of an endpoint's media
// descriptions into a source set. Sources appearing more than once with the
// same ssrc collapse into one, matching set semantics.
func ParseContents(contents []Content) (EndpointSourceSet, error) {
	var sources []Source
	var groups []SsrcGroup
	for _, content := range contents {
		media, err := ParseMediaType(content.Name)
		if err != nil {
			return EndpointSourceSet{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		for _, si := range content.Sources {
			ssrc, err := parseSSRC(si.SSRC)
			if err != nil {
				return EndpointSourceSet{}, err
			}
			vt, err := parseVideoType(si.VideoType)
			if err != nil {
				return EndpointSourceSet{}, err
			}
			sources = append(sources, Source{
				SSRC:      ssrc,
				MediaType: media,
				Name:      si.Name,
				MSID:      si.MSID,
				VideoType: vt,
				Injected:  si.Injected,
			})
		}
		for _, gi := range content.Groups {
			sem, err := ParseSemantics(gi.Semantics)
			if err != nil {
				return EndpointSourceSet{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
			ssrcs := make([]uint32, 0, len(gi.SSRCs))
			for _, raw := range gi.SSRCs {
				ssrc, err := parseSSRC(raw)
				if err != nil {
					return EndpointSourceSet{}, err
				}
				ssrcs = append(ssrcs, ssrc)
			}
			groups = append(groups, NewGroup(sem, media, ssrcs...))
		}
	}
	return NewSet(sources, groups), nil
}

// EncodeMapContents flattens a whole source map into wire contents with
// every source attributed to its owner, merged per media name. Owners are
// visited in sorted order so equal maps encode identically.
func EncodeMapContents(m MapReader) []Content {
	byName := make(map[string]*Content)
	var order []string
	for _, owner := range m.Owners() {
		set, ok := m.Get(owner)
		if !ok {
			continue
		}
		for _, content := range EncodeContents(set, owner) {
			merged, seen := byName[content.Name]
			if !seen {
				c := content
				byName[content.Name] = &c
				order = append(order, content.Name)
				continue
			}
			merged.Sources = append(merged.Sources, content.Sources...)
			merged.Groups = append(merged.Groups, content.Groups...)
		}
	}
	out := make([]Content, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

// EncodeContents is the inverse of ParseContents. When owner is non-empty
// it is stamped on every emitted source as the owner annotation. The output
// lists audio before video and sources in ascending ssrc order, so equal
// sets encode identically.
func EncodeContents(set EndpointSourceSet, owner string) []Content {
	var contents []Content
	for _, media := range []MediaType{MediaAudio, MediaVideo} {
		content := Content{Name: string(media)}
		for _, src := range set.Sources {
			if src.MediaType != media {
				continue
			}
			content.Sources = append(content.Sources, SourceInfo{
				SSRC:      int64(src.SSRC),
				Name:      src.Name,
				MSID:      src.MSID,
				VideoType: string(src.VideoType),
				Owner:     owner,
				Injected:  src.Injected,
			})
		}
		sort.Slice(content.Sources, func(i, j int) bool {
			return content.Sources[i].SSRC < content.Sources[j].SSRC
		})
		for _, g := range set.Groups {
			if g.MediaType != media {
				continue
			}
			ssrcs := make([]int64, len(g.SSRCs))
			for i, ssrc := range g.SSRCs {
				ssrcs[i] = int64(ssrc)
			}
			content.Groups = append(content.Groups, GroupInfo{
				Semantics: string(g.Semantics),
				SSRCs:     ssrcs,
			})
		}
		if len(content.Sources) > 0 || len(content.Groups) > 0 {
			contents = append(contents, content)
		}
	}
	return contents
}
