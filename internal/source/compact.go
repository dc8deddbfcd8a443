package source

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Compact JSON is the size-optimized dump format used by the debug
// endpoints. A set renders as
//
//	[[videoSources],[videoGroups],[audioSources],[audioGroups]]
//
// with trailing empty blocks omitted. A source renders as
// {"s":ssrc,"n":name,"m":msid,"v":"d"}, where every field but "s" is
// optional and "v":"d" marks a desktop source (absence means camera).
// A group renders as ["s"|"f"|semantics, ssrc, ...]. A conference map
// renders as {"owner": <set>, ...}.

type compactSource struct {
	SSRC int64  `json:"s"`
	Name string `json:"n,omitempty"`
	MSID string `json:"m,omitempty"`
	V    string `json:"v,omitempty"`
}

const compactDesktop = "d"

// CompactJSON renders the set in the compact dump format.
func (s EndpointSourceSet) CompactJSON() ([]byte, error) {
	vs := compactSources(s, MediaVideo)
	vg := compactGroups(s, MediaVideo)
	as := compactSources(s, MediaAudio)
	ag := compactGroups(s, MediaAudio)
	blocks := []any{vs, vg, as, ag}
	lengths := []int{len(vs), len(vg), len(as), len(ag)}
	n := len(blocks)
	for n > 0 && lengths[n-1] == 0 {
		n--
	}
	return json.Marshal(blocks[:n])
}

func compactSources(s EndpointSourceSet, media MediaType) []compactSource {
	out := make([]compactSource, 0, len(s.Sources))
	for _, src := range s.Sources {
		if src.MediaType != media {
			continue
		}
		cs := compactSource{SSRC: int64(src.SSRC), Name: src.Name, MSID: src.MSID}
		if src.VideoType == VideoTypeDesktop {
			cs.V = compactDesktop
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SSRC < out[j].SSRC })
	return out
}

func compactGroups(s EndpointSourceSet, media MediaType) [][]any {
	out := make([][]any, 0, len(s.Groups))
	for _, g := range s.Groups {
		if g.MediaType != media {
			continue
		}
		enc := make([]any, 0, len(g.SSRCs)+1)
		switch g.Semantics {
		case SemanticsSim:
			enc = append(enc, "s")
		case SemanticsFid:
			enc = append(enc, "f")
		default:
			enc = append(enc, string(g.Semantics))
		}
		for _, ssrc := range g.SSRCs {
			enc = append(enc, ssrc)
		}
		out = append(out, enc)
	}
	return out
}

// ParseCompact parses the compact dump format back into a set. Block
// position decides the media type, so the format needs no media names.
func ParseCompact(data []byte) (EndpointSourceSet, error) {
	var blocks []json.RawMessage
	if err := json.Unmarshal(data, &blocks); err != nil {
		return EndpointSourceSet{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if len(blocks) > 4 {
		return EndpointSourceSet{}, fmt.Errorf("%w: compact set has %d blocks, at most 4 allowed", ErrInvalidArgument, len(blocks))
	}
	media := [4]MediaType{MediaVideo, MediaVideo, MediaAudio, MediaAudio}
	var sources []Source
	var groups []SsrcGroup
	for i, raw := range blocks {
		if i%2 == 0 {
			parsed, err := parseCompactSources(raw, media[i])
			if err != nil {
				return EndpointSourceSet{}, err
			}
			sources = append(sources, parsed...)
		} else {
			parsed, err := parseCompactGroups(raw, media[i])
			if err != nil {
				return EndpointSourceSet{}, err
			}
			groups = append(groups, parsed...)
		}
	}
	return NewSet(sources, groups), nil
}

func parseCompactSources(raw json.RawMessage, media MediaType) ([]Source, error) {
	var encoded []compactSource
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	out := make([]Source, 0, len(encoded))
	for _, cs := range encoded {
		ssrc, err := parseSSRC(cs.SSRC)
		if err != nil {
			return nil, err
		}
		src := Source{SSRC: ssrc, MediaType: media, Name: cs.Name, MSID: cs.MSID}
		if media == MediaVideo {
			switch cs.V {
			case "":
				src.VideoType = VideoTypeCamera
			case compactDesktop:
				src.VideoType = VideoTypeDesktop
			default:
				return nil, fmt.Errorf("%w: unknown compact video type %q", ErrInvalidArgument, cs.V)
			}
		}
		out = append(out, src)
	}
	return out, nil
}

func parseCompactGroups(raw json.RawMessage, media MediaType) ([]SsrcGroup, error) {
	var encoded [][]json.RawMessage
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	out := make([]SsrcGroup, 0, len(encoded))
	for _, items := range encoded {
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: compact group is empty", ErrInvalidArgument)
		}
		var code string
		if err := json.Unmarshal(items[0], &code); err != nil {
			return nil, fmt.Errorf("%w: compact group semantics: %v", ErrInvalidArgument, err)
		}
		var sem Semantics
		switch code {
		case "s":
			sem = SemanticsSim
		case "f":
			sem = SemanticsFid
		default:
			parsed, err := ParseSemantics(code)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
			sem = parsed
		}
		ssrcs := make([]uint32, 0, len(items)-1)
		for _, item := range items[1:] {
			var v int64
			if err := json.Unmarshal(item, &v); err != nil {
				return nil, fmt.Errorf("%w: compact group ssrc: %v", ErrInvalidArgument, err)
			}
			ssrc, err := parseSSRC(v)
			if err != nil {
				return nil, err
			}
			ssrcs = append(ssrcs, ssrc)
		}
		out = append(out, NewGroup(sem, media, ssrcs...))
	}
	return out, nil
}

// CompactJSON renders the whole map keyed by owner id.
func (m *ConferenceSourceMap) CompactJSON() ([]byte, error) {
	snapshot := m.Copy()
	out := make(map[string]json.RawMessage, len(snapshot.endpoints))
	for owner, set := range snapshot.endpoints {
		enc, err := set.CompactJSON()
		if err != nil {
			return nil, err
		}
		out[owner] = enc
	}
	return json.Marshal(out)
}

// ParseCompactMap parses a compact map dump.
func ParseCompactMap(data []byte) (*ConferenceSourceMap, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	m := NewMap()
	for owner, enc := range raw {
		set, err := ParseCompact(enc)
		if err != nil {
			return nil, err
		}
		m.Add(owner, set)
	}
	return m, nil
}
