package source

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompactJSONFormat(t *testing.T) {
	tests := []struct {
		name string
		set  EndpointSourceSet
		want string
	}{
		{
			"video with groups, no audio",
			NewSet(
				[]Source{
					{SSRC: 1, MediaType: MediaVideo},
					{SSRC: 2, MediaType: MediaVideo, VideoType: VideoTypeDesktop},
				},
				[]SsrcGroup{NewGroup(SemanticsFid, MediaVideo, 1, 2)},
			),
			`[[{"s":1},{"s":2,"v":"d"}],[["f",1,2]]]`,
		},
		{
			"audio only keeps the empty video blocks",
			NewSet(
				[]Source{{SSRC: 7, MediaType: MediaAudio, Name: "mic", MSID: "am"}},
				nil,
			),
			`[[],[],[{"s":7,"n":"mic","m":"am"}]]`,
		},
		{
			"simulcast group uses the short code",
			NewSet(
				[]Source{
					{SSRC: 1, MediaType: MediaVideo},
					{SSRC: 2, MediaType: MediaVideo},
					{SSRC: 3, MediaType: MediaVideo},
				},
				[]SsrcGroup{NewGroup(SemanticsSim, MediaVideo, 1, 2, 3)},
			),
			`[[{"s":1},{"s":2},{"s":3}],[["s",1,2,3]]]`,
		},
		{
			"other semantics spelled out",
			NewSet(
				[]Source{
					{SSRC: 1, MediaType: MediaVideo},
					{SSRC: 2, MediaType: MediaVideo},
				},
				[]SsrcGroup{NewGroup(SemanticsFec, MediaVideo, 1, 2)},
			),
			`[[{"s":1},{"s":2}],[["FEC-FR",1,2]]]`,
		},
		{
			"empty set",
			EndpointSourceSet{},
			`[]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.set.CompactJSON()
			if err != nil {
				t.Fatalf("CompactJSON: %v", err)
			}
			if diff := cmp.Diff(tt.want, string(got)); diff != "" {
				t.Errorf("compact encoding mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompactRoundTrip(t *testing.T) {
	set := NewSet(
		[]Source{
			{SSRC: 1, MediaType: MediaVideo, MSID: "v", VideoType: VideoTypeCamera},
			{SSRC: 2, MediaType: MediaVideo, MSID: "v", VideoType: VideoTypeCamera},
			{SSRC: 3, MediaType: MediaVideo, VideoType: VideoTypeDesktop, Name: "share"},
			{SSRC: 9, MediaType: MediaAudio, MSID: "a", Name: "mic"},
		},
		[]SsrcGroup{NewGroup(SemanticsSim, MediaVideo, 1, 2)},
	)

	enc, err := set.CompactJSON()
	if err != nil {
		t.Fatalf("CompactJSON: %v", err)
	}
	parsed, err := ParseCompact(enc)
	if err != nil {
		t.Fatalf("ParseCompact: %v", err)
	}
	if !parsed.Equal(set) {
		t.Errorf("round trip changed the set:\n got %s\nwant %s", parsed, set)
	}
}

func TestParseCompactRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"too many blocks", `[[],[],[],[],[]]`},
		{"ssrc out of range", `[[{"s":4294967296}]]`},
		{"unknown video type", `[[{"s":1,"v":"x"}]]`},
		{"empty group", `[[],[[]]]`},
		{"bad group semantics", `[[{"s":1}],[["nope",1]]]`},
		{"group ssrc not a number", `[[{"s":1}],[["f","one"]]]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCompact([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCompactMap(t *testing.T) {
	m := NewMap()
	m.Add("b", NewSet([]Source{{SSRC: 2, MediaType: MediaAudio}}, nil))
	m.Add("a", NewSet([]Source{{SSRC: 1, MediaType: MediaAudio}}, nil))

	enc, err := m.CompactJSON()
	if err != nil {
		t.Fatalf("CompactJSON: %v", err)
	}
	want := `{"a":[[],[],[{"s":1}]],"b":[[],[],[{"s":2}]]}`
	if diff := cmp.Diff(want, string(enc)); diff != "" {
		t.Errorf("map encoding mismatch (-want +got):\n%s", diff)
	}

	// The dump must be plain JSON for any consumer.
	var anything any
	if err := json.Unmarshal(enc, &anything); err != nil {
		t.Errorf("compact map is not valid JSON: %v", err)
	}

	parsed, err := ParseCompactMap(enc)
	if err != nil {
		t.Fatalf("ParseCompactMap: %v", err)
	}
	if !parsed.Equal(m) {
		t.Error("map round trip changed the contents")
	}
}
