package source

import (
	"errors"
	"testing"
)

func audioSource(ssrc uint32, msid string) Source {
	return Source{SSRC: ssrc, MediaType: MediaAudio, MSID: msid}
}

func videoSource(ssrc uint32, msid string) Source {
	return Source{SSRC: ssrc, MediaType: MediaVideo, MSID: msid}
}

func TestNewSetDropsDuplicates(t *testing.T) {
	set := NewSet(
		[]Source{
			audioSource(1, "m1"),
			audioSource(1, "other"), // same ssrc, dropped
			videoSource(2, "m2"),
		},
		[]SsrcGroup{
			NewGroup(SemanticsFid, MediaVideo, 2, 3),
			NewGroup(SemanticsFid, MediaVideo, 2, 3), // duplicate, dropped
			NewGroup(SemanticsSim, MediaVideo),       // empty, dropped
		},
	)

	if len(set.Sources) != 2 {
		t.Errorf("got %d sources, want 2", len(set.Sources))
	}
	if len(set.Groups) != 1 {
		t.Errorf("got %d groups, want 1", len(set.Groups))
	}
	got, ok := set.GetBySSRC(1)
	if !ok {
		t.Fatal("ssrc 1 missing")
	}
	if got.MSID != "m1" {
		t.Errorf("first source wins on duplicate ssrc, got msid %q", got.MSID)
	}
}

func TestUnionAndDiff(t *testing.T) {
	a := NewSet(
		[]Source{audioSource(1, "m1"), videoSource(2, "m2")},
		[]SsrcGroup{NewGroup(SemanticsFid, MediaVideo, 2, 3)},
	)
	b := NewSet(
		[]Source{videoSource(3, "m2"), videoSource(4, "m4")},
		[]SsrcGroup{NewGroup(SemanticsFid, MediaVideo, 4, 5)},
	)

	union := a.Union(b)
	if union.Size() != 4 {
		t.Errorf("union has %d sources, want 4", union.Size())
	}
	if len(union.Groups) != 2 {
		t.Errorf("union has %d groups, want 2", len(union.Groups))
	}

	// Adding a disjoint set and removing it again restores the original.
	if got := union.Diff(b); !got.Equal(a) {
		t.Errorf("(a+b)-b = %s, want %s", got, a)
	}

	// Union with a subset changes nothing.
	sub := NewSet([]Source{audioSource(1, "m1")}, nil)
	if got := a.Union(sub); !got.Equal(a) {
		t.Errorf("a+sub = %s, want %s", got, a)
	}

	// Diff matches sources by ssrc regardless of the other fields.
	renamed := NewSet([]Source{{SSRC: 1, MediaType: MediaAudio, Name: "different"}}, nil)
	got := a.Diff(renamed)
	if got.HasSSRC(1) {
		t.Error("diff kept ssrc 1, wanted it removed by ssrc match")
	}
}

func TestSetEqualIgnoresOrder(t *testing.T) {
	a := NewSet(
		[]Source{audioSource(1, "m1"), videoSource(2, "m2")},
		[]SsrcGroup{
			NewGroup(SemanticsFid, MediaVideo, 2, 3),
			NewGroup(SemanticsSim, MediaVideo, 2, 6, 7),
		},
	)
	b := NewSet(
		[]Source{videoSource(2, "m2"), audioSource(1, "m1")},
		[]SsrcGroup{
			NewGroup(SemanticsSim, MediaVideo, 2, 6, 7),
			NewGroup(SemanticsFid, MediaVideo, 2, 3),
		},
	)
	if !a.Equal(b) {
		t.Errorf("%s and %s should be equal", a, b)
	}

	// SSRC order inside a group is meaningful.
	c := NewSet(
		[]Source{audioSource(1, "m1"), videoSource(2, "m2")},
		[]SsrcGroup{
			NewGroup(SemanticsFid, MediaVideo, 3, 2),
			NewGroup(SemanticsSim, MediaVideo, 2, 6, 7),
		},
	)
	if a.Equal(c) {
		t.Error("sets with reordered group ssrcs should not be equal")
	}
}

func TestMediaSources(t *testing.T) {
	set := NewSet(
		[]Source{audioSource(1, "m1"), videoSource(2, "m2"), videoSource(3, "m2")},
		[]SsrcGroup{NewGroup(SemanticsFid, MediaVideo, 2, 3)},
	)

	audio := set.MediaSources(MediaAudio)
	if audio.Size() != 1 || !audio.HasSSRC(1) {
		t.Errorf("audio projection = %s, want only ssrc 1", audio)
	}
	if len(audio.Groups) != 0 {
		t.Errorf("audio projection kept %d video groups", len(audio.Groups))
	}

	video := set.MediaSources(MediaVideo)
	if video.Size() != 2 || len(video.Groups) != 1 {
		t.Errorf("video projection = %s, want 2 sources and 1 group", video)
	}
}

func TestStripInjected(t *testing.T) {
	set := NewSet(
		[]Source{
			audioSource(1, "m1"),
			{SSRC: 2, MediaType: MediaAudio, Injected: true},
		},
		nil,
	)
	got := set.StripInjected()
	if got.Size() != 1 || !got.HasSSRC(1) {
		t.Errorf("StripInjected = %s, want only ssrc 1", got)
	}
}

func TestStripSimulcast(t *testing.T) {
	msid := "stream-v"
	set := NewSet(
		[]Source{
			videoSource(1, msid), videoSource(2, msid), videoSource(3, msid),
			videoSource(4, msid), videoSource(5, msid), videoSource(6, msid),
		},
		[]SsrcGroup{
			NewGroup(SemanticsSim, MediaVideo, 1, 2, 3),
			NewGroup(SemanticsFid, MediaVideo, 1, 4),
			NewGroup(SemanticsFid, MediaVideo, 2, 5),
			NewGroup(SemanticsFid, MediaVideo, 3, 6),
		},
	)

	got, err := set.StripSimulcast()
	if err != nil {
		t.Fatalf("StripSimulcast: %v", err)
	}
	want := NewSet(
		[]Source{videoSource(1, msid), videoSource(4, msid)},
		[]SsrcGroup{NewGroup(SemanticsFid, MediaVideo, 1, 4)},
	)
	if !got.Equal(want) {
		t.Errorf("StripSimulcast = %s, want %s", got, want)
	}

	// The projection is idempotent.
	again, err := got.StripSimulcast()
	if err != nil {
		t.Fatalf("second StripSimulcast: %v", err)
	}
	if !again.Equal(got) {
		t.Errorf("StripSimulcast not idempotent: %s then %s", got, again)
	}
}

func TestStripSimulcastKeepsUnrelatedSources(t *testing.T) {
	set := NewSet(
		[]Source{
			audioSource(10, "m-a"),
			videoSource(1, "m-v"), videoSource(2, "m-v"),
			videoSource(3, "m-v"),
		},
		[]SsrcGroup{
			NewGroup(SemanticsSim, MediaVideo, 1, 2),
			NewGroup(SemanticsFec, MediaVideo, 3, 1),
		},
	)

	got, err := set.StripSimulcast()
	if err != nil {
		t.Fatalf("StripSimulcast: %v", err)
	}
	if !got.HasSSRC(10) {
		t.Error("audio source dropped by simulcast strip")
	}
	if !got.HasSSRC(3) {
		t.Error("FEC source dropped by simulcast strip")
	}
	if got.HasSSRC(2) {
		t.Error("upper simulcast layer survived the strip")
	}
	if !got.HasGroup(NewGroup(SemanticsFec, MediaVideo, 3, 1)) {
		t.Error("FEC group dropped by simulcast strip")
	}
}

func TestStripSimulcastMalformedFid(t *testing.T) {
	set := NewSet(
		[]Source{videoSource(1, "m"), videoSource(2, "m"), videoSource(3, "m")},
		[]SsrcGroup{NewGroup(SemanticsFid, MediaVideo, 1, 2, 3)},
	)

	_, err := set.StripSimulcast()
	if err == nil {
		t.Fatal("expected error for FID group of size 3")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	if verr.Kind != KindInvalidFidGroup {
		t.Errorf("Kind = %q, want %q", verr.Kind, KindInvalidFidGroup)
	}
}

func TestMapStripSimulcastLeavesMapUnchangedOnError(t *testing.T) {
	m := NewMap()
	m.Add("a", NewSet(
		[]Source{videoSource(1, "m")},
		[]SsrcGroup{NewGroup(SemanticsFid, MediaVideo, 1)},
	))
	before := m.Copy()

	if _, err := m.StripSimulcast(); err == nil {
		t.Fatal("expected error for malformed FID group")
	}
	if !m.Equal(before) {
		t.Error("map changed by failed StripSimulcast")
	}
}
