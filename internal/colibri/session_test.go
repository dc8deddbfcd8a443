package colibri

import (
	"context"
	"testing"

	"github.com/confocus/confocus/internal/bridge"
	"github.com/confocus/confocus/internal/source"
)

func audioSet(ssrc uint32, msid string) source.EndpointSourceSet {
	return source.NewSet([]source.Source{{SSRC: ssrc, MediaType: source.MediaAudio, MSID: msid}}, nil)
}

func TestSessionRelayQueueing(t *testing.T) {
	fc := newFakeClient()
	s := newBridgeSession(fc, bridge.Bridge{ID: "b1"}, "conf-1", testLogger())
	ctx := context.Background()

	// Before the relay exists, remote sources are queued, not sent.
	if err := s.AddSourcesToRelay(ctx, "p2", audioSet(201, "m2")); err != nil {
		t.Fatalf("AddSourcesToRelay: %v", err)
	}
	if calls := fc.callsTo("b1", "update"); len(calls) != 0 {
		t.Fatalf("updates before relay establishment: %v", calls)
	}

	// Establishing the relay flushes the queue.
	if err := s.SetRelays(ctx, []string{"rel-2"}); err != nil {
		t.Fatalf("SetRelays: %v", err)
	}
	updates := fc.callsTo("b1", "update")
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want relay set + flush", len(updates))
	}
	if got := updates[0].update.Relays; len(got) != 1 || got[0] != "rel-2" {
		t.Errorf("relay set = %v, want [rel-2]", got)
	}
	flush := updates[1].update
	if flush.RelayID != relayEndpointID {
		t.Fatalf("flush target = %q, want %q", flush.RelayID, relayEndpointID)
	}
	if len(flush.Contents) != 1 || len(flush.Contents[0].Sources) != 1 {
		t.Fatalf("flush contents = %+v", flush.Contents)
	}
	if si := flush.Contents[0].Sources[0]; si.SSRC != 201 || si.Owner != "p2" {
		t.Errorf("flushed source = %+v, want ssrc 201 owned by p2", si)
	}

	// With the relay up, updates go straight out.
	if err := s.AddSourcesToRelay(ctx, "p3", audioSet(301, "m3")); err != nil {
		t.Fatalf("AddSourcesToRelay: %v", err)
	}
	if got := len(fc.callsTo("b1", "update")); got != 3 {
		t.Errorf("got %d updates, want 3", got)
	}
}

func TestSessionQueuedRemoveCancelsQueuedAdd(t *testing.T) {
	fc := newFakeClient()
	s := newBridgeSession(fc, bridge.Bridge{ID: "b1"}, "conf-1", testLogger())
	ctx := context.Background()

	set := audioSet(201, "m2")
	if err := s.AddSourcesToRelay(ctx, "p2", set); err != nil {
		t.Fatalf("AddSourcesToRelay: %v", err)
	}
	if err := s.RemoveSourcesFromRelay(ctx, "p2", set); err != nil {
		t.Fatalf("RemoveSourcesFromRelay: %v", err)
	}

	if err := s.SetRelays(ctx, []string{"rel-2"}); err != nil {
		t.Fatalf("SetRelays: %v", err)
	}

	updates := fc.callsTo("b1", "update")
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want only the relay set", len(updates))
	}
}

func TestSessionSetRelaysIdempotent(t *testing.T) {
	fc := newFakeClient()
	s := newBridgeSession(fc, bridge.Bridge{ID: "b1"}, "conf-1", testLogger())
	ctx := context.Background()

	if err := s.SetRelays(ctx, []string{"rel-2"}); err != nil {
		t.Fatalf("SetRelays: %v", err)
	}
	if err := s.SetRelays(ctx, []string{"rel-2"}); err != nil {
		t.Fatalf("SetRelays repeat: %v", err)
	}
	if got := len(fc.callsTo("b1", "update")); got != 1 {
		t.Errorf("got %d updates, want 1 (unchanged relay set skipped)", got)
	}
}

func TestSessionDispose(t *testing.T) {
	t.Run("healthy bridge gets an expire", func(t *testing.T) {
		fc := newFakeClient()
		s := newBridgeSession(fc, bridge.Bridge{ID: "b1"}, "conf-1", testLogger())
		s.Dispose(context.Background(), false)
		s.Dispose(context.Background(), false)
		if got := len(fc.callsTo("b1", "expire")); got != 1 {
			t.Errorf("got %d expires, want 1", got)
		}
	})

	t.Run("faulty bridge is skipped", func(t *testing.T) {
		fc := newFakeClient()
		s := newBridgeSession(fc, bridge.Bridge{ID: "b1"}, "conf-1", testLogger())
		s.Dispose(context.Background(), true)
		if got := len(fc.callsTo("b1", "expire")); got != 0 {
			t.Errorf("got %d expires, want 0", got)
		}
	})
}

func TestSessionTerminateAll(t *testing.T) {
	fc := newFakeClient()
	s := newBridgeSession(fc, bridge.Bridge{ID: "b1"}, "conf-1", testLogger())
	ctx := context.Background()

	for _, p := range []string{"p2", "p1"} {
		if _, err := s.Allocate(ctx, ParticipantInfo{EndpointID: p}, nil, nil); err != nil {
			t.Fatalf("Allocate(%s): %v", p, err)
		}
	}

	ids := s.TerminateAll()
	if len(ids) != 2 || ids[0] != "p1" || ids[1] != "p2" {
		t.Fatalf("TerminateAll() = %v, want [p1 p2]", ids)
	}
	if got := s.participantCount(); got != 0 {
		t.Errorf("participantCount() = %d, want 0", got)
	}
	// TerminateAll itself is silent; Dispose decides what the bridge hears.
	if got := len(fc.callsTo("b1", "expire")); got != 0 {
		t.Errorf("got %d expires, want 0", got)
	}
}
