package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/confocus/confocus/internal/bridge"
	"github.com/confocus/confocus/internal/conference"
	"github.com/confocus/confocus/internal/source"
	"github.com/confocus/confocus/internal/worker"
)

type fakeBridgeDir struct {
	mu      sync.Mutex
	stats   map[string][]bridge.Stats
	removed []string
}

func newFakeBridgeDir() *fakeBridgeDir {
	return &fakeBridgeDir{stats: make(map[string][]bridge.Stats)}
}

func (d *fakeBridgeDir) HandleStats(id string, st bridge.Stats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats[id] = append(d.stats[id], st)
}

func (d *fakeBridgeDir) Remove(id string) (bridge.Bridge, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, id)
	return bridge.Bridge{ID: id}, true
}

func (d *fakeBridgeDir) statsFor(id string) []bridge.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bridge.Stats(nil), d.stats[id]...)
}

func (d *fakeBridgeDir) removedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.removed...)
}

type fakeRoomDir struct {
	mu    sync.Mutex
	rooms map[string]*conference.Conference
	lost  [][]string
}

func newFakeRoomDir() *fakeRoomDir {
	return &fakeRoomDir{rooms: make(map[string]*conference.Conference)}
}

func (d *fakeRoomDir) add(room string, c *conference.Conference) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[room] = c
}

func (d *fakeRoomDir) Get(room string) (*conference.Conference, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.rooms[room]
	return c, ok
}

func (d *fakeRoomDir) BridgesLost(ctx context.Context, bridgeIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = append(d.lost, bridgeIDs)
}

func (d *fakeRoomDir) lostBatches() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]string(nil), d.lost...)
}

type fakeWorkerDir struct {
	mu      sync.Mutex
	updated map[string]worker.Status
	removed []string
}

func newFakeWorkerDir() *fakeWorkerDir {
	return &fakeWorkerDir{updated: make(map[string]worker.Status)}
}

func (d *fakeWorkerDir) UpdateWorker(id string, st worker.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updated[id] = st
}

func (d *fakeWorkerDir) RemoveWorker(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, id)
}

func (d *fakeWorkerDir) status(id string) (worker.Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.updated[id]
	return st, ok
}

func (d *fakeWorkerDir) removedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.removed...)
}

type recordedEvent struct {
	workerID string
	ev       worker.Event
}

type fakeEventSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *fakeEventSink) HandleEvent(workerID string, ev worker.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{workerID: workerID, ev: ev})
}

func (s *fakeEventSink) recorded() []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedEvent(nil), s.events...)
}

type serverHarness struct {
	s       *Server
	ts      *httptest.Server
	dir     *fakeDirectory
	bridges *fakeBridgeDir
	rooms   *fakeRoomDir
	workers *fakeWorkerDir
	events  *fakeEventSink
}

func newServerHarness(t *testing.T, cfg ServerConfig) *serverHarness {
	t.Helper()
	h := &serverHarness{
		dir:     newFakeDirectory(),
		bridges: newFakeBridgeDir(),
		rooms:   newFakeRoomDir(),
		workers: newFakeWorkerDir(),
		events:  &fakeEventSink{},
	}
	t.Cleanup(h.dir.close)
	h.s = NewServer(cfg, h.bridges, h.rooms, map[string]WorkerBackend{
		DefaultWorkerPool: {Pool: h.workers, Events: h.events},
	}, testLogger)
	h.s.SetDispatcher(NewDispatcher(DispatcherConfig{
		Conferences: h.dir,
		Notifier:    h.s,
		FocusJID:    "focus@auth.example",
	}, testLogger))
	h.ts = httptest.NewServer(h.s.Handler())
	t.Cleanup(func() {
		h.s.Close()
		h.ts.Close()
	})
	return h
}

// addRoom registers a real conference in the room directory so presence
// can fold members into it.
func (h *serverHarness) addRoom(t *testing.T, room string) *conference.Conference {
	t.Helper()
	c := conference.New(room, conference.Config{}, quietBridges{}, quietSignaler{}, nil, testLogger)
	t.Cleanup(func() {
		c.Dispose(context.Background())
		c.Wait()
	})
	h.rooms.add(room, c)
	return c
}

func dialWS(t *testing.T, ts *httptest.Server, role Role, jid string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal/" + string(role) + "?jid=" + url.QueryEscape(jid)
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendStanza(t *testing.T, ws *websocket.Conn, st *Stanza) {
	t.Helper()
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal stanza: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write stanza: %v", err)
	}
}

func readStanza(t *testing.T, ws *websocket.Conn) *Stanza {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read stanza: %v", err)
	}
	var st Stanza
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode stanza %s: %v", data, err)
	}
	return &st
}

// expectSilence asserts no stanza arrives within the window.
func expectSilence(t *testing.T, ws *websocket.Conn, window time.Duration) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(window))
	if _, data, err := ws.ReadMessage(); err == nil {
		t.Fatalf("unexpected stanza: %s", data)
	}
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestServerRequiresJID(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	resp, err := http.Get(h.ts.URL + "/signal/client")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestServerBridgePresence(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	ws := dialWS(t, h.ts, RoleBridge, "jvb1@bridges.example")

	stress := 0.3
	region := "us-east"
	sendStanza(t, ws, &Stanza{Type: TypeSet, Kind: KindPresence, Payload: mustMarshal(t, bridge.Stats{
		Stress: &stress,
		Region: &region,
	})})

	waitFor(t, "bridge stats", func() bool { return len(h.bridges.statsFor("jvb1@bridges.example")) == 1 })
	got := h.bridges.statsFor("jvb1@bridges.example")[0]
	if got.Stress == nil || *got.Stress != 0.3 {
		t.Errorf("stress = %v, want 0.3", got.Stress)
	}
	if got.Region == nil || *got.Region != "us-east" {
		t.Errorf("region = %v, want us-east", got.Region)
	}

	// Dropping the connection removes the bridge and notifies the rooms.
	ws.Close()
	waitFor(t, "bridge removal", func() bool { return len(h.bridges.removedIDs()) == 1 })
	waitFor(t, "bridges-lost fan-out", func() bool { return len(h.rooms.lostBatches()) == 1 })
	if batch := h.rooms.lostBatches()[0]; len(batch) != 1 || batch[0] != "jvb1@bridges.example" {
		t.Errorf("lost batch = %v, want the bridge", batch)
	}
}

func TestServerBridgeLeavePresence(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	ws := dialWS(t, h.ts, RoleBridge, "jvb1@bridges.example")

	sendStanza(t, ws, &Stanza{Type: TypeSet, Kind: KindPresenceLeave})
	waitFor(t, "bridge removal", func() bool { return len(h.bridges.removedIDs()) == 1 })
	waitFor(t, "bridges-lost fan-out", func() bool { return len(h.rooms.lostBatches()) == 1 })
}

func TestServerWorkerPresenceAndEvents(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	ws := dialWS(t, h.ts, RoleWorker, "jibri1@workers.example")

	sendStanza(t, ws, &Stanza{Type: TypeSet, Kind: KindPresence, Payload: mustMarshal(t, WorkerPresence{
		Status: worker.Status{Region: "us-east", Participants: 2},
	})})
	waitFor(t, "worker status", func() bool {
		_, ok := h.workers.status("jibri1@workers.example")
		return ok
	})
	st, _ := h.workers.status("jibri1@workers.example")
	if st.Region != "us-east" || st.Participants != 2 {
		t.Errorf("status = %+v, want region us-east with 2 participants", st)
	}

	// Session status events reach the sink and are acked when sent as a
	// request.
	sendStanza(t, ws, &Stanza{Type: TypeSet, ID: "ev-1", Kind: KindSessionStatus, Payload: mustMarshal(t, worker.Event{
		SessionID: "sess-1",
		Status:    worker.StateOn,
	})})
	ack := readStanza(t, ws)
	if ack.Type != TypeResult || ack.ID != "ev-1" {
		t.Errorf("ack = %+v, want result for ev-1", ack)
	}
	events := h.events.recorded()
	if len(events) != 1 || events[0].workerID != "jibri1@workers.example" || events[0].ev.SessionID != "sess-1" {
		t.Fatalf("events = %+v, want one for sess-1", events)
	}

	sendStanza(t, ws, &Stanza{Type: TypeSet, Kind: KindPresenceLeave})
	waitFor(t, "worker removal", func() bool { return len(h.workers.removedIDs()) == 1 })
}

func TestServerClientPresenceFoldsMembership(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	room := "room1@conference.example"
	c := h.addRoom(t, room)
	jid := room + "/alice"

	ws := dialWS(t, h.ts, RoleClient, jid)
	sendStanza(t, ws, &Stanza{Type: TypeSet, Kind: KindPresence, Payload: mustMarshal(t, MemberPresence{
		Room:       room,
		EndpointID: "alice",
		Features:   []string{conference.FeatureAudio, conference.FeatureVideo, conference.FeatureSourceNames},
	})})
	waitFor(t, "member join", func() bool {
		_, ok := c.ParticipantByJID(jid)
		return ok
	})

	// A dropped connection leaves the room like an explicit leave.
	ws.Close()
	waitFor(t, "member leave", func() bool {
		_, ok := c.ParticipantByJID(jid)
		return !ok
	})
}

func TestServerPresenceResolvesSession(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	auth := newFakeAuth()
	h.s.SetAuth(auth)
	sid, _, err := auth.Authenticate("tok1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	room := "room1@conference.example"
	c := h.addRoom(t, room)

	ws := dialWS(t, h.ts, RoleClient, room+"/alice")
	sendStanza(t, ws, &Stanza{Type: TypeSet, Kind: KindPresence, Payload: mustMarshal(t, MemberPresence{
		Room:       room,
		EndpointID: "alice",
		SessionID:  sid,
	})})
	ws2 := dialWS(t, h.ts, RoleClient, room+"/bob")
	sendStanza(t, ws2, &Stanza{Type: TypeSet, Kind: KindPresence, Payload: mustMarshal(t, MemberPresence{
		Room:       room,
		EndpointID: "bob",
		SessionID:  "sess-gone",
	})})

	waitFor(t, "members join", func() bool {
		_, aok := c.Participant("alice")
		_, bok := c.Participant("bob")
		return aok && bok
	})
	p, ok := c.Participant("alice")
	if !ok {
		t.Fatal("alice not in the room")
	}
	if got := p.AuthenticatedID(); got != "alice@login.example" {
		t.Errorf("identity = %q, want alice@login.example", got)
	}
	// A session the authority does not know joins as anonymous.
	if p, ok := c.Participant("bob"); !ok || p.AuthenticatedID() != "" {
		t.Error("stale session produced an authenticated member")
	}
}

func TestServerClientPresenceLeave(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	room := "room1@conference.example"
	c := h.addRoom(t, room)
	jid := room + "/alice"

	ws := dialWS(t, h.ts, RoleClient, jid)
	sendStanza(t, ws, &Stanza{Type: TypeSet, Kind: KindPresence, Payload: mustMarshal(t, MemberPresence{
		Room:       room,
		EndpointID: "alice",
	})})
	waitFor(t, "member join", func() bool {
		_, ok := c.ParticipantByJID(jid)
		return ok
	})

	sendStanza(t, ws, &Stanza{Type: TypeSet, Kind: KindPresenceLeave})
	waitFor(t, "member leave", func() bool {
		_, ok := c.ParticipantByJID(jid)
		return !ok
	})
}

func TestServerDispatchesClientRequests(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	ws := dialWS(t, h.ts, RoleClient, "user@example.com/web")

	sendStanza(t, ws, &Stanza{Type: TypeSet, ID: "c-1", Kind: KindConference, Payload: mustMarshal(t, ConferenceRequest{
		Room: "room1@conference.example",
	})})
	resp := readStanza(t, ws)
	if resp.Type != TypeResult || resp.ID != "c-1" {
		t.Fatalf("response = %+v, want result for c-1", resp)
	}
	var cr ConferenceResponse
	if err := json.Unmarshal(resp.Payload, &cr); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !cr.Ready || cr.Focus != "focus@auth.example" {
		t.Errorf("response = %+v, want ready from focus@auth.example", cr)
	}
}

func TestServerRejectsNonClientRequests(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	ws := dialWS(t, h.ts, RoleBridge, "jvb1@bridges.example")

	sendStanza(t, ws, &Stanza{Type: TypeSet, ID: "c-1", Kind: KindConference, Payload: mustMarshal(t, ConferenceRequest{
		Room: "room1@conference.example",
	})})
	resp := readStanza(t, ws)
	if resp.Type != TypeError || resp.Error == nil || resp.Error.Condition != ConditionNotAcceptable {
		t.Errorf("response = %+v, want not-acceptable", resp)
	}
}

func TestServerRoundTrip(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	jid := "peer@example.com/web"
	ws := dialWS(t, h.ts, RoleClient, jid)

	type rtResult struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan rtResult, 1)
	go func() {
		raw, err := h.s.Request(context.Background(), jid, KindSessionInitiate, map[string]string{"hello": "world"})
		ch <- rtResult{raw: raw, err: err}
	}()

	req := readStanza(t, ws)
	if req.Type != TypeSet || req.Kind != KindSessionInitiate || req.ID == "" {
		t.Fatalf("request = %+v, want a set session-initiate with an id", req)
	}
	var body map[string]string
	if err := json.Unmarshal(req.Payload, &body); err != nil || body["hello"] != "world" {
		t.Fatalf("request payload = %s, want the hello body", req.Payload)
	}

	sendStanza(t, ws, &Stanza{Type: TypeResult, ID: req.ID, Payload: json.RawMessage(`{"ok":true}`)})
	res := <-ch
	if res.err != nil {
		t.Fatalf("Request: %v", res.err)
	}
	if string(res.raw) != `{"ok":true}` {
		t.Errorf("payload = %s, want the result body", res.raw)
	}
}

func TestServerRoundTripError(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	jid := "peer@example.com/web"
	ws := dialWS(t, h.ts, RoleClient, jid)

	ch := make(chan error, 1)
	go func() {
		_, err := h.s.Request(context.Background(), jid, KindSessionInitiate, nil)
		ch <- err
	}()

	req := readStanza(t, ws)
	sendStanza(t, ws, &Stanza{Type: TypeError, ID: req.ID, Error: &StanzaError{Condition: ConditionItemNotFound, Text: "gone"}})

	err := <-ch
	var ce *ConditionErr
	if !errors.As(err, &ce) || ce.Cond != ConditionItemNotFound {
		t.Errorf("err = %v, want item-not-found", err)
	}
}

func TestServerRoundTripTimeout(t *testing.T) {
	h := newServerHarness(t, ServerConfig{RequestTimeout: 50 * time.Millisecond})
	jid := "peer@example.com/web"
	dialWS(t, h.ts, RoleClient, jid)

	// Nobody answers.
	_, err := h.s.Request(context.Background(), jid, KindSessionInitiate, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestServerRequestToUnknownPeer(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	_, err := h.s.Request(context.Background(), "ghost@example.com/web", KindSessionInitiate, nil)
	var ce *ConditionErr
	if !errors.As(err, &ce) || ce.Cond != ConditionServiceUnavailable {
		t.Errorf("err = %v, want service-unavailable", err)
	}
}

func TestServerDiscoverFeatures(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	jid := "peer@example.com/web"
	ws := dialWS(t, h.ts, RoleClient, jid)

	type featResult struct {
		features []string
		err      error
	}
	ch := make(chan featResult, 1)
	go func() {
		features, err := h.s.DiscoverFeatures(context.Background(), jid)
		ch <- featResult{features: features, err: err}
	}()

	req := readStanza(t, ws)
	if req.Type != TypeGet || req.Kind != KindFeatures {
		t.Fatalf("request = %+v, want a features get", req)
	}
	sendStanza(t, ws, &Stanza{Type: TypeResult, ID: req.ID, Payload: mustMarshal(t, FeaturesResponse{
		Features: []string{conference.FeatureAudio, conference.FeatureSourceNames},
	})})

	res := <-ch
	if res.err != nil {
		t.Fatalf("DiscoverFeatures: %v", res.err)
	}
	if len(res.features) != 2 || res.features[0] != conference.FeatureAudio {
		t.Errorf("features = %v, want the advertised pair", res.features)
	}
}

func TestServerSignalerPushes(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	jid := "alice@example.com/web"
	ws := dialWS(t, h.ts, RoleClient, jid)

	if err := h.s.MuteParticipant(jid, source.MediaAudio, true); err != nil {
		t.Fatalf("MuteParticipant: %v", err)
	}
	st := readStanza(t, ws)
	if st.Kind != KindMute {
		t.Fatalf("kind = %s, want %s", st.Kind, KindMute)
	}
	var ms MuteSignal
	if err := json.Unmarshal(st.Payload, &ms); err != nil {
		t.Fatalf("decode mute signal: %v", err)
	}
	if ms.Media != source.MediaAudio || !ms.Mute {
		t.Errorf("mute signal = %+v, want audio muted", ms)
	}

	if err := h.s.SetRole(jid, conference.RoleOwner); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	st = readStanza(t, ws)
	var rs RoleSignal
	if st.Kind != KindRole {
		t.Fatalf("kind = %s, want %s", st.Kind, KindRole)
	}
	if err := json.Unmarshal(st.Payload, &rs); err != nil || rs.Role != conference.RoleOwner {
		t.Errorf("role signal = %+v, want owner", rs)
	}

	contents := []source.Content{{Name: "audio", Sources: []source.SourceInfo{{SSRC: 101, Owner: "bob"}}}}
	if err := h.s.SourceAdd(jid, contents); err != nil {
		t.Fatalf("SourceAdd: %v", err)
	}
	st = readStanza(t, ws)
	if st.Kind != KindSourceAdd {
		t.Fatalf("kind = %s, want %s", st.Kind, KindSourceAdd)
	}
	var ss SourceSignal
	if err := json.Unmarshal(st.Payload, &ss); err != nil {
		t.Fatalf("decode source signal: %v", err)
	}
	if len(ss.Contents) != 1 || len(ss.Contents[0].Sources) != 1 || ss.Contents[0].Sources[0].SSRC != 101 {
		t.Errorf("source signal = %+v, want ssrc 101", ss)
	}
}

func TestServerModerationBroadcast(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	room := "room1@conference.example"
	c := h.addRoom(t, room)

	alice := dialWS(t, h.ts, RoleClient, room+"/alice")
	sendStanza(t, alice, &Stanza{Type: TypeSet, Kind: KindPresence, Payload: mustMarshal(t, MemberPresence{
		Room:       room,
		EndpointID: "alice",
	})})
	waitFor(t, "member join", func() bool {
		_, ok := c.ParticipantByJID(room + "/alice")
		return ok
	})
	outsider := dialWS(t, h.ts, RoleClient, "other@example.com/web")

	if err := h.s.ModerationChanged(room, source.MediaAudio, true, []string{room + "/alice"}); err != nil {
		t.Fatalf("ModerationChanged: %v", err)
	}

	st := readStanza(t, alice)
	if st.Kind != KindModeration {
		t.Fatalf("kind = %s, want %s", st.Kind, KindModeration)
	}
	var mr ModerationRequest
	if err := json.Unmarshal(st.Payload, &mr); err != nil {
		t.Fatalf("decode moderation: %v", err)
	}
	if !mr.Enabled || mr.Media != source.MediaAudio || mr.Room != room {
		t.Errorf("moderation = %+v, want audio enabled in %s", mr, room)
	}

	// Clients outside the room hear nothing.
	expectSilence(t, outsider, 150*time.Millisecond)
}

func TestServerWorkerCommands(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	workerJID := "jibri1@workers.example"
	ws := dialWS(t, h.ts, RoleWorker, workerJID)

	// Start relays the command and maps busy responses to ErrBusy.
	ch := make(chan error, 1)
	go func() {
		ch <- h.s.Start(context.Background(), workerJID, worker.StartCommand{
			SessionID: "sess-1",
			Room:      "room1@conference.example",
			Type:      worker.TypeRecording,
		})
	}()
	req := readStanza(t, ws)
	if req.Kind != KindSessionStart {
		t.Fatalf("kind = %s, want %s", req.Kind, KindSessionStart)
	}
	var cmd worker.StartCommand
	if err := json.Unmarshal(req.Payload, &cmd); err != nil || cmd.SessionID != "sess-1" {
		t.Fatalf("command = %+v, want sess-1", cmd)
	}
	sendStanza(t, ws, &Stanza{Type: TypeError, ID: req.ID, Error: &StanzaError{Condition: ConditionResourceConstraint}})
	if err := <-ch; !errors.Is(err, worker.ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}

	// Internal worker failures map to ErrInternal.
	go func() {
		ch <- h.s.Start(context.Background(), workerJID, worker.StartCommand{SessionID: "sess-2"})
	}()
	req = readStanza(t, ws)
	sendStanza(t, ws, &Stanza{Type: TypeError, ID: req.ID, Error: &StanzaError{Condition: ConditionInternalServerError}})
	if err := <-ch; !errors.Is(err, worker.ErrInternal) {
		t.Errorf("err = %v, want ErrInternal", err)
	}

	// Stop names the session to end.
	go func() {
		ch <- h.s.Stop(context.Background(), workerJID, "sess-1")
	}()
	req = readStanza(t, ws)
	if req.Kind != KindSessionStop {
		t.Fatalf("kind = %s, want %s", req.Kind, KindSessionStop)
	}
	var stop SessionStopCommand
	if err := json.Unmarshal(req.Payload, &stop); err != nil || stop.SessionID != "sess-1" {
		t.Fatalf("stop command = %+v, want sess-1", stop)
	}
	sendStanza(t, ws, &Stanza{Type: TypeResult, ID: req.ID})
	if err := <-ch; err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestServerForward(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	workerJID := "jigasi1@workers.example"
	ws := dialWS(t, h.ts, RoleWorker, workerJID)

	type fwResult struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan fwResult, 1)
	go func() {
		raw, err := h.s.Forward(context.Background(), workerJID, json.RawMessage(`{"destination":"+1555"}`))
		ch <- fwResult{raw: raw, err: err}
	}()

	req := readStanza(t, ws)
	if req.Kind != KindDial {
		t.Fatalf("kind = %s, want %s", req.Kind, KindDial)
	}
	if string(req.Payload) != `{"destination":"+1555"}` {
		t.Errorf("payload = %s, want the dial body verbatim", req.Payload)
	}
	sendStanza(t, ws, &Stanza{Type: TypeResult, ID: req.ID, Payload: json.RawMessage(`{"call":"ringing"}`)})

	res := <-ch
	if res.err != nil {
		t.Fatalf("Forward: %v", res.err)
	}
	if string(res.raw) != `{"call":"ringing"}` {
		t.Errorf("response = %s, want the worker answer", res.raw)
	}
}

func TestServerDisplacesDuplicateJID(t *testing.T) {
	h := newServerHarness(t, ServerConfig{})
	jid := "dup@example.com/web"
	ws1 := dialWS(t, h.ts, RoleClient, jid)
	ws2 := dialWS(t, h.ts, RoleClient, jid)

	// The first connection is closed by the server.
	ws1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws1.ReadMessage(); err == nil {
		t.Fatal("first connection still open after displacement")
	}

	// The second connection serves traffic.
	sendStanza(t, ws2, &Stanza{Type: TypeSet, ID: "c-1", Kind: KindConference, Payload: mustMarshal(t, ConferenceRequest{
		Room: "room1@conference.example",
	})})
	resp := readStanza(t, ws2)
	if resp.Type != TypeResult {
		t.Errorf("response = %+v, want result", resp)
	}
}

func TestServerRateLimit(t *testing.T) {
	h := newServerHarness(t, ServerConfig{StanzaRate: rate.Limit(1), StanzaBurst: 1})
	ws := dialWS(t, h.ts, RoleClient, "user@example.com/web")

	sendStanza(t, ws, &Stanza{Type: TypeSet, ID: "a", Kind: KindConference, Payload: mustMarshal(t, ConferenceRequest{
		Room: "room1@conference.example",
	})})
	sendStanza(t, ws, &Stanza{Type: TypeSet, ID: "b", Kind: KindConference, Payload: mustMarshal(t, ConferenceRequest{
		Room: "room1@conference.example",
	})})

	byID := make(map[string]*Stanza)
	for i := 0; i < 2; i++ {
		st := readStanza(t, ws)
		byID[st.ID] = st
	}
	if st := byID["a"]; st == nil || st.Type != TypeResult {
		t.Errorf("first request = %+v, want result", byID["a"])
	}
	if st := byID["b"]; st == nil || st.Type != TypeError || st.Error.Condition != ConditionResourceConstraint {
		t.Errorf("second request = %+v, want resource-constraint", byID["b"])
	}
}

func TestMapWorkerError(t *testing.T) {
	plain := errors.New("plain")
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"busy condition", &ConditionErr{Cond: ConditionResourceConstraint}, worker.ErrBusy},
		{"internal condition", &ConditionErr{Cond: ConditionInternalServerError}, worker.ErrInternal},
		{"other condition", &ConditionErr{Cond: ConditionItemNotFound}, nil},
		{"plain error", plain, plain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapWorkerError(tt.in)
			if tt.in == nil {
				if got != nil {
					t.Fatalf("mapWorkerError(nil) = %v", got)
				}
				return
			}
			if tt.want != nil && !errors.Is(got, tt.want) {
				t.Errorf("mapWorkerError(%v) = %v, want wrapping %v", tt.in, got, tt.want)
			}
			if tt.want == nil {
				var ce *ConditionErr
				if !errors.As(got, &ce) {
					t.Errorf("mapWorkerError(%v) = %v, want the condition preserved", tt.in, got)
				}
			}
		})
	}
}
