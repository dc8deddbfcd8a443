package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/confocus/confocus/internal/bridge"
	"github.com/confocus/confocus/internal/conference"
	"github.com/confocus/confocus/internal/worker"
)

// Connection tuning. Reads are bounded by the pong deadline; writes by
// writeWait per message.
const (
	DefaultRequestTimeout = 15 * time.Second
	DefaultStanzaRate     = rate.Limit(100)
	DefaultStanzaBurst    = 200

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueueSize  = 64
)

// Role is what a connection represents, fixed by the endpoint it
// connected to.
type Role string

const (
	RoleClient Role = "client"
	RoleBridge Role = "bridge"
	RoleWorker Role = "worker"
)

// DefaultWorkerPool is the pool assumed when a worker's presence does
// not name one.
const DefaultWorkerPool = "recording"

// BridgeDirectory is the bridge registry as the transport sees it.
type BridgeDirectory interface {
	HandleStats(id string, st bridge.Stats)
	Remove(id string) (bridge.Bridge, bool)
}

// WorkerDirectory is one worker pool's presence surface.
type WorkerDirectory interface {
	UpdateWorker(id string, st worker.Status)
	RemoveWorker(id string)
}

// WorkerEventSink receives session status events from workers.
type WorkerEventSink interface {
	HandleEvent(workerID string, ev worker.Event)
}

// RoomDirectory resolves rooms to conferences and absorbs bridge
// failures.
type RoomDirectory interface {
	Get(room string) (*conference.Conference, bool)
	BridgesLost(ctx context.Context, bridgeIDs []string)
}

// WorkerBackend pairs a pool's presence directory with its session
// event sink.
type WorkerBackend struct {
	Pool   WorkerDirectory
	Events WorkerEventSink
}

// IdentityResolver turns the session id a presence carries into an
// authenticated identity.
type IdentityResolver interface {
	SessionIdentity(sessionID string) (string, bool)
}

// ServerConfig tunes the signaling transport.
type ServerConfig struct {
	// RequestTimeout bounds round-trips that carry no own deadline.
	RequestTimeout time.Duration
	// StanzaRate and StanzaBurst limit inbound stanzas per connection.
	StanzaRate  rate.Limit
	StanzaBurst int
}

// MemberPresence is the payload of a client's presence stanza.
// SessionID, when the client has been through external login, marks
// the member authenticated.
type MemberPresence struct {
	Room       string   `json:"room"`
	EndpointID string   `json:"endpoint_id"`
	Region     string   `json:"region,omitempty"`
	StatsID    string   `json:"stats_id,omitempty"`
	Robot      bool     `json:"robot,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Features   []string `json:"features,omitempty"`
}

// WorkerPresence is the payload of a worker's presence stanza: its
// status plus the pool it serves.
type WorkerPresence struct {
	Pool string `json:"pool,omitempty"`
	worker.Status
}

// Server accepts websocket connections from clients, bridges and
// workers, folds presence into the respective directories, routes
// requests through the dispatcher and carries the focus's own
// round-trips back out. It implements colibri.RequestSender,
// worker.Commander, worker.Forwarder and conference.Signaler.
type Server struct {
	cfg        ServerConfig
	dispatcher *Dispatcher
	auth       IdentityResolver
	bridges    BridgeDirectory
	rooms      RoomDirectory
	workers    map[string]WorkerBackend
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	mu      sync.Mutex
	conns   map[string]*conn
	pending map[string]chan *Stanza
	closed  bool

	wg sync.WaitGroup
}

// NewServer builds the transport. The workers map is keyed by pool name.
// The dispatcher is attached afterwards with SetDispatcher; it needs the
// server as its notifier.
func NewServer(cfg ServerConfig, bridges BridgeDirectory, rooms RoomDirectory, workers map[string]WorkerBackend, logger *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StanzaRate <= 0 {
		cfg.StanzaRate = DefaultStanzaRate
	}
	if cfg.StanzaBurst <= 0 {
		cfg.StanzaBurst = DefaultStanzaBurst
	}
	return &Server{
		cfg:      cfg,
		bridges:  bridges,
		rooms:    rooms,
		workers:  workers,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger.With("subsystem", "signaling"),
		conns:    make(map[string]*conn),
		pending:  make(map[string]chan *Stanza),
	}
}

// SetDispatcher attaches the request dispatcher. Must be called before
// the handler starts serving.
func (s *Server) SetDispatcher(d *Dispatcher) {
	s.dispatcher = d
}

// SetAuth attaches the session resolver. Optional; without it presence
// session ids are ignored. Must be called before the handler starts
// serving.
func (s *Server) SetAuth(r IdentityResolver) {
	s.auth = r
}

// Handler returns the websocket endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/signal/client", s.handleWS(RoleClient))
	r.Get("/signal/bridge", s.handleWS(RoleBridge))
	r.Get("/signal/worker", s.handleWS(RoleWorker))
	return r
}

// conn is one websocket connection with its write queue and identity.
type conn struct {
	jid     string
	role    Role
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	logger  *slog.Logger

	mu   sync.Mutex
	room string
	pool string
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *conn) setRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = room
}

func (c *conn) getRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *conn) setPool(pool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool = pool
}

func (c *conn) getPool() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == "" {
		return DefaultWorkerPool
	}
	return c.pool
}

// enqueue hands a frame to the write pump. A full queue means a
// consumer that stopped reading; the frame is refused rather than
// blocking the caller.
func (c *conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return &ConditionErr{Cond: ConditionServiceUnavailable, Text: "connection closed"}
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return &ConditionErr{Cond: ConditionServiceUnavailable, Text: "connection closed"}
	default:
		return &ConditionErr{Cond: ConditionResourceConstraint, Text: "send queue full"}
	}
}

func (s *Server) handleWS(role Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jid := r.URL.Query().Get("jid")
		if jid == "" {
			http.Error(w, "jid query parameter is required", http.StatusBadRequest)
			return
		}
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "role", role, "error", err)
			return
		}
		c := &conn{
			jid:     jid,
			role:    role,
			ws:      ws,
			send:    make(chan []byte, sendQueueSize),
			done:    make(chan struct{}),
			limiter: rate.NewLimiter(s.cfg.StanzaRate, s.cfg.StanzaBurst),
			logger:  s.logger.With("role", role, "jid", jid),
		}
		if !s.register(c) {
			ws.Close()
			return
		}
		c.logger.Info("connected")
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.writeLoop(c)
		}()
		go func() {
			defer s.wg.Done()
			s.readLoop(c)
		}()
	}
}

// register installs the connection, displacing a previous one with the
// same jid. It fails once the server is closed.
func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	prev := s.conns[c.jid]
	s.conns[c.jid] = c
	s.mu.Unlock()
	if prev != nil {
		prev.logger.Info("displaced by new connection")
		prev.close()
	}
	return true
}

func (s *Server) conn(jid string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[jid]
}

func (s *Server) roomConns(room string) []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conn
	for _, c := range s.conns {
		if c.role == RoleClient && c.getRoom() == room {
			out = append(out, c)
		}
	}
	return out
}

// ConnCount returns the number of connections with the given role.
func (s *Server) ConnCount(role Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if c.role == role {
			n++
		}
	}
	return n
}

// Close drops every connection and waits for the pumps to stop. New
// connections are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
}

func (s *Server) writeLoop(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) readLoop(c *conn) {
	defer s.dropConn(c)
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		var st Stanza
		if err := json.Unmarshal(data, &st); err != nil {
			c.logger.Debug("undecodable stanza dropped", "error", err)
			continue
		}
		if !c.limiter.Allow() {
			c.logger.Warn("stanza rate limit exceeded")
			if st.IsRequest() {
				s.reply(c, st.Fail(ConditionResourceConstraint, "rate limit exceeded"))
			}
			continue
		}
		s.handleStanza(c, &st)
	}
}

func (s *Server) handleStanza(c *conn, st *Stanza) {
	switch {
	case st.Type == TypeResult || st.Type == TypeError:
		s.resolve(c, st)
	case st.Kind == KindPresence:
		s.handlePresence(c, st, false)
	case st.Kind == KindPresenceLeave:
		s.handlePresence(c, st, true)
	case st.Kind == KindSessionStatus && c.role == RoleWorker:
		s.handleSessionStatus(c, st)
	case st.IsRequest() && c.role == RoleClient:
		if s.dispatcher == nil {
			s.reply(c, st.Fail(ConditionServiceUnavailable, "not ready"))
			return
		}
		// Handlers may block on worker round-trips; keep the read loop
		// moving so results and presence still flow in.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reply(c, s.dispatcher.Dispatch(context.Background(), c.jid, st))
		}()
	case st.IsRequest():
		s.reply(c, st.Fail(ConditionNotAcceptable, "requests are accepted from clients only"))
	default:
		c.logger.Debug("unhandled stanza", "kind", st.Kind, "type", st.Type)
	}
}

// resolve delivers a response to the round-trip waiting on its id.
func (s *Server) resolve(c *conn, st *Stanza) {
	s.mu.Lock()
	ch, ok := s.pending[st.ID]
	if ok {
		delete(s.pending, st.ID)
	}
	s.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", "id", st.ID)
		return
	}
	ch <- st
}

func (s *Server) handlePresence(c *conn, st *Stanza, leave bool) {
	switch c.role {
	case RoleBridge:
		if leave {
			s.bridgeGone(c)
			return
		}
		var stats bridge.Stats
		if len(st.Payload) > 0 {
			if err := json.Unmarshal(st.Payload, &stats); err != nil {
				c.logger.Warn("bad bridge presence", "error", err)
				return
			}
		}
		s.bridges.HandleStats(c.jid, stats)

	case RoleWorker:
		if leave {
			s.workerGone(c)
			return
		}
		var wp WorkerPresence
		if err := json.Unmarshal(st.Payload, &wp); err != nil {
			c.logger.Warn("bad worker presence", "error", err)
			return
		}
		if wp.Pool != "" {
			c.setPool(wp.Pool)
		}
		backend, ok := s.workers[c.getPool()]
		if !ok {
			c.logger.Warn("presence for unknown worker pool", "pool", c.getPool())
			return
		}
		backend.Pool.UpdateWorker(c.jid, wp.Status)

	case RoleClient:
		if leave {
			s.memberGone(c)
			return
		}
		var mp MemberPresence
		if err := json.Unmarshal(st.Payload, &mp); err != nil {
			c.logger.Warn("bad member presence", "error", err)
			return
		}
		if mp.Room == "" || mp.EndpointID == "" {
			c.logger.Warn("member presence without room or endpoint")
			return
		}
		conf, ok := s.rooms.Get(mp.Room)
		if !ok {
			c.logger.Debug("presence for unknown room", "room", mp.Room)
			return
		}
		c.setRoom(mp.Room)
		var identity string
		if s.auth != nil && mp.SessionID != "" {
			if id, ok := s.auth.SessionIdentity(mp.SessionID); ok {
				identity = id
			} else {
				c.logger.Debug("presence with stale session", "room", mp.Room)
			}
		}
		if _, err := conf.MemberJoined(conference.MemberInfo{
			JID:           c.jid,
			EndpointID:    mp.EndpointID,
			Region:        mp.Region,
			StatsID:       mp.StatsID,
			Robot:         mp.Robot,
			Authenticated: identity,
			Features:      mp.Features,
		}); err != nil {
			c.logger.Warn("member join refused", "room", mp.Room, "error", err)
		}
	}
}

func (s *Server) handleSessionStatus(c *conn, st *Stanza) {
	var ev worker.Event
	if err := json.Unmarshal(st.Payload, &ev); err != nil {
		c.logger.Warn("bad session status", "error", err)
		if st.IsRequest() {
			s.reply(c, st.Fail(ConditionBadRequest, "malformed session status"))
		}
		return
	}
	backend, ok := s.workers[c.getPool()]
	if !ok {
		c.logger.Warn("session status for unknown worker pool", "pool", c.getPool())
		return
	}
	backend.Events.HandleEvent(c.jid, ev)
	if st.IsRequest() {
		s.reply(c, st.Result(nil))
	}
}

func (s *Server) bridgeGone(c *conn) {
	if _, ok := s.bridges.Remove(c.jid); ok {
		s.rooms.BridgesLost(context.Background(), []string{c.jid})
	}
}

func (s *Server) workerGone(c *conn) {
	if backend, ok := s.workers[c.getPool()]; ok {
		backend.Pool.RemoveWorker(c.jid)
	}
}

func (s *Server) memberGone(c *conn) {
	room := c.getRoom()
	if room == "" {
		return
	}
	c.setRoom("")
	if conf, ok := s.rooms.Get(room); ok {
		conf.MemberLeft(context.Background(), c.jid)
	}
}

// dropConn runs when a read loop ends: deregister and fold the
// disappearance into the role's directory, same as an explicit leave.
func (s *Server) dropConn(c *conn) {
	c.close()
	s.mu.Lock()
	current := s.conns[c.jid] == c
	if current {
		delete(s.conns, c.jid)
	}
	s.mu.Unlock()
	if !current {
		// Displaced by a newer connection; that one owns the state now.
		return
	}
	c.logger.Info("disconnected")
	switch c.role {
	case RoleBridge:
		s.bridgeGone(c)
	case RoleWorker:
		s.workerGone(c)
	case RoleClient:
		s.memberGone(c)
	}
}

func (s *Server) reply(c *conn, st *Stanza) {
	data, err := json.Marshal(st)
	if err != nil {
		c.logger.Warn("unencodable response", "error", err)
		return
	}
	if err := c.enqueue(data); err != nil {
		c.logger.Warn("response dropped", "error", err)
	}
}

// Send delivers a fire-and-forget stanza to a connected peer.
func (s *Server) Send(to, kind string, payload any) error {
	c := s.conn(to)
	if c == nil {
		return &ConditionErr{Cond: ConditionServiceUnavailable, Text: to + " is not connected"}
	}
	st := &Stanza{To: to, Type: TypeSet, ID: uuid.NewString(), Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		st.Payload = raw
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// Request performs a set round-trip and returns the result payload.
// Errors carry the response's wire condition. Satisfies
// colibri.RequestSender.
func (s *Server) Request(ctx context.Context, to, kind string, payload any) (json.RawMessage, error) {
	return s.roundTrip(ctx, to, TypeSet, kind, payload)
}

// get performs a get round-trip, used for queries like feature
// discovery.
func (s *Server) get(ctx context.Context, to, kind string, payload any) (json.RawMessage, error) {
	return s.roundTrip(ctx, to, TypeGet, kind, payload)
}

func (s *Server) roundTrip(ctx context.Context, to string, typ StanzaType, kind string, payload any) (json.RawMessage, error) {
	c := s.conn(to)
	if c == nil {
		return nil, &ConditionErr{Cond: ConditionServiceUnavailable, Text: to + " is not connected"}
	}
	st := &Stanza{To: to, Type: typ, ID: uuid.NewString(), Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		st.Payload = raw
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Stanza, 1)
	s.mu.Lock()
	s.pending[st.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, st.ID)
		s.mu.Unlock()
	}()

	if err := c.enqueue(data); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	select {
	case resp := <-ch:
		if resp.Type == TypeError {
			return nil, conditionError(resp.Error)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, &ConditionErr{Cond: ConditionServiceUnavailable, Text: "connection lost"}
	}
}
