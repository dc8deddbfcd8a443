package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/confocus/confocus/internal/conference"
	"github.com/confocus/confocus/internal/source"
	"github.com/confocus/confocus/internal/worker"
)

// ConferenceDirectory is the focus supervisor as the dispatcher sees
// it: room lookup and atomic get-or-create.
type ConferenceDirectory interface {
	GetOrCreate(room string) (*conference.Conference, error)
	Get(room string) (*conference.Conference, bool)
}

// SessionStarter starts and stops worker sessions for recording,
// streaming and SIP calls.
type SessionStarter interface {
	Start(ctx context.Context, req worker.StartRequest) (*worker.Session, error)
	Stop(ctx context.Context, sessionID, terminator string) error
}

// DialHandler places outbound SIP calls through the worker pool.
type DialHandler interface {
	Dial(ctx context.Context, req worker.DialRequest) (json.RawMessage, error)
}

// LoginAuthority produces login URLs, verifies login tokens and
// answers session lookups for external authentication.
type LoginAuthority interface {
	CreateLoginURL(machineUID, peer, room string, popup bool) string
	Authenticate(token string) (sessionID, identity string, err error)
	SessionIdentity(sessionID string) (string, bool)
	ProcessLogout(sessionID string) (string, error)
}

// Notifier delivers server-initiated stanzas, used for the asynchronous
// dial-out outcome.
type Notifier interface {
	Send(to, kind string, payload any) error
}

// Capabilities are the feature flags advertised in the allocate
// response.
type Capabilities struct {
	Authentication bool
	ExternalAuth   bool
	SipGateway     bool
}

// DispatcherConfig wires the dispatcher's collaborators. Recording and
// Dialer may be nil when the deployment runs without workers; the
// matching requests then fail with service-unavailable.
type DispatcherConfig struct {
	Conferences ConferenceDirectory
	Recording   SessionStarter
	Dialer      DialHandler
	Auth        LoginAuthority
	Notifier    Notifier
	Caps        Capabilities
	FocusJID    string
}

// Dispatcher routes request stanzas to the supervisor, the conferences,
// the worker managers and the authentication authority, and translates
// their errors into wire conditions.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		logger: logger.With("subsystem", "dispatcher"),
	}
}

// ConferenceRequest asks the focus to take charge of a room. Token
// carries a fresh login token to open a session; SessionID resumes an
// existing one.
type ConferenceRequest struct {
	Room       string            `json:"room"`
	MachineUID string            `json:"machine_uid,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Token      string            `json:"token,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ConferenceResponse reports readiness and the focus capabilities.
type ConferenceResponse struct {
	Room            string `json:"room"`
	Ready           bool   `json:"ready"`
	Focus           string `json:"focus,omitempty"`
	Authentication  bool   `json:"authentication"`
	ExternalAuth    bool   `json:"external_auth"`
	SipGateway      bool   `json:"sip_gateway_enabled"`
	SessionID       string `json:"session_id,omitempty"`
	Identity        string `json:"identity,omitempty"`
	StartAudioMuted bool   `json:"start_audio_muted,omitempty"`
	StartVideoMuted bool   `json:"start_video_muted,omitempty"`
}

// MuteRequest mutes or unmutes one endpoint. An empty Target means the
// sender mutes itself.
type MuteRequest struct {
	Room   string           `json:"room"`
	Target string           `json:"target,omitempty"`
	Media  source.MediaType `json:"media"`
	Mute   bool             `json:"mute"`
}

// DialOutRequest asks for an outbound SIP call into the room.
type DialOutRequest struct {
	Room        string            `json:"room"`
	Destination string            `json:"destination"`
	Transcriber bool              `json:"transcriber,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// DialOutAccepted is the immediate response; the outcome follows as a
// dial-status stanza.
type DialOutAccepted struct {
	Accepted bool `json:"accepted"`
}

// DialStatus is the asynchronous outcome of a dial-out.
type DialStatus struct {
	Room      string          `json:"room"`
	Succeeded bool            `json:"succeeded"`
	Condition Condition       `json:"condition,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SessionRequest starts or stops a recording, streaming or SIP worker
// session. The action and session type come from the stanza kind.
type SessionRequest struct {
	Room       string `json:"room"`
	SessionID  string `json:"session_id,omitempty"`
	StreamID   string `json:"stream_id,omitempty"`
	SipAddress string `json:"sip_address,omitempty"`
	AppData    string `json:"app_data,omitempty"`
}

// SessionResponse acknowledges a started or stopped worker session.
type SessionResponse struct {
	SessionID string       `json:"session_id"`
	State     worker.State `json:"state,omitempty"`
}

// ModerationRequest updates A/V moderation for one media type.
type ModerationRequest struct {
	Room      string           `json:"room"`
	Media     source.MediaType `json:"media"`
	Enabled   bool             `json:"enabled"`
	Whitelist []string         `json:"whitelist,omitempty"`
}

// LoginURLRequest asks for an external authentication URL.
type LoginURLRequest struct {
	MachineUID string `json:"machine_uid"`
	Room       string `json:"room"`
	Popup      bool   `json:"popup,omitempty"`
}

type LoginURLResponse struct {
	URL string `json:"url"`
}

type LogoutRequest struct {
	SessionID string `json:"session_id"`
}

type LogoutResponse struct {
	LogoutURL string `json:"logout_url,omitempty"`
}

// Dispatch handles one request stanza and returns the response to send.
// from is the authenticated identity of the connection the stanza
// arrived on; the stanza's own from field is not trusted.
func (d *Dispatcher) Dispatch(ctx context.Context, from string, st *Stanza) *Stanza {
	st.From = from
	switch st.Kind {
	case KindConference:
		return d.handleConference(from, st)
	case KindMute:
		return d.handleMute(from, st)
	case KindDialOut:
		return d.handleDialOut(from, st)
	case KindModeration:
		return d.handleModeration(from, st)
	case KindLoginURL:
		return d.handleLoginURL(from, st)
	case KindLogout:
		return d.handleLogout(st)
	}
	if action, typ, ok := sessionKind(st.Kind); ok {
		return d.handleSession(ctx, from, st, action, typ)
	}
	return st.Fail(ConditionBadRequest, "unknown request kind "+st.Kind)
}

// sessionKind splits kinds like start-recording or stop-sip-call into
// the action and the worker session type.
func sessionKind(kind string) (action string, typ worker.SessionType, ok bool) {
	action, rest, found := strings.Cut(kind, "-")
	if !found || (action != "start" && action != "stop") {
		return "", "", false
	}
	switch worker.SessionType(rest) {
	case worker.TypeRecording, worker.TypeStreaming, worker.TypeSipCall:
		return action, worker.SessionType(rest), true
	}
	return "", "", false
}

func (d *Dispatcher) handleConference(from string, st *Stanza) *Stanza {
	var req ConferenceRequest
	if err := json.Unmarshal(st.Payload, &req); err != nil {
		return st.Fail(ConditionBadRequest, "malformed conference request")
	}
	if req.Room == "" {
		return st.Fail(ConditionBadRequest, "room is required")
	}

	var sessionID, identity string
	if d.cfg.Auth != nil {
		switch {
		case req.Token != "":
			var err error
			sessionID, identity, err = d.cfg.Auth.Authenticate(req.Token)
			if err != nil {
				return st.Fail(ConditionNotAuthorized, "login token rejected")
			}
		case req.SessionID != "":
			var ok bool
			identity, ok = d.cfg.Auth.SessionIdentity(req.SessionID)
			if !ok {
				// Tell the client apart from a plain denial so it can
				// go through login again.
				return st.Fail(ConditionForbidden, "invalid or expired session")
			}
			sessionID = req.SessionID
		}
		// Joining an existing room is open; creating one is for
		// authenticated users only.
		if identity == "" {
			if _, ok := d.cfg.Conferences.Get(req.Room); !ok {
				return st.Fail(ConditionNotAuthorized, "authentication required to create the room")
			}
		}
	}

	c, err := d.cfg.Conferences.GetOrCreate(req.Room)
	if err != nil {
		return st.Fail(ConditionServiceUnavailable, err.Error())
	}
	if identity != "" {
		// The requester may already be in the room, authenticating
		// after the fact. Membership normally arrives later through
		// presence, which carries the session id itself.
		if p, ok := c.ParticipantByJID(from); ok {
			if err := c.AuthenticateMember(p.EndpointID(), identity); err != nil {
				d.logger.Warn("late authentication", "room", req.Room, "jid", from, "error", err)
			}
		}
	}
	audio, video := c.StartMuted()
	return st.Result(ConferenceResponse{
		Room:            req.Room,
		Ready:           true,
		Focus:           d.cfg.FocusJID,
		Authentication:  d.cfg.Caps.Authentication,
		ExternalAuth:    d.cfg.Caps.ExternalAuth,
		SipGateway:      d.cfg.Caps.SipGateway && d.cfg.Dialer != nil,
		SessionID:       sessionID,
		Identity:        identity,
		StartAudioMuted: audio,
		StartVideoMuted: video,
	})
}

func (d *Dispatcher) handleMute(from string, st *Stanza) *Stanza {
	var req MuteRequest
	if err := json.Unmarshal(st.Payload, &req); err != nil {
		return st.Fail(ConditionBadRequest, "malformed mute request")
	}
	if _, err := source.ParseMediaType(string(req.Media)); err != nil {
		return st.Fail(ConditionBadRequest, "unknown media type "+string(req.Media))
	}
	c, ok := d.cfg.Conferences.Get(req.Room)
	if !ok {
		return st.Fail(ConditionItemNotFound, "no conference for room "+req.Room)
	}
	actor, ok := c.ParticipantByJID(from)
	if !ok {
		return st.Fail(ConditionForbidden, "sender is not in the room")
	}
	target := req.Target
	if target == "" {
		target = actor.EndpointID()
	}
	if err := c.Mute(actor.EndpointID(), target, req.Media, req.Mute); err != nil {
		return st.Fail(muteCondition(err), err.Error())
	}
	return st.Result(nil)
}

func muteCondition(err error) Condition {
	switch {
	case errors.Is(err, conference.ErrNoSuchParticipant):
		return ConditionItemNotFound
	case errors.Is(err, conference.ErrNotAllowed):
		return ConditionForbidden
	default:
		return ConditionBadRequest
	}
}

func (d *Dispatcher) handleDialOut(from string, st *Stanza) *Stanza {
	if d.cfg.Dialer == nil {
		return st.Fail(ConditionServiceUnavailable, "dial-out is not configured")
	}
	var req DialOutRequest
	if err := json.Unmarshal(st.Payload, &req); err != nil {
		return st.Fail(ConditionBadRequest, "malformed dial-out request")
	}
	if req.Destination == "" {
		return st.Fail(ConditionBadRequest, "destination is required")
	}
	c, ok := d.cfg.Conferences.Get(req.Room)
	if !ok {
		return st.Fail(ConditionItemNotFound, "no conference for room "+req.Room)
	}
	if !c.AcceptWorkerRequest(from) {
		return st.Fail(ConditionForbidden, "dial-out requires the moderator role")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return st.Fail(ConditionInternalServerError, err.Error())
	}
	// The round-trips to the workers can span minutes; answer now and
	// deliver the outcome as a dial-status stanza.
	go d.dial(from, req.Room, worker.DialRequest{
		Room:        req.Room,
		Transcriber: req.Transcriber,
		Payload:     payload,
	})
	return st.Result(DialOutAccepted{Accepted: true})
}

func (d *Dispatcher) dial(requester, room string, req worker.DialRequest) {
	status := DialStatus{Room: room}
	resp, err := d.cfg.Dialer.Dial(context.Background(), req)
	if err != nil {
		var derr *worker.DialError
		if errors.As(err, &derr) {
			status.Condition = Condition(derr.Condition)
		} else {
			status.Condition = ConditionUndefined
		}
		d.logger.Warn("dial-out failed", "room", room, "condition", status.Condition)
	} else {
		status.Succeeded = true
		status.Payload = resp
	}
	if err := d.cfg.Notifier.Send(requester, KindDialStatus, status); err != nil {
		d.logger.Warn("dial-out outcome undeliverable", "room", room, "to", requester, "error", err)
	}
}

func (d *Dispatcher) handleSession(ctx context.Context, from string, st *Stanza, action string, typ worker.SessionType) *Stanza {
	if d.cfg.Recording == nil {
		return st.Fail(ConditionServiceUnavailable, "worker sessions are not configured")
	}
	var req SessionRequest
	if err := json.Unmarshal(st.Payload, &req); err != nil {
		return st.Fail(ConditionBadRequest, "malformed session request")
	}
	c, ok := d.cfg.Conferences.Get(req.Room)
	if !ok {
		return st.Fail(ConditionItemNotFound, "no conference for room "+req.Room)
	}
	if !c.AcceptWorkerRequest(from) {
		return st.Fail(ConditionForbidden, "session control requires the moderator role")
	}

	if action == "stop" {
		if req.SessionID == "" {
			return st.Fail(ConditionBadRequest, "session_id is required")
		}
		// Stop is idempotent; an error here means the stop command to
		// the worker failed, not that the session was unknown.
		if err := d.cfg.Recording.Stop(ctx, req.SessionID, from); err != nil {
			return st.Fail(ConditionInternalServerError, err.Error())
		}
		return st.Result(SessionResponse{SessionID: req.SessionID, State: worker.StateOff})
	}

	s, err := d.cfg.Recording.Start(ctx, worker.StartRequest{
		Type:       typ,
		Room:       req.Room,
		Initiator:  from,
		SipAddress: req.SipAddress,
		StreamID:   req.StreamID,
		AppData:    req.AppData,
	})
	if err != nil {
		var serr *worker.StartError
		if errors.As(err, &serr) {
			return st.Fail(startCondition(serr), serr.Error())
		}
		return st.Fail(ConditionInternalServerError, err.Error())
	}
	state, _ := s.State()
	return st.Result(SessionResponse{SessionID: s.ID(), State: state})
}

func startCondition(e *worker.StartError) Condition {
	switch e.Kind {
	case worker.StartNotAvailable, worker.StartAllBusy:
		return ConditionServiceUnavailable
	case worker.StartInternalError:
		return ConditionInternalServerError
	default:
		return ConditionUndefined
	}
}

func (d *Dispatcher) handleModeration(from string, st *Stanza) *Stanza {
	var req ModerationRequest
	if err := json.Unmarshal(st.Payload, &req); err != nil {
		return st.Fail(ConditionBadRequest, "malformed moderation request")
	}
	if _, err := source.ParseMediaType(string(req.Media)); err != nil {
		return st.Fail(ConditionBadRequest, "unknown media type "+string(req.Media))
	}
	c, ok := d.cfg.Conferences.Get(req.Room)
	if !ok {
		return st.Fail(ConditionItemNotFound, "no conference for room "+req.Room)
	}
	actor, ok := c.ParticipantByJID(from)
	if !ok || !actor.IsOwner() {
		return st.Fail(ConditionForbidden, "moderation requires the moderator role")
	}
	c.SetModeration(req.Media, req.Enabled, req.Whitelist)
	return st.Result(nil)
}

func (d *Dispatcher) handleLoginURL(from string, st *Stanza) *Stanza {
	if d.cfg.Auth == nil {
		return st.Fail(ConditionServiceUnavailable, "authentication is not configured")
	}
	var req LoginURLRequest
	if err := json.Unmarshal(st.Payload, &req); err != nil {
		return st.Fail(ConditionBadRequest, "malformed login-url request")
	}
	if req.MachineUID == "" || req.Room == "" {
		return st.Fail(ConditionBadRequest, "machine_uid and room are required")
	}
	url := d.cfg.Auth.CreateLoginURL(req.MachineUID, from, req.Room, req.Popup)
	return st.Result(LoginURLResponse{URL: url})
}

func (d *Dispatcher) handleLogout(st *Stanza) *Stanza {
	if d.cfg.Auth == nil {
		return st.Fail(ConditionServiceUnavailable, "authentication is not configured")
	}
	var req LogoutRequest
	if err := json.Unmarshal(st.Payload, &req); err != nil {
		return st.Fail(ConditionBadRequest, "malformed logout request")
	}
	logoutURL, err := d.cfg.Auth.ProcessLogout(req.SessionID)
	if err != nil {
		return st.Fail(ConditionItemNotFound, err.Error())
	}
	return st.Result(LogoutResponse{LogoutURL: logoutURL})
}
