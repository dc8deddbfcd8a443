package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionType is what a worker session produces.
type SessionType string

const (
	TypeRecording SessionType = "recording"
	TypeStreaming SessionType = "streaming"
	TypeSipCall   SessionType = "sip-call"
)

// State is a session's lifecycle position.
type State string

const (
	StateUndefined State = "undefined"
	StatePending   State = "pending"
	StateOn        State = "on"
	StateOff       State = "off"
)

// FailureReason qualifies StateOff. Empty means a clean stop.
type FailureReason string

const (
	FailureNone    FailureReason = ""
	FailureBusy    FailureReason = "busy"
	FailureError   FailureReason = "error"
	FailureTimeout FailureReason = "timeout"
)

// Command errors a Commander implementation reports back. Anything else
// counts as an unexpected response.
var (
	// ErrBusy means the worker cannot take another session right now.
	ErrBusy = errors.New("worker busy")

	// ErrInternal means the worker failed on its own side.
	ErrInternal = errors.New("worker internal error")
)

// StartErrorKind classifies why a session could not be started.
type StartErrorKind string

const (
	StartNotAvailable       StartErrorKind = "not-available"
	StartAllBusy            StartErrorKind = "all-busy"
	StartOneBusy            StartErrorKind = "one-busy"
	StartInternalError      StartErrorKind = "internal-server-error"
	StartUnexpectedResponse StartErrorKind = "unexpected-response"
)

// StartError is a failed session start.
type StartError struct {
	Kind StartErrorKind
	Msg  string
}

func (e *StartError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("worker start: %s", e.Kind)
	}
	return fmt.Sprintf("worker start: %s: %s", e.Kind, e.Msg)
}

// StartCommand is the start order sent to a worker. The session id comes
// back in every event the worker emits about this session.
type StartCommand struct {
	SessionID  string      `json:"session_id"`
	Room       string      `json:"room"`
	Type       SessionType `json:"type"`
	SipAddress string      `json:"sip_address,omitempty"`
	StreamID   string      `json:"stream_id,omitempty"`
	AppData    string      `json:"app_data,omitempty"`
}

// Commander carries start and stop orders to workers. Implementations
// bound each call with their own request timeout.
type Commander interface {
	Start(ctx context.Context, workerID string, cmd StartCommand) error
	Stop(ctx context.Context, workerID, sessionID string) error
}

// Event is an asynchronous status notification from a worker.
type Event struct {
	SessionID   string        `json:"session_id"`
	Status      State         `json:"status"`
	Failure     FailureReason `json:"failure,omitempty"`
	ShouldRetry bool          `json:"should_retry,omitempty"`
}

// Update notifies the owner of a session state change.
type Update struct {
	SessionID string
	Room      string
	Type      SessionType
	State     State
	Failure   FailureReason
}

// StartRequest describes the session to start.
type StartRequest struct {
	Type             SessionType
	Room             string
	Initiator        string
	SipAddress       string
	StreamID         string
	AppData          string
	PreferredRegions []string
}

// Session is one recording, streaming or SIP session running on a worker.
// All fields are guarded by mu; accessors return copies.
type Session struct {
	id               string
	typ              SessionType
	room             string
	initiator        string
	sipAddress       string
	streamID         string
	appData          string
	preferredRegions []string

	mu          sync.Mutex
	state       State
	failure     FailureReason
	worker      string
	terminator  string
	retriesLeft int
	excluded    map[string]bool
	attempt     int
	timer       *time.Timer
}

// ID returns the session id echoed by the worker in every event.
func (s *Session) ID() string { return s.id }

// Type returns what the session produces.
func (s *Session) Type() SessionType { return s.typ }

// Room returns the conference the session belongs to.
func (s *Session) Room() string { return s.room }

// Initiator returns who requested the session.
func (s *Session) Initiator() string { return s.initiator }

// SipAddress returns the dialed address for SIP sessions.
func (s *Session) SipAddress() string { return s.sipAddress }

// StreamID returns the stream key for streaming sessions.
func (s *Session) StreamID() string { return s.streamID }

// State returns the session state and, for off, the failure reason.
func (s *Session) State() (State, FailureReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.failure
}

// Worker returns the worker currently running the session.
func (s *Session) Worker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

// Terminator returns who stopped the session, if anyone did.
func (s *Session) Terminator() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminator
}

func (s *Session) beginAttempt(workerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worker = workerID
	s.attempt++
	return s.attempt
}

type startOutcome int

const (
	startArmTimer startOutcome = iota
	startConfirmed
	startAbandoned
)

// afterStart settles the session state once the start round-trip came
// back clean. The worker's events may have raced the round-trip, so the
// session can already be on, or gone entirely.
func (s *Session) afterStart(attempt int) startOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != attempt || s.state == StateOff {
		return startAbandoned
	}
	if s.state == StateOn {
		return startConfirmed
	}
	s.state = StatePending
	return startArmTimer
}

func (s *Session) exclude(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluded[workerID] = true
}

func (s *Session) excludedSnapshot() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.excluded))
	for id := range s.excluded {
		out[id] = true
	}
	return out
}

func (s *Session) consumeRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retriesLeft <= 0 {
		return false
	}
	s.retriesLeft--
	return true
}

func (s *Session) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) update() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Update{
		SessionID: s.id,
		Room:      s.room,
		Type:      s.typ,
		State:     s.state,
		Failure:   s.failure,
	}
}

// Session manager defaults.
const (
	DefaultPendingTimeout = 30 * time.Second
	DefaultRetryBudget    = 2
)

// Config tunes the session manager. A zero PendingTimeout uses the
// default; a zero RetryBudget means no retries.
type Config struct {
	PendingTimeout time.Duration
	RetryBudget    int
}

// SessionStats counts session outcomes across the manager's lifetime.
type SessionStats struct {
	Retries  int64 `json:"retries"`
	Failures int64 `json:"failures"`
}

// Manager starts worker sessions, tracks their state machine and fails
// them over to other workers when a worker errors out or goes silent.
type Manager struct {
	pool           *Pool
	commander      Commander
	pendingTimeout time.Duration
	retryBudget    int
	onUpdate       func(Update)
	logger         *slog.Logger

	retried atomic.Int64
	failed  atomic.Int64

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager over the pool. onUpdate, when
// non-nil, is called outside all locks on every session state change.
func NewManager(pool *Pool, commander Commander, cfg Config, onUpdate func(Update), logger *slog.Logger) *Manager {
	timeout := cfg.PendingTimeout
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	return &Manager{
		pool:           pool,
		commander:      commander,
		pendingTimeout: timeout,
		retryBudget:    cfg.RetryBudget,
		onUpdate:       onUpdate,
		logger:         logger.With("subsystem", "worker-sessions"),
		sessions:       make(map[string]*Session),
	}
}

// Start creates a session and places it on a worker. On success the
// session is pending; the worker's events drive it further.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	s := &Session{
		id:               uuid.NewString(),
		typ:              req.Type,
		room:             req.Room,
		initiator:        req.Initiator,
		sipAddress:       req.SipAddress,
		streamID:         req.StreamID,
		appData:          req.AppData,
		preferredRegions: req.PreferredRegions,
		state:            StateUndefined,
		retriesLeft:      m.retryBudget,
		excluded:         make(map[string]bool),
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if serr := m.startAttempt(ctx, s); serr != nil {
		m.removeSession(s.id)
		return nil, serr
	}
	return s, nil
}

// startAttempt walks the pool until a worker accepts the session. Busy
// workers are skipped without spending the retry budget; other start
// failures consume it.
func (m *Manager) startAttempt(ctx context.Context, s *Session) *StartError {
	capability := capabilityFor(s.typ)
	sawBusy := false
	for {
		exclude := s.excludedSnapshot()
		w, ok := m.pool.SelectWorker(exclude, s.preferredRegions, capability)
		if !ok {
			if sawBusy || m.pool.EligibleCount(exclude, capability) > 0 {
				return &StartError{Kind: StartAllBusy}
			}
			return &StartError{Kind: StartNotAvailable}
		}

		attempt := s.beginAttempt(w.ID)
		m.logger.Info("starting worker session",
			"session", s.id,
			"type", s.typ,
			"room", s.room,
			"worker", w.ID,
		)
		err := m.commander.Start(ctx, w.ID, StartCommand{
			SessionID:  s.id,
			Room:       s.room,
			Type:       s.typ,
			SipAddress: s.sipAddress,
			StreamID:   s.streamID,
			AppData:    s.appData,
		})
		if err == nil {
			switch s.afterStart(attempt) {
			case startArmTimer:
				m.armPendingTimer(s, attempt)
				m.notify(s)
			case startConfirmed:
				// The worker's on event beat the round-trip; nothing
				// left to arm.
			case startAbandoned:
				// Stopped or superseded while the start was in flight;
				// release the worker again.
				m.stopWorker(w.ID, s.id)
			}
			return nil
		}

		s.exclude(w.ID)
		switch {
		case errors.Is(err, ErrBusy):
			sawBusy = true
			m.logger.Info("worker busy, trying another",
				"session", s.id,
				"worker", w.ID,
				"kind", StartOneBusy,
			)
		default:
			if !s.consumeRetry() {
				kind := StartUnexpectedResponse
				if errors.Is(err, ErrInternal) {
					kind = StartInternalError
				}
				return &StartError{Kind: kind, Msg: err.Error()}
			}
			m.retried.Add(1)
			m.logger.Warn("session start failed, retrying",
				"session", s.id,
				"worker", w.ID,
				"error", err,
			)
		}
	}
}

// HandleEvent folds an asynchronous worker notification into the session
// it names. Events from a worker no longer running the session are stale
// and dropped.
func (m *Manager) HandleEvent(workerID string, ev Event) {
	m.mu.Lock()
	s := m.sessions[ev.SessionID]
	m.mu.Unlock()
	if s == nil {
		m.logger.Debug("event for unknown session", "session", ev.SessionID, "worker", workerID)
		return
	}

	s.mu.Lock()
	if s.worker != workerID || s.state == StateOff {
		s.mu.Unlock()
		m.logger.Debug("stale worker event", "session", ev.SessionID, "worker", workerID)
		return
	}

	switch ev.Status {
	case StateOn:
		s.state = StateOn
		s.failure = FailureNone
		s.cancelTimerLocked()
		s.mu.Unlock()
		m.notify(s)

	case StatePending:
		s.mu.Unlock()

	case StateOff:
		if ev.Failure == FailureNone {
			s.state = StateOff
			s.failure = FailureNone
			s.cancelTimerLocked()
			s.mu.Unlock()
			m.removeSession(s.id)
			m.notify(s)
			return
		}
		s.excluded[workerID] = true
		s.cancelTimerLocked()
		retry := ev.ShouldRetry && s.retriesLeft > 0
		if retry {
			s.retriesLeft--
		} else {
			s.state = StateOff
			s.failure = ev.Failure
		}
		s.mu.Unlock()

		if !retry {
			m.failed.Add(1)
			m.logger.Warn("worker session failed",
				"session", s.id,
				"worker", workerID,
				"failure", ev.Failure,
			)
			m.removeSession(s.id)
			m.notify(s)
			return
		}
		m.retried.Add(1)
		m.logger.Warn("worker session failed, moving to another worker",
			"session", s.id,
			"worker", workerID,
			"failure", ev.Failure,
		)
		m.failOver(s)

	default:
		s.mu.Unlock()
		m.logger.Warn("unknown worker status", "session", s.id, "status", ev.Status)
	}
}

// Stop ends a session. Stopping an unknown or already-off session is a
// no-op.
func (m *Manager) Stop(ctx context.Context, sessionID, terminator string) error {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.state == StateOff {
		s.mu.Unlock()
		return nil
	}
	workerID := s.worker
	s.terminator = terminator
	s.state = StateOff
	s.failure = FailureNone
	s.cancelTimerLocked()
	s.mu.Unlock()

	m.removeSession(sessionID)
	var err error
	if workerID != "" {
		if err = m.commander.Stop(ctx, workerID, sessionID); err != nil {
			m.logger.Warn("stop command failed", "session", sessionID, "worker", workerID, "error", err)
		}
	}
	m.notify(s)
	return err
}

// Session returns a running session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats returns a snapshot of the session outcome counters.
func (m *Manager) Stats() SessionStats {
	return SessionStats{
		Retries:  m.retried.Load(),
		Failures: m.failed.Load(),
	}
}

// armPendingTimer schedules the pending timeout for the given attempt.
// A fired timer for a superseded attempt does nothing.
func (m *Manager) armPendingTimer(s *Session, attempt int) {
	s.mu.Lock()
	s.cancelTimerLocked()
	s.timer = time.AfterFunc(m.pendingTimeout, func() {
		m.pendingExpired(s, attempt)
	})
	s.mu.Unlock()
}

// pendingExpired handles a worker that never confirmed the session: the
// worker gets a stop, and the session takes the same failover path as an
// explicit failure.
func (m *Manager) pendingExpired(s *Session, attempt int) {
	s.mu.Lock()
	if s.state != StatePending || s.attempt != attempt {
		s.mu.Unlock()
		return
	}
	workerID := s.worker
	s.excluded[workerID] = true
	retry := s.retriesLeft > 0
	if retry {
		s.retriesLeft--
	} else {
		s.state = StateOff
		s.failure = FailureTimeout
	}
	s.mu.Unlock()

	m.logger.Warn("session stuck in pending",
		"session", s.id,
		"worker", workerID,
		"timeout", m.pendingTimeout,
	)
	m.stopWorker(workerID, s.id)

	if retry {
		m.retried.Add(1)
		m.failOver(s)
		return
	}
	m.failed.Add(1)
	m.removeSession(s.id)
	m.notify(s)
}

// failOver moves a session to a new worker after a failure. If no worker
// can take it the session ends in off(failure).
func (m *Manager) failOver(s *Session) {
	if serr := m.startAttempt(context.Background(), s); serr != nil {
		m.logger.Warn("failover exhausted", "session", s.id, "error", serr)
		s.mu.Lock()
		s.state = StateOff
		if s.failure == FailureNone {
			s.failure = FailureError
		}
		s.mu.Unlock()
		m.failed.Add(1)
		m.removeSession(s.id)
		m.notify(s)
	}
}

// stopWorker sends a best-effort stop outside any request context.
func (m *Manager) stopWorker(workerID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.commander.Stop(ctx, workerID, sessionID); err != nil {
		m.logger.Warn("stop command failed", "session", sessionID, "worker", workerID, "error", err)
	}
}

func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) notify(s *Session) {
	if m.onUpdate == nil {
		return
	}
	m.onUpdate(s.update())
}

func capabilityFor(typ SessionType) Capability {
	if typ == TypeSipCall {
		return CapabilitySip
	}
	return CapabilityAny
}
