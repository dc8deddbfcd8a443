// Package auth implements the external-login authority. It hands out
// login URLs carrying a signed state token, verifies the tokens the
// login service issues in return, and keeps the resulting
// authentication sessions so the rest of the focus can ask "who is
// this machine" without ever touching credentials.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	// DefaultSessionTTL is how long an authentication session stays
	// valid without a refresh.
	DefaultSessionTTL = 24 * time.Hour

	// stateTokenTTL bounds how long a login attempt may take.
	stateTokenTTL = 5 * time.Minute
)

var (
	ErrNoSuchSession = errors.New("auth: no such session")
	ErrTokenInvalid  = errors.New("auth: token invalid")
)

// Config wires the authority to the external login service.
type Config struct {
	// LoginURL is the external login page. The authority appends the
	// machine uid, room, popup flag and a signed state parameter.
	LoginURL string

	// LogoutURL, when set, is handed to clients after a logout so
	// they can end the upstream session too.
	LogoutURL string

	// Secret signs state tokens and verifies the tokens the login
	// service issues.
	Secret []byte

	// SessionTTL overrides DefaultSessionTTL when positive.
	SessionTTL time.Duration
}

// Session is one authenticated machine. Identity is the upstream
// login, shared by every session the same user opens.
type Session struct {
	ID         string    `json:"id"`
	MachineUID string    `json:"machine_uid"`
	Identity   string    `json:"identity"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// StateClaims bind a login attempt to the machine and room it was
// started for. The login service verifies them before issuing a token.
type StateClaims struct {
	MachineUID string `json:"machine_uid"`
	Room       string `json:"room"`
	jwt.RegisteredClaims
}

// TokenClaims is what the login service signs once the user is logged
// in.
type TokenClaims struct {
	Identity   string `json:"identity"`
	MachineUID string `json:"machine_uid"`
	Room       string `json:"room,omitempty"`
	jwt.RegisteredClaims
}

// Authority issues login URLs and tracks authentication sessions.
type Authority struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	byMachine map[string]string
}

func NewAuthority(cfg Config, logger *slog.Logger) (*Authority, error) {
	if cfg.LoginURL == "" {
		return nil, errors.New("auth: login url is required")
	}
	if _, err := url.Parse(cfg.LoginURL); err != nil {
		return nil, fmt.Errorf("auth: login url: %w", err)
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: secret is required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	return &Authority{
		cfg:       cfg,
		logger:    logger.With("subsystem", "auth"),
		sessions:  make(map[string]*Session),
		byMachine: make(map[string]string),
	}, nil
}

// CreateLoginURL builds the URL a client is sent to for external
// login. The state parameter is a short-lived signed token the login
// service checks before it issues a token of its own.
func (a *Authority) CreateLoginURL(machineUID, peer, room string, popup bool) string {
	now := time.Now()
	claims := StateClaims{
		MachineUID: machineUID,
		Room:       room,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTokenTTL)),
			Issuer:    "confocus",
			Subject:   peer,
		},
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
	if err != nil {
		a.logger.Error("signing login state", "error", err)
		return ""
	}

	u, err := url.Parse(a.cfg.LoginURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("machine_uid", machineUID)
	q.Set("room", room)
	q.Set("state", state)
	if popup {
		q.Set("popup", strconv.FormatBool(popup))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Authenticate verifies a token from the login service and opens or
// refreshes the session for its machine uid. It returns the session id
// the client presents from now on and the authenticated identity.
func (a *Authority) Authenticate(tokenString string) (sessionID, identity string, err error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.cfg.Secret, nil
	})
	if err != nil || !token.Valid {
		a.logger.Debug("rejected auth token", "error", err)
		return "", "", ErrTokenInvalid
	}
	if claims.Identity == "" || claims.MachineUID == "" {
		return "", "", fmt.Errorf("%w: identity and machine_uid claims are required", ErrTokenInvalid)
	}

	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if sid, ok := a.byMachine[claims.MachineUID]; ok {
		if s := a.sessions[sid]; s != nil && s.Identity == claims.Identity && now.Before(s.ExpiresAt) {
			s.ExpiresAt = now.Add(a.cfg.SessionTTL)
			return s.ID, s.Identity, nil
		}
		delete(a.sessions, sid)
	}
	s := &Session{
		ID:         uuid.NewString(),
		MachineUID: claims.MachineUID,
		Identity:   claims.Identity,
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.cfg.SessionTTL),
	}
	a.sessions[s.ID] = s
	a.byMachine[s.MachineUID] = s.ID
	a.logger.Info("session opened", "identity", s.Identity, "machine_uid", s.MachineUID)
	return s.ID, s.Identity, nil
}

// SessionIdentity resolves a session id to its identity. Expired
// sessions are dropped on lookup.
func (a *Authority) SessionIdentity(sessionID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return "", false
	}
	if !time.Now().Before(s.ExpiresAt) {
		a.removeLocked(s)
		return "", false
	}
	return s.Identity, true
}

// ProcessLogout ends a session and returns the upstream logout URL
// when one is configured.
func (a *Authority) ProcessLogout(sessionID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return "", ErrNoSuchSession
	}
	a.removeLocked(s)
	a.logger.Info("session closed", "identity", s.Identity, "machine_uid", s.MachineUID)
	return a.cfg.LogoutURL, nil
}

// Prune drops expired sessions and returns how many were removed.
// Meant to run periodically; lookups also expire lazily.
func (a *Authority) Prune() int {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for _, s := range a.sessions {
		if !now.Before(s.ExpiresAt) {
			a.removeLocked(s)
			removed++
		}
	}
	if removed > 0 {
		a.logger.Debug("pruned sessions", "removed", removed)
	}
	return removed
}

// SessionCount reports the live sessions, for stats.
func (a *Authority) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Sessions returns a snapshot of the live sessions, for debug output.
func (a *Authority) Sessions() []Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, *s)
	}
	return out
}

func (a *Authority) removeLocked(s *Session) {
	delete(a.sessions, s.ID)
	if a.byMachine[s.MachineUID] == s.ID {
		delete(a.byMachine, s.MachineUID)
	}
}
