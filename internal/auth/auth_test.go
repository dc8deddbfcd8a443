package auth

import (
	"errors"
	"log/slog"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

var testSecret = []byte("test-secret")

func newTestAuthority(t *testing.T, cfg Config) *Authority {
	t.Helper()
	if cfg.LoginURL == "" {
		cfg.LoginURL = "https://login.example/authenticate"
	}
	if cfg.Secret == nil {
		cfg.Secret = testSecret
	}
	a, err := NewAuthority(cfg, testLogger)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	return a
}

func signToken(t *testing.T, secret []byte, claims TokenClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func loginToken(t *testing.T, identity, machineUID string) string {
	t.Helper()
	return signToken(t, testSecret, TokenClaims{
		Identity:   identity,
		MachineUID: machineUID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
}

func TestNewAuthorityValidation(t *testing.T) {
	if _, err := NewAuthority(Config{Secret: testSecret}, testLogger); err == nil {
		t.Error("no error without a login url")
	}
	if _, err := NewAuthority(Config{LoginURL: "://bad", Secret: testSecret}, testLogger); err == nil {
		t.Error("no error for an unparseable login url")
	}
	if _, err := NewAuthority(Config{LoginURL: "https://login.example"}, testLogger); err == nil {
		t.Error("no error without a secret")
	}
}

func TestCreateLoginURL(t *testing.T) {
	a := newTestAuthority(t, Config{})

	raw := a.CreateLoginURL("machine-1", "user@example.com/web", "room1@conference.example", true)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse login url: %v", err)
	}
	if u.Host != "login.example" || u.Path != "/authenticate" {
		t.Errorf("url = %s, want the configured login page", raw)
	}
	q := u.Query()
	if got := q.Get("machine_uid"); got != "machine-1" {
		t.Errorf("machine_uid = %q, want machine-1", got)
	}
	if got := q.Get("room"); got != "room1@conference.example" {
		t.Errorf("room = %q, want the room", got)
	}
	if got := q.Get("popup"); got != "true" {
		t.Errorf("popup = %q, want true", got)
	}

	claims := &StateClaims{}
	token, err := jwt.ParseWithClaims(q.Get("state"), claims, func(*jwt.Token) (any, error) {
		return testSecret, nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("state token invalid: %v", err)
	}
	if claims.MachineUID != "machine-1" || claims.Room != "room1@conference.example" {
		t.Errorf("state claims = %+v, want the request bound in", claims)
	}
	if claims.Subject != "user@example.com/web" {
		t.Errorf("state subject = %q, want the peer", claims.Subject)
	}

	// Without popup the parameter is absent.
	plain := a.CreateLoginURL("machine-1", "user@example.com/web", "room1@conference.example", false)
	u, err = url.Parse(plain)
	if err != nil {
		t.Fatalf("parse login url: %v", err)
	}
	if u.Query().Has("popup") {
		t.Error("popup parameter present on a non-popup login")
	}
}

func TestAuthenticate(t *testing.T) {
	a := newTestAuthority(t, Config{})

	sid, identity, err := a.Authenticate(loginToken(t, "alice@login.example", "machine-1"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity != "alice@login.example" {
		t.Errorf("identity = %q, want alice@login.example", identity)
	}
	if got, ok := a.SessionIdentity(sid); !ok || got != identity {
		t.Errorf("SessionIdentity = %q, %v, want the opened session", got, ok)
	}

	// The same machine logging in again keeps its session.
	sid2, _, err := a.Authenticate(loginToken(t, "alice@login.example", "machine-1"))
	if err != nil {
		t.Fatalf("Authenticate again: %v", err)
	}
	if sid2 != sid {
		t.Errorf("re-login opened session %s, want %s kept", sid2, sid)
	}
	if got := a.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}

	// A different user on the same machine displaces the session.
	sid3, identity3, err := a.Authenticate(loginToken(t, "bob@login.example", "machine-1"))
	if err != nil {
		t.Fatalf("Authenticate as bob: %v", err)
	}
	if sid3 == sid || identity3 != "bob@login.example" {
		t.Errorf("got session %s for %s, want a fresh session for bob", sid3, identity3)
	}
	if _, ok := a.SessionIdentity(sid); ok {
		t.Error("displaced session still resolves")
	}
}

func TestAuthenticateRejects(t *testing.T) {
	a := newTestAuthority(t, Config{})

	expired := signToken(t, testSecret, TokenClaims{
		Identity:   "alice@login.example",
		MachineUID: "machine-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", signToken(t, []byte("other-secret"), TokenClaims{Identity: "a", MachineUID: "m"})},
		{"expired", expired},
		{"no identity", signToken(t, testSecret, TokenClaims{MachineUID: "machine-1"})},
		{"no machine uid", signToken(t, testSecret, TokenClaims{Identity: "alice@login.example"})},
	}
	for _, tt := range tests {
		if _, _, err := a.Authenticate(tt.token); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("%s: err = %v, want ErrTokenInvalid", tt.name, err)
		}
	}
	if got := a.SessionCount(); got != 0 {
		t.Errorf("SessionCount = %d after rejected logins, want 0", got)
	}
}

func TestProcessLogout(t *testing.T) {
	a := newTestAuthority(t, Config{LogoutURL: "https://login.example/logout"})

	sid, _, err := a.Authenticate(loginToken(t, "alice@login.example", "machine-1"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	logoutURL, err := a.ProcessLogout(sid)
	if err != nil {
		t.Fatalf("ProcessLogout: %v", err)
	}
	if logoutURL != "https://login.example/logout" {
		t.Errorf("logout url = %q, want the configured one", logoutURL)
	}
	if _, ok := a.SessionIdentity(sid); ok {
		t.Error("session still resolves after logout")
	}

	if _, err := a.ProcessLogout(sid); !errors.Is(err, ErrNoSuchSession) {
		t.Errorf("second logout err = %v, want ErrNoSuchSession", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	a := newTestAuthority(t, Config{SessionTTL: 5 * time.Millisecond})

	sid, _, err := a.Authenticate(loginToken(t, "alice@login.example", "machine-1"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := a.SessionIdentity(sid); ok {
		t.Error("expired session still resolves")
	}
	if got := a.SessionCount(); got != 0 {
		t.Errorf("SessionCount = %d after lazy expiry, want 0", got)
	}
}

func TestPrune(t *testing.T) {
	a := newTestAuthority(t, Config{SessionTTL: 5 * time.Millisecond})

	for _, m := range []string{"machine-1", "machine-2"} {
		if _, _, err := a.Authenticate(loginToken(t, "alice@login.example", m)); err != nil {
			t.Fatalf("Authenticate(%s): %v", m, err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if got := a.Prune(); got != 2 {
		t.Errorf("Prune = %d, want 2", got)
	}
	if got := a.SessionCount(); got != 0 {
		t.Errorf("SessionCount = %d after prune, want 0", got)
	}

	live := newTestAuthority(t, Config{})
	if _, _, err := live.Authenticate(loginToken(t, "alice@login.example", "machine-1")); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got := live.Prune(); got != 0 {
		t.Errorf("Prune = %d on a live session, want 0", got)
	}
}
