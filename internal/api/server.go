// Package api is the admin and operations surface of the focus: health
// and stats endpoints, conference debug dumps, the graceful shutdown
// trigger and the metrics scrape handler.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/confocus/confocus/internal/bridge"
	"github.com/confocus/confocus/internal/conference"
	"github.com/confocus/confocus/internal/worker"
)

// ConferenceDirectory is the focus supervisor as the admin API sees it.
type ConferenceDirectory interface {
	Conferences() []*conference.Conference
	Get(room string) (*conference.Conference, bool)
	Count() int
	ShuttingDown() bool
	StartedAt() time.Time
}

// BridgeDirectory lists the registered bridges.
type BridgeDirectory interface {
	All() []bridge.Bridge
	Count() int
	OperationalCount() int
	LostCount() int64
}

// SessionCounter counts live worker sessions.
type SessionCounter interface {
	Count() int
}

// AuthDirectory counts open authentication sessions.
type AuthDirectory interface {
	SessionCount() int
}

// DialStatsProvider exposes the dial-out counters.
type DialStatsProvider interface {
	Stats() worker.DialStats
}

// Deps are the server's collaborators. Recording, Dial, Auth, Metrics
// and Shutdown may be nil; the matching endpoints or response fields
// then drop out.
type Deps struct {
	Conferences ConferenceDirectory
	Bridges     BridgeDirectory
	Pools       map[string]*worker.Pool
	Recording   SessionCounter
	Dial        DialStatsProvider
	Auth        AuthDirectory
	Metrics     http.Handler
	Shutdown    func()
}

// Server holds the admin HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
}

// NewServer creates the admin HTTP handler with all routes mounted.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger.With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures the middleware stack and mounts all endpoints.
func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/conferences", s.handleConferences)
		r.Get("/conferences/{room}", s.handleConferenceDebug)
	})
	r.Post("/shutdown/graceful", s.handleShutdown)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
}

// healthResponse is the shape returned by GET /health.
type healthResponse struct {
	Status             string `json:"status"`
	Bridges            int    `json:"bridges"`
	OperationalBridges int    `json:"operational_bridges"`
	ShuttingDown       bool   `json:"shutting_down"`
}

// handleHealth reports whether the focus can place a conference right
// now: it needs at least one operational bridge and must not be
// draining.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Bridges:            s.deps.Bridges.Count(),
		OperationalBridges: s.deps.Bridges.OperationalCount(),
		ShuttingDown:       s.deps.Conferences.ShuttingDown(),
	}
	status := http.StatusOK
	switch {
	case resp.ShuttingDown:
		resp.Status = "shutting down"
		status = http.StatusServiceUnavailable
	case resp.OperationalBridges == 0:
		resp.Status = "no operational bridges"
		status = http.StatusServiceUnavailable
	default:
		resp.Status = "ok"
	}
	writeJSON(w, status, resp)
}

// statsResponse is the shape returned by GET /stats.
type statsResponse struct {
	Conferences       int                          `json:"conferences"`
	Participants      int                          `json:"participants"`
	LargestConference int                          `json:"largest_conference"`
	ShuttingDown      bool                         `json:"shutting_down"`
	Bridges           bridgeStatsResponse          `json:"bridges"`
	Pools             map[string]poolStatsResponse `json:"pools,omitempty"`
	RecordingSessions int                          `json:"recording_sessions"`
	AuthSessions      int                          `json:"auth_sessions"`
	DialOut           *worker.DialStats            `json:"dial_out,omitempty"`
	Uptime            uptimeResponse               `json:"uptime"`
}

type bridgeStatsResponse struct {
	Count       int   `json:"count"`
	Operational int   `json:"operational"`
	Lost        int64 `json:"lost"`
}

type poolStatsResponse struct {
	Workers   int `json:"workers"`
	Available int `json:"available"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleStats returns the aggregate counters the dashboards poll.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		ShuttingDown: s.deps.Conferences.ShuttingDown(),
		Bridges: bridgeStatsResponse{
			Count:       s.deps.Bridges.Count(),
			Operational: s.deps.Bridges.OperationalCount(),
			Lost:        s.deps.Bridges.LostCount(),
		},
	}
	for _, c := range s.deps.Conferences.Conferences() {
		n := c.ParticipantCount()
		resp.Conferences++
		resp.Participants += n
		if n > resp.LargestConference {
			resp.LargestConference = n
		}
	}
	if len(s.deps.Pools) > 0 {
		resp.Pools = make(map[string]poolStatsResponse, len(s.deps.Pools))
		for name, pool := range s.deps.Pools {
			st := poolStatsResponse{Workers: pool.Count()}
			for _, wk := range pool.Workers() {
				if !wk.Busy && !wk.ShuttingDown() {
					st.Available++
				}
			}
			resp.Pools[name] = st
		}
	}
	if s.deps.Recording != nil {
		resp.RecordingSessions = s.deps.Recording.Count()
	}
	if s.deps.Auth != nil {
		resp.AuthSessions = s.deps.Auth.SessionCount()
	}
	if s.deps.Dial != nil {
		ds := s.deps.Dial.Stats()
		resp.DialOut = &ds
	}

	started := s.deps.Conferences.StartedAt()
	up := time.Since(started)
	resp.Uptime = uptimeResponse{
		StartedAt:  started.Format(time.RFC3339),
		UptimeSec:  int64(up.Seconds()),
		UptimeText: formatUptime(up),
	}

	writeJSON(w, http.StatusOK, resp)
}

// conferenceSummary is one row of GET /debug/conferences.
type conferenceSummary struct {
	Room         string           `json:"room"`
	MeetingID    string           `json:"meeting_id"`
	State        conference.State `json:"state"`
	Participants int              `json:"participants"`
	Bridges      int              `json:"bridges"`
	CreatedAt    string           `json:"created_at"`
}

func (s *Server) handleConferences(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Conferences.Conferences()
	summaries := make([]conferenceSummary, len(list))
	for i, c := range list {
		summaries[i] = conferenceSummary{
			Room:         c.RoomID(),
			MeetingID:    c.MeetingID(),
			State:        c.State(),
			Participants: c.ParticipantCount(),
			Bridges:      c.BridgeCount(),
			CreatedAt:    c.CreatedAt().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleConferenceDebug(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if unescaped, err := url.PathUnescape(room); err == nil {
		room = unescaped
	}
	c, ok := s.deps.Conferences.Get(room)
	if !ok {
		writeError(w, http.StatusNotFound, "no conference for room "+room)
		return
	}
	writeJSON(w, http.StatusOK, c.Debug())
}

// handleShutdown starts a graceful shutdown: the focus stops taking new
// conferences and exits once the running ones end. Repeating the call
// is harmless.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.deps.Shutdown == nil {
		writeError(w, http.StatusServiceUnavailable, "shutdown is not wired")
		return
	}
	s.logger.Info("graceful shutdown requested", "remote", r.RemoteAddr)
	s.deps.Shutdown()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "draining",
		"conferences": s.deps.Conferences.Count(),
	})
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
