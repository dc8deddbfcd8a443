package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/confocus/confocus/internal/conference"
	"github.com/confocus/confocus/internal/source"
	"github.com/confocus/confocus/internal/worker"
)

// Wire payloads for focus-initiated traffic.

// FeaturesResponse answers a features query.
type FeaturesResponse struct {
	Features []string `json:"features"`
}

// SessionStopCommand orders a worker to end one of its sessions.
type SessionStopCommand struct {
	SessionID string `json:"session_id"`
}

// SourceSignal carries source additions or removals to a client.
type SourceSignal struct {
	Contents []source.Content `json:"contents"`
}

// RoleSignal tells a client its new conference role.
type RoleSignal struct {
	Role conference.Role `json:"role"`
}

// MuteSignal tells a client it was muted or may unmute.
type MuteSignal struct {
	Media source.MediaType `json:"media"`
	Mute  bool             `json:"mute"`
}

// DiscoverFeatures asks a client which capabilities it supports.
func (s *Server) DiscoverFeatures(ctx context.Context, jid string) ([]string, error) {
	raw, err := s.get(ctx, jid, KindFeatures, nil)
	if err != nil {
		return nil, err
	}
	var resp FeaturesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode features response: %w", err)
	}
	return resp.Features, nil
}

// SessionInitiate sends the initial offer and waits for the client to
// accept it.
func (s *Server) SessionInitiate(ctx context.Context, jid string, offer conference.Offer) error {
	_, err := s.Request(ctx, jid, KindSessionInitiate, offer)
	return err
}

// TransportReplace sends a replacement offer after a bridge move.
func (s *Server) TransportReplace(ctx context.Context, jid string, offer conference.Offer) error {
	_, err := s.Request(ctx, jid, KindTransportReplace, offer)
	return err
}

// SourceAdd announces new peer sources to a client.
func (s *Server) SourceAdd(jid string, contents []source.Content) error {
	return s.Send(jid, KindSourceAdd, SourceSignal{Contents: contents})
}

// SourceRemove announces removed peer sources to a client.
func (s *Server) SourceRemove(jid string, contents []source.Content) error {
	return s.Send(jid, KindSourceRemove, SourceSignal{Contents: contents})
}

// SetRole tells a client its conference role changed.
func (s *Server) SetRole(jid string, role conference.Role) error {
	return s.Send(jid, KindRole, RoleSignal{Role: role})
}

// MuteParticipant tells a client it was force-muted or may speak again.
func (s *Server) MuteParticipant(jid string, media source.MediaType, muted bool) error {
	return s.Send(jid, KindMute, MuteSignal{Media: media, Mute: muted})
}

// ModerationChanged broadcasts the room's new moderation policy to every
// client connected to it.
func (s *Server) ModerationChanged(roomID string, media source.MediaType, enabled bool, whitelist []string) error {
	payload := ModerationRequest{
		Room:      roomID,
		Media:     media,
		Enabled:   enabled,
		Whitelist: whitelist,
	}
	for _, c := range s.roomConns(roomID) {
		if err := s.Send(c.jid, KindModeration, payload); err != nil {
			c.logger.Warn("moderation update dropped", "error", err)
		}
	}
	return nil
}

// Start orders a worker to open a session. Satisfies worker.Commander;
// the wire condition decides which sentinel the manager sees.
func (s *Server) Start(ctx context.Context, workerID string, cmd worker.StartCommand) error {
	_, err := s.Request(ctx, workerID, KindSessionStart, cmd)
	return mapWorkerError(err)
}

// Stop orders a worker to end a session.
func (s *Server) Stop(ctx context.Context, workerID, sessionID string) error {
	_, err := s.Request(ctx, workerID, KindSessionStop, SessionStopCommand{SessionID: sessionID})
	return mapWorkerError(err)
}

// Forward relays an opaque command to a worker and returns its answer.
// Satisfies worker.Forwarder.
func (s *Server) Forward(ctx context.Context, workerID string, payload json.RawMessage) (json.RawMessage, error) {
	return s.Request(ctx, workerID, KindDial, payload)
}

// mapWorkerError turns wire conditions into the sentinels the worker
// manager distinguishes.
func mapWorkerError(err error) error {
	if err == nil {
		return nil
	}
	var ce *ConditionErr
	if errors.As(err, &ce) {
		switch ce.Cond {
		case ConditionResourceConstraint:
			return fmt.Errorf("%w: %s", worker.ErrBusy, ce.Text)
		case ConditionInternalServerError:
			return fmt.Errorf("%w: %s", worker.ErrInternal, ce.Text)
		}
	}
	return err
}
