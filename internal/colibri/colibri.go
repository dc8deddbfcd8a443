// Package colibri speaks the channel allocation protocol to the media
// bridges. A Client carries single requests; a SessionManager aggregates
// the per-bridge sessions of one conference, fans source updates out to
// them and keeps the relay mesh between bridges up to date.
package colibri

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/confocus/confocus/internal/source"
)

// DefaultRequestTimeout bounds a single bridge round-trip. A bridge that
// does not answer within it is treated as failed.
const DefaultRequestTimeout = 15 * time.Second

// Transport carries the ICE/DTLS parameters of one side of a channel.
type Transport struct {
	ICEUfrag    string      `json:"ufrag,omitempty"`
	ICEPwd      string      `json:"pwd,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	FingerHash  string      `json:"hash,omitempty"`
	Candidates  []Candidate `json:"candidates,omitempty"`
	RTCPMux     bool        `json:"rtcp_mux,omitempty"`
}

// Candidate is one ICE candidate.
type Candidate struct {
	Foundation string `json:"foundation"`
	Component  int    `json:"component"`
	Protocol   string `json:"protocol"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
}

// Sctp describes a WebRTC data channel allocation.
type Sctp struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Streams  int    `json:"streams"`
}

// DefaultSctp is the data channel offered to every endpoint that wants one.
var DefaultSctp = Sctp{Port: 5000, Protocol: "WebRtcChannel", Streams: 1024}

// AllocationRequest asks a bridge for channels for one endpoint.
type AllocationRequest struct {
	// ConferenceID names the conference on the bridge.
	ConferenceID string `json:"conference"`

	// Create is set on the first allocation, telling the bridge to set
	// the conference up.
	Create bool `json:"create,omitempty"`

	EndpointID string `json:"endpoint"`
	StatsID    string `json:"stats_id,omitempty"`

	// Contents carries the endpoint's media descriptions and sources.
	Contents []source.Content `json:"contents,omitempty"`

	// Relays seeds the bridge's relay set when the conference already
	// spans multiple bridges.
	Relays []string `json:"relays,omitempty"`

	// UseSctp requests a data channel alongside the media channels.
	UseSctp bool `json:"sctp,omitempty"`
}

// AllocationResponse is the bridge's answer: its transport parameters and
// its own feedback sources, to be merged into the endpoint's offer.
type AllocationResponse struct {
	Sources   []source.Content `json:"sources,omitempty"`
	Transport Transport        `json:"transport"`
	Sctp      *Sctp            `json:"sctp,omitempty"`
}

// UpdateRequest pushes new state for an existing allocation. Exactly one
// of EndpointID and RelayID names the target; a request with neither
// updates conference-level state such as the relay set.
type UpdateRequest struct {
	ConferenceID string `json:"conference"`

	EndpointID string `json:"endpoint,omitempty"`
	RelayID    string `json:"relay,omitempty"`

	Contents       []source.Content `json:"contents,omitempty"`
	RemovedSources []source.Content `json:"removed_sources,omitempty"`
	Transport      *Transport       `json:"transport,omitempty"`
	Relays         []string         `json:"relays,omitempty"`
}

// ExpireRequest releases an endpoint's channels, or the whole conference
// when EndpointIDs is empty.
type ExpireRequest struct {
	ConferenceID string   `json:"conference"`
	EndpointIDs  []string `json:"endpoints,omitempty"`
}

// Client is a single-request view of the bridge protocol. Implementations
// return *Error for protocol-level failures so callers can apply the fault
// policy per kind.
type Client interface {
	Allocate(ctx context.Context, bridgeID string, req AllocationRequest) (*AllocationResponse, error)
	Update(ctx context.Context, bridgeID string, req UpdateRequest) error
	Expire(ctx context.Context, bridgeID string, req ExpireRequest) error
}

// RequestSender carries one request stanza to a bridge and returns the
// response payload. It is implemented by the signaling transport.
type RequestSender interface {
	Request(ctx context.Context, to, kind string, payload any) (json.RawMessage, error)
}

// ConditionError is implemented by signaling errors that carry a wire
// error condition, letting the client map them onto the bridge error
// taxonomy without depending on the transport package.
type ConditionError interface {
	error
	Condition() string
}

// Request kinds understood by the bridges.
const (
	requestAllocate = "colibri-allocate"
	requestUpdate   = "colibri-update"
	requestExpire   = "colibri-expire"
)

// Wire error conditions mapped onto the bridge error taxonomy.
const (
	conditionItemNotFound = "item-not-found"
	conditionBadRequest   = "bad-request"
)

type stanzaClient struct {
	sender  RequestSender
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient builds a Client over the signaling transport. A timeout of
// zero uses the default.
func NewClient(sender RequestSender, timeout time.Duration, logger *slog.Logger) Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &stanzaClient{
		sender:  sender,
		timeout: timeout,
		logger:  logger.With("subsystem", "colibri-client"),
	}
}

func (c *stanzaClient) Allocate(ctx context.Context, bridgeID string, req AllocationRequest) (*AllocationResponse, error) {
	raw, err := c.request(ctx, bridgeID, requestAllocate, req)
	if err != nil {
		return nil, err
	}
	var resp AllocationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{Kind: KindWrongResponseType, Bridge: bridgeID, Msg: err.Error()}
	}
	return &resp, nil
}

func (c *stanzaClient) Update(ctx context.Context, bridgeID string, req UpdateRequest) error {
	_, err := c.request(ctx, bridgeID, requestUpdate, req)
	return err
}

func (c *stanzaClient) Expire(ctx context.Context, bridgeID string, req ExpireRequest) error {
	_, err := c.request(ctx, bridgeID, requestExpire, req)
	return err
}

// request performs one round-trip and normalizes transport failures into
// the bridge error taxonomy.
func (c *stanzaClient) request(ctx context.Context, bridgeID, kind string, payload any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	raw, err := c.sender.Request(ctx, bridgeID, kind, payload)
	if err != nil {
		c.logger.Warn("bridge request failed",
			"bridge", bridgeID,
			"kind", kind,
			"elapsed", time.Since(start),
			"error", err,
		)
		return nil, mapSendError(bridgeID, err)
	}
	return raw, nil
}

// mapSendError classifies a transport error into a bridge *Error.
func mapSendError(bridgeID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Bridge: bridgeID, Msg: "request timed out"}
	}
	var cond ConditionError
	if errors.As(err, &cond) {
		switch cond.Condition() {
		case conditionItemNotFound:
			return &Error{Kind: KindConferenceNotFound, Bridge: bridgeID, Msg: err.Error()}
		case conditionBadRequest:
			return &Error{Kind: KindBadRequest, Bridge: bridgeID, Msg: err.Error()}
		}
	}
	return &Error{Kind: KindGeneric, Bridge: bridgeID, Msg: err.Error()}
}

// String returns a short log form of the transport.
func (t Transport) String() string {
	return fmt.Sprintf("transport[candidates=%d mux=%v]", len(t.Candidates), t.RTCPMux)
}
