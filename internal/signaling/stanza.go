// Package signaling carries the focus protocol: JSON stanzas over
// websocket connections from clients, bridges and workers. Requests are
// routed by the dispatcher; presence folds into the bridge registry,
// the worker pools and conference membership.
package signaling

import (
	"encoding/json"
	"fmt"
)

// StanzaType is the request/response discriminator. get and set expect
// a result or error with the same id; result and error answer them.
type StanzaType string

const (
	TypeGet    StanzaType = "get"
	TypeSet    StanzaType = "set"
	TypeResult StanzaType = "result"
	TypeError  StanzaType = "error"
)

// Request kinds understood by the dispatcher.
const (
	KindConference = "conference-request"
	KindMute       = "mute"
	KindDialOut    = "dial-out"
	KindModeration = "av-moderation"
	KindLoginURL   = "login-url"
	KindLogout     = "logout"
)

// Kinds of server-initiated traffic and presence.
const (
	KindPresence         = "presence"
	KindPresenceLeave    = "presence-leave"
	KindFeatures         = "features"
	KindSessionInitiate  = "session-initiate"
	KindTransportReplace = "transport-replace"
	KindTransportInfo    = "transport-info"
	KindSourceAdd        = "source-add"
	KindSourceRemove     = "source-remove"
	KindRole             = "role"
	KindDialStatus       = "dial-status"
	KindSessionStatus    = "session-status"
	KindSessionUpdate    = "session-update"
	KindSessionStart     = "session-start"
	KindSessionStop      = "session-stop"
	KindDial             = "dial"
)

// Condition is the wire error condition carried by error stanzas.
type Condition string

const (
	ConditionBadRequest          Condition = "bad-request"
	ConditionItemNotFound        Condition = "item-not-found"
	ConditionForbidden           Condition = "forbidden"
	ConditionNotAuthorized       Condition = "not-authorized"
	ConditionNotAcceptable       Condition = "not-acceptable"
	ConditionServiceUnavailable  Condition = "service-unavailable"
	ConditionRemoteServerTimeout Condition = "remote-server-timeout"
	ConditionResourceConstraint  Condition = "resource-constraint"
	ConditionInternalServerError Condition = "internal-server-error"
	ConditionUndefined           Condition = "undefined-condition"
)

// Stanza is one signaling message. ID correlates a get or set with its
// result or error. Kind names the payload for get/set; responses leave
// it empty.
type Stanza struct {
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Type    StanzaType      `json:"type"`
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *StanzaError    `json:"error,omitempty"`
}

// StanzaError is the error body of an error stanza.
type StanzaError struct {
	Condition Condition `json:"condition"`
	Text      string    `json:"text,omitempty"`
}

// IsRequest reports whether the stanza expects a response.
func (s *Stanza) IsRequest() bool {
	return s.Type == TypeGet || s.Type == TypeSet
}

// Result builds the success response to a request, carrying payload
// when non-nil.
func (s *Stanza) Result(payload any) *Stanza {
	resp := &Stanza{To: s.From, Type: TypeResult, ID: s.ID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return s.Fail(ConditionInternalServerError, "encoding response: "+err.Error())
		}
		resp.Payload = raw
	}
	return resp
}

// Fail builds the error response to a request.
func (s *Stanza) Fail(cond Condition, text string) *Stanza {
	return &Stanza{
		To:    s.From,
		Type:  TypeError,
		ID:    s.ID,
		Error: &StanzaError{Condition: cond, Text: text},
	}
}

// ConditionErr is an error carrying a wire condition. The colibri client
// and the dispatcher map it onto their own taxonomies.
type ConditionErr struct {
	Cond Condition
	Text string
}

func (e *ConditionErr) Error() string {
	if e.Text == "" {
		return string(e.Cond)
	}
	return fmt.Sprintf("%s: %s", e.Cond, e.Text)
}

// Condition returns the wire condition as a string.
func (e *ConditionErr) Condition() string { return string(e.Cond) }

// conditionError converts a StanzaError into a ConditionErr.
func conditionError(se *StanzaError) *ConditionErr {
	if se == nil {
		return &ConditionErr{Cond: ConditionUndefined}
	}
	return &ConditionErr{Cond: se.Condition, Text: se.Text}
}
