package colibri

import "fmt"

// ErrorKind classifies a failed bridge round-trip.
type ErrorKind string

const (
	// KindConferenceNotFound means the bridge no longer knows the
	// conference, typically because it expired it. The bridge itself is
	// healthy.
	KindConferenceNotFound ErrorKind = "conference-not-found"

	// KindBadRequest means the bridge rejected the request as malformed.
	// Retrying the same request cannot succeed.
	KindBadRequest ErrorKind = "bad-request"

	// KindTimeout means the bridge did not answer in time.
	KindTimeout ErrorKind = "timeout"

	// KindWrongResponseType means the bridge answered with a payload
	// that does not decode as the expected response.
	KindWrongResponseType ErrorKind = "wrong-response-type"

	// KindGeneric covers every other bridge-side failure.
	KindGeneric ErrorKind = "generic-colibri"
)

// Error is a failed bridge round-trip. Kind decides whether the bridge
// should be considered broken.
type Error struct {
	Kind   ErrorKind
	Bridge string
	Msg    string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("colibri: %s (bridge %s)", e.Kind, e.Bridge)
	}
	return fmt.Sprintf("colibri: %s (bridge %s): %s", e.Kind, e.Bridge, e.Msg)
}

// Faulty reports whether this failure means the bridge itself is broken.
// conference-not-found and bad-request are request-level conditions a
// healthy bridge produces.
func (e *Error) Faulty() bool {
	return e.Kind != KindConferenceNotFound && e.Kind != KindBadRequest
}

// AllocationKind classifies a failed channel allocation as surfaced to
// the conference.
type AllocationKind string

const (
	// AllocSelectionFailed means no usable bridge exists.
	AllocSelectionFailed AllocationKind = "bridge-selection-failed"

	// AllocBridgeFailed means the chosen bridge failed the allocation;
	// affected participants should be re-invited on a different bridge.
	AllocBridgeFailed AllocationKind = "bridge-failed"

	// AllocConferenceDisposed means the session manager was already
	// expired when the allocation arrived.
	AllocConferenceDisposed AllocationKind = "colibri-conference-disposed"

	// AllocConferenceExpired means the bridge forgot the conference; the
	// whole conference must be re-invited.
	AllocConferenceExpired AllocationKind = "colibri-conference-expired"

	// AllocParsing means the bridge's response could not be understood.
	AllocParsing AllocationKind = "colibri-parsing"

	// AllocBadRequest means the bridge rejected the allocation request
	// and a retry cannot help.
	AllocBadRequest AllocationKind = "bad-request"
)

// AllocationError is returned by SessionManager.Allocate. RestartConference
// tells the conference that re-inviting the single participant is not
// enough and every participant must be moved.
type AllocationError struct {
	Kind              AllocationKind
	Bridge            string
	RestartConference bool
	Msg               string
}

func (e *AllocationError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("allocation: %s (bridge %s)", e.Kind, e.Bridge)
	}
	return fmt.Sprintf("allocation: %s (bridge %s): %s", e.Kind, e.Bridge, e.Msg)
}
