// Package worker maintains the pools of external workers that record,
// stream or SIP-bridge conferences, and runs the sessions placed on them.
// Workers announce themselves on a presence channel; a missing status key
// means the zero value, so every update replaces the previous state.
package worker

import "fmt"

// Capability is a feature a worker must support to serve a request. The
// empty capability matches any worker, which is how homogeneous pools
// (recorders) are selected from.
type Capability string

const (
	CapabilityAny           Capability = ""
	CapabilitySip           Capability = "sip"
	CapabilityTranscription Capability = "transcription"
)

// Status is one presence update from a worker. Updates are complete
// replacements: a key the worker stopped publishing falls back to the
// zero value.
type Status struct {
	Region                string  `json:"region,omitempty"`
	Version               string  `json:"version,omitempty"`
	Stress                float64 `json:"stress,omitempty"`
	SupportsSip           bool    `json:"supports_sip,omitempty"`
	SupportsTranscription bool    `json:"supports_transcription,omitempty"`
	GracefulShutdown      bool    `json:"graceful_shutdown,omitempty"`
	Drain                 bool    `json:"drain,omitempty"`
	Busy                  bool    `json:"busy,omitempty"`
	Participants          int     `json:"participants,omitempty"`
}

// Worker is a point-in-time view of one worker.
type Worker struct {
	ID string
	Status
}

// Has reports whether the worker offers the capability.
func (w Worker) Has(c Capability) bool {
	switch c {
	case CapabilityAny:
		return true
	case CapabilitySip:
		return w.SupportsSip
	case CapabilityTranscription:
		return w.SupportsTranscription
	default:
		return false
	}
}

// ShuttingDown reports whether the worker refuses new sessions.
func (w Worker) ShuttingDown() bool {
	return w.GracefulShutdown || w.Drain
}

// String returns a short log form.
func (w Worker) String() string {
	return fmt.Sprintf("%s[region=%s participants=%d]", w.ID, w.Region, w.Participants)
}
