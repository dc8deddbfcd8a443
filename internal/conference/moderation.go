package conference

import (
	"sort"
	"sync"

	"github.com/confocus/confocus/internal/source"
)

// moderationState holds the per-media A/V moderation switches and the
// jids exempt from them.
type moderationState struct {
	mu        sync.Mutex
	enabled   map[source.MediaType]bool
	whitelist map[source.MediaType]map[string]bool
}

func newModerationState() *moderationState {
	return &moderationState{
		enabled:   make(map[source.MediaType]bool),
		whitelist: make(map[source.MediaType]map[string]bool),
	}
}

// setEnabled flips moderation for a media type and reports whether this
// was a false to true transition, which triggers the mass mute.
func (m *moderationState) setEnabled(media source.MediaType, on bool) (turnedOn bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turnedOn = on && !m.enabled[media]
	m.enabled[media] = on
	return turnedOn
}

func (m *moderationState) isEnabled(media source.MediaType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[media]
}

func (m *moderationState) setWhitelist(media source.MediaType, jids []string) {
	set := make(map[string]bool, len(jids))
	for _, jid := range jids {
		set[jid] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whitelist[media] = set
}

func (m *moderationState) isWhitelisted(media source.MediaType, jid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.whitelist[media][jid]
}

// snapshot returns the enabled flags and whitelists for debug output.
func (m *moderationState) snapshot() map[source.MediaType]ModerationInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[source.MediaType]ModerationInfo, len(m.enabled))
	for media, on := range m.enabled {
		info := ModerationInfo{Enabled: on}
		for jid := range m.whitelist[media] {
			info.Whitelist = append(info.Whitelist, jid)
		}
		sort.Strings(info.Whitelist)
		out[media] = info
	}
	return out
}

// ModerationInfo is the debug view of one media type's moderation state.
type ModerationInfo struct {
	Enabled   bool     `json:"enabled"`
	Whitelist []string `json:"whitelist,omitempty"`
}
