package source

import (
	"sort"
	"sync"
)

// MapReader is the read-only capability over a conference source map. The
// conference hands this out to components that must never mutate the map
// (signaling encoders, debug endpoints, metrics), making the unmodifiable
// view a compile-time property rather than a runtime failure.
type MapReader interface {
	// Get returns a copy of the set owned by the given endpoint.
	Get(owner string) (EndpointSourceSet, bool)
	// Owners returns the owner ids present in the map, sorted.
	Owners() []string
	// Copy returns a detached deep copy of the whole map.
	Copy() *ConferenceSourceMap
	// IsEmpty reports whether no owner has any source.
	IsEmpty() bool
	// SourceCount returns the total number of sources across owners.
	SourceCount() int
	// CompactJSON renders the map in the compact debug encoding.
	CompactJSON() ([]byte, error)
}

// ConferenceSourceMap maps owner endpoint ids to their advertised source
// sets. Reads may run concurrently; every mutation is serialized under the
// per-map lock. The zero value is not usable; call NewMap.
//
// This type performs no validation. The validated mutators used for
// external input live on ValidatedMap.
type ConferenceSourceMap struct {
	mu        sync.RWMutex
	endpoints map[string]EndpointSourceSet
}

// NewMap returns an empty conference source map.
func NewMap() *ConferenceSourceMap {
	return &ConferenceSourceMap{endpoints: make(map[string]EndpointSourceSet)}
}

// Get returns a copy of the set owned by the given endpoint.
func (m *ConferenceSourceMap) Get(owner string) (EndpointSourceSet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.endpoints[owner]
	if !ok {
		return EndpointSourceSet{}, false
	}
	return set.Copy(), true
}

// Owners returns the owner ids present in the map, sorted for determinism.
func (m *ConferenceSourceMap) Owners() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.endpoints))
	for owner := range m.endpoints {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}

// IsEmpty reports whether no owner has any source or group.
func (m *ConferenceSourceMap) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, set := range m.endpoints {
		if !set.IsEmpty() {
			return false
		}
	}
	return true
}

// SourceCount returns the total number of sources across all owners.
func (m *ConferenceSourceMap) SourceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.endpoints {
		n += len(set.Sources)
	}
	return n
}

// Copy returns a detached deep copy of the map.
func (m *ConferenceSourceMap) Copy() *ConferenceSourceMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := NewMap()
	for owner, set := range m.endpoints {
		cp.endpoints[owner] = set.Copy()
	}
	return cp
}

// Add merges the given set into the owner's entry, without validation.
func (m *ConferenceSourceMap) Add(owner string, set EndpointSourceSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(owner, set)
}

// add is the lock-free merge used internally and by ValidatedMap.
func (m *ConferenceSourceMap) add(owner string, set EndpointSourceSet) {
	m.endpoints[owner] = m.endpoints[owner].Union(set)
}

// AddMap merges every entry of other into the receiver, without validation.
func (m *ConferenceSourceMap) AddMap(other *ConferenceSourceMap) {
	if other == nil {
		return
	}
	snapshot := other.Copy()
	m.mu.Lock()
	defer m.mu.Unlock()
	for owner, set := range snapshot.endpoints {
		m.add(owner, set)
	}
}

// Remove subtracts the given set from the owner's entry, without
// validation. Owners whose set becomes empty are dropped.
func (m *ConferenceSourceMap) Remove(owner string, set EndpointSourceSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(owner, set)
}

// remove is the lock-free subtract used internally and by ValidatedMap.
func (m *ConferenceSourceMap) remove(owner string, set EndpointSourceSet) {
	have, ok := m.endpoints[owner]
	if !ok {
		return
	}
	rest := have.Diff(set)
	if rest.IsEmpty() {
		delete(m.endpoints, owner)
		return
	}
	m.endpoints[owner] = rest
}

// RemoveMap subtracts every entry of other from the receiver.
func (m *ConferenceSourceMap) RemoveMap(other *ConferenceSourceMap) {
	if other == nil {
		return
	}
	snapshot := other.Copy()
	m.mu.Lock()
	defer m.mu.Unlock()
	for owner, set := range snapshot.endpoints {
		m.remove(owner, set)
	}
}

// RemoveOwner deletes the owner's whole entry and returns it.
func (m *ConferenceSourceMap) RemoveOwner(owner string) EndpointSourceSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.endpoints[owner]
	if !ok {
		return EndpointSourceSet{}
	}
	delete(m.endpoints, owner)
	return set
}

// StripSimulcast returns a copy of the map with the simulcast projection
// applied to every owner's set. Owners with malformed FID groups make the
// whole operation fail; the receiver is unchanged.
func (m *ConferenceSourceMap) StripSimulcast() (*ConferenceSourceMap, error) {
	cp := m.Copy()
	for owner, set := range cp.endpoints {
		stripped, err := set.StripSimulcast()
		if err != nil {
			return nil, err
		}
		cp.endpoints[owner] = stripped
	}
	return cp, nil
}

// StripInjected returns a copy of the map without injected sources.
func (m *ConferenceSourceMap) StripInjected() *ConferenceSourceMap {
	cp := m.Copy()
	for owner, set := range cp.endpoints {
		cp.endpoints[owner] = set.StripInjected()
	}
	return cp
}

// MediaSources returns a copy of the map reduced to the given media types.
func (m *ConferenceSourceMap) MediaSources(types ...MediaType) *ConferenceSourceMap {
	cp := m.Copy()
	for owner, set := range cp.endpoints {
		reduced := set.MediaSources(types...)
		if reduced.IsEmpty() {
			delete(cp.endpoints, owner)
			continue
		}
		cp.endpoints[owner] = reduced
	}
	return cp
}

// Equal reports whether two maps hold the same owners with equal sets.
func (m *ConferenceSourceMap) Equal(other *ConferenceSourceMap) bool {
	a := m.Copy()
	b := other.Copy()
	if len(a.endpoints) != len(b.endpoints) {
		return false
	}
	for owner, set := range a.endpoints {
		got, ok := b.endpoints[owner]
		if !ok || !set.Equal(got) {
			return false
		}
	}
	return true
}

var _ MapReader = (*ConferenceSourceMap)(nil)
