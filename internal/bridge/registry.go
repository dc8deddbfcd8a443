package bridge

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultFailureResetThreshold is how long a failed bridge stays out of
// selection before it may be tried again.
const DefaultFailureResetThreshold = time.Minute

// Registry is the live set of bridges known to the focus. Presence joins
// and leaves drive Add and Remove; load reports flow through HandleStats.
// All getters return value copies, never references into the registry.
type Registry struct {
	logger         *slog.Logger
	resetThreshold time.Duration

	mu      sync.RWMutex
	bridges map[string]*Bridge
	lost    int64
}

// NewRegistry creates an empty registry. A resetThreshold of zero uses the
// default.
func NewRegistry(resetThreshold time.Duration, logger *slog.Logger) *Registry {
	if resetThreshold <= 0 {
		resetThreshold = DefaultFailureResetThreshold
	}
	return &Registry{
		logger:         logger.With("subsystem", "bridge-registry"),
		resetThreshold: resetThreshold,
		bridges:        make(map[string]*Bridge),
	}
}

// Add registers a bridge. Re-adding a known bridge only refreshes its
// liveness; state reported through stats is kept.
func (r *Registry) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bridges[id]; ok {
		b.LastSeen = time.Now()
		return
	}
	r.bridges[id] = &Bridge{
		ID:               id,
		SupportsColibri2: true,
		LastSeen:         time.Now(),
	}
	r.logger.Info("bridge added", "bridge", id, "total", len(r.bridges))
}

// Remove drops a bridge from the registry and returns its last state. A
// bridge that disappears without announcing shutdown counts as lost.
func (r *Registry) Remove(id string) (Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bridges[id]
	if !ok {
		return Bridge{}, false
	}
	delete(r.bridges, id)
	if !b.Draining() {
		r.lost++
		r.logger.Warn("bridge lost", "bridge", id, "lost_total", r.lost)
	} else {
		r.logger.Info("bridge removed after graceful shutdown", "bridge", id)
	}
	return *b, true
}

// HandleStats merges a load report into the bridge's state. Reports for an
// unknown bridge register it first, so a focus restart does not lose
// bridges that only speak up on their stats interval.
func (r *Registry) HandleStats(id string, st Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bridges[id]
	if !ok {
		b = &Bridge{ID: id, SupportsColibri2: true}
		r.bridges[id] = b
		r.logger.Info("bridge added from stats report", "bridge", id)
	}
	b.merge(st)
	b.LastSeen = time.Now()
}

// MarkFailed records an operational failure. The bridge is skipped by
// selection until the reset threshold passes.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bridges[id]
	if !ok {
		return
	}
	b.failedAt = time.Now()
	r.logger.Warn("bridge marked failed", "bridge", id, "reset_after", r.resetThreshold)
}

// Get returns a copy of the bridge's current state.
func (r *Registry) Get(id string) (Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bridges[id]
	if !ok {
		return Bridge{}, false
	}
	return *b, true
}

// All returns a snapshot of every known bridge, sorted by id.
func (r *Registry) All() []Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Operational returns the bridges currently eligible for operations,
// sorted by id. Draining bridges are included; the selector decides
// whether a draining bridge may serve a given conference.
func (r *Registry) Operational() []Bridge {
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		if b.operational(now, r.resetThreshold) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsOperational reports whether the bridge exists and has not failed
// within the reset threshold.
func (r *Registry) IsOperational(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bridges[id]
	return ok && b.operational(time.Now(), r.resetThreshold)
}

// Count returns the number of known bridges.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// OperationalCount returns the number of bridges eligible for operations.
func (r *Registry) OperationalCount() int {
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, b := range r.bridges {
		if b.operational(now, r.resetThreshold) {
			n++
		}
	}
	return n
}

// LostCount returns how many bridges disappeared without a graceful
// shutdown since startup.
func (r *Registry) LostCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lost
}

// PruneStale removes bridges that have not been seen within maxAge and
// returns them. Pruned bridges count as lost unless they were draining.
func (r *Registry) PruneStale(maxAge time.Duration) []Bridge {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned []Bridge
	for id, b := range r.bridges {
		if b.LastSeen.Before(cutoff) {
			pruned = append(pruned, *b)
			delete(r.bridges, id)
			if !b.Draining() {
				r.lost++
			}
			r.logger.Warn("bridge pruned after silence", "bridge", id, "last_seen", b.LastSeen)
		}
	}
	return pruned
}
