package worker

import (
	"log/slog"
	"sort"
	"sync"
)

// Pool is the live set of workers announced on one presence channel.
// Selection prefers workers close to the conference and breaks ties by
// load.
type Pool struct {
	name         string
	localRegion  string
	regionGroups [][]string
	logger       *slog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewPool creates an empty pool. name identifies the presence channel in
// logs; localRegion and regionGroups drive the selection tiers.
func NewPool(name, localRegion string, regionGroups [][]string, logger *slog.Logger) *Pool {
	return &Pool{
		name:         name,
		localRegion:  localRegion,
		regionGroups: regionGroups,
		logger:       logger.With("subsystem", "worker-pool", "pool", name),
		workers:      make(map[string]*Worker),
	}
}

// UpdateWorker folds a presence update into the pool, registering the
// worker if needed. The status replaces the previous one entirely.
func (p *Pool) UpdateWorker(id string, st Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		w = &Worker{ID: id}
		p.workers[id] = w
		p.logger.Info("worker joined", "worker", id, "region", st.Region, "total", len(p.workers))
	}
	w.Status = st
}

// RemoveWorker drops a worker that left the presence channel.
func (p *Pool) RemoveWorker(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.workers[id]; ok {
		delete(p.workers, id)
		p.logger.Info("worker left", "worker", id, "total", len(p.workers))
	}
}

// Get returns a copy of the worker's current state.
func (p *Pool) Get(id string) (Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	w, ok := p.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Workers returns a snapshot of the pool, sorted by id.
func (p *Pool) Workers() []Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of known workers.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// EligibleCount returns how many workers could serve the capability at
// all, busy or not. It distinguishes "no workers up" from "all busy".
func (p *Pool) EligibleCount(exclude map[string]bool, capability Capability) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for id, w := range p.workers {
		if exclude[id] || w.ShuttingDown() || !w.Has(capability) {
			continue
		}
		n++
	}
	return n
}

// SelectWorker picks an idle worker with the capability, preferring in
// order: a preferred region, a configured region group of one, the local
// region, anywhere. Ties go to the worker with the fewest participants,
// then the smallest id. Returns false when no candidate exists.
func (p *Pool) SelectWorker(exclude map[string]bool, preferredRegions []string, capability Capability) (Worker, bool) {
	p.mu.RLock()
	candidates := make([]Worker, 0, len(p.workers))
	for id, w := range p.workers {
		if exclude[id] || w.ShuttingDown() || w.Busy || !w.Has(capability) {
			continue
		}
		candidates = append(candidates, *w)
	}
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return Worker{}, false
	}

	if len(preferredRegions) > 0 {
		preferred := make(map[string]bool, len(preferredRegions))
		for _, r := range preferredRegions {
			preferred[r] = true
		}
		if w, ok := leastLoadedIn(candidates, preferred); ok {
			return w, true
		}
		if group := p.groupOfAny(preferredRegions); len(group) > 0 {
			if w, ok := leastLoadedIn(candidates, group); ok {
				return w, true
			}
		}
	}
	if p.localRegion != "" {
		if w, ok := leastLoadedIn(candidates, map[string]bool{p.localRegion: true}); ok {
			return w, true
		}
	}
	return leastLoaded(candidates)
}

// groupOfAny returns the union of the configured region groups containing
// any of the given regions.
func (p *Pool) groupOfAny(regions []string) map[string]bool {
	var set map[string]bool
	for _, group := range p.regionGroups {
		match := false
		for _, r := range group {
			for _, pr := range regions {
				if r == pr {
					match = true
				}
			}
		}
		if !match {
			continue
		}
		if set == nil {
			set = make(map[string]bool)
		}
		for _, r := range group {
			set[r] = true
		}
	}
	return set
}

func leastLoaded(candidates []Worker) (Worker, bool) {
	if len(candidates) == 0 {
		return Worker{}, false
	}
	best := candidates[0]
	for _, w := range candidates[1:] {
		if w.Participants < best.Participants ||
			(w.Participants == best.Participants && w.ID < best.ID) {
			best = w
		}
	}
	return best, true
}

func leastLoadedIn(candidates []Worker, regions map[string]bool) (Worker, bool) {
	in := make([]Worker, 0, len(candidates))
	for _, w := range candidates {
		if regions[w.Region] {
			in = append(in, w)
		}
	}
	return leastLoaded(in)
}
