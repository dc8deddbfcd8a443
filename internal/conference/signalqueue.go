package conference

import (
	"sync"

	"github.com/confocus/confocus/internal/source"
)

// signalBatch is one pending source-add or source-remove signal for a
// single receiver.
type signalBatch struct {
	add     bool
	sources *source.ConferenceSourceMap
}

// signalQueue collects the source changes a receiver has not been told
// about yet. Consecutive adds merge into one batch; a remove cancels a
// still-queued add of the same source; an add after a remove stays a
// separate batch so ordering is preserved on the wire.
//
// Applying the flushed batches in order to the receiver's last-known view
// yields the current conference source map.
type signalQueue struct {
	mu      sync.Mutex
	batches []*signalBatch
}

func newSignalQueue() *signalQueue {
	return &signalQueue{}
}

func (q *signalQueue) queueAdd(owner string, set source.EndpointSourceSet) {
	if set.IsEmpty() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.batches); n > 0 && q.batches[n-1].add {
		q.batches[n-1].sources.Add(owner, set)
		return
	}
	m := source.NewMap()
	m.Add(owner, set)
	q.batches = append(q.batches, &signalBatch{add: true, sources: m})
}

func (q *signalQueue) queueRemove(owner string, set source.EndpointSourceSet) {
	if set.IsEmpty() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	// Sources the receiver was never told about cancel out against the
	// queued add instead of being signaled at all.
	remaining := set
	for _, b := range q.batches {
		if !b.add || remaining.IsEmpty() {
			continue
		}
		pending, ok := b.sources.Get(owner)
		if !ok {
			continue
		}
		stillPending := pending.Diff(remaining)
		cancelled := pending.Diff(stillPending)
		if cancelled.IsEmpty() {
			continue
		}
		b.sources.Remove(owner, cancelled)
		remaining = remaining.Diff(cancelled)
	}
	if remaining.IsEmpty() {
		return
	}

	if n := len(q.batches); n > 0 && !q.batches[n-1].add {
		q.batches[n-1].sources.Add(owner, remaining)
		return
	}
	m := source.NewMap()
	m.Add(owner, remaining)
	q.batches = append(q.batches, &signalBatch{add: false, sources: m})
}

// flush drains the queue. Batches emptied by cancellation are dropped.
func (q *signalQueue) flush() []signalBatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]signalBatch, 0, len(q.batches))
	for _, b := range q.batches {
		if b.sources.IsEmpty() {
			continue
		}
		out = append(out, *b)
	}
	q.batches = nil
	return out
}

func (q *signalQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = nil
}
