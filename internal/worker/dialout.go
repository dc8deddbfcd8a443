package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Dial-out defaults.
const (
	DefaultDialTimeout = 60 * time.Second
	DefaultDialRetries = 2
)

// Wire error conditions a failed dial-out surfaces to the caller.
const (
	ConditionServiceUnavailable  = "service-unavailable"
	ConditionRemoteServerTimeout = "remote-server-timeout"
	ConditionUndefined           = "undefined-condition"
)

// Forwarder carries one dial request to a worker and returns the
// worker's raw response payload.
type Forwarder interface {
	Forward(ctx context.Context, workerID string, payload json.RawMessage) (json.RawMessage, error)
}

// DialError is a dial-out that failed on every attempted worker.
type DialError struct {
	Condition string
	Msg       string
}

func (e *DialError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("dial-out: %s", e.Condition)
	}
	return fmt.Sprintf("dial-out: %s: %s", e.Condition, e.Msg)
}

// DialRequest is one dial-out to forward. The payload is passed to the
// worker verbatim; the caller rewrites addressing on the way in and out.
type DialRequest struct {
	Room             string
	Transcriber      bool
	PreferredRegions []string
	Payload          json.RawMessage
}

// DialConfig tunes the dialer. A zero PerWorkerTimeout uses the default;
// Retries is the number of additional workers tried after the first.
type DialConfig struct {
	PerWorkerTimeout time.Duration
	Retries          int
}

// DialStats counts dial-out outcomes.
type DialStats struct {
	Retries                int64 `json:"retries"`
	SingleInstanceErrors   int64 `json:"single_instance_errors"`
	SingleInstanceTimeouts int64 `json:"single_instance_timeouts"`
	AcceptedRequests       int64 `json:"accepted_requests"`
}

// Dialer fans a dial-out over the pool, moving to the next worker when
// one errors or times out.
type Dialer struct {
	pool      *Pool
	forwarder Forwarder
	timeout   time.Duration
	retries   int
	logger    *slog.Logger

	retried  atomic.Int64
	errored  atomic.Int64
	timedOut atomic.Int64
	accepted atomic.Int64
}

// NewDialer creates a dialer over the pool.
func NewDialer(pool *Pool, forwarder Forwarder, cfg DialConfig, logger *slog.Logger) *Dialer {
	timeout := cfg.PerWorkerTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Dialer{
		pool:      pool,
		forwarder: forwarder,
		timeout:   timeout,
		retries:   cfg.Retries,
		logger:    logger.With("subsystem", "dial-out"),
	}
}

// Dial forwards the request to a worker with the required capability and
// returns the worker's response. Each failed worker is excluded from the
// next attempt; when every attempt failed the error condition reflects
// the last failure.
func (d *Dialer) Dial(ctx context.Context, req DialRequest) (json.RawMessage, error) {
	capability := CapabilitySip
	if req.Transcriber {
		capability = CapabilityTranscription
	}

	exclude := make(map[string]bool)
	var lastErr error
	lastTimedOut := false
	for i := 0; i <= d.retries; i++ {
		w, ok := d.pool.SelectWorker(exclude, req.PreferredRegions, capability)
		if !ok {
			if lastErr == nil {
				return nil, &DialError{Condition: ConditionServiceUnavailable, Msg: "no worker available"}
			}
			break
		}
		if i > 0 {
			d.retried.Add(1)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		resp, err := d.forwarder.Forward(attemptCtx, w.ID, req.Payload)
		cancel()
		if err == nil {
			d.accepted.Add(1)
			return resp, nil
		}

		exclude[w.ID] = true
		lastErr = err
		lastTimedOut = errors.Is(err, context.DeadlineExceeded)
		if lastTimedOut {
			d.timedOut.Add(1)
		} else {
			d.errored.Add(1)
		}
		d.logger.Warn("dial-out attempt failed",
			"room", req.Room,
			"worker", w.ID,
			"attempt", i+1,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		return nil, &DialError{Condition: ConditionServiceUnavailable, Msg: "no worker available"}
	}
	condition := ConditionUndefined
	if lastTimedOut {
		condition = ConditionRemoteServerTimeout
	}
	return nil, &DialError{Condition: condition, Msg: lastErr.Error()}
}

// Stats returns a snapshot of the dial-out counters.
func (d *Dialer) Stats() DialStats {
	return DialStats{
		Retries:                d.retried.Load(),
		SingleInstanceErrors:   d.errored.Load(),
		SingleInstanceTimeouts: d.timedOut.Load(),
		AcceptedRequests:       d.accepted.Load(),
	}
}
