package network

import (
	"log/slog"
	"time"

	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// HealthError captures the last error observed on an endpoint.
type HealthError struct {
	Message string
	Code    int
	At      time.Time
}

// EndpointHealth holds the rolling counters the router uses to decide
// failover. One entry exists per endpoint index; the slice length
// always equals the chain's endpoint count.
type EndpointHealth struct {
	SuccessCount        int
	FailureCount        int
	ConsecutiveFailures int
	LastError           *HealthError
	LastFailureAt       time.Time
	CooldownUntil       time.Time
}

// available reports whether the endpoint's cooldown is unset or lapsed.
func (h *EndpointHealth) available(now time.Time) bool {
	return h.CooldownUntil.IsZero() || !now.Before(h.CooldownUntil)
}

func (h EndpointHealth) clone() EndpointHealth {
	if h.LastError != nil {
		le := *h.LastError
		h.LastError = &le
	}
	return h
}

// Outcome reports the result of a single RPC attempt against a chain
// endpoint.
type Outcome struct {
	// Success indicates the attempt completed without a transport or
	// protocol error.
	Success bool

	// EndpointIndex is the endpoint the attempt used. An out-of-range
	// value (conventionally -1) falls back to the chain's currently
	// active endpoint.
	EndpointIndex int

	// Err is the failure cause; ignored for successes.
	Err error

	// RPCCode is the JSON-RPC error code, when the failure carried one.
	RPCCode int

	// Cooldown overrides the registry's default cooldown for this
	// failure. Nil means use the default; a non-positive value means
	// no cooldown.
	Cooldown *time.Duration
}

// SuccessOutcome builds a success outcome for an endpoint index.
func SuccessOutcome(index int) Outcome {
	return Outcome{Success: true, EndpointIndex: index}
}

// FailureOutcome builds a failure outcome for an endpoint index.
func FailureOutcome(index int, err error) Outcome {
	return Outcome{EndpointIndex: index, Err: err, RPCCode: rpcCodeOf(err)}
}

func rpcCodeOf(err error) int {
	var ke *keelerr.KeelError
	if keelerr.As(err, &ke) {
		return ke.RPCCode
	}
	return 0
}

// ReportOutcome is the single write path for endpoint health. On
// success it clears the endpoint's failure state; on failure it records
// the error, applies a cooldown, and advances routing to the next
// available endpoint per the chain's strategy.
func (r *Registry) ReportOutcome(ref Ref, o Outcome) error {
	r.mu.Lock()

	st, ok := r.chains[ref]
	if !ok {
		r.mu.Unlock()
		return keelerr.WithDetails(keelerr.ErrUnknownChain, map[string]string{
			"chain": string(ref),
		})
	}

	now := r.now()

	idx := o.EndpointIndex
	if idx < 0 || idx >= len(st.health) {
		idx = st.routing.ActiveIndex
	}
	h := &st.health[idx]

	var events []Event

	if o.Success {
		priorConsecutive := h.ConsecutiveFailures
		priorFailures := h.FailureCount
		lastFailure := h.LastFailureAt

		h.SuccessCount++
		h.ConsecutiveFailures = 0
		h.LastError = nil
		h.LastFailureAt = time.Time{}
		h.CooldownUntil = time.Time{}

		if priorFailures > 0 {
			attrs := []any{
				slog.String("chain", string(ref)),
				slog.Int("endpoint", idx),
				slog.Int("prior_consecutive_failures", priorConsecutive),
			}
			// A success after an earlier recovery has no failure time to
			// measure against; the cumulative failure count alone is logged.
			if !lastFailure.IsZero() {
				attrs = append(attrs, slog.Duration("recovery_latency", now.Sub(lastFailure)))
			}
			r.log.Info("rpc endpoint recovered", attrs...)
		}

		events = append(events, Event{Type: EventHealthChanged, Ref: ref, PrevIndex: idx, NewIndex: idx})
		r.mu.Unlock()
		r.metrics.RecordOutcome(string(ref), true)
		r.hub.emit(events...)
		return nil
	}

	h.FailureCount++
	h.ConsecutiveFailures++
	errMsg := "unknown error"
	if o.Err != nil {
		errMsg = o.Err.Error()
	}
	h.LastError = &HealthError{Message: errMsg, Code: o.RPCCode, At: now}
	h.LastFailureAt = now

	cooldown := r.cooldown
	if o.Cooldown != nil {
		cooldown = *o.Cooldown
	}
	if cooldown > 0 {
		h.CooldownUntil = now.Add(cooldown)
	} else {
		h.CooldownUntil = time.Time{}
	}

	prev := st.routing.ActiveIndex
	next := r.selectAfterFailure(st, idx, now)

	if next != prev {
		st.routing.ActiveIndex = next
		r.log.Warn("rpc endpoint failover",
			slog.String("chain", string(ref)),
			slog.Int("from", prev),
			slog.Int("to", next),
			slog.String("error", errMsg),
		)
		events = append(events,
			Event{Type: EventEndpointChanged, Ref: ref, PrevIndex: prev, NewIndex: next},
			Event{Type: EventStateChanged, Ref: ref, PrevIndex: prev, NewIndex: next},
		)
	} else {
		r.log.Info("rpc endpoint failure",
			slog.String("chain", string(ref)),
			slog.Int("endpoint", idx),
			slog.Int("consecutive", h.ConsecutiveFailures),
			slog.String("error", errMsg),
		)
	}

	events = append(events, Event{Type: EventHealthChanged, Ref: ref, PrevIndex: prev, NewIndex: next})

	r.mu.Unlock()
	r.metrics.RecordOutcome(string(ref), false)
	if next != prev {
		r.metrics.RecordFailover(string(ref))
	}
	r.hub.emit(events...)
	return nil
}

// selectAfterFailure picks the next active endpoint after failedIndex
// failed. It scans the strategy's candidates for one whose cooldown has
// lapsed; if every endpoint is cooling down it stays on the failed
// endpoint when its own cooldown has lapsed, and otherwise picks the
// endpoint with the earliest cooldown expiry. The scan is bounded by
// the endpoint count.
func (r *Registry) selectAfterFailure(st *chainState, failedIndex int, now time.Time) int {
	for _, cand := range st.strategy.Candidates(st.meta, failedIndex) {
		if cand < 0 || cand >= len(st.health) {
			continue
		}
		if st.health[cand].available(now) {
			return cand
		}
	}

	if st.health[failedIndex].available(now) {
		return failedIndex
	}

	earliest := failedIndex
	for i := range st.health {
		if st.health[i].CooldownUntil.Before(st.health[earliest].CooldownUntil) {
			earliest = i
		}
	}
	return earliest
}

// Health returns a copy of the chain's per-endpoint health records.
func (r *Registry) Health(ref Ref) ([]EndpointHealth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.chains[ref]
	if !ok {
		return nil, keelerr.WithDetails(keelerr.ErrUnknownChain, map[string]string{
			"chain": string(ref),
		})
	}

	out := make([]EndpointHealth, len(st.health))
	for i := range st.health {
		out[i] = st.health[i].clone()
	}
	return out, nil
}
