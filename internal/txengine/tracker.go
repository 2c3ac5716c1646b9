package txengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keelwallet/keel/internal/metrics"
	"github.com/keelwallet/keel/internal/network"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// Tracker defaults. Polling cadence and the replacement heuristic are
// node-specific, so both are configurable.
const (
	defaultPollInterval   = 3 * time.Second
	defaultMaxWait        = 10 * time.Minute
	defaultErrorThreshold = 3
)

// TrackerConfig configures the receipt tracker.
type TrackerConfig struct {
	// PollInterval is the delay between receipt polls.
	PollInterval time.Duration

	// MaxWait bounds how long a transaction is tracked before a
	// timeout resolution is reported.
	MaxWait time.Duration

	// ErrorThreshold is how many consecutive probe errors are
	// tolerated before the error callback fires. The RPC engine has
	// already retried each poll, so persistent errors mean the chain
	// is unreachable.
	ErrorThreshold int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// TrackerCallbacks receive tracker outcomes. All callbacks run on the
// watch goroutine.
type TrackerCallbacks struct {
	OnResolution  func(id string, res ReceiptResolution)
	OnReplacement func(id string, res ReplacementResolution)
	OnError       func(id string, err error)
}

type watch struct {
	cancel context.CancelFunc
}

// Tracker owns at most one active watch per transaction id, polling
// the chain for a receipt and reporting confirmation, on-chain
// failure, replacement, or timeout back to the lifecycle engine.
type Tracker struct {
	pollInterval   time.Duration
	maxWait        time.Duration
	errorThreshold int

	probeFor  func(ns network.Namespace) (ReceiptProbe, error)
	callbacks TrackerCallbacks
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
	wg      sync.WaitGroup
}

// NewTracker creates a tracker that resolves probes through probeFor.
func NewTracker(cfg TrackerConfig, probeFor func(ns network.Namespace) (ReceiptProbe, error), callbacks TrackerCallbacks) *Tracker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	errorThreshold := cfg.ErrorThreshold
	if errorThreshold <= 0 {
		errorThreshold = defaultErrorThreshold
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default
	}
	return &Tracker{
		pollInterval:   pollInterval,
		maxWait:        maxWait,
		errorThreshold: errorThreshold,
		probeFor:       probeFor,
		callbacks:      callbacks,
		log:            log,
		metrics:        m,
		watches:        make(map[string]*watch),
	}
}

// Start begins tracking a broadcast transaction, replacing any
// existing watch for the id.
func (t *Tracker) Start(id string, meta *Meta, hash string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if existing, ok := t.watches[id]; ok {
		existing.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{cancel: cancel}
	t.watches[id] = w
	t.wg.Add(1)
	t.mu.Unlock()

	go t.poll(ctx, w, id, meta.Clone(), hash)
}

// Resume reattaches tracking after a restart. Unlike Start it never
// double-schedules: an id already being tracked is left alone.
func (t *Tracker) Resume(id string, meta *Meta, hash string) {
	if t.IsTracking(id) {
		return
	}
	t.Start(id, meta, hash)
}

// Stop cancels the watch for an id. Stopping an untracked id is a
// harmless no-op.
func (t *Tracker) Stop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.watches[id]; ok {
		w.cancel()
		delete(t.watches, id)
	}
}

// IsTracking reports whether a watch is active for the id.
func (t *Tracker) IsTracking(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.watches[id]
	return ok
}

// Close cancels all watches and waits for their goroutines to exit.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, w := range t.watches {
		w.cancel()
		delete(t.watches, id)
	}
	t.mu.Unlock()

	t.wg.Wait()
}

// finish removes the watch entry if it still belongs to this poll
// loop; a restarted watch under the same id is left untouched.
func (t *Tracker) finish(id string, w *watch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.watches[id]; ok && current == w {
		delete(t.watches, id)
	}
}

func (t *Tracker) poll(ctx context.Context, w *watch, id string, meta *Meta, hash string) {
	defer t.wg.Done()
	defer t.finish(id, w)

	probe, err := t.probeFor(meta.Namespace)
	if err != nil {
		t.reportError(id, err)
		return
	}

	deadline := time.After(t.maxWait)
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		result, err := probe.ProbeReceipt(ctx, meta)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			t.log.Warn("receipt probe failed",
				slog.String("tx", id),
				slog.String("hash", hash),
				slog.Int("consecutive", consecutiveErrors),
				slog.String("error", err.Error()),
			)
			if consecutiveErrors >= t.errorThreshold {
				t.reportError(id, err)
				return
			}

		case result.ReplacementHash != "" && result.ReplacementHash != hash:
			t.metrics.RecordTrackerResolution("replaced")
			if t.callbacks.OnReplacement != nil {
				t.callbacks.OnReplacement(id, ReplacementResolution{NewHash: result.ReplacementHash})
			}
			return

		case result.Receipt != nil:
			kind := ResolutionConfirmed
			if !result.Receipt.Succeeded() {
				kind = ResolutionExecutionFailed
			}
			t.metrics.RecordTrackerResolution(string(kind))
			if t.callbacks.OnResolution != nil {
				t.callbacks.OnResolution(id, ReceiptResolution{Kind: kind, Receipt: result.Receipt})
			}
			return

		default:
			consecutiveErrors = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline:
			t.metrics.RecordTrackerResolution(string(ResolutionTimeout))
			if t.callbacks.OnResolution != nil {
				t.callbacks.OnResolution(id, ReceiptResolution{Kind: ResolutionTimeout})
			}
			return
		case <-ticker.C:
		}
	}
}

func (t *Tracker) reportError(id string, err error) {
	t.metrics.RecordTrackerResolution("error")
	if t.callbacks.OnError != nil {
		t.callbacks.OnError(id, keelerr.Wrap(err, "receipt tracking"))
	}
}
