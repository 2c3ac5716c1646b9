package network_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelwallet/keel/internal/metrics"
	"github.com/keelwallet/keel/internal/network"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// fakeClock is a mutable clock for deterministic cooldown tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testChain(ref network.Ref, urls ...string) *network.ChainMetadata {
	eps := make([]network.Endpoint, 0, len(urls))
	for _, u := range urls {
		eps = append(eps, network.Endpoint{URL: u})
	}
	return &network.ChainMetadata{
		Ref:       ref,
		Name:      "Test Chain " + string(ref),
		Currency:  network.Currency{Symbol: "TST", Decimals: 18},
		Endpoints: eps,
	}
}

func newTestRegistry(t *testing.T, clock *fakeClock) *network.Registry {
	t.Helper()
	cfg := network.RegistryConfig{
		Metrics: metrics.New(prometheus.NewRegistry()),
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	return network.NewRegistry(cfg)
}

func TestRegisterChain_Validation(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)

	err := r.RegisterChain(&network.ChainMetadata{Ref: "eip155:1", Name: "no endpoints"})
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrNoEndpoints))

	err = r.RegisterChain(testChain("eip155:1", "https://a.example", "https://a.example"))
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrDuplicateEndpoint))

	err = r.RegisterChain(testChain("notaref", "https://a.example"))
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrInvalidChainRef))
}

func TestRegisterChain_FirstBecomesActive(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterChain(testChain("eip155:1", "https://a.example")))
	require.NoError(t, r.RegisterChain(testChain("eip155:10", "https://b.example")))

	assert.Equal(t, network.Ref("eip155:1"), r.ActiveRef())

	active, err := r.ActiveChain()
	require.NoError(t, err)
	assert.Equal(t, network.Ref("eip155:1"), active.Ref)
}

func TestGetChain_UnknownSuggestsClosest(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterChain(testChain("eip155:1", "https://a.example")))

	_, err := r.GetChain("eip155:2")
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrUnknownChain))

	var ke *keelerr.KeelError
	require.True(t, keelerr.As(err, &ke))
	assert.Contains(t, ke.Suggestion, "eip155:1")
}

func TestGetChain_ReturnsClone(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterChain(testChain("eip155:1", "https://a.example")))

	meta, err := r.GetChain("eip155:1")
	require.NoError(t, err)
	meta.Endpoints[0].URL = "https://mutated.example"

	again, err := r.GetChain("eip155:1")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", again.Endpoints[0].URL)
}

func TestSwitchChain(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterChain(testChain("eip155:1", "https://a.example")))
	require.NoError(t, r.RegisterChain(testChain("eip155:10", "https://b.example")))

	var switches int
	unsubscribe := r.Subscribe(func(ev network.Event) {
		if ev.Type == network.EventChainSwitched {
			switches++
		}
	})
	defer unsubscribe()

	meta, err := r.SwitchChain("eip155:10")
	require.NoError(t, err)
	assert.Equal(t, network.Ref("eip155:10"), meta.Ref)
	assert.Equal(t, 1, switches)

	// Switching to the current chain is a no-op and emits nothing.
	_, err = r.SwitchChain("eip155:10")
	require.NoError(t, err)
	assert.Equal(t, 1, switches)

	_, err = r.SwitchChain("eip155:999")
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrUnknownChain))
}

func TestReportOutcome_FailureMovesToNextEndpoint(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	require.NoError(t, r.RegisterChain(testChain("acme:1", "https://a.example", "https://b.example")))

	cooldown := 5 * time.Second
	err := r.ReportOutcome("acme:1", network.Outcome{
		EndpointIndex: 0,
		Err:           errors.New("connection refused"),
		Cooldown:      &cooldown,
	})
	require.NoError(t, err)

	routing, err := r.Routing("acme:1")
	require.NoError(t, err)
	assert.Equal(t, 1, routing.ActiveIndex)

	health, err := r.Health("acme:1")
	require.NoError(t, err)
	require.Len(t, health, 2)
	assert.Equal(t, 1, health[0].FailureCount)
	assert.Equal(t, 1, health[0].ConsecutiveFailures)
	require.NotNil(t, health[0].LastError)
	assert.Equal(t, "connection refused", health[0].LastError.Message)
	assert.Equal(t, clock.Now().Add(cooldown), health[0].CooldownUntil)

	// Success on B leaves the active index at 1 and zeroes B's counters.
	require.NoError(t, r.ReportOutcome("acme:1", network.SuccessOutcome(1)))

	routing, err = r.Routing("acme:1")
	require.NoError(t, err)
	assert.Equal(t, 1, routing.ActiveIndex)

	health, err = r.Health("acme:1")
	require.NoError(t, err)
	assert.Equal(t, 1, health[1].SuccessCount)
	assert.Equal(t, 0, health[1].ConsecutiveFailures)
	assert.Nil(t, health[1].LastError)
	assert.True(t, health[1].CooldownUntil.IsZero())
}

func TestReportOutcome_SuccessClearsFailureState(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	require.NoError(t, r.RegisterChain(testChain("acme:1", "https://a.example", "https://b.example")))

	for i := 0; i < 3; i++ {
		require.NoError(t, r.ReportOutcome("acme:1", network.FailureOutcome(1, errors.New("boom"))))
	}

	health, err := r.Health("acme:1")
	require.NoError(t, err)
	assert.Equal(t, 3, health[1].ConsecutiveFailures)

	require.NoError(t, r.ReportOutcome("acme:1", network.SuccessOutcome(1)))

	health, err = r.Health("acme:1")
	require.NoError(t, err)
	assert.Equal(t, 3, health[1].FailureCount)
	assert.Equal(t, 0, health[1].ConsecutiveFailures)
	assert.Equal(t, 1, health[1].SuccessCount)
	assert.True(t, health[1].LastFailureAt.IsZero())
	assert.True(t, health[1].CooldownUntil.IsZero())
}

// recordingHandler captures slog records for log-content assertions.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) attrsFor(message string) []map[string]slog.Value {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []map[string]slog.Value
	for _, r := range h.records {
		if r.Message != message {
			continue
		}
		attrs := make(map[string]slog.Value)
		r.Attrs(func(a slog.Attr) bool {
			attrs[a.Key] = a.Value
			return true
		})
		out = append(out, attrs)
	}
	return out
}

func TestReportOutcome_RecoveryLatencyOnlyWithKnownFailureTime(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{}
	clock := newFakeClock()
	r := network.NewRegistry(network.RegistryConfig{
		Logger:  slog.New(handler),
		Metrics: metrics.New(prometheus.NewRegistry()),
		Now:     clock.Now,
	})
	require.NoError(t, r.RegisterChain(testChain("acme:1", "https://a.example")))

	require.NoError(t, r.ReportOutcome("acme:1", network.FailureOutcome(0, errors.New("boom"))))
	clock.Advance(2 * time.Second)
	require.NoError(t, r.ReportOutcome("acme:1", network.SuccessOutcome(0)))

	// The cumulative failure count stays above zero, but the first
	// recovery cleared the failure timestamp; a later success must not
	// report a latency measured against the zero time.
	require.NoError(t, r.ReportOutcome("acme:1", network.SuccessOutcome(0)))

	recoveries := handler.attrsFor("rpc endpoint recovered")
	require.Len(t, recoveries, 2)

	latency, ok := recoveries[0]["recovery_latency"]
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, latency.Duration())

	_, ok = recoveries[1]["recovery_latency"]
	assert.False(t, ok, "recovery without a failure timestamp must omit the latency")
}

func TestReportOutcome_OutOfRangeIndexUsesActive(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeClock())
	require.NoError(t, r.RegisterChain(testChain("acme:1", "https://a.example", "https://b.example")))

	require.NoError(t, r.ReportOutcome("acme:1", network.FailureOutcome(99, errors.New("boom"))))

	health, err := r.Health("acme:1")
	require.NoError(t, err)
	assert.Equal(t, 1, health[0].FailureCount)
	assert.Equal(t, 0, health[1].FailureCount)
}

func TestReportOutcome_AllCoolingStaysBounded(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	require.NoError(t, r.RegisterChain(testChain("acme:1", "https://a.example", "https://b.example")))

	// Fail both endpoints so both are cooling down.
	require.NoError(t, r.ReportOutcome("acme:1", network.FailureOutcome(0, errors.New("boom"))))
	clock.Advance(time.Second)
	require.NoError(t, r.ReportOutcome("acme:1", network.FailureOutcome(1, errors.New("boom"))))

	// Endpoint 0 cools down first, so it has the earliest expiry.
	routing, err := r.Routing("acme:1")
	require.NoError(t, err)
	assert.Equal(t, 0, routing.ActiveIndex)
}

func TestReportOutcome_CooldownLapseRestoresEndpoint(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	require.NoError(t, r.RegisterChain(testChain("acme:1", "https://only.example")))

	cooldown := 5 * time.Second
	require.NoError(t, r.ReportOutcome("acme:1", network.Outcome{
		EndpointIndex: 0,
		Err:           errors.New("boom"),
		Cooldown:      &cooldown,
	}))

	// Single endpoint: routing has nowhere to go.
	routing, err := r.Routing("acme:1")
	require.NoError(t, err)
	assert.Equal(t, 0, routing.ActiveIndex)

	// After the cooldown elapses the endpoint serves again with no
	// manual reset: a new failure report still selects it.
	clock.Advance(6 * time.Second)
	require.NoError(t, r.ReportOutcome("acme:1", network.SuccessOutcome(0)))

	health, err := r.Health("acme:1")
	require.NoError(t, err)
	assert.True(t, health[0].CooldownUntil.IsZero())
	assert.Equal(t, 1, health[0].SuccessCount)
}

func TestReportOutcome_NonPositiveCooldownMeansNone(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	require.NoError(t, r.RegisterChain(testChain("acme:1", "https://a.example", "https://b.example")))

	none := time.Duration(0)
	require.NoError(t, r.ReportOutcome("acme:1", network.Outcome{
		EndpointIndex: 0,
		Err:           errors.New("boom"),
		Cooldown:      &none,
	}))

	health, err := r.Health("acme:1")
	require.NoError(t, err)
	assert.True(t, health[0].CooldownUntil.IsZero())
}

func TestReportOutcome_InvariantsHoldAfterMutations(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	require.NoError(t, r.RegisterChain(testChain("acme:1",
		"https://a.example", "https://b.example", "https://c.example")))

	for i := 0; i < 20; i++ {
		if i%3 == 0 {
			require.NoError(t, r.ReportOutcome("acme:1", network.SuccessOutcome(-1)))
		} else {
			require.NoError(t, r.ReportOutcome("acme:1", network.FailureOutcome(-1, errors.New("boom"))))
		}
		clock.Advance(time.Second)

		routing, err := r.Routing("acme:1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, routing.ActiveIndex, 0)
		assert.Less(t, routing.ActiveIndex, 3)

		health, err := r.Health("acme:1")
		require.NoError(t, err)
		assert.Len(t, health, 3)
	}
}

func TestReportOutcome_EventsOnFailover(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeClock())
	require.NoError(t, r.RegisterChain(testChain("acme:1", "https://a.example", "https://b.example")))

	var mu sync.Mutex
	counts := map[network.EventType]int{}
	unsubscribe := r.Subscribe(func(ev network.Event) {
		mu.Lock()
		counts[ev.Type]++
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, r.ReportOutcome("acme:1", network.FailureOutcome(0, errors.New("boom"))))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[network.EventEndpointChanged])
	assert.Equal(t, 1, counts[network.EventStateChanged])
	assert.Equal(t, 1, counts[network.EventHealthChanged])
}

func TestReportOutcome_UnknownChain(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	err := r.ReportOutcome("acme:1", network.SuccessOutcome(0))
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrUnknownChain))
}

func TestSetStrategy(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterChain(testChain("acme:1", "https://a.example")))

	var stateChanges int
	unsubscribe := r.Subscribe(func(ev network.Event) {
		if ev.Type == network.EventStateChanged {
			stateChanges++
		}
	})
	defer unsubscribe()

	require.NoError(t, r.SetStrategy("acme:1", network.StrategyConfig{Name: network.StrategyWeighted}))
	assert.Equal(t, 1, stateChanges)

	routing, err := r.Routing("acme:1")
	require.NoError(t, err)
	assert.Equal(t, network.StrategyWeighted, routing.Strategy.Name)

	err = r.SetStrategy("acme:1", network.StrategyConfig{Name: "nope"})
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrUnknownStrategy))
}

func TestReplaceState_PreservesHealthOnIdenticalEndpoints(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	require.NoError(t, r.RegisterChain(testChain("acme:1", "https://a.example", "https://b.example")))
	require.NoError(t, r.ReportOutcome("acme:1", network.FailureOutcome(0, errors.New("boom"))))

	// Same endpoint list, different display name: health survives.
	next := testChain("acme:1", "https://a.example", "https://b.example")
	next.Name = "Renamed"
	require.NoError(t, r.ReplaceState([]*network.ChainMetadata{next}, ""))

	health, err := r.Health("acme:1")
	require.NoError(t, err)
	assert.Equal(t, 1, health[0].FailureCount)

	// Changed endpoint list: health resets.
	require.NoError(t, r.ReplaceState([]*network.ChainMetadata{
		testChain("acme:1", "https://a.example", "https://c.example"),
	}, ""))

	health, err = r.Health("acme:1")
	require.NoError(t, err)
	assert.Equal(t, 0, health[0].FailureCount)
}

func TestReplaceState_ClampsActiveIndex(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeClock())
	require.NoError(t, r.RegisterChain(testChain("acme:1",
		"https://a.example", "https://b.example", "https://c.example")))

	// Move routing to index 2.
	require.NoError(t, r.ReportOutcome("acme:1", network.FailureOutcome(1, errors.New("boom"))))
	routing, err := r.Routing("acme:1")
	require.NoError(t, err)
	require.Equal(t, 2, routing.ActiveIndex)

	// Shrink to two endpoints: index clamps down into range.
	require.NoError(t, r.ReplaceState([]*network.ChainMetadata{
		testChain("acme:1", "https://a.example", "https://b.example"),
	}, ""))

	routing, err = r.Routing("acme:1")
	require.NoError(t, err)
	assert.Equal(t, 1, routing.ActiveIndex)
}

func TestReplaceState_SecondIdenticalCallEmitsNothing(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	chains := []*network.ChainMetadata{
		testChain("eip155:1", "https://a.example"),
		testChain("eip155:10", "https://b.example"),
	}
	require.NoError(t, r.ReplaceState(chains, "eip155:1"))

	var events int
	unsubscribe := r.Subscribe(func(network.Event) { events++ })
	defer unsubscribe()

	require.NoError(t, r.ReplaceState(chains, "eip155:1"))
	assert.Zero(t, events)
}

func TestReplaceState_ActiveMissingRejected(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	err := r.ReplaceState([]*network.ChainMetadata{
		testChain("eip155:1", "https://a.example"),
	}, "eip155:999")
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrUnknownChain))
}

func TestActiveEndpoint(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	meta := testChain("eip155:1", "https://a.example", "https://b.example")
	meta.Endpoints[0].Headers = map[string]string{"Authorization": "Bearer token"}
	require.NoError(t, r.RegisterChain(meta))

	ep, err := r.ActiveEndpoint("")
	require.NoError(t, err)
	assert.Equal(t, 0, ep.Index)
	assert.Equal(t, "https://a.example", ep.URL)
	assert.Equal(t, network.EndpointHTTP, ep.Type)
	assert.Equal(t, "Bearer token", ep.Headers["Authorization"])

	_, err = r.ActiveEndpoint("eip155:999")
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrUnknownChain))
}
