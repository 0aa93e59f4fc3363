package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coldbrook/crawlgate/internal/breaker"
	"github.com/coldbrook/crawlgate/internal/clock/fake"
	"github.com/coldbrook/crawlgate/internal/density"
	"github.com/coldbrook/crawlgate/internal/governor"
	"github.com/coldbrook/crawlgate/internal/kernel"
	"github.com/coldbrook/crawlgate/internal/memguard"
	"github.com/coldbrook/crawlgate/internal/proxy"
	"github.com/coldbrook/crawlgate/internal/telemetry"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	outcome kernel.Outcome
	body    []byte
}

func (s *stubFetcher) Fetch(task kernel.CrawlTask, tier kernel.ProxyTier, minBytes int) kernel.FetchResult {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return kernel.FetchResult{
		Task:       task,
		Tier:       tier,
		StatusCode: 200,
		Body:       s.body,
		Bytes:      int64(len(s.body)),
		Outcome:    s.outcome,
	}
}

func (s *stubFetcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubRenderer struct {
	mu    sync.Mutex
	calls int
	body  []byte
}

func (s *stubRenderer) Render(_ context.Context, task kernel.CrawlTask, tier kernel.ProxyTier, minBytes int) kernel.FetchResult {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return kernel.FetchResult{
		Task:         task,
		Tier:         tier,
		StatusCode:   200,
		Body:         s.body,
		Bytes:        int64(len(s.body)),
		Outcome:      kernel.OutcomeSuccess,
		UsedHeadless: true,
	}
}

func (s *stubRenderer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type eventRecorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *eventRecorder) Emit(evt telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) kinds() []telemetry.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]telemetry.Kind, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Kind
	}
	return out
}

func richPage() []byte {
	return []byte(`<html><head><title>Listing</title></head><body><main><article>` +
		strings.Repeat("<p>Plenty of words describing the product in detail here.</p>", 60) +
		`</article></main></body></html>`)
}

func thinShell() []byte {
	return []byte(`<html><head><title>App</title>` +
		`<script src="/static/js/main.chunk.js"></script>` +
		`<script src="/static/js/vendor.chunk.js"></script>` +
		`<script src="/static/js/runtime.js"></script>` +
		`<script>window.__PRELOADED_STATE__ = {"page":{}, "entities":{}, "ui":{"modal":null}};</script>` +
		`</head><body><div id="root"></div>` +
		`<noscript>You need to enable JavaScript to run this app.</noscript></body></html>`)
}

func testGovernor(clk kernel.Clock) *governor.Governor {
	cfg := governor.Config{
		Breaker:            breaker.Config{WindowSize: 100},
		Ladder:             proxy.Config{},
		DefaultDelay:       time.Millisecond,
		Burst:              100,
		SlowPathMultiplier: 1,
	}
	return governor.New(cfg, clk, nil, nil, nil)
}

func newDispatcher(fast Fetcher, slow Renderer, gate *memguard.Gate, rec *eventRecorder) *Dispatcher {
	clk := fake.New(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(Config{Concurrency: 2}, gate, testGovernor(clk), fast, slow,
		density.NewRouter(0.48), rec, clk, nil)
}

func crawlTask(id string) kernel.CrawlTask {
	return kernel.CrawlTask{ID: id, URL: "https://shop.example/p/" + id, Domain: "shop.example"}
}

// TestProcessFastPathSuccess verifies a dense page completes on the fast path
// without touching the renderer.
func TestProcessFastPathSuccess(t *testing.T) {
	t.Parallel()

	fast := &stubFetcher{outcome: kernel.OutcomeSuccess, body: richPage()}
	slow := &stubRenderer{body: richPage()}
	rec := &eventRecorder{}
	d := newDispatcher(fast, slow, nil, rec)

	res, err := d.Process(context.Background(), crawlTask("1"))
	require.NoError(t, err)
	require.Equal(t, kernel.OutcomeSuccess, res.Outcome)
	require.False(t, res.UsedHeadless)
	require.Equal(t, 1, fast.callCount())
	require.Zero(t, slow.callCount())
	require.Equal(t, []telemetry.Kind{telemetry.KindTaskOutcome}, rec.kinds())
}

// TestProcessPromotesThinPages verifies a successful but content-thin fast
// result is retried through the renderer and the rendered result wins.
func TestProcessPromotesThinPages(t *testing.T) {
	t.Parallel()

	fast := &stubFetcher{outcome: kernel.OutcomeSuccess, body: thinShell()}
	slow := &stubRenderer{body: richPage()}
	d := newDispatcher(fast, slow, nil, &eventRecorder{})

	res, err := d.Process(context.Background(), crawlTask("1"))
	require.NoError(t, err)
	require.True(t, res.UsedHeadless)
	require.Equal(t, 1, slow.callCount())
	require.Equal(t, int64(len(richPage())), res.Bytes)
}

// TestProcessNeverPromotesFailures verifies soft bans skip density routing;
// rendering a block page would waste a browser slot.
func TestProcessNeverPromotesFailures(t *testing.T) {
	t.Parallel()

	fast := &stubFetcher{outcome: kernel.OutcomeSoftBan, body: thinShell()}
	slow := &stubRenderer{body: richPage()}
	d := newDispatcher(fast, slow, nil, &eventRecorder{})

	res, err := d.Process(context.Background(), crawlTask("1"))
	require.NoError(t, err)
	require.Equal(t, kernel.OutcomeSoftBan, res.Outcome)
	require.Zero(t, slow.callCount())
}

// TestProcessWithoutRenderer verifies a nil renderer disables promotion
// rather than panicking.
func TestProcessWithoutRenderer(t *testing.T) {
	t.Parallel()

	fast := &stubFetcher{outcome: kernel.OutcomeSuccess, body: thinShell()}
	d := newDispatcher(fast, nil, nil, &eventRecorder{})

	res, err := d.Process(context.Background(), crawlTask("1"))
	require.NoError(t, err)
	require.False(t, res.UsedHeadless)
	require.Equal(t, kernel.OutcomeSuccess, res.Outcome)
}

// TestProcessRejectsWhenGatePaused verifies the memory gate turns tasks away
// before any fetch and emits an admission drop.
func TestProcessRejectsWhenGatePaused(t *testing.T) {
	t.Parallel()

	gate := memguard.New(memguard.Config{HighWater: 0.9, LowWater: 0.75}, nil,
		memguard.WithUsageFunc(func() (float64, error) { return 0.95, nil }))
	gate.Sample()
	require.True(t, gate.Paused())

	fast := &stubFetcher{outcome: kernel.OutcomeSuccess, body: richPage()}
	rec := &eventRecorder{}
	d := newDispatcher(fast, nil, gate, rec)

	_, err := d.Process(context.Background(), crawlTask("1"))
	require.True(t, kernel.IsRejection(err, kernel.RejectGloballyPaused))
	require.Zero(t, fast.callCount())
	require.Equal(t, []telemetry.Kind{telemetry.KindAdmissionDrop}, rec.kinds())
}

// TestRunConsumesUntilChannelCloses verifies the worker pool drains the task
// channel and forwards completed results.
func TestRunConsumesUntilChannelCloses(t *testing.T) {
	t.Parallel()

	fast := &stubFetcher{outcome: kernel.OutcomeSuccess, body: richPage()}
	d := newDispatcher(fast, nil, nil, &eventRecorder{})

	tasks := make(chan kernel.CrawlTask, 8)
	results := make(chan kernel.FetchResult, 8)
	for i := 0; i < 5; i++ {
		tasks <- crawlTask(string(rune('a' + i)))
	}
	close(tasks)

	require.NoError(t, d.Run(context.Background(), tasks, results))
	close(results)

	var got int
	for range results {
		got++
	}
	require.Equal(t, 5, got)
	require.Equal(t, 5, fast.callCount())
}

// TestRunStopsOnContextCancel verifies cancellation unwinds the pool.
func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	fast := &stubFetcher{outcome: kernel.OutcomeSuccess, body: richPage()}
	d := newDispatcher(fast, nil, nil, &eventRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	tasks := make(chan kernel.CrawlTask)
	results := make(chan kernel.FetchResult)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, tasks, results) }()
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
