package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/adapter"
	"github.com/voragate/gateway/internal/budget"
	"github.com/voragate/gateway/internal/config"
	"github.com/voragate/gateway/internal/ratelimit"
	"github.com/voragate/gateway/internal/registry"
	"github.com/voragate/gateway/internal/store/model"
	"github.com/voragate/gateway/internal/swap"
	"github.com/voragate/gateway/pkg/api"
)

type discardIngestor struct{}

func (discardIngestor) Append(*model.LedgerEntry) {}
func (discardIngestor) Start(context.Context)     {}
func (discardIngestor) Stop()                     {}

// scriptedAdapter returns queued responses in order; the last script repeats.
type scriptedAdapter struct {
	id string

	mu      sync.Mutex
	scripts []func(*api.Request) (*adapter.Result, error)
	calls   int

	streamFn func(ctx context.Context, req *api.Request) (<-chan adapter.StreamChunk, error)
}

func (a *scriptedAdapter) ID() string   { return a.id }
func (a *scriptedAdapter) Type() string { return "scripted" }

func (a *scriptedAdapter) Execute(ctx context.Context, req *api.Request) (*adapter.Result, error) {
	a.mu.Lock()
	idx := a.calls
	if idx >= len(a.scripts) {
		idx = len(a.scripts) - 1
	}
	a.calls++
	fn := a.scripts[idx]
	a.mu.Unlock()
	return fn(req)
}

func (a *scriptedAdapter) Stream(ctx context.Context, req *api.Request) (<-chan adapter.StreamChunk, error) {
	if a.streamFn == nil {
		return nil, errors.New("streaming not scripted")
	}
	return a.streamFn(ctx, req)
}

func succeed(output string) func(*api.Request) (*adapter.Result, error) {
	return func(req *api.Request) (*adapter.Result, error) {
		return &adapter.Result{
			Output: output,
			Usage:  api.Usage{InputTokens: 1000, OutputTokens: 1000},
		}, nil
	}
}

func fail(err error) func(*api.Request) (*adapter.Result, error) {
	return func(*api.Request) (*adapter.Result, error) { return nil, err }
}

type serviceOpts struct {
	limits    ratelimit.Limits
	budgets   []config.BudgetConfig
	router    config.RouterConfig
	providers []registry.Descriptor
	adapters  map[string]adapter.Adapter
}

func newTestService(t *testing.T, opts serviceOpts) *Service {
	t.Helper()

	if opts.limits.Window == 0 {
		opts.limits = ratelimit.Limits{Window: time.Minute, MaxRequests: 1000}
	}
	if opts.router.MaxRetries == 0 && opts.router.BackoffBaseMS == 0 {
		opts.router = config.RouterConfig{
			AttemptTimeoutSeconds: 5,
			MaxRetries:            2,
			BackoffBaseMS:         1,
			BackoffCapMS:          5,
			HandleTTLSeconds:      600,
		}
	}

	logger := zap.NewNop()
	reg := registry.New(logger)
	for _, d := range opts.providers {
		require.NoError(t, reg.Register(d))
	}

	s := New(
		reg,
		ratelimit.New(opts.limits, logger),
		budget.NewTracker(opts.budgets, discardIngestor{}, logger),
		nil,
		opts.router,
		logger,
	)
	for id, a := range opts.adapters {
		s.RegisterAdapter(id, a)
	}
	return s
}

func textProvider(id string, rank int) registry.Descriptor {
	return registry.Descriptor{
		ID:           id,
		Category:     api.CategoryLanguage,
		Capabilities: []api.Capability{api.CapabilityTextGeneration},
		PriorityRank: rank,
		Pricing:      api.Pricing{InputMicrosPer1K: 100, OutputMicrosPer1K: 200},
	}
}

func textRequest(caller string) *api.Request {
	return &api.Request{
		Capability: api.CapabilityTextGeneration,
		CallerKey:  caller,
		Payload:    api.Payload{Prompt: "hello", EstimatedInputTokens: 10, MaxOutputTokens: 10},
	}
}

func TestExecute_HighestPriorityFirst(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", scripts: []func(*api.Request) (*adapter.Result, error){succeed("from primary")}}
	secondary := &scriptedAdapter{id: "secondary", scripts: []func(*api.Request) (*adapter.Result, error){succeed("from secondary")}}

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{textProvider("secondary", 2), textProvider("primary", 1)},
		adapters:  map[string]adapter.Adapter{"primary": primary, "secondary": secondary},
	})

	out, err := s.Execute(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)
	assert.Equal(t, "primary", out.ProviderID)
	assert.Equal(t, "from primary", out.Output)
	assert.Equal(t, 1, out.Attempts)
	assert.Zero(t, secondary.calls)
}

func TestExecute_PermanentFailureAdvancesAndHealthHolds(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", scripts: []func(*api.Request) (*adapter.Result, error){
		fail(api.AuthenticationError("invalid key", nil)),
	}}
	secondary := &scriptedAdapter{id: "secondary", scripts: []func(*api.Request) (*adapter.Result, error){succeed("rescued")}}

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{textProvider("primary", 1), textProvider("secondary", 2)},
		adapters:  map[string]adapter.Adapter{"primary": primary, "secondary": secondary},
	})

	out, err := s.Execute(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)
	assert.Equal(t, "secondary", out.ProviderID)
	assert.Equal(t, 1, primary.calls, "permanent failures are not retried on the same provider")

	// One auth failure must not demote the provider.
	for _, p := range s.Providers() {
		if p.ID == "primary" {
			assert.Equal(t, registry.Healthy, p.Health)
		}
	}
}

func TestExecute_TransientRetriedOnSameProvider(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", scripts: []func(*api.Request) (*adapter.Result, error){
		fail(api.TimeoutError("flaky", nil)),
		fail(api.ProviderRateLimitedError("slow down", nil)),
		succeed("third time lucky"),
	}}

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{textProvider("primary", 1)},
		adapters:  map[string]adapter.Adapter{"primary": primary},
	})

	out, err := s.Execute(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", out.Output)
	assert.Equal(t, 3, primary.calls)
	assert.Equal(t, 1, out.Attempts, "retries on one provider count as one attempt")
}

func TestExecute_AllProvidersExhausted(t *testing.T) {
	a := &scriptedAdapter{id: "a", scripts: []func(*api.Request) (*adapter.Result, error){
		fail(api.AuthenticationError("bad key", nil)),
	}}
	b := &scriptedAdapter{id: "b", scripts: []func(*api.Request) (*adapter.Result, error){
		fail(api.AuthenticationError("also bad", nil)),
	}}

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{textProvider("a", 1), textProvider("b", 2)},
		adapters:  map[string]adapter.Adapter{"a": a, "b": b},
	})

	_, err := s.Execute(context.Background(), textRequest("caller-a"))
	require.Error(t, err)
	assert.Equal(t, api.KindAllProvidersExhausted, api.KindOf(err))

	causes := api.CausesOf(err)
	require.Len(t, causes, 2)
	assert.Equal(t, "a", causes[0].ProviderID)
	assert.Equal(t, "b", causes[1].ProviderID)
	assert.Equal(t, api.KindAuthentication, causes[0].Kind)
}

func TestExecute_NoCandidates(t *testing.T) {
	s := newTestService(t, serviceOpts{})
	_, err := s.Execute(context.Background(), textRequest("caller-a"))
	require.Error(t, err)
	assert.Equal(t, api.KindAllProvidersExhausted, api.KindOf(err))
}

func TestExecute_RateLimitedProviderSkipped(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", scripts: []func(*api.Request) (*adapter.Result, error){succeed("p")}}
	secondary := &scriptedAdapter{id: "secondary", scripts: []func(*api.Request) (*adapter.Result, error){succeed("s")}}

	s := newTestService(t, serviceOpts{
		limits:    ratelimit.Limits{Window: time.Minute, MaxRequests: 1},
		providers: []registry.Descriptor{textProvider("primary", 1), textProvider("secondary", 2)},
		adapters:  map[string]adapter.Adapter{"primary": primary, "secondary": secondary},
	})

	out, err := s.Execute(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)
	assert.Equal(t, "primary", out.ProviderID)

	// The caller's window on primary is full; secondary still has capacity.
	out, err = s.Execute(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)
	assert.Equal(t, "secondary", out.ProviderID)

	// Both full: the rejection keeps its rate-limited kind and a retry hint.
	_, err = s.Execute(context.Background(), textRequest("caller-a"))
	require.Error(t, err)
	assert.Equal(t, api.KindRateLimited, api.KindOf(err))

	// A different caller is unaffected.
	out, err = s.Execute(context.Background(), textRequest("caller-b"))
	require.NoError(t, err)
	assert.Equal(t, "primary", out.ProviderID)
}

func TestExecute_BudgetExceededRejectsBeforeDispatch(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", scripts: []func(*api.Request) (*adapter.Result, error){succeed("p")}}

	s := newTestService(t, serviceOpts{
		budgets: []config.BudgetConfig{{
			CallerKey: "caller-a", Window: api.WindowDay, HardLimitMicros: 301,
		}},
		providers: []registry.Descriptor{textProvider("primary", 1)},
		adapters:  map[string]adapter.Adapter{"primary": primary},
	})

	// First request costs (1000*100 + 1000*200)/1000 = 300 micros.
	out, err := s.Execute(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(300), out.CostMicros)

	// The next request's 3 micro estimate pushes past the 301 micro ceiling.
	_, err = s.Execute(context.Background(), textRequest("caller-a"))
	require.Error(t, err)
	assert.Equal(t, api.KindBudgetExceeded, api.KindOf(err))
	assert.Equal(t, 1, primary.calls, "no provider call after the ceiling")
}

func TestExecute_CancelledBeforeDispatchReleasesCapacity(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", scripts: []func(*api.Request) (*adapter.Result, error){succeed("p")}}

	s := newTestService(t, serviceOpts{
		limits:    ratelimit.Limits{Window: time.Minute, MaxRequests: 1},
		providers: []registry.Descriptor{textProvider("primary", 1)},
		adapters:  map[string]adapter.Adapter{"primary": primary},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Execute(ctx, textRequest("caller-a"))
	require.Error(t, err)
	assert.Equal(t, api.KindCancelled, api.KindOf(err))
	assert.Zero(t, primary.calls)

	// The released slot is available to the next request.
	out, err := s.Execute(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)
	assert.Equal(t, "primary", out.ProviderID)
}

func TestExecute_AttemptTimeoutIsTransient(t *testing.T) {
	var calls int
	slowThenFast := &scriptedAdapter{id: "primary", scripts: []func(*api.Request) (*adapter.Result, error){
		func(*api.Request) (*adapter.Result, error) {
			calls++
			return nil, context.DeadlineExceeded
		},
		succeed("recovered"),
	}}

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{textProvider("primary", 1)},
		adapters:  map[string]adapter.Adapter{"primary": slowThenFast},
	})

	out, err := s.Execute(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", out.Output)
	assert.Equal(t, 1, calls)
}

func TestExecuteStream_FailoverOnlyBeforeFirstChunk(t *testing.T) {
	// Primary's stream dies before producing anything.
	primary := &scriptedAdapter{id: "primary", streamFn: func(ctx context.Context, req *api.Request) (<-chan adapter.StreamChunk, error) {
		ch := make(chan adapter.StreamChunk, 1)
		ch <- adapter.StreamChunk{Err: api.TimeoutError("upstream dropped", nil)}
		close(ch)
		return ch, nil
	}}
	secondary := &scriptedAdapter{id: "secondary", streamFn: func(ctx context.Context, req *api.Request) (<-chan adapter.StreamChunk, error) {
		ch := make(chan adapter.StreamChunk, 3)
		ch <- adapter.StreamChunk{Delta: "hello "}
		ch <- adapter.StreamChunk{Delta: "world"}
		ch <- adapter.StreamChunk{Done: true, Usage: &api.Usage{InputTokens: 5, OutputTokens: 2}}
		close(ch)
		return ch, nil
	}}

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{textProvider("primary", 1), textProvider("secondary", 2)},
		adapters:  map[string]adapter.Adapter{"primary": primary, "secondary": secondary},
	})

	stream, err := s.ExecuteStream(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)

	var text string
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		text += chunk.Delta
	}
	assert.Equal(t, "hello world", text)
}

func TestExecuteStream_MidStreamFailureIsPartialNotFailover(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", streamFn: func(ctx context.Context, req *api.Request) (<-chan adapter.StreamChunk, error) {
		ch := make(chan adapter.StreamChunk, 2)
		ch <- adapter.StreamChunk{Delta: "partial "}
		ch <- adapter.StreamChunk{Err: errors.New("connection reset")}
		close(ch)
		return ch, nil
	}}
	secondary := &scriptedAdapter{id: "secondary", streamFn: func(ctx context.Context, req *api.Request) (<-chan adapter.StreamChunk, error) {
		t.Fatal("secondary must not be consulted after output began")
		return nil, nil
	}}

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{textProvider("primary", 1), textProvider("secondary", 2)},
		adapters:  map[string]adapter.Adapter{"primary": primary, "secondary": secondary},
	})

	stream, err := s.ExecuteStream(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)

	var text string
	var streamErr error
	for chunk := range stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		text += chunk.Delta
	}
	assert.Equal(t, "partial ", text)
	require.Error(t, streamErr)
	assert.Equal(t, api.KindPartialResult, api.KindOf(streamErr))
}

func TestSubmitAndStatus(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", scripts: []func(*api.Request) (*adapter.Result, error){succeed("async")}}

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{textProvider("primary", 1)},
		adapters:  map[string]adapter.Adapter{"primary": primary},
	})

	handle, err := s.Submit(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	require.Eventually(t, func() bool {
		st, err := s.Status(handle)
		return err == nil && st.State == api.StateCompleted
	}, time.Second, 5*time.Millisecond)

	st, err := s.Status(handle)
	require.NoError(t, err)
	require.NotNil(t, st.Outcome)
	assert.Equal(t, "async", st.Outcome.Output)

	_, err = s.Status("no-such-handle")
	assert.Error(t, err)
}

func TestSubmit_FailedRequestSurfacesInStatus(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", scripts: []func(*api.Request) (*adapter.Result, error){
		fail(api.AuthenticationError("bad key", nil)),
	}}

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{textProvider("primary", 1)},
		adapters:  map[string]adapter.Adapter{"primary": primary},
	})

	handle, err := s.Submit(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := s.Status(handle)
		return err == nil && st.State == api.StateFailed
	}, time.Second, 5*time.Millisecond)

	st, _ := s.Status(handle)
	assert.Contains(t, st.Error, "all_providers_exhausted")
}

func TestInFlight_KeyedByWorkloadSlot(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	blocking := &scriptedAdapter{id: "local-llm", scripts: []func(*api.Request) (*adapter.Result, error){
		func(req *api.Request) (*adapter.Result, error) {
			entered <- struct{}{}
			<-release
			return &adapter.Result{Output: "done"}, nil
		},
	}}

	local := textProvider("local-llm", 1)
	local.Local = true
	local.Workload = "llm"

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{local},
		adapters:  map[string]adapter.Adapter{"local-llm": blocking},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Execute(context.Background(), textRequest("caller-a"))
	}()

	<-entered
	// The swap controller drains on the workload slot, not the category.
	assert.Equal(t, 1, s.InFlight("llm"))
	assert.Equal(t, 0, s.InFlight(string(api.CategoryLanguage)))

	close(release)
	<-done
	assert.Equal(t, 0, s.InFlight("llm"))
}

// memSwaps satisfies store.SwapRepository for the drain seam test.
type memSwaps struct{}

func (memSwaps) Append(context.Context, *model.SwapDecision) error { return nil }
func (memSwaps) Recent(context.Context, int) ([]model.SwapDecision, error) {
	return nil, nil
}

func TestSwapDrain_WaitsForRouterInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	blocking := &scriptedAdapter{id: "local-llm", scripts: []func(*api.Request) (*adapter.Result, error){
		func(req *api.Request) (*adapter.Result, error) {
			entered <- struct{}{}
			<-release
			return &adapter.Result{Output: "done"}, nil
		},
	}}

	local := textProvider("local-llm", 1)
	local.Local = true
	local.Workload = "llm"

	logger := zap.NewNop()
	reg := registry.New(logger)
	require.NoError(t, reg.Register(local))

	s := New(
		reg,
		ratelimit.New(ratelimit.Limits{Window: time.Minute, MaxRequests: 1000}, logger),
		budget.NewTracker(nil, discardIngestor{}, logger),
		nil,
		config.RouterConfig{AttemptTimeoutSeconds: 5, MaxRetries: 1, BackoffBaseMS: 1, BackoffCapMS: 5},
		logger,
	)
	s.RegisterAdapter("local-llm", blocking)

	ctrl := swap.NewController(
		swap.NoopLoader{}, reg, memSwaps{}, s.InFlight,
		config.SwapConfig{DrainGraceSeconds: 2, MemoryPressureThreshold: 0.85},
		logger,
	)
	ctrl.Configure("llm", []string{"small", "large"})

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		_, _ = s.Execute(context.Background(), textRequest("caller-a"))
	}()
	<-entered

	// End the in-flight request partway through the grace period.
	go func() {
		time.Sleep(200 * time.Millisecond)
		close(release)
	}()

	start := time.Now()
	require.NoError(t, ctrl.SwapTo(context.Background(), "llm", "small", swap.TriggerManual))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond,
		"drain must see the router's in-flight request on the workload slot")
	<-execDone
}

func TestExecute_RateLimitedCarriesRetryAfter(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", scripts: []func(*api.Request) (*adapter.Result, error){succeed("ok")}}

	s := newTestService(t, serviceOpts{
		limits:    ratelimit.Limits{Window: time.Minute, MaxRequests: 1},
		providers: []registry.Descriptor{textProvider("primary", 1)},
		adapters:  map[string]adapter.Adapter{"primary": primary},
	})

	_, err := s.Execute(context.Background(), textRequest("caller-a"))
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), textRequest("caller-a"))
	require.Error(t, err)
	assert.Equal(t, api.KindRateLimited, api.KindOf(err))
	assert.Greater(t, api.RetryAfterOf(err), time.Duration(0),
		"the limiter's advisory wait must survive to the caller")
	assert.LessOrEqual(t, api.RetryAfterOf(err), time.Minute)
}

func TestExecuteStream_ExpiredDeadlineCancels(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", streamFn: func(ctx context.Context, req *api.Request) (<-chan adapter.StreamChunk, error) {
		t.Fatal("provider must not be dialed past the deadline")
		return nil, nil
	}}

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{textProvider("primary", 1)},
		adapters:  map[string]adapter.Adapter{"primary": primary},
	})

	req := textRequest("caller-a")
	req.Deadline = time.Now().Add(-time.Second)

	_, err := s.ExecuteStream(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, api.KindCancelled, api.KindOf(err))
}

func TestInFlight_TracksExecutingRequests(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	blocking := &scriptedAdapter{id: "primary", scripts: []func(*api.Request) (*adapter.Result, error){
		func(req *api.Request) (*adapter.Result, error) {
			entered <- struct{}{}
			<-release
			return &adapter.Result{Output: "done"}, nil
		},
	}}

	s := newTestService(t, serviceOpts{
		providers: []registry.Descriptor{textProvider("primary", 1)},
		adapters:  map[string]adapter.Adapter{"primary": blocking},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Execute(context.Background(), textRequest("caller-a"))
	}()

	<-entered
	assert.Equal(t, 1, s.InFlight(string(api.CategoryLanguage)))

	close(release)
	<-done
	assert.Equal(t, 0, s.InFlight(string(api.CategoryLanguage)))
}
