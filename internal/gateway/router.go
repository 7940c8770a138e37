package gateway

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/adapter"
	"github.com/voragate/gateway/internal/ratelimit"
	"github.com/voragate/gateway/internal/registry"
	"github.com/voragate/gateway/pkg/api"
)

// Execute routes a request through the ranked candidate list until one
// provider succeeds or all are exhausted. Rate and budget ceilings are
// checked per candidate before any provider call; pre-check rejections never
// count against a provider's health.
func (s *Service) Execute(ctx context.Context, req *api.Request) (*api.Outcome, error) {
	s.normalize(req)
	started := s.now()

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	candidates := s.registry.Lookup(req.Capability)
	if len(candidates) == 0 {
		return nil, api.AllProvidersExhaustedError(nil)
	}

	var causes []api.AttemptCause
	var retryAfter time.Duration
	attempts := 0

	for _, cand := range candidates {
		ad, ok := s.adapterFor(cand.ID)
		if !ok {
			causes = append(causes, api.AttemptCause{
				ProviderID: cand.ID, Kind: api.KindInternal, Message: "no adapter bound",
			})
			continue
		}

		if err := s.precheck(ctx, req, cand); err != nil {
			var ge *api.GatewayError
			if errors.As(err, &ge) && ge.Kind == api.KindCancelled {
				return nil, err
			}
			if ra := api.RetryAfterOf(err); ra > retryAfter {
				retryAfter = ra
			}
			causes = append(causes, api.AttemptCause{
				ProviderID: cand.ID, Kind: api.KindOf(err), Message: err.Error(),
			})
			continue
		}

		attempts++
		res, latency, err := s.attempt(ctx, req, cand, ad)
		if err != nil {
			kind := api.KindOf(err)
			if kind == api.KindCancelled {
				return nil, err
			}

			s.registry.ReportOutcome(cand.ID, false, kind, latency)
			causes = append(causes, api.AttemptCause{
				ProviderID: cand.ID, Kind: kind, Message: err.Error(),
			})
			s.logger.Warn("provider attempt failed",
				zap.String("request_id", req.ID),
				zap.String("provider", cand.ID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			continue
		}

		s.registry.ReportOutcome(cand.ID, true, "", latency)

		cost := cand.Pricing.Cost(res.Usage)
		s.budget.Record(req.ID, req.CallerKey, cand.ID, cost)

		return &api.Outcome{
			RequestID:  req.ID,
			ProviderID: cand.ID,
			ModelID:    res.ModelID,
			Output:     res.Output,
			Usage:      res.Usage,
			CostMicros: cost,
			Attempts:   attempts,
			Latency:    s.now().Sub(started),
		}, nil
	}

	return nil, s.exhausted(causes, retryAfter)
}

// precheck runs the rate and budget gates for one candidate. On success the
// admitted rate slot stays consumed; on cancellation before dispatch it is
// released.
func (s *Service) precheck(ctx context.Context, req *api.Request, cand registry.Candidate) error {
	if err := s.budget.CheckBudget(req.CallerKey, cand.Pricing.Estimate(req.Payload)); err != nil {
		return err
	}

	units := int64(req.Payload.EstimatedInputTokens + req.Payload.MaxOutputTokens)
	decision := s.limiter.TryAcquire(ratelimit.Key(req.CallerKey, cand.ID), units)
	if !decision.Allowed {
		return api.RateLimitedError(decision.RetryAfter)
	}

	if ctx.Err() != nil {
		s.limiter.Release(decision.Reservation)
		return api.CancelledError(ctx.Err())
	}
	return nil
}

// attempt calls one provider with the per-attempt timeout, retrying
// transient failures with capped exponential backoff. Permanent failures
// return immediately so the router can advance.
func (s *Service) attempt(ctx context.Context, req *api.Request, cand registry.Candidate, ad adapter.Adapter) (*adapter.Result, time.Duration, error) {
	flight := drainKey(cand)

	var lastErr error
	for try := 0; try <= s.maxRetries; try++ {
		if try > 0 {
			if err := s.backoff(ctx, try); err != nil {
				return nil, 0, api.CancelledError(err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		s.enterFlight(flight)
		started := s.now()
		res, err := ad.Execute(attemptCtx, req)
		latency := s.now().Sub(started)
		s.exitFlight(flight)
		cancel()

		if err == nil {
			return res, latency, nil
		}

		if ctx.Err() != nil {
			return nil, latency, api.CancelledError(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = api.TimeoutError("provider call exceeded attempt timeout", err)
		}

		lastErr = err
		if !api.IsRetryable(err) {
			return nil, latency, err
		}
	}
	return nil, 0, lastErr
}

// backoff sleeps for the capped exponential delay with jitter, honoring
// cancellation.
func (s *Service) backoff(ctx context.Context, try int) error {
	delay := s.backoffBase << (try - 1)
	if delay > s.backoffCap {
		delay = s.backoffCap
	}
	// Half fixed, half jittered, to spread synchronized retries.
	delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// exhausted shapes the terminal error. When every candidate was turned away
// by the same pre-check the original rejection kind survives, so a pure
// rate-limit or budget rejection does not masquerade as exhaustion. The
// limiter's advisory wait rides along so the caller boundary can emit it.
func (s *Service) exhausted(causes []api.AttemptCause, retryAfter time.Duration) error {
	if len(causes) > 0 {
		uniform := true
		for _, c := range causes[1:] {
			if c.Kind != causes[0].Kind {
				uniform = false
				break
			}
		}
		if uniform {
			switch causes[0].Kind {
			case api.KindBudgetExceeded:
				return &api.GatewayError{Kind: api.KindBudgetExceeded, Message: causes[0].Message, Causes: causes}
			case api.KindRateLimited:
				return &api.GatewayError{
					Kind:       api.KindRateLimited,
					Message:    causes[0].Message,
					RetryAfter: retryAfter,
					Causes:     causes,
				}
			}
		}
	}
	return api.AllProvidersExhaustedError(causes)
}

// ExecuteStream routes a streaming request. Failover only happens before the
// first chunk is delivered; once output has begun a failure surfaces as a
// partial-result chunk instead of a silent provider switch.
func (s *Service) ExecuteStream(ctx context.Context, req *api.Request) (<-chan adapter.StreamChunk, error) {
	s.normalize(req)

	cancel := context.CancelFunc(func() {})
	if !req.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
	}

	candidates := s.registry.Lookup(req.Capability)
	if len(candidates) == 0 {
		cancel()
		return nil, api.AllProvidersExhaustedError(nil)
	}

	var causes []api.AttemptCause
	var retryAfter time.Duration

	for _, cand := range candidates {
		ad, ok := s.adapterFor(cand.ID)
		if !ok {
			causes = append(causes, api.AttemptCause{
				ProviderID: cand.ID, Kind: api.KindInternal, Message: "no adapter bound",
			})
			continue
		}

		if err := s.precheck(ctx, req, cand); err != nil {
			var ge *api.GatewayError
			if errors.As(err, &ge) && ge.Kind == api.KindCancelled {
				cancel()
				return nil, err
			}
			if ra := api.RetryAfterOf(err); ra > retryAfter {
				retryAfter = ra
			}
			causes = append(causes, api.AttemptCause{
				ProviderID: cand.ID, Kind: api.KindOf(err), Message: err.Error(),
			})
			continue
		}

		upstream, err := ad.Stream(ctx, req)
		if err != nil {
			s.registry.ReportOutcome(cand.ID, false, api.KindOf(err), 0)
			causes = append(causes, api.AttemptCause{
				ProviderID: cand.ID, Kind: api.KindOf(err), Message: err.Error(),
			})
			continue
		}

		// Peek at the first chunk: an error here means no output reached the
		// caller yet, so the next candidate can take over transparently.
		first, open := <-upstream
		if !open || first.Err != nil {
			var cause error = errors.New("stream closed before output")
			if open && first.Err != nil {
				cause = first.Err
			}
			s.registry.ReportOutcome(cand.ID, false, api.KindOf(cause), 0)
			causes = append(causes, api.AttemptCause{
				ProviderID: cand.ID, Kind: api.KindOf(cause), Message: cause.Error(),
			})
			continue
		}

		out := make(chan adapter.StreamChunk)
		go func() {
			defer cancel()
			s.pipeStream(ctx, req, cand, first, upstream, out)
		}()
		return out, nil
	}

	cancel()
	return nil, s.exhausted(causes, retryAfter)
}

// pipeStream forwards chunks after the first has committed the candidate.
// The provider's health and the caller's spend are settled when the stream
// ends, whichever way it ends.
func (s *Service) pipeStream(ctx context.Context, req *api.Request, cand registry.Candidate, first adapter.StreamChunk, upstream <-chan adapter.StreamChunk, out chan<- adapter.StreamChunk) {
	defer close(out)

	flight := drainKey(cand)
	s.enterFlight(flight)
	defer s.exitFlight(flight)

	started := s.now()
	var usage api.Usage
	failed := false

	deliver := func(chunk adapter.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	handle := func(chunk adapter.StreamChunk) bool {
		if chunk.Err != nil {
			failed = true
			chunk.Err = api.PartialResultError(cand.ID, chunk.Err)
			deliver(chunk)
			return false
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		return deliver(chunk)
	}

	if handle(first) {
		for chunk := range upstream {
			if !handle(chunk) {
				break
			}
		}
	}

	latency := s.now().Sub(started)
	kind := api.ErrorKind("")
	if failed {
		kind = api.KindPartialResult
	}
	s.registry.ReportOutcome(cand.ID, !failed, kind, latency)

	// Whatever was consumed is billed, even when the stream ended early.
	if usage != (api.Usage{}) {
		s.budget.Record(req.ID, req.CallerKey, cand.ID, cand.Pricing.Cost(usage))
	}
}
