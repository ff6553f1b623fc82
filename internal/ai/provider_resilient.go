package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/openai/openai-go"
	"golang.org/x/time/rate"
)

// ResilienceConfig controls transport-level retries, per-attempt deadlines and the shared
// request rate toward model providers.
type ResilienceConfig struct {
	Retry          RetryConfig
	RequestTimeout time.Duration
	RatePerSecond  float64
	Burst          int
}

// resilientProvider calls each target in order. A target is retried on transient transport
// failures and abandoned for the next one only while no output has been emitted, so callers
// never see content from two attempts.
type resilientProvider struct {
	targets []ModelTarget
	cfg     ResilienceConfig
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewResilientProvider wraps targets (primary first) with retry, rate limiting and fallback.
// The returned provider ignores TurnRequest.Model and uses each target's model instead.
func NewResilientProvider(targets []ModelTarget, cfg ResilienceConfig, log *slog.Logger) (Provider, error) {
	if len(targets) == 0 {
		return nil, errors.New("no model targets configured")
	}
	for i, t := range targets {
		if t.Provider == nil || t.Model == "" {
			return nil, fmt.Errorf("model target %d is incomplete", i)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &resilientProvider{targets: targets, cfg: cfg, limiter: limiter, log: log}, nil
}

func (p *resilientProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	var lastErr error
	for ti, target := range p.targets {
		res, emitted, err := p.callTarget(ctx, target, req, onEvent)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if emitted || ctx.Err() != nil {
			return TurnResult{}, err
		}
		if ti+1 < len(p.targets) {
			p.log.Warn("model target failed, falling back", "target", target.Name, "model", target.Model, "next", p.targets[ti+1].Name, "error", err)
		}
	}
	return TurnResult{}, lastErr
}

func (p *resilientProvider) callTarget(ctx context.Context, target ModelTarget, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, bool, error) {
	req.Model = target.Model
	emitted := false
	forward := func(ev StreamEvent) {
		emitted = true
		emitProviderEvent(onEvent, ev)
	}

	var lastErr error
	timedOut := false
	for attempt := 0; attempt <= p.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, p.cfg.Retry.Delay(attempt-1)); err != nil {
				return TurnResult{}, false, newAgentError(KindCanceled, "model call", "", err)
			}
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return TurnResult{}, false, newAgentError(KindCanceled, "model call", "", err)
			}
		}
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.cfg.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		}
		res, err := target.Provider.StreamTurn(attemptCtx, req, forward)
		deadline := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			if res.Model == "" {
				res.Model = target.Model
			}
			return res, emitted, nil
		}
		if ctx.Err() != nil {
			return TurnResult{}, emitted, newAgentError(KindCanceled, "model call", "", ctx.Err())
		}
		lastErr = err
		timedOut = deadline || isTimeoutError(err)
		if emitted || !(timedOut || isTransientProviderError(err)) {
			break
		}
		p.log.Warn("model call failed, retrying", "target", target.Name, "attempt", attempt+1, "error", err)
	}
	kind := KindUpstream
	if timedOut {
		kind = KindUpstreamTimeout
	}
	return TurnResult{}, emitted, newAgentError(kind, "model call "+target.Name, "", lastErr)
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isTransientProviderError reports rate limiting, overload and server-side failures.
func isTransientProviderError(err error) bool {
	status := 0
	var ae *anthropic.Error
	var oe *openai.Error
	switch {
	case errors.As(err, &ae):
		status = ae.StatusCode
	case errors.As(err, &oe):
		status = oe.StatusCode
	default:
		var ne net.Error
		return errors.As(err, &ne)
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusConflict, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
