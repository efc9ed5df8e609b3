package conveyor

import (
	"context"
	"math"
	"time"

	"github.com/petrijr/conveyor/pkg/api"
)

// RetryPolicy retries failed states through RETRY advice.
type RetryPolicy struct {
	// MaxAttempts counts the first execution; 1 means no retries.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// Backoff returns the delay before the retry that follows attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// OnExecutionEvent advises RETRY after a FAILED or ERROR outcome while
// attempts remain. The wait interval is rounded up to whole seconds.
func (p RetryPolicy) OnExecutionEvent(_ context.Context, ev api.ExecutionEvent) (*api.ExecutionEventAdvice, error) {
	if ev.Phase != api.PhaseAfterExecution {
		return nil, nil
	}
	if !ev.Context.Instance().Status.IsFailure() {
		return nil, nil
	}
	attempt := ev.Context.Attempt()
	if attempt >= p.MaxAttempts {
		return nil, nil
	}
	wait := p.Backoff(attempt)
	return &api.ExecutionEventAdvice{
		Type:         api.AdviceRetry,
		WaitInterval: int(math.Ceil(wait.Seconds())),
	}, nil
}

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use as an advisor.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: maxAttempts}}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(10*time.Second, 2.0, 5*time.Minute)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = initial
	p.MaxBackoff = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffMultiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = delay
	p.MaxBackoff = 0
	p.BackoffMultiplier = 1.0
	return RetryBuilder{policy: p}
}

// Immediate retries without waiting.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialBackoff = 0
	p.MaxBackoff = 0
	p.BackoffMultiplier = 0
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy. Register it as an advisor.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
