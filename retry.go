package eventide

import "time"

// RetryBuilder assembles a RetryPolicy for task registration or for a
// single task call:
//
//	rt.RegisterTask("charge", charge, eventide.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Policy())
//	ctx.ExecuteTask("charge", order, eventide.Retry(2).Immediate().Option())
//
// Each method returns a modified copy.
type RetryBuilder struct {
	attempts   int
	initial    time.Duration
	multiplier float64
	max        time.Duration
}

// NoRetry runs a task exactly once.
var NoRetry = Retry(1).Policy()

// Retry starts a policy that runs a task at most maxAttempts times in total.
// Values below 1 mean a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{attempts: max(maxAttempts, 1)}
}

// WithExponentialBackoff waits initial before the first retry and grows the
// wait by multiplier, up to maxDelay. A multiplier <= 0 doubles; a maxDelay
// <= 0 leaves the wait uncapped.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, maxDelay time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	r.initial, r.multiplier, r.max = initial, multiplier, maxDelay
	return r
}

// WithConstantBackoff waits the same delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.initial, r.multiplier, r.max = delay, 1, 0
	return r
}

// Immediate retries without waiting.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.initial, r.multiplier, r.max = 0, 0, 0
	return r
}

func (r RetryBuilder) Policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       r.attempts,
		InitialBackoff:    r.initial,
		BackoffMultiplier: r.multiplier,
		MaxBackoff:        r.max,
	}
}

// Option overrides the registered policy for one task call.
func (r RetryBuilder) Option() CallOption {
	return WithRetry(r.Policy())
}
