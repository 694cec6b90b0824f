package reliability

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryExhaustedError wraps the last failure after the attempt budget ran
// out.
type RetryExhaustedError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Policy is the per-step retry schedule. Network-class failures back off
// exponentially from NetworkBase; everything else backs off linearly in
// multiples of LinearBase. Delays are capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	NetworkBase time.Duration
	LinearBase  time.Duration
	MaxDelay    time.Duration

	// Sleep is replaceable in tests. Defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the standard schedule: five attempts, network
// failures at 5s/10s/20s/40s, other failures at 2s/4s/6s/8s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		NetworkBase: 5 * time.Second,
		LinearBase:  2 * time.Second,
		MaxDelay:    120 * time.Second,
	}
}

// Do runs fn until it succeeds, fails non-retryably, or the attempt
// budget runs out. Exhaustion is reported as *RetryExhaustedError
// wrapping the final failure.
func (p Policy) Do(ctx context.Context, log *zap.Logger, step string, fn func() error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info("step recovered",
					zap.String("step", step),
					zap.Int("attempt", attempt))
			}
			return nil
		}
		if !Retryable(err) {
			return err
		}
		last = err
		if attempt == attempts {
			break
		}
		delay := p.delayFor(err, attempt)
		log.Warn("step failed, backing off",
			zap.String("step", step),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
			zap.Bool("network", IsNetworkError(err)),
			zap.Error(err))
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return &RetryExhaustedError{Step: step, Attempts: attempts, Err: last}
}

func (p Policy) delayFor(err error, attempt int) time.Duration {
	var d time.Duration
	if IsNetworkError(err) {
		d = p.NetworkBase << (attempt - 1)
	} else {
		d = p.LinearBase * time.Duration(attempt)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
