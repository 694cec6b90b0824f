package reliability

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPolicy(slept *[]time.Duration) Policy {
	p := DefaultPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return p
}

func TestPolicyDo(t *testing.T) {
	log := zap.NewNop()
	ctx := context.Background()

	t.Run("first attempt success", func(t *testing.T) {
		var slept []time.Duration
		p := testPolicy(&slept)
		calls := 0
		err := p.Do(ctx, log, "login", func() error { calls++; return nil })
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, slept)
	})

	t.Run("recovers after failures", func(t *testing.T) {
		var slept []time.Duration
		p := testPolicy(&slept)
		calls := 0
		err := p.Do(ctx, log, "search", func() error {
			calls++
			if calls < 3 {
				return errors.New("row not visible yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, slept)
	})

	t.Run("network failures back off exponentially", func(t *testing.T) {
		var slept []time.Duration
		p := testPolicy(&slept)
		netErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		err := p.Do(ctx, log, "login", func() error { return netErr })

		var exhausted *RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 5, exhausted.Attempts)
		assert.ErrorIs(t, err, netErr)
		assert.Equal(t, []time.Duration{
			5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		}, slept)
	})

	t.Run("delay is capped", func(t *testing.T) {
		p := DefaultPolicy()
		p.MaxDelay = 8 * time.Second
		d := p.delayFor(errors.New("timeout waiting for page"), 50)
		assert.Equal(t, 8*time.Second, d)
	})

	t.Run("non-retryable stops immediately", func(t *testing.T) {
		var slept []time.Duration
		p := testPolicy(&slept)
		calls := 0
		loopErr := &RunawayLoopError{Step: "role", Limit: 30}
		err := p.Do(ctx, log, "role", func() error { calls++; return loopErr })
		var got *RunawayLoopError
		require.ErrorAs(t, err, &got)
		assert.Equal(t, 1, calls)
		assert.Empty(t, slept)
	})

	t.Run("cancellation stops between attempts", func(t *testing.T) {
		cctx, cancel := context.WithCancel(context.Background())
		p := DefaultPolicy()
		p.Sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}
		calls := 0
		err := p.Do(cctx, log, "save", func() error { calls++; return errors.New("flaky") })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestClassification(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		network bool
	}{
		{"nil", nil, false},
		{"dial refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "admin.example.com"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"message timeout", errors.New("navigation timed out"), true},
		{"message reset", errors.New("read: connection reset by peer"), true},
		{"circuit open", &OpenError{Remaining: 30 * time.Second}, true},
		{"wrapped network", errors.New("login step: network is unreachable"), true},
		{"page level", errors.New("element \"#save\" not found"), false},
		{"verification", errors.New("role field does not show the expected value"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.network, IsNetworkError(tc.err))
		})
	}
}
