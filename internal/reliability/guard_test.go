package reliability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestActionGuard(t *testing.T) {
	log := zap.NewNop()

	t.Run("counts and passes through", func(t *testing.T) {
		g := NewActionGuard("login", 5, log)
		calls := 0
		for i := 0; i < 5; i++ {
			err := g.Do("click", func() error { calls++; return nil })
			require.NoError(t, err)
		}
		assert.Equal(t, 5, calls)
		assert.Equal(t, 5, g.Count())
	})

	t.Run("trips above the ceiling", func(t *testing.T) {
		g := NewActionGuard("role", 2, log)
		require.NoError(t, g.Do("a", func() error { return nil }))
		require.NoError(t, g.Do("b", func() error { return nil }))

		called := false
		err := g.Do("c", func() error { called = true; return nil })
		var loopErr *RunawayLoopError
		require.ErrorAs(t, err, &loopErr)
		assert.Equal(t, "role", loopErr.Step)
		assert.Equal(t, 2, loopErr.Limit)
		assert.False(t, called, "fn must not run past the ceiling")

		// Tripped guards stay tripped.
		err = g.Do("d", func() error { called = true; return nil })
		assert.ErrorAs(t, err, &loopErr)
		assert.False(t, called)
	})

	t.Run("trip is not retryable", func(t *testing.T) {
		err := &RunawayLoopError{Step: "branch", Limit: 50}
		assert.False(t, Retryable(err))
	})

	t.Run("propagates action errors", func(t *testing.T) {
		g := NewActionGuard("save", 10, log)
		want := errors.New("element not found")
		assert.ErrorIs(t, g.Do("click save", func() error { return want }), want)
	})

	t.Run("defaults ceiling", func(t *testing.T) {
		g := NewActionGuard("x", 0, log)
		assert.Equal(t, 0, g.Count())
		require.NoError(t, g.Do("a", func() error { return nil }))
	})
}
