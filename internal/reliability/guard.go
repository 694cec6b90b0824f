package reliability

import (
	"fmt"

	"go.uber.org/zap"
)

// DefaultActionCeiling bounds how many driver actions a single pipeline
// step may issue before it is declared a runaway loop.
const DefaultActionCeiling = 50

// RunawayLoopError marks a step that exceeded its action ceiling. It is
// never retried: a step that burned its whole budget without finishing
// will burn it again.
type RunawayLoopError struct {
	Step  string
	Limit int
}

func (e *RunawayLoopError) Error() string {
	return fmt.Sprintf("step %q exceeded %d actions, aborting runaway loop", e.Step, e.Limit)
}

// ActionGuard counts driver actions for one step instance. The counter
// survives retry attempts of the same step, so retries cannot reset the
// budget. Not safe for concurrent use; a guard belongs to one request.
type ActionGuard struct {
	step  string
	limit int
	count int
	log   *zap.Logger
}

// NewActionGuard builds a guard for one step. A non-positive limit falls
// back to DefaultActionCeiling.
func NewActionGuard(step string, limit int, log *zap.Logger) *ActionGuard {
	if limit <= 0 {
		limit = DefaultActionCeiling
	}
	return &ActionGuard{step: step, limit: limit, log: log}
}

// Do charges one action against the budget and runs fn. Once the ceiling
// is crossed fn is not invoked and every further call fails with
// *RunawayLoopError.
func (g *ActionGuard) Do(description string, fn func() error) error {
	g.count++
	if g.count > g.limit {
		g.log.Error("action ceiling exceeded",
			zap.String("step", g.step),
			zap.Int("limit", g.limit))
		return &RunawayLoopError{Step: g.step, Limit: g.limit}
	}
	if g.count%10 == 0 {
		g.log.Warn("step action count is high",
			zap.String("step", g.step),
			zap.String("action", description),
			zap.Int("count", g.count),
			zap.Int("limit", g.limit))
	}
	return fn()
}

// Count returns the number of actions charged so far.
func (g *ActionGuard) Count() int { return g.count }
