package batch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunContext identifies one batch execution. It travels explicitly
// through the coordinator, pipelines and report writing so nothing in
// the package depends on global state.
type RunContext struct {
	ExecutionID string
	Log         *zap.Logger
}

// NewRunContext mints an execution id and binds it into the logger.
func NewRunContext(log *zap.Logger) RunContext {
	id := fmt.Sprintf("%s_%s", time.Now().Format("20060102_150405"), uuid.NewString()[:8])
	return RunContext{
		ExecutionID: id,
		Log:         log.With(zap.String("execution_id", id)),
	}
}
