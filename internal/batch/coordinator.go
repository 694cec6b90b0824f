package batch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cspflow/internal/driver"
	"cspflow/internal/reliability"
)

// CoordinatorConfig carries the batch-level knobs.
type CoordinatorConfig struct {
	// Workers is the number of requests processed at once. One means
	// sequential processing with a courtesy pause between requests.
	Workers int
	// InterRequestPause is the pause between sequential requests.
	InterRequestPause time.Duration

	Session  SessionConfig
	Pipeline PipelineConfig
	Retry    reliability.Policy

	// BreakerThreshold and BreakerCooldown configure the circuit
	// breaker shared by all workers of the batch.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Sleep is replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Coordinator runs a whole batch of change requests against one
// endpoint and collects per-request results. Partial failure is normal:
// one request failing never stops the others.
type Coordinator struct {
	run     RunContext
	drv     driver.Driver
	in      *Input
	cfg     CoordinatorConfig
	store   *ResultStore
	breaker *reliability.CircuitBreaker
}

// NewCoordinator builds a coordinator for one input document.
func NewCoordinator(run RunContext, drv driver.Driver, in *Input, cfg CoordinatorConfig) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Sleep == nil {
		cfg.Sleep = reliability.Sleep
	}
	if cfg.Session.StartURL == "" {
		cfg.Session.StartURL = in.Credentials.AdminURL
	}
	return &Coordinator{
		run:     run,
		drv:     drv,
		in:      in,
		cfg:     cfg,
		store:   NewResultStore(),
		breaker: reliability.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, run.Log),
	}
}

// Run processes every request and returns the batch report. On
// cancellation the requests finished so far are still reported.
func (c *Coordinator) Run(ctx context.Context) Report {
	c.run.Log.Info("batch starting",
		zap.Int("requests", len(c.in.Users)),
		zap.Int("workers", c.cfg.Workers))

	if c.cfg.Workers == 1 {
		c.runSequential(ctx)
	} else {
		c.runParallel(ctx)
	}

	rep := c.store.BuildReport(time.Now())
	c.run.Log.Info("batch finished",
		zap.Int("total", rep.TotalUsers),
		zap.Int("successful", rep.Successful),
		zap.Int("failed", rep.Failed),
		zap.Float64("success_rate", rep.SuccessRate()))
	return rep
}

func (c *Coordinator) runSequential(ctx context.Context) {
	sm := NewSessionManager(c.drv, c.cfg.Session, c.run.Log)
	defer func() {
		if err := sm.Close(); err != nil {
			c.run.Log.Warn("shared session close failed", zap.Error(err))
		}
	}()
	pipe := NewPipeline(c.in.Credentials, c.cfg.Pipeline, c.cfg.Retry, c.breaker, c.run.Log)

	for i, req := range c.in.Users {
		if ctx.Err() != nil {
			c.run.Log.Warn("batch interrupted, flushing collected results",
				zap.Int("completed", i),
				zap.Int("remaining", len(c.in.Users)-i))
			return
		}
		c.store.Append(c.processOne(ctx, sm, pipe, req, i))
		if i < len(c.in.Users)-1 && c.cfg.InterRequestPause > 0 {
			if err := c.cfg.Sleep(ctx, c.cfg.InterRequestPause); err != nil {
				return
			}
		}
	}
}

func (c *Coordinator) runParallel(ctx context.Context) {
	// Parallel workers always run isolated sessions; a shared session
	// cannot serve two pipelines at once.
	sessCfg := c.cfg.Session
	if sessCfg.Shared {
		c.run.Log.Warn("shared session is incompatible with parallel workers, using per-request sessions")
		sessCfg.Shared = false
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, req := range c.in.Users {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			log := c.run.Log.With(zap.Int("seq", i))
			sm := NewSessionManager(c.drv, sessCfg, log)
			pipe := NewPipeline(c.in.Credentials, c.cfg.Pipeline, c.cfg.Retry, c.breaker, log)
			c.store.Append(c.processOne(gctx, sm, pipe, req, i))
			return nil
		})
	}
	_ = g.Wait()
}

// processOne wraps one request in its session envelope. Session start
// failures and other envelope errors still yield a result so the report
// stays complete.
func (c *Coordinator) processOne(ctx context.Context, sm *SessionManager, pipe *Pipeline, req ChangeRequest, seq int) RequestResult {
	var res RequestResult
	err := sm.WithSession(ctx, func(sess driver.Session) error {
		res = pipe.Process(ctx, sess, req, seq)
		return nil
	})
	if err == nil {
		return res
	}

	out := newResult(req, seq, time.Now())
	var startErr *driver.StartError
	if errors.As(err, &startErr) {
		out.Status = StatusStartTimeout
	} else {
		out.Status = "failed - " + err.Error()
	}
	c.run.Log.Error("request could not run",
		zap.String("user", req.TargetUser),
		zap.String("status", out.Status),
		zap.Error(err))
	return out
}
