package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cspflow/internal/driver"
	"cspflow/internal/reliability"
)

// PipelineConfig carries the knobs for one request pipeline.
type PipelineConfig struct {
	// ActionCeiling bounds driver actions per step instance.
	ActionCeiling int
	// WaitTimeout and WaitInterval bound the page-settle polling loop.
	WaitTimeout  time.Duration
	WaitInterval time.Duration
	// ScopeOnlyLegacyBranch skips the bank user field and only updates
	// the scope field, matching consoles that dropped the first field.
	ScopeOnlyLegacyBranch bool
	// DefaultHierarchyRoot and DefaultHierarchyRegion expand a bare
	// branch name into a full navigation path.
	DefaultHierarchyRoot   string
	DefaultHierarchyRegion string

	// Sleep is replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c *PipelineConfig) fillDefaults() {
	if c.ActionCeiling <= 0 {
		c.ActionCeiling = reliability.DefaultActionCeiling
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 2 * time.Second
	}
	if c.DefaultHierarchyRoot == "" {
		c.DefaultHierarchyRoot = "VIB Bank"
	}
	if c.DefaultHierarchyRegion == "" {
		c.DefaultHierarchyRegion = "North"
	}
	if c.Sleep == nil {
		c.Sleep = reliability.Sleep
	}
}

// Pipeline executes one change request end to end inside a session:
// login, navigate, locate, apply role, apply branch, save or discard.
// Steps are idempotent; values that already match are never rewritten.
type Pipeline struct {
	creds   Credentials
	cfg     PipelineConfig
	retry   reliability.Policy
	breaker *reliability.CircuitBreaker
	log     *zap.Logger
}

// NewPipeline builds a pipeline. The breaker is shared across pipelines
// of the same batch.
func NewPipeline(creds Credentials, cfg PipelineConfig, retry reliability.Policy, breaker *reliability.CircuitBreaker, log *zap.Logger) *Pipeline {
	cfg.fillDefaults()
	return &Pipeline{
		creds:   creds,
		cfg:     cfg,
		retry:   retry,
		breaker: breaker,
		log:     log,
	}
}

// Process runs the pipeline for one request and always returns a result;
// every failure mode maps to a closed status string.
func (p *Pipeline) Process(ctx context.Context, sess driver.Session, req ChangeRequest, seq int) RequestResult {
	log := p.log.With(zap.String("user", req.TargetUser), zap.Int("seq", seq))
	res := newResult(req, seq, time.Now())
	fail := func(status string) RequestResult {
		res.Status = status
		return res
	}

	log.Info("processing change request",
		zap.Bool("role", req.RoleRequested()),
		zap.Bool("branch", req.BranchRequested()))

	if err := p.step(ctx, log, "login", func(g *reliability.ActionGuard) error {
		return p.login(ctx, sess, g)
	}); err != nil {
		log.Error("login failed", zap.Error(err))
		return fail(StatusLoginFailed)
	}

	if err := p.step(ctx, log, "navigate", func(g *reliability.ActionGuard) error {
		return p.navigateToUsers(ctx, sess, g)
	}); err != nil {
		log.Error("navigation failed", zap.Error(err))
		return fail(StatusNavigationFailed)
	}

	if err := p.step(ctx, log, "locate", func(g *reliability.ActionGuard) error {
		return p.locateUser(ctx, sess, g, req.TargetUser)
	}); err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			log.Warn("user not found")
			return fail(StatusUserNotFound)
		}
		log.Error("user search failed", zap.Error(err))
		return fail(StatusUserSearchFailed)
	}

	roleOutcome := OutcomeSkipped
	if req.RoleRequested() {
		err := p.step(ctx, log, "role", func(g *reliability.ActionGuard) error {
			outcome, aerr := p.applyRole(ctx, sess, g, req.NewRole)
			if aerr != nil {
				return aerr
			}
			roleOutcome = outcome
			return nil
		})
		if err != nil {
			log.Error("role change failed", zap.Error(err))
			return fail(StatusRoleChangeFailed)
		}
	}

	branchOutcome := OutcomeSkipped
	if req.BranchRequested() {
		hierarchy := req.EffectiveHierarchy(p.cfg.DefaultHierarchyRoot, p.cfg.DefaultHierarchyRegion)
		err := p.step(ctx, log, "branch", func(g *reliability.ActionGuard) error {
			outcome, aerr := p.applyBranch(ctx, sess, g, hierarchy)
			if aerr != nil {
				return aerr
			}
			branchOutcome = outcome
			return nil
		})
		if err != nil {
			log.Error("branch change failed", zap.Error(err))
			return fail(StatusBranchChangeFailed)
		}
	}

	if roleOutcome == OutcomeApplied || branchOutcome == OutcomeApplied {
		if err := p.step(ctx, log, "save", func(g *reliability.ActionGuard) error {
			return p.saveChanges(ctx, sess, g)
		}); err != nil {
			log.Error("save failed", zap.Error(err))
			return fail(StatusSaveFailed)
		}
	} else {
		// Nothing was touched, leave the form untouched too.
		p.closeWithoutSaving(ctx, sess, log)
	}

	res.Status = successStatus(req.RoleRequested(), req.BranchRequested(), roleOutcome, branchOutcome)
	log.Info("request completed", zap.String("status", res.Status))
	return res
}

// step wires one pipeline step through the shared breaker and the retry
// policy. The action guard is created once per step instance so its
// budget spans retry attempts.
func (p *Pipeline) step(ctx context.Context, log *zap.Logger, name string, fn func(*reliability.ActionGuard) error) error {
	guard := reliability.NewActionGuard(name, p.cfg.ActionCeiling, log)
	return p.retry.Do(ctx, log, name, func() error {
		return p.breaker.Do(func() error {
			return fn(guard)
		})
	})
}

// waitSettled polls an observation query until the page reports no
// pending loading state, bounded by the configured timeout.
func (p *Pipeline) waitSettled(ctx context.Context, sess driver.Session, what string) error {
	deadline := time.Now().Add(p.cfg.WaitTimeout)
	for {
		loading, err := sess.ActBool(ctx, "Check if the page is still loading: look for spinners, progress bars or skeleton placeholders")
		if err != nil {
			return err
		}
		if !loading {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s to settle", what)
		}
		if err := p.cfg.Sleep(ctx, p.cfg.WaitInterval); err != nil {
			return err
		}
	}
}
