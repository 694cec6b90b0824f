package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"cspflow/internal/driver"
)

func TestMain(m *testing.M) {
	// opencensus (via google.golang.org/genai) starts a stats worker at
	// package init that never exits; it is not a leak from this package.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func testCoordinatorConfig(workers int) CoordinatorConfig {
	return CoordinatorConfig{
		Workers:          workers,
		Session:          SessionConfig{StartRetries: 2, Sleep: noSleep},
		Pipeline:         testPipelineConfig(),
		Retry:            testRetry(2),
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
		Sleep:            noSleep,
	}
}

func testInput(users ...ChangeRequest) *Input {
	return &Input{
		Credentials: Credentials{
			Username: "admin",
			Password: "secret",
			AdminURL: "https://admin.example.com/console",
		},
		Users: users,
	}
}

func TestCoordinatorSequential(t *testing.T) {
	ctx := context.Background()

	t.Run("already matching batch needs no saves", func(t *testing.T) {
		drv := newFakeDriver(func(int) *fakeSession {
			return newHappySession(boolRule{contains: "currently shows exactly", value: true})
		})
		in := testInput(
			ChangeRequest{TargetUser: "a@example.com", NewRole: "Teller"},
			ChangeRequest{TargetUser: "b@example.com", NewRole: "Teller"},
		)
		co := NewCoordinator(NewRunContext(zap.NewNop()), drv, in, testCoordinatorConfig(1))
		rep := co.Run(ctx)

		assert.Equal(t, 2, rep.TotalUsers)
		assert.Equal(t, 2, rep.Successful)
		assert.Equal(t, 0, rep.Failed)
		require.Len(t, rep.Results, 2)
		assert.Equal(t, "a@example.com", rep.Results[0].UserEmail)
		assert.Equal(t, "b@example.com", rep.Results[1].UserEmail)
		for _, r := range rep.Results {
			assert.Equal(t, StatusRoleAlreadyCorrect, r.Status)
		}
		for _, s := range drv.sessions() {
			assert.Equal(t, 0, s.saves())
			assert.True(t, s.closed, "per-request sessions must be torn down")
		}
		assert.Len(t, drv.sessions(), 2)
	})

	t.Run("shared session is opened once and closed at the end", func(t *testing.T) {
		drv := newFakeDriver(func(int) *fakeSession { return newHappySession() })
		in := testInput(
			ChangeRequest{TargetUser: "a@example.com", NewRole: "Teller"},
			ChangeRequest{TargetUser: "b@example.com", NewRole: "Auditor"},
		)
		cfg := testCoordinatorConfig(1)
		cfg.Session.Shared = true
		co := NewCoordinator(NewRunContext(zap.NewNop()), drv, in, cfg)
		rep := co.Run(ctx)

		assert.Equal(t, 2, rep.Successful)
		require.Len(t, drv.sessions(), 1)
		assert.True(t, drv.sessions()[0].closed)
	})

	t.Run("start failures become start timeout results", func(t *testing.T) {
		drv := newFakeDriver(func(int) *fakeSession { return newHappySession() })
		drv.openErr = func(int) error {
			return &driver.StartError{Err: errors.New("create page: context deadline exceeded")}
		}
		in := testInput(ChangeRequest{TargetUser: "a@example.com", NewRole: "Teller"})
		co := NewCoordinator(NewRunContext(zap.NewNop()), drv, in, testCoordinatorConfig(1))
		rep := co.Run(ctx)

		require.Len(t, rep.Results, 1)
		assert.Equal(t, StatusStartTimeout, rep.Results[0].Status)
		assert.Equal(t, 1, rep.Failed)
	})

	t.Run("interrupt flushes collected results", func(t *testing.T) {
		drv := newFakeDriver(func(int) *fakeSession { return newHappySession() })
		in := testInput(
			ChangeRequest{TargetUser: "a@example.com", NewRole: "Teller"},
			ChangeRequest{TargetUser: "b@example.com", NewRole: "Teller"},
			ChangeRequest{TargetUser: "c@example.com", NewRole: "Teller"},
		)
		cctx, cancel := context.WithCancel(ctx)
		cfg := testCoordinatorConfig(1)
		cfg.InterRequestPause = time.Millisecond
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}
		co := NewCoordinator(NewRunContext(zap.NewNop()), drv, in, cfg)
		rep := co.Run(cctx)

		assert.Equal(t, 1, rep.TotalUsers, "only the finished request is reported")
		assert.Equal(t, 1, rep.Successful)
	})

	t.Run("open circuit rejects before any driver traffic", func(t *testing.T) {
		netErr := errors.New("dial tcp 10.0.0.5:443: connection refused")
		drv := newFakeDriver(func(int) *fakeSession {
			return &fakeSession{rules: []boolRule{{contains: "", err: netErr}}}
		})
		in := testInput(
			ChangeRequest{TargetUser: "a@example.com", NewRole: "Teller"},
			ChangeRequest{TargetUser: "b@example.com", NewRole: "Teller"},
			ChangeRequest{TargetUser: "c@example.com", NewRole: "Teller"},
			ChangeRequest{TargetUser: "d@example.com", NewRole: "Teller"},
		)
		cfg := testCoordinatorConfig(1)
		cfg.Retry = testRetry(1)
		cfg.BreakerThreshold = 3
		co := NewCoordinator(NewRunContext(zap.NewNop()), drv, in, cfg)
		rep := co.Run(ctx)

		assert.Equal(t, 4, rep.Failed)
		for _, r := range rep.Results {
			assert.Equal(t, StatusLoginFailed, r.Status)
		}
		sessions := drv.sessions()
		require.Len(t, sessions, 4)
		for _, s := range sessions[:3] {
			assert.Greater(t, s.calls(), 0)
		}
		assert.Equal(t, 0, sessions[3].calls(), "open circuit must short-circuit the request")
	})
}

func TestCoordinatorParallel(t *testing.T) {
	ctx := context.Background()

	t.Run("workers share the batch and keep input order", func(t *testing.T) {
		drv := newFakeDriver(func(int) *fakeSession {
			return newHappySession(boolRule{contains: "'ghost@example.com'", value: false})
		})
		in := testInput(
			ChangeRequest{TargetUser: "a@example.com", NewRole: "Teller"},
			ChangeRequest{TargetUser: "ghost@example.com", NewRole: "Teller"},
			ChangeRequest{TargetUser: "c@example.com", NewBranch: "370-Downtown"},
		)
		co := NewCoordinator(NewRunContext(zap.NewNop()), drv, in, testCoordinatorConfig(2))
		rep := co.Run(ctx)

		assert.Equal(t, 3, rep.TotalUsers)
		assert.Equal(t, 2, rep.Successful)
		assert.Equal(t, 1, rep.Failed)
		require.Len(t, rep.Results, 3)
		assert.Equal(t, "a@example.com", rep.Results[0].UserEmail)
		assert.Equal(t, "ghost@example.com", rep.Results[1].UserEmail)
		assert.Equal(t, "c@example.com", rep.Results[2].UserEmail)
		assert.Equal(t, StatusUserNotFound, rep.Results[1].Status)
	})

	t.Run("shared session mode is downgraded to isolated sessions", func(t *testing.T) {
		drv := newFakeDriver(func(int) *fakeSession { return newHappySession() })
		in := testInput(
			ChangeRequest{TargetUser: "a@example.com", NewRole: "Teller"},
			ChangeRequest{TargetUser: "b@example.com", NewRole: "Teller"},
		)
		cfg := testCoordinatorConfig(2)
		cfg.Session.Shared = true
		co := NewCoordinator(NewRunContext(zap.NewNop()), drv, in, cfg)
		rep := co.Run(ctx)

		assert.Equal(t, 2, rep.Successful)
		assert.Len(t, drv.sessions(), 2)
		for _, s := range drv.sessions() {
			assert.True(t, s.closed)
		}
	})
}
