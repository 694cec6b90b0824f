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

// SessionConfig controls session lifecycle for one worker.
type SessionConfig struct {
	// StartURL is where new sessions are pointed.
	StartURL string
	// StartRetries bounds how many times a failed session start is
	// retried before the request is marked failed.
	StartRetries int
	// Shared keeps one session alive across requests instead of opening
	// a fresh one per request. Saves startup cost, loses isolation.
	Shared bool

	// Sleep is replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// SessionManager hands sessions to the pipeline and guarantees teardown.
// One manager belongs to one worker; it is not safe for concurrent use.
type SessionManager struct {
	drv driver.Driver
	cfg SessionConfig
	log *zap.Logger

	shared driver.Session
}

// NewSessionManager builds a manager over drv.
func NewSessionManager(drv driver.Driver, cfg SessionConfig, log *zap.Logger) *SessionManager {
	if cfg.StartRetries <= 0 {
		cfg.StartRetries = 3
	}
	if cfg.Sleep == nil {
		cfg.Sleep = reliability.Sleep
	}
	return &SessionManager{drv: drv, cfg: cfg, log: log}
}

// WithSession acquires a session, runs fn, and tears the session down
// afterwards in per-request mode. In shared mode the session survives fn
// and is released by Close. Teardown runs even when fn panics.
func (m *SessionManager) WithSession(ctx context.Context, fn func(driver.Session) error) error {
	sess, fresh, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	if !m.cfg.Shared {
		defer func() {
			if cerr := sess.Close(); cerr != nil {
				m.log.Warn("session close failed", zap.Error(cerr))
			}
		}()
	} else if fresh {
		m.shared = sess
	}
	return fn(sess)
}

// Close releases the shared session if one is open.
func (m *SessionManager) Close() error {
	if m.shared == nil {
		return nil
	}
	err := m.shared.Close()
	m.shared = nil
	return err
}

func (m *SessionManager) acquire(ctx context.Context) (driver.Session, bool, error) {
	if m.cfg.Shared && m.shared != nil {
		return m.shared, false, nil
	}

	var last error
	for attempt := 1; attempt <= m.cfg.StartRetries; attempt++ {
		sess, err := m.drv.OpenSession(ctx, m.cfg.StartURL)
		if err == nil {
			return sess, true, nil
		}
		var startErr *driver.StartError
		if !errors.As(err, &startErr) {
			return nil, false, err
		}
		last = err
		if attempt == m.cfg.StartRetries {
			break
		}
		delay := 2 * time.Second * time.Duration(attempt)
		m.log.Warn("session start failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.StartRetries),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := m.cfg.Sleep(ctx, delay); serr != nil {
			return nil, false, serr
		}
	}
	return nil, false, fmt.Errorf("session start exhausted %d attempts: %w", m.cfg.StartRetries, last)
}
