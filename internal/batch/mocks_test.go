package batch

import (
	"context"
	"strings"
	"sync"
	"time"

	"cspflow/internal/driver"
)

// noSleep keeps tests instant while still honoring cancellation.
func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

// boolRule answers observation queries by instruction substring. The
// first matching rule wins.
type boolRule struct {
	contains string
	value    bool
	err      error
}

// fakeSession scripts a console. Observation queries are answered from
// the rule table; mutating instructions are recorded and succeed unless
// actErr says otherwise.
type fakeSession struct {
	mu     sync.Mutex
	rules  []boolRule
	actErr func(instruction string) error

	acts   []string
	checks []string
	typed  []string
	closed bool
}

func (s *fakeSession) Act(ctx context.Context, instruction string) (driver.Result, error) {
	s.mu.Lock()
	s.acts = append(s.acts, instruction)
	hook := s.actErr
	s.mu.Unlock()
	if hook != nil {
		if err := hook(instruction); err != nil {
			return driver.Result{}, err
		}
	}
	return driver.Result{}, nil
}

func (s *fakeSession) ActBool(ctx context.Context, instruction string) (bool, error) {
	s.mu.Lock()
	s.checks = append(s.checks, instruction)
	rules := s.rules
	s.mu.Unlock()
	for _, r := range rules {
		if strings.Contains(instruction, r.contains) {
			return r.value, r.err
		}
	}
	return false, nil
}

func (s *fakeSession) Type(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typed = append(s.typed, text)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// calls is the driver traffic this session saw, planner-visible only.
func (s *fakeSession) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acts) + len(s.checks)
}

// saves counts save clicks.
func (s *fakeSession) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.acts {
		if strings.Contains(a, "Click the Save button") {
			n++
		}
	}
	return n
}

func (s *fakeSession) actContaining(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.acts {
		if strings.Contains(a, sub) {
			return true
		}
	}
	return false
}

// happyRules answer a console where login works, the user exists, and
// every requested value still needs changing. Overrides go first so they
// shadow the defaults.
func happyRules(overrides ...boolRule) []boolRule {
	defaults := []boolRule{
		{contains: "still loading", value: false},
		{contains: "already signed in", value: false},
		{contains: "successfully logged in", value: true},
		{contains: "user management table", value: true},
		{contains: "detailed search filters", value: true},
		{contains: "returned nothing", value: false},
		{contains: "row whose Login cell contains", value: true},
		{contains: "dropdown menu with options", value: true},
		{contains: "edit user form is displayed", value: true},
		{contains: "active tab", value: true},
		{contains: "currently shows exactly", value: false},
		{contains: "Role field now shows", value: true},
		{contains: "Bank user field now contains", value: true},
		{contains: "Bank user field and check if its current value contains", value: false},
		{contains: "Bank user field contains", value: true},
		{contains: "Scope field now contains", value: true},
		{contains: "Scope field and check if its current value contains", value: false},
		{contains: "Scope field contains", value: true},
		{contains: "save succeeded", value: true},
		{contains: "error message", value: false},
	}
	return append(overrides, defaults...)
}

func newHappySession(overrides ...boolRule) *fakeSession {
	return &fakeSession{rules: happyRules(overrides...)}
}

// fakeDriver mints fakeSessions from a factory and can fail opens.
type fakeDriver struct {
	mu      sync.Mutex
	factory func(call int) *fakeSession
	openErr func(call int) error

	opened    []*fakeSession
	openCalls int
	shutdowns int
}

func newFakeDriver(factory func(call int) *fakeSession) *fakeDriver {
	return &fakeDriver{factory: factory}
}

func (d *fakeDriver) OpenSession(ctx context.Context, startURL string) (driver.Session, error) {
	d.mu.Lock()
	d.openCalls++
	call := d.openCalls
	d.mu.Unlock()
	if d.openErr != nil {
		if err := d.openErr(call); err != nil {
			return nil, err
		}
	}
	sess := d.factory(call)
	d.mu.Lock()
	d.opened = append(d.opened, sess)
	d.mu.Unlock()
	return sess, nil
}

func (d *fakeDriver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdowns++
	return nil
}

func (d *fakeDriver) sessions() []*fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*fakeSession, len(d.opened))
	copy(out, d.opened)
	return out
}
