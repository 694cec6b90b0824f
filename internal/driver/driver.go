// Package driver defines the narrow contract the orchestration core uses
// to act on the admin console. Instructions are natural language; the
// driver is responsible for turning them into primitive browser actions
// and for answering boolean observation queries about the current page.
// The core never inspects DOM structure directly.
package driver

import (
	"context"
)

// Result carries the outcome of a single executed instruction. Response
// holds free text when the planner produced any; Parsed is set only when
// the instruction was issued with the boolean schema.
type Result struct {
	Response string
	Parsed   *bool
}

// Bool returns the typed boolean value and whether one was parsed.
func (r Result) Bool() (bool, bool) {
	if r.Parsed == nil {
		return false, false
	}
	return *r.Parsed, true
}

// Session is one isolated browser context pointed at the admin console.
// A session is owned by exactly one request flow and is never shared.
type Session interface {
	// Act executes a natural-language instruction against the page.
	Act(ctx context.Context, instruction string) (Result, error)

	// ActBool executes an observation-only instruction and returns the
	// boolean answer. The page must not be mutated.
	ActBool(ctx context.Context, instruction string) (bool, error)

	// Type clears the currently focused field and types text into it
	// directly, bypassing the planner so credentials and identifiers
	// never appear in planner traffic.
	Type(ctx context.Context, text string) error

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Driver creates sessions against a target endpoint.
type Driver interface {
	// OpenSession opens a fresh isolated session navigated to startURL.
	// Transient start failures are reported as *StartError.
	OpenSession(ctx context.Context, startURL string) (Session, error)

	// Shutdown releases the underlying browser and all sessions.
	Shutdown(ctx context.Context) error
}

// StartError marks a session start failure. Start failures are transient
// and retried by the session manager with a budget distinct from the
// per-step retry budget.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return "session start failed: " + e.Err.Error()
}

func (e *StartError) Unwrap() error { return e.Err }
