package batch

import "fmt"

// NotFoundError means the user search returned no usable match. It is
// final for the request but harmless for the rest of the batch.
type NotFoundError struct {
	User string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("user %q not found in the admin console", e.User)
}

// VerificationError means the console did not reflect a change after it
// was applied. Post-condition checks raise it so the request fails
// instead of reporting a value the remote side never took.
type VerificationError struct {
	Field string
	Want  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s does not show %q after applying the change", e.Field, e.Want)
}

// SaveError means the save action reported a failure or the console
// showed an error after saving.
type SaveError struct {
	Reason string
}

func (e *SaveError) Error() string {
	if e.Reason == "" {
		return "save was not confirmed by the console"
	}
	return "save failed: " + e.Reason
}
