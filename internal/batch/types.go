// Package batch orchestrates role and branch change requests against the
// admin console: per-request pipelines, session lifecycle, batch
// coordination and result reporting.
package batch

import (
	"strings"
	"time"
)

// Credentials authenticate against the admin console.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	AdminURL string `json:"csp_admin_url"`
}

// ChangeRequest describes the desired end state for one user account.
// Role and branch are each optional; an explicit BranchHierarchy takes
// precedence over NewBranch.
type ChangeRequest struct {
	TargetUser      string   `json:"target_user"`
	NewRole         string   `json:"new_role,omitempty"`
	NewBranch       string   `json:"new_branch,omitempty"`
	BranchHierarchy []string `json:"branch_hierarchy,omitempty"`
}

// RoleRequested reports whether the request asks for a role change.
func (r ChangeRequest) RoleRequested() bool { return r.NewRole != "" }

// BranchRequested reports whether the request asks for a branch change.
func (r ChangeRequest) BranchRequested() bool {
	return len(r.BranchHierarchy) > 0 || r.NewBranch != ""
}

// EffectiveHierarchy resolves the branch navigation path. An explicit
// hierarchy wins; a bare branch name is expanded under the configured
// default root and region.
func (r ChangeRequest) EffectiveHierarchy(root, region string) []string {
	if len(r.BranchHierarchy) > 0 {
		return r.BranchHierarchy
	}
	if r.NewBranch != "" {
		return []string{root, region, r.NewBranch}
	}
	return nil
}

// BranchLeaf returns the final hierarchy level, the value both profile
// fields must end up containing.
func (r ChangeRequest) BranchLeaf() string {
	if len(r.BranchHierarchy) > 0 {
		return r.BranchHierarchy[len(r.BranchHierarchy)-1]
	}
	return r.NewBranch
}

// Input is the batch input document.
type Input struct {
	Credentials Credentials     `json:"admin_credentials"`
	Users       []ChangeRequest `json:"users"`
}

// StepOutcome is the result of an idempotent apply step.
type StepOutcome int

const (
	// OutcomeSkipped means the remote value already matched, nothing
	// was touched.
	OutcomeSkipped StepOutcome = iota
	// OutcomeApplied means the value was changed and needs saving.
	OutcomeApplied
)

// Closed status vocabulary. Reports are consumed downstream by prefix,
// so new statuses must keep the success/failed prefix convention.
const (
	StatusRoleUpdated          = "success - role updated"
	StatusBranchUpdated        = "success - branch updated"
	StatusRoleAndBranchUpdated = "success - role and branch updated"
	StatusRoleAlreadyCorrect   = "success - role already correct"
	StatusBranchAlreadyCorrect = "success - branch already correct"
	StatusAlreadyConfigured    = "success - no changes needed, already configured correctly"
	StatusNoChangesRequested   = "success - no changes requested"

	StatusUserNotFound       = "failed - user not found"
	StatusLoginFailed        = "failed - login failed"
	StatusNavigationFailed   = "failed - navigation failed"
	StatusUserSearchFailed   = "failed - user search failed"
	StatusRoleChangeFailed   = "failed - role change failed"
	StatusBranchChangeFailed = "failed - branch change failed"
	StatusSaveFailed         = "failed - save failed"
	StatusStartTimeout       = "failed - start timeout"
)

// successStatus composes the final success status from what was asked
// for and what actually changed.
func successStatus(roleReq, branchReq bool, role, branch StepOutcome) string {
	roleChanged := roleReq && role == OutcomeApplied
	branchChanged := branchReq && branch == OutcomeApplied
	switch {
	case roleChanged && branchChanged:
		return StatusRoleAndBranchUpdated
	case roleChanged:
		return StatusRoleUpdated
	case branchChanged:
		return StatusBranchUpdated
	case roleReq && branchReq:
		return StatusAlreadyConfigured
	case roleReq:
		return StatusRoleAlreadyCorrect
	case branchReq:
		return StatusBranchAlreadyCorrect
	default:
		return StatusNoChangesRequested
	}
}

// RequestResult is the per-request report entry. Seq preserves input
// order for reporting; it is not serialized.
type RequestResult struct {
	UserEmail string `json:"user_email"`
	NewRole   string `json:"new_role"`
	NewBranch string `json:"new_branch"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`

	Seq int `json:"-"`
}

// Succeeded reports whether the status carries the success prefix.
func (r RequestResult) Succeeded() bool {
	return strings.HasPrefix(r.Status, "success")
}

func newResult(req ChangeRequest, seq int, now time.Time) RequestResult {
	role := req.NewRole
	if role == "" {
		role = "unchanged"
	}
	branch := req.BranchLeaf()
	if branch == "" {
		branch = "unchanged"
	}
	return RequestResult{
		UserEmail: req.TargetUser,
		NewRole:   role,
		NewBranch: branch,
		Timestamp: now.Format("2006-01-02 15:04:05"),
		Seq:       seq,
	}
}

// Report is the batch summary written to disk after a run.
type Report struct {
	Timestamp  string          `json:"timestamp"`
	TotalUsers int             `json:"total_users"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	Results    []RequestResult `json:"results"`
}

// SuccessRate returns the share of succeeded requests as a percentage.
// An empty report counts as 100%.
func (r Report) SuccessRate() float64 {
	if r.TotalUsers == 0 {
		return 100
	}
	return float64(r.Successful) / float64(r.TotalUsers) * 100
}
