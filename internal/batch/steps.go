package batch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"cspflow/internal/driver"
	"cspflow/internal/reliability"
)

// act runs one mutating instruction, charged against the step's guard.
func (p *Pipeline) act(ctx context.Context, sess driver.Session, g *reliability.ActionGuard, instruction string) error {
	return g.Do(instruction, func() error {
		_, err := sess.Act(ctx, instruction)
		return err
	})
}

// check runs one observation query, charged against the step's guard.
func (p *Pipeline) check(ctx context.Context, sess driver.Session, g *reliability.ActionGuard, question string) (bool, error) {
	var answer bool
	err := g.Do(question, func() error {
		var aerr error
		answer, aerr = sess.ActBool(ctx, question)
		return aerr
	})
	return answer, err
}

// login signs into the admin console. Credentials are typed directly
// into the focused fields, never embedded in instructions.
func (p *Pipeline) login(ctx context.Context, sess driver.Session, g *reliability.ActionGuard) error {
	already, err := p.check(ctx, sess, g, "Check if we are already signed in: the portal header and the left navigation with an Administration section are visible")
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	if err := p.act(ctx, sess, g, "Click the username field on the login form to focus it"); err != nil {
		return err
	}
	if err := sess.Type(ctx, p.creds.Username); err != nil {
		return fmt.Errorf("type username: %w", err)
	}
	if err := p.act(ctx, sess, g, "Click the password field on the login form to focus it"); err != nil {
		return err
	}
	if err := sess.Type(ctx, p.creds.Password); err != nil {
		return fmt.Errorf("type password: %w", err)
	}
	if err := p.act(ctx, sess, g, "Click the login button to sign in"); err != nil {
		return err
	}
	if err := p.waitSettled(ctx, sess, "the portal after login"); err != nil {
		return err
	}

	ok, err := p.check(ctx, sess, g, "Check if we are successfully logged in: the portal header, the left navigation with an Administration section and the signed-in user name are all visible")
	if err != nil {
		return err
	}
	if !ok {
		shown, cerr := p.check(ctx, sess, g, "Check if the login form shows an error message about invalid credentials")
		if cerr == nil && shown {
			return errors.New("console rejected the credentials")
		}
		return errors.New("login verification failed")
	}
	return nil
}

// navigateToUsers opens the user management screen unless it is already
// showing.
func (p *Pipeline) navigateToUsers(ctx context.Context, sess driver.Session, g *reliability.ActionGuard) error {
	already, err := p.check(ctx, sess, g, "Check if the user management table with columns like ID, Login, Name and Scope is already visible")
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	if err := p.act(ctx, sess, g, "Click the Administration section in the left navigation to expand it"); err != nil {
		return err
	}
	if err := p.act(ctx, sess, g, "Click the Users entry under the Administration section"); err != nil {
		return err
	}
	if err := p.waitSettled(ctx, sess, "the user management screen"); err != nil {
		return err
	}

	ok, err := p.check(ctx, sess, g, "Check if the user management table with columns like ID, Login, Name and Scope is visible")
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("user management screen did not open")
	}
	return nil
}

// locateUser searches for the target account and opens its edit form.
// Logins may carry a domain prefix, so matching is by substring.
func (p *Pipeline) locateUser(ctx context.Context, sess driver.Session, g *reliability.ActionGuard, target string) error {
	expanded, err := p.check(ctx, sess, g, "Check if the detailed search filters with fields for ID, Login, Scope and Block status are visible")
	if err != nil {
		return err
	}
	if !expanded {
		if err := p.act(ctx, sess, g, "Click the button that expands the detailed search filters, usually labelled 'More filters'"); err != nil {
			return err
		}
	}

	if err := p.act(ctx, sess, g, "Click the Login filter field to focus it"); err != nil {
		return err
	}
	if err := sess.Type(ctx, target); err != nil {
		return fmt.Errorf("type login filter: %w", err)
	}
	if err := p.act(ctx, sess, g, "Click the Search button to run the user search"); err != nil {
		return err
	}
	if err := p.waitSettled(ctx, sess, "the search results"); err != nil {
		return err
	}

	empty, err := p.check(ctx, sess, g, "Check if the search returned nothing: a 'no records found' message is shown or the results table has no rows")
	if err != nil {
		return err
	}
	if empty {
		return &NotFoundError{User: target}
	}

	present, err := p.check(ctx, sess, g, fmt.Sprintf(
		"Check if the results table has a row whose Login cell contains '%s' as a substring; logins may carry a domain prefix like 'corp\\%s' and matching is case-insensitive", target, target))
	if err != nil {
		return err
	}
	if !present {
		return &NotFoundError{User: target}
	}

	// The actions dropdown sometimes swallows the first click, so the
	// open-and-edit sequence gets a few tries of its own.
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			if err := p.act(ctx, sess, g, "Click an empty area of the page to close any open dropdown"); err != nil {
				return err
			}
		}
		if err := p.act(ctx, sess, g, fmt.Sprintf(
			"In the results row whose Login contains '%s', click the Select dropdown in the Actions column", target)); err != nil {
			return err
		}
		opened, err := p.check(ctx, sess, g, "Check if a dropdown menu with options like 'View details', 'Edit' and 'Manage authentication' is open")
		if err != nil {
			return err
		}
		if !opened {
			continue
		}
		if err := p.act(ctx, sess, g, "Click the 'Edit' option in the open dropdown menu"); err != nil {
			return err
		}
		if err := p.waitSettled(ctx, sess, "the edit user form"); err != nil {
			return err
		}
		loaded, err := p.check(ctx, sess, g, "Check if the edit user form is displayed with the user's details and a tab bar that includes a 'Roles' tab")
		if err != nil {
			return err
		}
		if loaded {
			return nil
		}
	}
	return errors.New("edit form did not open")
}

// applyRole sets the role if it differs from the requested one.
func (p *Pipeline) applyRole(ctx context.Context, sess driver.Session, g *reliability.ActionGuard, role string) (StepOutcome, error) {
	if err := p.openRolesTab(ctx, sess, g); err != nil {
		return OutcomeSkipped, err
	}

	current, err := p.check(ctx, sess, g, fmt.Sprintf(
		"Look at the Role field on the Roles tab and check if it currently shows exactly '%s'", role))
	if err != nil {
		return OutcomeSkipped, err
	}
	if current {
		return OutcomeSkipped, nil
	}

	if err := p.act(ctx, sess, g, "Click the small X next to the current value in the Role field to clear it"); err != nil {
		return OutcomeSkipped, err
	}
	if err := p.act(ctx, sess, g, "Click the 'Select role...' dropdown to open the role list"); err != nil {
		return OutcomeSkipped, err
	}
	if err := p.act(ctx, sess, g, "Click the search input inside the open role dropdown to focus it"); err != nil {
		return OutcomeSkipped, err
	}
	if err := sess.Type(ctx, role); err != nil {
		return OutcomeSkipped, fmt.Errorf("type role filter: %w", err)
	}
	if err := p.act(ctx, sess, g, fmt.Sprintf("In the filtered role list, click the option '%s'", role)); err != nil {
		return OutcomeSkipped, err
	}

	populated, err := p.check(ctx, sess, g, fmt.Sprintf("Check if the Role field now shows '%s'", role))
	if err != nil {
		return OutcomeSkipped, err
	}
	if !populated {
		// One more try; option lists occasionally drop the first click.
		if err := p.act(ctx, sess, g, fmt.Sprintf("Click the option '%s' in the role list again", role)); err != nil {
			return OutcomeSkipped, err
		}
		populated, err = p.check(ctx, sess, g, fmt.Sprintf("Check if the Role field now shows '%s'", role))
		if err != nil {
			return OutcomeSkipped, err
		}
		if !populated {
			return OutcomeSkipped, &VerificationError{Field: "role field", Want: role}
		}
	}
	return OutcomeApplied, nil
}

// applyBranch drives the two branch-scoped profile fields to the leaf of
// the hierarchy. Both the bank user field and the scope field must end
// up containing the leaf; a partial update is a failure.
func (p *Pipeline) applyBranch(ctx context.Context, sess driver.Session, g *reliability.ActionGuard, hierarchy []string) (StepOutcome, error) {
	if len(hierarchy) < 2 {
		return OutcomeSkipped, fmt.Errorf("branch hierarchy needs at least two levels, got %d", len(hierarchy))
	}
	leaf := hierarchy[len(hierarchy)-1]

	if err := p.openRolesTab(ctx, sess, g); err != nil {
		return OutcomeSkipped, err
	}

	changed := false
	if !p.cfg.ScopeOnlyLegacyBranch {
		bankCurrent, err := p.check(ctx, sess, g, fmt.Sprintf(
			"Look only at the Bank user field and check if its current value contains '%s'", leaf))
		if err != nil {
			return OutcomeSkipped, err
		}
		if !bankCurrent {
			if err := p.selectBranch(ctx, sess, g, hierarchy, "Bank user"); err != nil {
				return OutcomeSkipped, err
			}
			ok, err := p.check(ctx, sess, g, fmt.Sprintf(
				"Check if the Bank user field now contains '%s' and the selection panel is closed", leaf))
			if err != nil {
				return OutcomeSkipped, err
			}
			if !ok {
				return OutcomeSkipped, &VerificationError{Field: "bank user field", Want: leaf}
			}
			changed = true
		}
	}

	scopeCurrent, err := p.check(ctx, sess, g, fmt.Sprintf(
		"Look only at the Scope field and check if its current value contains '%s'", leaf))
	if err != nil {
		return OutcomeSkipped, err
	}
	if !scopeCurrent {
		if err := p.selectBranch(ctx, sess, g, hierarchy, "Scope"); err != nil {
			return OutcomeSkipped, err
		}
		ok, err := p.check(ctx, sess, g, fmt.Sprintf(
			"Check if the Scope field now contains '%s' and the selection panel is closed", leaf))
		if err != nil {
			return OutcomeSkipped, err
		}
		if !ok {
			return OutcomeSkipped, &VerificationError{Field: "scope field", Want: leaf}
		}
		changed = true
	}

	// Both fields must agree before the step may report success.
	if !p.cfg.ScopeOnlyLegacyBranch {
		bankOK, err := p.check(ctx, sess, g, fmt.Sprintf("Check if the Bank user field contains '%s'", leaf))
		if err != nil {
			return OutcomeSkipped, err
		}
		if !bankOK {
			return OutcomeSkipped, &VerificationError{Field: "bank user field", Want: leaf}
		}
	}
	scopeOK, err := p.check(ctx, sess, g, fmt.Sprintf("Check if the Scope field contains '%s'", leaf))
	if err != nil {
		return OutcomeSkipped, err
	}
	if !scopeOK {
		return OutcomeSkipped, &VerificationError{Field: "scope field", Want: leaf}
	}

	if changed {
		return OutcomeApplied, nil
	}
	return OutcomeSkipped, nil
}

// selectBranch drills through the hierarchy in the selection panel of
// the named field: upper levels are picked from the tree columns, the
// leaf through the panel's search box.
func (p *Pipeline) selectBranch(ctx context.Context, sess driver.Session, g *reliability.ActionGuard, hierarchy []string, field string) error {
	leaf := hierarchy[len(hierarchy)-1]

	if err := p.act(ctx, sess, g, fmt.Sprintf(
		"Click the three dots button next to the %s field to open the selection panel", field)); err != nil {
		return err
	}
	if err := p.waitSettled(ctx, sess, "the selection panel"); err != nil {
		return err
	}

	for i, level := range hierarchy[:len(hierarchy)-1] {
		column := "leftmost"
		if i > 0 {
			column = "next"
		}
		if err := p.act(ctx, sess, g, fmt.Sprintf(
			"In the selection panel, click '%s' in the %s tree column", level, column)); err != nil {
			return err
		}
	}

	if err := p.act(ctx, sess, g, fmt.Sprintf(
		"Type '%s' into the search box of the selection panel to filter the entries", leaf)); err != nil {
		return err
	}
	if err := p.waitSettled(ctx, sess, "the filtered panel entries"); err != nil {
		return err
	}
	if err := p.act(ctx, sess, g, fmt.Sprintf(
		"Tick the checkbox of the entry matching '%s' in the filtered list", leaf)); err != nil {
		return err
	}
	return p.act(ctx, sess, g, "Click the Select button at the bottom of the selection panel to apply the selection")
}

// openRolesTab makes sure the Roles tab of the edit form is active.
func (p *Pipeline) openRolesTab(ctx context.Context, sess driver.Session, g *reliability.ActionGuard) error {
	active, err := p.check(ctx, sess, g, "Check if the 'Roles' tab of the edit user form is the active tab")
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	if err := p.act(ctx, sess, g, "Click the 'Roles' tab in the edit user form"); err != nil {
		return err
	}
	if err := p.waitSettled(ctx, sess, "the Roles tab"); err != nil {
		return err
	}
	active, err = p.check(ctx, sess, g, "Check if the 'Roles' tab of the edit user form is the active tab")
	if err != nil {
		return err
	}
	if !active {
		return errors.New("roles tab did not activate")
	}
	return nil
}

// saveChanges commits the edit form and confirms the console took it.
func (p *Pipeline) saveChanges(ctx context.Context, sess driver.Session, g *reliability.ActionGuard) error {
	if err := p.act(ctx, sess, g, "Click the Save button of the edit user form to save the changes"); err != nil {
		return err
	}
	if err := p.waitSettled(ctx, sess, "the save confirmation"); err != nil {
		return err
	}
	ok, err := p.check(ctx, sess, g, "Check if the save succeeded: a success message is shown or the edit form has closed without errors")
	if err != nil {
		return err
	}
	if !ok {
		shown, cerr := p.check(ctx, sess, g, "Check if an error message indicates the save failed")
		if cerr == nil && shown {
			return &SaveError{Reason: "console reported an error"}
		}
		return &SaveError{}
	}
	return nil
}

// closeWithoutSaving discards the untouched form. Best effort; a form
// left open does not fail the request.
func (p *Pipeline) closeWithoutSaving(ctx context.Context, sess driver.Session, log *zap.Logger) {
	if _, err := sess.Act(ctx, "Close the edit user form without saving, using the Cancel button or the X in its corner"); err != nil {
		log.Debug("could not close the edit form", zap.Error(err))
	}
}
