package policy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPolicyNotFound          = errors.New("policy not found")
	ErrPolicyExists            = errors.New("policy already exists")
	ErrPolicyNotApproved       = errors.New("policy is not approved")
	ErrInvalidTransition       = errors.New("invalid policy state transition")
	ErrDuplicateApproval       = errors.New("approver has already approved this version")
	ErrNotCommitteeMember      = errors.New("approver is not a committee member")
	ErrEmergencyBypassDisabled = errors.New("emergency bypass is disabled for this deployment")
	ErrRevisionPending         = errors.New("policy already has a draft or pending version")
	ErrStoreTimeout            = errors.New("policy store timed out")
)

// InvalidPolicyError lists every problem found while compiling a document.
type InvalidPolicyError struct {
	Problems []string
}

func (e *InvalidPolicyError) Error() string {
	return fmt.Sprintf("invalid policy: %s", strings.Join(e.Problems, "; "))
}

// TransitionError describes a refused state change.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a policy in status %s", e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
