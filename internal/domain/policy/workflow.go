package policy

import (
	"fmt"
)

type WorkflowKind string

const (
	WorkflowSingle    WorkflowKind = "single"
	WorkflowDual      WorkflowKind = "dual"
	WorkflowCommittee WorkflowKind = "committee"
)

// Workflow decides when a pending version has enough approvals.
type Workflow struct {
	Kind      WorkflowKind
	Committee []string
}

func NewWorkflow(kind string, committee []string) (Workflow, error) {
	w := Workflow{Kind: WorkflowKind(kind), Committee: committee}
	switch w.Kind {
	case WorkflowSingle, WorkflowDual:
	case WorkflowCommittee:
		if len(committee) == 0 {
			return Workflow{}, fmt.Errorf("committee workflow needs at least one member")
		}
	default:
		return Workflow{}, fmt.Errorf("unknown approval workflow %q", kind)
	}
	return w, nil
}

// Required is the number of distinct approvals needed.
func (w Workflow) Required() int {
	switch w.Kind {
	case WorkflowDual:
		return 2
	case WorkflowCommittee:
		return len(w.Committee)
	default:
		return 1
	}
}

// CanApprove rejects approvers outside the committee.
func (w Workflow) CanApprove(approverID string) error {
	if w.Kind != WorkflowCommittee {
		return nil
	}
	for _, m := range w.Committee {
		if m == approverID {
			return nil
		}
	}
	return ErrNotCommitteeMember
}

// Satisfied reports whether approvals meet the workflow. Approvals are
// distinct by construction; duplicates are refused before they are recorded.
func (w Workflow) Satisfied(approvals []Approval) bool {
	if w.Kind == WorkflowCommittee {
		for _, m := range w.Committee {
			found := false
			for _, a := range approvals {
				if a.ApproverID == m {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
	return len(approvals) >= w.Required()
}
