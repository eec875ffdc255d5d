package policy

import (
	"errors"
	"testing"
)

func TestTransition(t *testing.T) {
	all := []Status{StatusDraft, StatusPendingApproval, StatusApproved, StatusRejected, StatusSuperseded}
	events := []Event{EventSubmit, EventApprove, EventReject, EventSupersede}

	allowed := map[Status]map[Event]Status{
		StatusDraft:           {EventSubmit: StatusPendingApproval},
		StatusPendingApproval: {EventApprove: StatusApproved, EventReject: StatusRejected},
		StatusApproved:        {EventSupersede: StatusSuperseded},
	}

	for _, from := range all {
		for _, ev := range events {
			to, err := Transition(from, ev)
			want, ok := allowed[from][ev]
			if ok {
				if err != nil || to != want {
					t.Errorf("%s --%s--> got (%s, %v), want %s", from, ev, to, err, want)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s --%s--> expected ErrInvalidTransition, got %v", from, ev, err)
			}
			if to != from {
				t.Errorf("%s --%s--> refused transition changed status to %s", from, ev, to)
			}
		}
	}
}

func TestWorkflow(t *testing.T) {
	if _, err := NewWorkflow("committee", nil); err == nil {
		t.Error("expected committee without members to fail")
	}
	if _, err := NewWorkflow("majority", nil); err == nil {
		t.Error("expected unknown workflow to fail")
	}

	dual, _ := NewWorkflow("dual", nil)
	if dual.Required() != 2 {
		t.Errorf("dual required = %d", dual.Required())
	}
	if dual.Satisfied([]Approval{{ApproverID: "a"}}) {
		t.Error("dual satisfied with one approval")
	}
	if !dual.Satisfied([]Approval{{ApproverID: "a"}, {ApproverID: "b"}}) {
		t.Error("dual not satisfied with two approvals")
	}

	c, _ := NewWorkflow("committee", []string{"x", "y"})
	if err := c.CanApprove("z"); !errors.Is(err, ErrNotCommitteeMember) {
		t.Errorf("expected ErrNotCommitteeMember, got %v", err)
	}
	if c.Satisfied([]Approval{{ApproverID: "x"}}) {
		t.Error("committee satisfied without all members")
	}
	if !c.Satisfied([]Approval{{ApproverID: "y"}, {ApproverID: "x"}}) {
		t.Error("committee not satisfied with all members")
	}
}
