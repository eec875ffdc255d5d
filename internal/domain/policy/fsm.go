package policy

// Event drives the approval state machine.
type Event string

const (
	EventSubmit    Event = "submit"
	EventApprove   Event = "approve"
	EventReject    Event = "reject"
	EventSupersede Event = "supersede"
)

// transitions is the complete approval state machine. Rejected and
// Superseded are terminal. EventApprove on a pending version only moves it
// to Approved once the workflow is satisfied; until then the status stays.
var transitions = map[Status]map[Event]Status{
	StatusDraft: {
		EventSubmit: StatusPendingApproval,
	},
	StatusPendingApproval: {
		EventApprove: StatusApproved,
		EventReject:  StatusRejected,
	},
	StatusApproved: {
		EventSupersede: StatusSuperseded,
	},
}

// Transition returns the status reached from `from` on `ev`.
func Transition(from Status, ev Event) (Status, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, &TransitionError{From: from, Event: ev}
}
