package policy

import (
	"sort"
	"time"

	"github.com/ehr/deid/internal/domain/pseudonym"
)

type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusSuperseded      Status = "superseded"
)

func (s Status) valid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusApproved, StatusRejected, StatusSuperseded:
		return true
	}
	return false
}

// Action is the closed set of per-field decisions.
type Action string

const (
	ActionRemove       Action = "remove"
	ActionPseudonymize Action = "pseudonymize"
	ActionPreserve     Action = "preserve"
)

// Rule is the resolved decision for one field. Kind is set only for
// ActionPseudonymize.
type Rule struct {
	FieldID string         `json:"field_id"`
	Action  Action         `json:"action"`
	Kind    pseudonym.Kind `json:"kind,omitempty"`
}

// DefaultAction is what happens to fields no rule names. Pseudonymization is
// not offered here because it needs a kind per field.
type DefaultAction string

const (
	DefaultRemove   DefaultAction = "remove"
	DefaultPreserve DefaultAction = "preserve"
)

type Approval struct {
	ApproverID string    `json:"approver_id" yaml:"approver_id"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}

type Rejection struct {
	ApproverID string    `json:"approver_id" yaml:"approver_id"`
	Reason     string    `json:"reason" yaml:"reason"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}

// Policy is one immutable-in-content version of a de-identification policy.
// Only Status, Approvals and Rejection change after creation.
type Policy struct {
	ID            string          `json:"id"`
	Version       int             `json:"version"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Status        Status          `json:"status"`
	DefaultAction DefaultAction   `json:"default_action"`
	Rules         map[string]Rule `json:"rules"`
	Approvals     []Approval      `json:"approvals"`
	Rejection     *Rejection      `json:"rejection,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Classify returns the explicit rule for fieldID, or the default action.
func (p *Policy) Classify(fieldID string) Rule {
	if r, ok := p.Rules[fieldID]; ok {
		return r
	}
	return Rule{FieldID: fieldID, Action: Action(p.DefaultAction)}
}

// Usable reports whether the policy may run without emergency bypass.
func (p *Policy) Usable() bool {
	return p.Status == StatusApproved
}

// HasApproved reports whether approverID already approved this version.
func (p *Policy) HasApproved(approverID string) bool {
	for _, a := range p.Approvals {
		if a.ApproverID == approverID {
			return true
		}
	}
	return false
}

// FieldsByAction lists field ids for one action in sorted order.
func (p *Policy) FieldsByAction(a Action) []string {
	var out []string
	for id, r := range p.Rules {
		if r.Action == a {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy so cached policies are never mutated in place.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Rules = make(map[string]Rule, len(p.Rules))
	for k, v := range p.Rules {
		cp.Rules[k] = v
	}
	cp.Approvals = append([]Approval(nil), p.Approvals...)
	if p.Rejection != nil {
		r := *p.Rejection
		cp.Rejection = &r
	}
	return &cp
}
