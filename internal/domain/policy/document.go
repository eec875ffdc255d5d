package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ehr/deid/internal/domain/pseudonym"
)

// idPattern keeps policy ids safe as file names and URL path segments.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Document is the external policy format, stored as YAML on disk and
// accepted as JSON over HTTP.
type Document struct {
	ID            string     `json:"id" yaml:"id"`
	Version       int        `json:"version,omitempty" yaml:"version,omitempty"`
	Name          string     `json:"name" yaml:"name"`
	Description   string     `json:"description,omitempty" yaml:"description,omitempty"`
	Status        Status     `json:"status,omitempty" yaml:"status,omitempty"`
	DefaultAction string     `json:"default_action" yaml:"default_action"`
	Rules         RuleSets   `json:"rules" yaml:"rules"`
	Approvals     []Approval `json:"approvals,omitempty" yaml:"approvals,omitempty"`
	Rejection     *Rejection `json:"rejection,omitempty" yaml:"rejection,omitempty"`
	CreatedBy     string     `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

type RuleSets struct {
	Remove       []string            `json:"remove" yaml:"remove"`
	Pseudonymize []PseudonymizeEntry `json:"pseudonymize" yaml:"pseudonymize"`
	Preserve     []string            `json:"preserve" yaml:"preserve"`
}

type PseudonymizeEntry struct {
	FieldID string `json:"field_id" yaml:"field_id"`
	Kind    string `json:"kind" yaml:"kind"`
}

// Compile validates a document exhaustively and builds the tagged rule map.
// Every problem is reported at once rather than stopping at the first.
func Compile(doc Document) (*Policy, error) {
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !idPattern.MatchString(doc.ID) {
		addf("id %q must be 1-128 characters of letters, digits, '.', '_' or '-'", doc.ID)
	}
	if doc.Version < 0 {
		addf("version must not be negative")
	}
	if doc.Status != "" && !doc.Status.valid() {
		addf("unknown status %q", doc.Status)
	}

	def := DefaultAction(doc.DefaultAction)
	switch def {
	case DefaultRemove, DefaultPreserve:
	case "":
		addf("default_action is required (use %q for safe-harbor behaviour)", DefaultRemove)
	default:
		addf("default_action %q must be %q or %q", doc.DefaultAction, DefaultRemove, DefaultPreserve)
	}

	rules := make(map[string]Rule)
	owner := make(map[string]string)
	add := func(set, field string, r Rule) {
		field = strings.TrimSpace(field)
		if field == "" {
			addf("%s contains an empty field id", set)
			return
		}
		if prev, ok := owner[field]; ok {
			if prev == set {
				addf("field %q is listed twice in %s", field, set)
			} else {
				addf("field %q appears in both %s and %s", field, prev, set)
			}
			return
		}
		owner[field] = set
		r.FieldID = field
		rules[field] = r
	}

	for _, f := range doc.Rules.Remove {
		add("remove", f, Rule{Action: ActionRemove})
	}
	for _, e := range doc.Rules.Pseudonymize {
		kind, err := pseudonym.ParseKind(e.Kind)
		if err != nil {
			addf("pseudonymize field %q: %v", e.FieldID, err)
			continue
		}
		add("pseudonymize", e.FieldID, Rule{Action: ActionPseudonymize, Kind: kind})
	}
	for _, f := range doc.Rules.Preserve {
		add("preserve", f, Rule{Action: ActionPreserve})
	}

	if len(problems) > 0 {
		return nil, &InvalidPolicyError{Problems: problems}
	}

	status := doc.Status
	if status == "" {
		status = StatusDraft
	}
	return &Policy{
		ID:            doc.ID,
		Version:       doc.Version,
		Name:          doc.Name,
		Description:   doc.Description,
		Status:        status,
		DefaultAction: def,
		Rules:         rules,
		Approvals:     append([]Approval(nil), doc.Approvals...),
		Rejection:     doc.Rejection,
		CreatedBy:     doc.CreatedBy,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}, nil
}

// Document renders the policy in its external format with sorted rule lists.
func (p *Policy) Document() Document {
	doc := Document{
		ID:            p.ID,
		Version:       p.Version,
		Name:          p.Name,
		Description:   p.Description,
		Status:        p.Status,
		DefaultAction: string(p.DefaultAction),
		Rules: RuleSets{
			Remove:       p.FieldsByAction(ActionRemove),
			Preserve:     p.FieldsByAction(ActionPreserve),
			Pseudonymize: []PseudonymizeEntry{},
		},
		Approvals: append([]Approval(nil), p.Approvals...),
		Rejection: p.Rejection,
		CreatedBy: p.CreatedBy,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	for _, f := range p.FieldsByAction(ActionPseudonymize) {
		doc.Rules.Pseudonymize = append(doc.Rules.Pseudonymize, PseudonymizeEntry{FieldID: f, Kind: string(p.Rules[f].Kind)})
	}
	if doc.Rules.Remove == nil {
		doc.Rules.Remove = []string{}
	}
	if doc.Rules.Preserve == nil {
		doc.Rules.Preserve = []string{}
	}
	return doc
}
