package policy

import (
	"errors"
	"strings"
	"testing"

	"github.com/ehr/deid/internal/domain/pseudonym"
)

func TestCompile_ReportsEveryProblem(t *testing.T) {
	doc := Document{
		ID:            "bad id!",
		DefaultAction: "",
		Rules: RuleSets{
			Remove:       []string{"a", "", "b"},
			Pseudonymize: []PseudonymizeEntry{{FieldID: "a", Kind: "identifier"}, {FieldID: "c", Kind: "blur"}},
			Preserve:     []string{"b"},
		},
	}
	_, err := Compile(doc)
	var invalid *InvalidPolicyError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidPolicyError, got %v", err)
	}

	want := []string{"id", "default_action", "empty field id", `"a" appears in both remove and pseudonymize`, "blur", `"b" appears in both remove and preserve`}
	msg := invalid.Error()
	for _, w := range want {
		if !strings.Contains(msg, w) {
			t.Errorf("expected problem mentioning %q in %q", w, msg)
		}
	}
}

func TestCompile_DefaultActionMustBeExplicit(t *testing.T) {
	for _, def := range []string{"", "pseudonymize", "keep"} {
		doc := sampleDoc("p")
		doc.DefaultAction = def
		if _, err := Compile(doc); err == nil {
			t.Errorf("default_action %q: expected error", def)
		}
	}
}

func TestPolicy_Classify(t *testing.T) {
	p, err := Compile(sampleDoc("p"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	tests := []struct {
		field  string
		action Action
		kind   pseudonym.Kind
	}{
		{"patient.name", ActionRemove, ""},
		{"study.uid", ActionPseudonymize, pseudonym.KindIdentifier},
		{"study.date", ActionPseudonymize, pseudonym.KindTemporal},
		{"image.rows", ActionPreserve, ""},
		{"patient.address", ActionRemove, ""},
	}
	for _, tt := range tests {
		r := p.Classify(tt.field)
		if r.Action != tt.action || r.Kind != tt.kind || r.FieldID != tt.field {
			t.Errorf("Classify(%q) = %+v, want %s/%s", tt.field, r, tt.action, tt.kind)
		}
	}

	doc := sampleDoc("p")
	doc.DefaultAction = "preserve"
	p, _ = Compile(doc)
	if r := p.Classify("unlisted"); r.Action != ActionPreserve {
		t.Errorf("expected preserve default, got %s", r.Action)
	}
}

func TestPolicy_DocumentRoundTrip(t *testing.T) {
	p, err := Compile(sampleDoc("p"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	back, err := Compile(p.Document())
	if err != nil {
		t.Fatalf("recompile: %v", err)
	}
	if len(back.Rules) != len(p.Rules) {
		t.Fatalf("rules differ: %v vs %v", back.Rules, p.Rules)
	}
	for k, r := range p.Rules {
		if back.Rules[k] != r {
			t.Errorf("rule %s: %+v vs %+v", k, back.Rules[k], r)
		}
	}
}

func TestParseYAML(t *testing.T) {
	src := `
id: ct-research
name: CT research export
default_action: remove
rules:
  remove: [patient.name]
  pseudonymize:
    - field_id: study.uid
      kind: identifier
  preserve: [image.rows]
`
	p, err := ParseYAML([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ID != "ct-research" || p.Status != StatusDraft || len(p.Rules) != 3 {
		t.Errorf("unexpected policy: %+v", p)
	}

	_, err = ParseYAML([]byte(src + "  presrve: [x]\n"))
	var invalid *InvalidPolicyError
	if !errors.As(err, &invalid) {
		t.Errorf("expected unknown key to be rejected, got %v", err)
	}
}

func TestClone_IsDeep(t *testing.T) {
	p, _ := Compile(sampleDoc("p"))
	p.Approvals = []Approval{{ApproverID: "a"}}
	cp := p.Clone()
	cp.Rules["x"] = Rule{FieldID: "x", Action: ActionPreserve}
	cp.Approvals[0].ApproverID = "b"
	if _, ok := p.Rules["x"]; ok {
		t.Error("clone shares rules map")
	}
	if p.Approvals[0].ApproverID != "a" {
		t.Error("clone shares approvals")
	}
}
