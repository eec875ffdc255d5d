package audit

import (
	"strings"
	"testing"
	"time"
)

func TestPGStore_IdentifierColumnsPlainWithoutKeyring(t *testing.T) {
	s := NewPGStore(nil, nil)
	if got := s.indexed("scope_id", "patient-4411"); got != "patient-4411" {
		t.Errorf("indexed = %q", got)
	}

	query, args := s.buildQuery(Filter{ScopeID: "patient-4411", Outcome: OutcomeSuccess, Limit: 5})
	want := `SELECT id, legal_hold, payload FROM deid_audit WHERE 1=1 AND scope_id = ANY($1) AND outcome = $2 ORDER BY seq LIMIT $3`
	if query != want {
		t.Errorf("query = %s", query)
	}
	if ids, ok := args[0].([]string); !ok || len(ids) != 1 || ids[0] != "patient-4411" {
		t.Errorf("scope args = %#v", args[0])
	}
}

func TestPGStore_IdentifierColumnsBlindedWithKeyring(t *testing.T) {
	current, _ := newTestKeyring(t, 2)
	s := NewPGStore(nil, current)

	for _, column := range []string{"scope_id", "policy_id", "operator_id"} {
		got := s.indexed(column, "patient-4411")
		if strings.Contains(got, "patient") || got != current.BlindIndex(column, "patient-4411") {
			t.Errorf("%s stored as %q", column, got)
		}
	}

	query, args := s.buildQuery(Filter{
		ScopeID:    "patient-4411",
		OperatorID: "op-1",
		From:       time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if !strings.Contains(query, "scope_id = ANY($1) AND operator_id = ANY($2) AND recorded_at >= $3") {
		t.Errorf("query = %s", query)
	}
	scopes := args[0].([]string)
	if scopes[0] != s.indexed("scope_id", "patient-4411") {
		t.Errorf("expected the current blind index first, got %v", scopes)
	}
	if scopes[len(scopes)-1] != "patient-4411" {
		t.Errorf("expected rows written before encryption to stay reachable, got %v", scopes)
	}
}
