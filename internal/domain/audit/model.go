package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SystemOperator is recorded when no human actor is attached to a call.
const SystemOperator = "system"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Record is one anonymization invocation. It holds counts and identifiers
// only; no field value is ever part of a record.
type Record struct {
	ID                       uuid.UUID `json:"id"`
	Timestamp                time.Time `json:"timestamp"`
	ScopeID                  string    `json:"scope_id"`
	PolicyID                 string    `json:"policy_id"`
	PolicyVersion            int       `json:"policy_version"`
	OperatorID               string    `json:"operator_id"`
	FieldsRemovedCount       int       `json:"fields_removed_count"`
	FieldsPseudonymizedCount int       `json:"fields_pseudonymized_count"`
	FieldsPreservedCount     int       `json:"fields_preserved_count"`
	Outcome                  Outcome   `json:"outcome"`
	FailureReason            string    `json:"failure_reason,omitempty"`
	EmergencyBypass          bool      `json:"emergency_bypass"`
	LegalHold                bool      `json:"legal_hold"`
	PrevHash                 string    `json:"prev_hash"`
	Hash                     string    `json:"hash"`
}

// ComputeHash chains the record to PrevHash. LegalHold is excluded: it is
// set externally after the record is written.
func (r Record) ComputeHash() string {
	r.Hash = ""
	r.LegalHold = false
	body, _ := json.Marshal(r)
	sum := sha256.New()
	sum.Write([]byte(r.PrevHash))
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

func (r Record) validate() error {
	switch {
	case r.ScopeID == "":
		return errors.New("scope id is required")
	case r.PolicyID == "":
		return errors.New("policy id is required")
	case r.Outcome != OutcomeSuccess && r.Outcome != OutcomeFailed:
		return fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	return nil
}

// Filter selects records for Query. Zero fields match everything; From is
// inclusive and To exclusive.
type Filter struct {
	ScopeID    string
	PolicyID   string
	OperatorID string
	Outcome    Outcome
	From       time.Time
	To         time.Time
	Limit      int
}

func (f Filter) Match(r Record) bool {
	if f.ScopeID != "" && r.ScopeID != f.ScopeID {
		return false
	}
	if f.PolicyID != "" && r.PolicyID != f.PolicyID {
		return false
	}
	if f.OperatorID != "" && r.OperatorID != f.OperatorID {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Problem is one integrity failure found by Verify.
type Problem struct {
	RecordID  uuid.UUID `json:"record_id,omitempty"`
	Partition string    `json:"partition"`
	Reason    string    `json:"reason"`
}

type VerifyReport struct {
	Records  int       `json:"records"`
	Problems []Problem `json:"problems,omitempty"`
}

func (r VerifyReport) OK() bool { return len(r.Problems) == 0 }

// chainCheck validates records of one chain in write order. linked is false
// where an earlier record was legitimately purged and only self-hashes can
// be checked.
type chainCheck struct {
	partition string
	report    *VerifyReport
	prev      string
	started   bool
}

func (c *chainCheck) next(r Record, linked bool) {
	c.report.Records++
	if r.ComputeHash() != r.Hash {
		c.report.Problems = append(c.report.Problems, Problem{RecordID: r.ID, Partition: c.partition, Reason: "record hash mismatch"})
	}
	if linked {
		want := ""
		if c.started {
			want = c.prev
		}
		if r.PrevHash != want {
			c.report.Problems = append(c.report.Problems, Problem{RecordID: r.ID, Partition: c.partition, Reason: "broken chain link"})
		}
	}
	c.prev = r.Hash
	c.started = true
}
