package deid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/domain/audit"
	"github.com/ehr/deid/internal/domain/policy"
	"github.com/ehr/deid/internal/domain/pseudonym"
	"github.com/ehr/deid/internal/platform/metrics"
)

// PolicyResolver is the part of the policy manager the engine needs.
type PolicyResolver interface {
	Resolve(ctx context.Context, id string, opts policy.ResolveOptions) (*policy.Resolution, error)
}

// AuditAppender is the part of the audit trail the engine needs.
type AuditAppender interface {
	Append(ctx context.Context, rec audit.Record) (uuid.UUID, error)
}

type Settings struct {
	DefaultPolicyID         string
	RequireApprovedPolicies bool
}

// Request names the policy and scope for one anonymize call. A zero
// PolicyVersion selects the latest approved version.
type Request struct {
	PolicyID        string `json:"policy_id"`
	PolicyVersion   int    `json:"policy_version,omitempty"`
	ScopeID         string `json:"scope_id"`
	OperatorID      string `json:"-"`
	EmergencyBypass bool   `json:"-"`
}

type Counts struct {
	Removed       int `json:"removed"`
	Pseudonymized int `json:"pseudonymized"`
	Preserved     int `json:"preserved"`
}

type Result struct {
	Record          Record    `json:"record"`
	AuditRecordID   uuid.UUID `json:"audit_record_id"`
	PolicyID        string    `json:"policy_id"`
	PolicyVersion   int       `json:"policy_version"`
	EmergencyBypass bool      `json:"emergency_bypass,omitempty"`
	Counts          Counts    `json:"counts"`
}

// Engine applies a resolved policy to records and writes one audit record
// per successful call.
type Engine struct {
	policies PolicyResolver
	mapper   *pseudonym.Mapper
	trail    AuditAppender
	settings Settings
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewEngine(policies PolicyResolver, mapper *pseudonym.Mapper, trail AuditAppender, settings Settings, logger zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		policies: policies,
		mapper:   mapper,
		trail:    trail,
		settings: settings,
		logger:   logger.With().Str("component", "deid-engine").Logger(),
		metrics:  m,
	}
}

// step is one planned field transformation.
type step struct {
	field  string
	rule   policy.Rule
	value  Value
	layout string // temporal strings: the layout the value was parsed with
	when   time.Time
}

// Anonymize produces a de-identified copy of rec. Validation failures and an
// unapproved policy return before anything is emitted or audited. Once
// execution starts the call runs to completion even if ctx is cancelled.
func (e *Engine) Anonymize(ctx context.Context, rec Record, req Request) (*Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.PolicyID == "" {
		req.PolicyID = e.settings.DefaultPolicyID
	}
	if verr := checkRequest(req); verr != nil {
		e.metrics.ObserveAnonymize("rejected", time.Since(start))
		return nil, verr
	}

	res, err := e.policies.Resolve(ctx, req.PolicyID, policy.ResolveOptions{
		Version:         req.PolicyVersion,
		EmergencyBypass: req.EmergencyBypass,
		AllowUnapproved: !e.settings.RequireApprovedPolicies,
	})
	if err != nil {
		e.metrics.ObserveAnonymize("rejected", time.Since(start))
		return nil, err
	}
	p := res.Policy
	if e.settings.RequireApprovedPolicies && !p.Usable() && !res.Bypassed {
		e.metrics.ObserveAnonymize("rejected", time.Since(start))
		return nil, fmt.Errorf("%w: %s v%d is %s", policy.ErrPolicyNotApproved, p.ID, p.Version, p.Status)
	}

	plan, verr := buildPlan(p, rec)
	if verr != nil {
		e.metrics.ObserveAnonymize("rejected", time.Since(start))
		return nil, verr
	}

	// The call is an atomic unit from here on.
	ctx = context.WithoutCancel(ctx)

	entry := audit.Record{
		ScopeID:         req.ScopeID,
		PolicyID:        p.ID,
		PolicyVersion:   p.Version,
		OperatorID:      req.OperatorID,
		EmergencyBypass: res.Bypassed,
	}

	out, counts, err := e.execute(ctx, req.ScopeID, plan)
	if err != nil {
		entry.Outcome = audit.OutcomeFailed
		entry.FailureReason = err.Error()
		if _, aerr := e.trail.Append(ctx, entry); aerr != nil {
			err = errors.Join(err, aerr)
		}
		e.metrics.ObserveAnonymize("failed", time.Since(start))
		e.logger.Error().Err(err).Str("scope_id", req.ScopeID).Str("policy_id", p.ID).Msg("anonymize failed")
		return nil, err
	}

	entry.Outcome = audit.OutcomeSuccess
	entry.FieldsRemovedCount = counts.Removed
	entry.FieldsPseudonymizedCount = counts.Pseudonymized
	entry.FieldsPreservedCount = counts.Preserved
	auditID, err := e.trail.Append(ctx, entry)
	if err != nil {
		e.metrics.ObserveAnonymize("failed", time.Since(start))
		return nil, err
	}

	e.metrics.ObserveAnonymize("success", time.Since(start))
	e.metrics.AddFieldActions(string(policy.ActionRemove), counts.Removed)
	e.metrics.AddFieldActions(string(policy.ActionPseudonymize), counts.Pseudonymized)
	e.metrics.AddFieldActions(string(policy.ActionPreserve), counts.Preserved)

	ev := e.logger.Info()
	if res.Bypassed {
		ev = e.logger.Warn().Bool("emergency_bypass", true)
	}
	ev.Str("scope_id", req.ScopeID).Str("policy_id", p.ID).Int("policy_version", p.Version).
		Str("audit_id", auditID.String()).Int("removed", counts.Removed).
		Int("pseudonymized", counts.Pseudonymized).Int("preserved", counts.Preserved).
		Msg("record anonymized")

	return &Result{
		Record:          out,
		AuditRecordID:   auditID,
		PolicyID:        p.ID,
		PolicyVersion:   p.Version,
		EmergencyBypass: res.Bypassed,
		Counts:          counts,
	}, nil
}

func checkRequest(req Request) *ValidationError {
	var v ValidationError
	if req.ScopeID == "" {
		v.add("scope_id", "is required")
	}
	if req.PolicyID == "" {
		v.add("policy_id", "is required and no default policy is configured")
	}
	if req.PolicyVersion < 0 {
		v.add("policy_version", "must not be negative")
	}
	return v.orNil()
}

// buildPlan classifies every field and checks that pseudonymized values can
// be transformed. Field order is sorted so execution is deterministic.
func buildPlan(p *policy.Policy, rec Record) ([]step, *ValidationError) {
	fields := make([]string, 0, len(rec))
	for f := range rec {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var verr ValidationError
	plan := make([]step, 0, len(fields))
	for _, f := range fields {
		s := step{field: f, rule: p.Classify(f), value: rec[f]}
		if s.rule.Action == policy.ActionPseudonymize {
			if reason := s.prepare(); reason != "" {
				verr.add(f, reason)
				continue
			}
		}
		plan = append(plan, s)
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return plan, nil
}

var temporalLayouts = []string{dateLayout, "20060102", time.RFC3339Nano}

func (s *step) prepare() string {
	switch s.rule.Kind {
	case pseudonym.KindIdentifier:
		switch s.value.Kind() {
		case KindString, KindInteger:
			return ""
		}
		return "identifier must be a string or integer"
	case pseudonym.KindTemporal:
		if d, ok := s.value.Date(); ok {
			s.when = d
			return ""
		}
		str, ok := s.value.Str()
		if !ok {
			return "temporal value must be a date or a date string"
		}
		for _, layout := range temporalLayouts {
			if t, err := time.Parse(layout, str); err == nil {
				s.when, s.layout = t, layout
				return ""
			}
		}
		return "temporal value is not a recognised date format"
	}
	return fmt.Sprintf("unknown pseudonymization kind %q", s.rule.Kind)
}

func (e *Engine) execute(ctx context.Context, scopeID string, plan []step) (Record, Counts, error) {
	var counts Counts
	out := make(Record, len(plan))
	for _, s := range plan {
		switch s.rule.Action {
		case policy.ActionRemove:
			counts.Removed++
		case policy.ActionPreserve:
			out[s.field] = s.value.Clone()
			counts.Preserved++
		case policy.ActionPseudonymize:
			v, err := e.pseudonymize(ctx, scopeID, s)
			if err != nil {
				return nil, Counts{}, fmt.Errorf("pseudonymize %s: %w", s.field, err)
			}
			out[s.field] = v
			counts.Pseudonymized++
		default:
			return nil, Counts{}, fmt.Errorf("field %s: unknown action %q", s.field, s.rule.Action)
		}
	}
	return out, counts, nil
}

func (e *Engine) pseudonymize(ctx context.Context, scopeID string, s step) (Value, error) {
	if s.rule.Kind == pseudonym.KindTemporal {
		shifted, err := e.mapper.ShiftDate(ctx, scopeID, s.when)
		if err != nil {
			return Value{}, err
		}
		if s.layout == "" {
			return Date(shifted), nil
		}
		return String(shifted.Format(s.layout)), nil
	}

	if n, ok := s.value.Integer(); ok {
		sub, err := e.mapper.SubstituteIdentifier(ctx, scopeID, strconv.FormatInt(n, 10))
		if err != nil {
			return Value{}, err
		}
		if m, err := strconv.ParseInt(sub, 10, 64); err == nil {
			return Integer(m), nil
		}
		return String(sub), nil
	}
	str, _ := s.value.Str()
	sub, err := e.mapper.SubstituteIdentifier(ctx, scopeID, str)
	if err != nil {
		return Value{}, err
	}
	return String(sub), nil
}
