package pseudonym

import (
	"errors"
	"fmt"
	"time"
)

// Kind selects how a pseudonymized value is substituted.
type Kind string

const (
	KindIdentifier Kind = "identifier"
	KindTemporal   Kind = "temporal"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindIdentifier, KindTemporal:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown pseudonymization kind %q", s)
}

var (
	// ErrSaltMisconfigured is fatal at startup: no mapper runs without a secret.
	ErrSaltMisconfigured = errors.New("pseudonymization salt is missing or too short")
	ErrReversalDisabled  = errors.New("pseudonym reversal is not enabled")
	ErrMappingNotFound   = errors.New("pseudonym mapping not found")
)

// StoreError wraps a mapping store failure. The engine treats it as a failure
// of an already-started call rather than a validation problem.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("pseudonym store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// MappingKey identifies a mapping. ValueHash is a keyed hash of the original
// value; raw values never appear in keys.
type MappingKey struct {
	ScopeID   string `json:"scope_id"`
	Kind      Kind   `json:"kind"`
	ValueHash string `json:"value_hash"`
}

func (k MappingKey) String() string {
	return fmt.Sprintf("%d:%s:%s:%s", len(k.ScopeID), k.ScopeID, k.Kind, k.ValueHash)
}

// Mapping is an immutable substitution record.
type Mapping struct {
	Key            MappingKey `json:"key"`
	Substitute     string     `json:"substitute"`
	SealedOriginal string     `json:"sealed_original,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
