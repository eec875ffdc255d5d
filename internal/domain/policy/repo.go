package policy

import (
	"context"
	"time"
)

// Repository persists every version of every policy. Versions are never
// deleted; Save overwrites the stored state of one (id, version).
type Repository interface {
	Save(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string, version int) (*Policy, error)
	// Versions returns all versions of id in ascending order, or
	// ErrPolicyNotFound when there are none.
	Versions(ctx context.Context, id string) ([]*Policy, error)
	ListIDs(ctx context.Context) ([]string, error)
	// Backup snapshots versions under a location named for `at` and returns
	// that location.
	Backup(ctx context.Context, id string, versions []*Policy, at time.Time) (string, error)
}
