package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/deid/internal/platform/db"
	"github.com/ehr/deid/internal/platform/hipaa"
)

// auditChainLockID keys the transaction-scoped advisory lock that
// serializes appends to the single table chain.
const auditChainLockID = 7_301_774_206

// PGStore keeps the chain in deid_audit. Indexed columns mirror the record
// for filtering; payload is the authoritative, optionally sealed, copy. With
// a keyring the identifier columns hold blind indexes instead of the ids.
type PGStore struct {
	pool  *pgxpool.Pool
	codec codec
}

func NewPGStore(pool *pgxpool.Pool, keyring *hipaa.Keyring) *PGStore {
	return &PGStore{pool: pool, codec: codec{keyring: keyring}}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *PGStore) Append(ctx context.Context, r *Record) error {
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		q := s.conn(ctx)
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockID); err != nil {
			return fmt.Errorf("lock audit chain: %w", err)
		}

		var prev string
		err := q.QueryRow(ctx, `SELECT hash FROM deid_audit ORDER BY seq DESC LIMIT 1`).Scan(&prev)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read chain head: %w", err)
		}

		r.PrevHash = prev
		r.Hash = r.ComputeHash()
		payload, err := s.codec.encode(*r, r.ID.String())
		if err != nil {
			return err
		}

		_, err = q.Exec(ctx, `INSERT INTO deid_audit (id, recorded_at, scope_id, policy_id, policy_version,
			operator_id, outcome, emergency_bypass, legal_hold, prev_hash, hash, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10, $11)`,
			r.ID, r.Timestamp, s.indexed("scope_id", r.ScopeID), s.indexed("policy_id", r.PolicyID), r.PolicyVersion,
			s.indexed("operator_id", r.OperatorID), string(r.Outcome), r.EmergencyBypass, r.PrevHash, r.Hash, payload)
		if err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
		return nil
	})
}

// indexed returns what column stores for v.
func (s *PGStore) indexed(column, v string) string {
	if s.codec.keyring == nil {
		return v
	}
	return s.codec.keyring.BlindIndex(column, v)
}

// lookup returns every stored form of v in column: its blind index under
// each registered key, and v itself for rows written before encryption.
func (s *PGStore) lookup(column, v string) []string {
	if s.codec.keyring == nil {
		return []string{v}
	}
	return append(s.codec.keyring.BlindIndexes(column, v), v)
}

func (s *PGStore) buildQuery(f Filter) (string, []interface{}) {
	query := `SELECT id, legal_hold, payload FROM deid_audit WHERE 1=1`
	var args []interface{}
	idx := 1

	add := func(clause string, v interface{}) {
		query += fmt.Sprintf(" AND "+clause, idx)
		args = append(args, v)
		idx++
	}
	for _, c := range []struct{ column, value string }{
		{"scope_id", f.ScopeID},
		{"policy_id", f.PolicyID},
		{"operator_id", f.OperatorID},
	} {
		if c.value != "" {
			add(c.column+" = ANY($%d)", s.lookup(c.column, c.value))
		}
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if !f.From.IsZero() {
		add("recorded_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("recorded_at < $%d", f.To)
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
	}
	return query, args
}

func (s *PGStore) Query(ctx context.Context, f Filter, fn func(Record) error) error {
	query, args := s.buildQuery(f)
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var hold bool
		var payload string
		if err := rows.Scan(&id, &hold, &payload); err != nil {
			return fmt.Errorf("scan audit record: %w", err)
		}
		r, err := s.codec.decode(payload, id.String())
		if err != nil {
			return err
		}
		r.LegalHold = hold
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Purge deletes expired rows and records the cutoff so Verify knows where
// chain links may legitimately be missing.
func (s *PGStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		q := s.conn(ctx)
		tag, err := q.Exec(ctx, `DELETE FROM deid_audit WHERE recorded_at < $1 AND NOT legal_hold`, cutoff)
		if err != nil {
			return fmt.Errorf("purge audit records: %w", err)
		}
		n = int(tag.RowsAffected())
		_, err = q.Exec(ctx, `INSERT INTO deid_audit_purge (id, cutoff) VALUES (1, $1)
			ON CONFLICT (id) DO UPDATE SET cutoff = GREATEST(deid_audit_purge.cutoff, EXCLUDED.cutoff)`, cutoff)
		if err != nil {
			return fmt.Errorf("record purge cutoff: %w", err)
		}
		return nil
	})
	return n, err
}

func (s *PGStore) SetLegalHold(ctx context.Context, id uuid.UUID, hold bool) error {
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE deid_audit SET legal_hold = $2 WHERE id = $1`, id, hold)
	if err != nil {
		return fmt.Errorf("set legal hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *PGStore) Verify(ctx context.Context) (VerifyReport, error) {
	var report VerifyReport
	q := s.conn(ctx)

	var cutoff time.Time
	err := q.QueryRow(ctx, `SELECT cutoff FROM deid_audit_purge WHERE id = 1`).Scan(&cutoff)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return report, fmt.Errorf("read purge cutoff: %w", err)
	}
	purged := err == nil

	rows, err := q.Query(ctx, `SELECT id, payload FROM deid_audit ORDER BY seq`)
	if err != nil {
		return report, fmt.Errorf("read audit chain: %w", err)
	}
	defer rows.Close()

	check := chainCheck{partition: "deid_audit", report: &report}
	var prev *Record
	for rows.Next() {
		var id uuid.UUID
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return report, fmt.Errorf("scan audit record: %w", err)
		}
		r, err := s.codec.decode(payload, id.String())
		if err != nil {
			report.Records++
			report.Problems = append(report.Problems, Problem{RecordID: id, Partition: "deid_audit", Reason: err.Error()})
			prev = nil
			continue
		}
		// The predecessor of a row may have been purged only if it was
		// older than the purge cutoff.
		linked := !purged
		if prev != nil {
			linked = !prev.Timestamp.Before(cutoff)
		}
		check.next(r, linked)
		prev = &r
	}
	return report, rows.Err()
}
