package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/deid/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) Save(ctx context.Context, p *Policy) error {
	doc, err := json.Marshal(p.Document())
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO deid_policy (id, version, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id, version) DO UPDATE
		SET status = EXCLUDED.status, document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		p.ID, p.Version, string(p.Status), doc, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save policy %s v%d: %w", p.ID, p.Version, err)
	}
	return nil
}

func scanPolicy(row pgx.Row) (*Policy, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return Compile(doc)
}

func (r *repoPG) Get(ctx context.Context, id string, version int) (*Policy, error) {
	return scanPolicy(r.conn(ctx).QueryRow(ctx,
		`SELECT document FROM deid_policy WHERE id = $1 AND version = $2`, id, version))
}

func (r *repoPG) Versions(ctx context.Context, id string) ([]*Policy, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT document FROM deid_policy WHERE id = $1 ORDER BY version ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list policy versions: %w", err)
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrPolicyNotFound
	}
	return out, nil
}

func (r *repoPG) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT DISTINCT id FROM deid_policy ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) Backup(ctx context.Context, id string, versions []*Policy, at time.Time) (string, error) {
	docs := make([]Document, 0, len(versions))
	for _, p := range versions {
		docs = append(docs, p.Document())
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}
	backupID := uuid.New()
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO deid_policy_backup (id, policy_id, taken_at, versions)
		VALUES ($1, $2, $3, $4)`, backupID, id, at.UTC(), raw)
	if err != nil {
		return "", fmt.Errorf("backup policy %s: %w", id, err)
	}
	return "deid_policy_backup/" + backupID.String(), nil
}
