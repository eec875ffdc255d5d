package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct{ pgx.Tx }

func TestConnFromContext_Empty(t *testing.T) {
	if q := ConnFromContext(context.Background()); q != nil {
		t.Errorf("expected nil querier, got %T", q)
	}
}

func TestWithTx_JoinsOuterTransaction(t *testing.T) {
	// A context already carrying a transaction never touches the pool, so a
	// nil pool proves the call was joined rather than started.
	ctx := context.WithValue(context.Background(), txKey, fakeTx{})
	called := false
	err := WithTx(ctx, nil, func(ctx context.Context) error {
		called = true
		if ConnFromContext(ctx) == nil {
			t.Error("expected transaction on context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("fn was not called")
	}
}
