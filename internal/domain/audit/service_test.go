package audit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/platform/metrics"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.Disabled)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func successRecord(scope string) Record {
	return Record{
		ScopeID:                  scope,
		PolicyID:                 "ct-research",
		PolicyVersion:            2,
		OperatorID:               "op-1",
		FieldsRemovedCount:       1,
		FieldsPseudonymizedCount: 2,
		FieldsPreservedCount:     1,
		Outcome:                  OutcomeSuccess,
	}
}

func collect(t *testing.T, trail *Trail, f Filter) []Record {
	t.Helper()
	var out []Record
	if err := trail.Query(context.Background(), f, func(r Record) error {
		out = append(out, r)
		return nil
	}); err != nil {
		t.Fatalf("query: %v", err)
	}
	return out
}

func TestTrail_AppendAssignsIdentity(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), Settings{}, metrics.New(), testLogger())
	now := time.Date(2030, 3, 1, 12, 0, 0, 123456789, time.UTC)
	trail.now = fixedClock(now)

	rec := successRecord("patient-1")
	rec.OperatorID = ""
	id, err := trail.Append(context.Background(), rec)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected a record id")
	}

	got := collect(t, trail, Filter{})
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	r := got[0]
	if r.ID != id || r.OperatorID != SystemOperator {
		t.Errorf("unexpected record: %+v", r)
	}
	if !r.Timestamp.Equal(now.Truncate(time.Microsecond)) {
		t.Errorf("timestamp = %v", r.Timestamp)
	}
	if r.Hash == "" || r.PrevHash != "" {
		t.Errorf("expected genesis chain entry, got prev=%q hash=%q", r.PrevHash, r.Hash)
	}
}

func TestTrail_AppendRejectsIncompleteRecord(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, Settings{}, nil, testLogger())

	_, err := trail.Append(context.Background(), Record{PolicyID: "p", Outcome: OutcomeSuccess})
	var we *WriteError
	if !errors.As(err, &we) {
		t.Fatalf("expected WriteError, got %v", err)
	}
	if n := len(collect(t, trail, Filter{})); n != 0 {
		t.Errorf("expected nothing stored, got %d", n)
	}
}

type blockingStore struct {
	*MemoryStore
}

func (blockingStore) Append(ctx context.Context, _ *Record) error {
	<-ctx.Done()
	return ctx.Err()
}

type failingStore struct {
	*MemoryStore
	err error
}

func (s failingStore) Append(context.Context, *Record) error { return s.err }

func TestTrail_AppendTimeout(t *testing.T) {
	trail := NewTrail(blockingStore{NewMemoryStore()}, Settings{WriteTimeout: 10 * time.Millisecond}, nil, testLogger())

	_, err := trail.Append(context.Background(), successRecord("s"))
	var we *WriteError
	if !errors.As(err, &we) {
		t.Fatalf("expected WriteError, got %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestTrail_AppendStoreFailure(t *testing.T) {
	disk := errors.New("disk full")
	trail := NewTrail(failingStore{NewMemoryStore(), disk}, Settings{}, nil, testLogger())

	_, err := trail.Append(context.Background(), successRecord("s"))
	var we *WriteError
	if !errors.As(err, &we) || !errors.Is(err, disk) {
		t.Fatalf("expected WriteError wrapping disk error, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("store failure must not be reported as a timeout")
	}
}

func TestTrail_QueryFilters(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), Settings{}, nil, testLogger())
	base := time.Date(2030, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, scope := range []string{"a", "b", "a", "c"} {
		trail.now = fixedClock(base.Add(time.Duration(i) * time.Hour))
		rec := successRecord(scope)
		if scope == "c" {
			rec.Outcome = OutcomeFailed
			rec.FailureReason = "mapping store unavailable"
		}
		if _, err := trail.Append(context.Background(), rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if n := len(collect(t, trail, Filter{ScopeID: "a"})); n != 2 {
		t.Errorf("scope filter: got %d", n)
	}
	if n := len(collect(t, trail, Filter{Outcome: OutcomeFailed})); n != 1 {
		t.Errorf("outcome filter: got %d", n)
	}
	if n := len(collect(t, trail, Filter{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)})); n != 2 {
		t.Errorf("range filter: got %d", n)
	}
	if n := len(collect(t, trail, Filter{Limit: 3})); n != 3 {
		t.Errorf("limit: got %d", n)
	}
	if n := len(collect(t, trail, Filter{PolicyID: "other"})); n != 0 {
		t.Errorf("policy filter: got %d", n)
	}
}

func TestTrail_PurgeExpiredKeepsLegalHold(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, Settings{RetentionDays: 30}, nil, testLogger())
	ctx := context.Background()

	old := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	trail.now = fixedClock(old)
	expired, _ := trail.Append(ctx, successRecord("old-1"))
	held, _ := trail.Append(ctx, successRecord("old-2"))

	now := old.AddDate(0, 0, 60)
	trail.now = fixedClock(now)
	fresh, _ := trail.Append(ctx, successRecord("new"))

	if err := trail.SetLegalHold(ctx, held, true); err != nil {
		t.Fatalf("legal hold: %v", err)
	}
	if err := trail.SetLegalHold(ctx, uuid.New(), true); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}

	n, err := trail.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}

	ids := map[uuid.UUID]bool{}
	for _, r := range collect(t, trail, Filter{}) {
		ids[r.ID] = true
	}
	if ids[expired] || !ids[held] || !ids[fresh] {
		t.Errorf("unexpected survivors: %v", ids)
	}

	report, err := trail.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK() {
		t.Errorf("purge must not break verification: %+v", report.Problems)
	}
}

func TestTrail_VerifyDetectsTampering(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, Settings{}, nil, testLogger())
	ctx := context.Background()

	var ids []uuid.UUID
	for _, s := range []string{"a", "b", "c"} {
		id, err := trail.Append(ctx, successRecord(s))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}
	report, _ := trail.Verify(ctx)
	if !report.OK() || report.Records != 3 {
		t.Fatalf("expected clean chain of 3, got %+v", report)
	}

	store.mu.Lock()
	store.entries[1].rec.FieldsRemovedCount = 0
	store.mu.Unlock()

	report, _ = trail.Verify(ctx)
	if report.OK() {
		t.Fatal("expected tampering to be detected")
	}
	if report.Problems[0].RecordID != ids[1] {
		t.Errorf("problem on %v, want %v", report.Problems[0].RecordID, ids[1])
	}
}

func TestTrail_ConcurrentAppendsKeepChain(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), Settings{}, nil, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := trail.Append(ctx, successRecord(uuid.NewString())); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	report, err := trail.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Records != 50 || !report.OK() {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestTrail_RunRetentionStopsOnCancel(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), Settings{}, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		trail.RunRetention(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retention loop did not stop")
	}
}
