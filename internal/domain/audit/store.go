package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists audit records. Append must be durable before it returns and
// assigns PrevHash and Hash. Stores serialize appends per chain.
type Store interface {
	Append(ctx context.Context, r *Record) error
	Query(ctx context.Context, f Filter, fn func(Record) error) error
	Purge(ctx context.Context, cutoff time.Time) (int, error)
	SetLegalHold(ctx context.Context, id uuid.UUID, hold bool) error
	Verify(ctx context.Context) (VerifyReport, error)
}

type memEntry struct {
	seq int64
	rec Record
}

// MemoryStore keeps one chain in memory. It is meant for development and
// tests; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []memEntry
	seq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r.PrevHash = ""
	if n := len(s.entries); n > 0 {
		r.PrevHash = s.entries[n-1].rec.Hash
	}
	r.Hash = r.ComputeHash()
	s.seq++
	s.entries = append(s.entries, memEntry{seq: s.seq, rec: *r})
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter, fn func(Record) error) error {
	s.mu.RLock()
	snapshot := make([]Record, 0, len(s.entries))
	for _, e := range s.entries {
		if f.Match(e.rec) {
			snapshot = append(snapshot, e.rec)
		}
	}
	s.mu.RUnlock()

	for i, r := range snapshot {
		if f.Limit > 0 && i >= f.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	purged := 0
	for _, e := range s.entries {
		if !e.rec.LegalHold && e.rec.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return purged, nil
}

func (s *MemoryStore) SetLegalHold(ctx context.Context, id uuid.UUID, hold bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].rec.ID == id {
			s.entries[i].rec.LegalHold = hold
			return nil
		}
	}
	return ErrRecordNotFound
}

func (s *MemoryStore) Verify(ctx context.Context) (VerifyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var report VerifyReport
	check := chainCheck{partition: "memory", report: &report}
	var lastSeq int64
	for _, e := range s.entries {
		// A gap in sequence numbers means the predecessor was purged.
		check.next(e.rec, e.seq == lastSeq+1)
		lastSeq = e.seq
	}
	return report, nil
}
