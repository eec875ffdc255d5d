package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/platform/hipaa"
)

const (
	partitionPrefix = "audit-"
	partitionLayout = "2006-01-02"
	partitionExt    = ".jsonl"
	// heldExt marks a partition compacted by retention: only records under
	// legal hold remain, so chain links are no longer contiguous.
	heldExt       = ".held.jsonl"
	legalHoldFile = "legal_holds.json"
)

// partition caches the chain tail of one file. The cache is trusted only
// while the file on disk is the one it was taken from, at the same size.
type partition struct {
	mu       sync.Mutex
	file     os.FileInfo
	size     int64
	lastHash string
}

func (p *partition) current(fi os.FileInfo) bool {
	return p.file != nil && os.SameFile(p.file, fi) && fi.Size() == p.size
}

// FileStore writes one append-only JSONL file per UTC day. Each line is a
// record, sealed with the partition name as associated data when a keyring
// is configured. Lines are never rewritten; legal holds live in a sidecar.
// Appends hold an exclusive flock on the partition, so several processes
// may share one directory.
type FileStore struct {
	dir    string
	codec  codec
	logger zerolog.Logger

	mu         sync.Mutex
	partitions map[string]*partition

	holdsMu sync.Mutex
	holds   map[uuid.UUID]bool
}

// NewFileStore opens dir, creating it if needed. keyring may be nil.
func NewFileStore(dir string, keyring *hipaa.Keyring, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	s := &FileStore{
		dir:        dir,
		codec:      codec{keyring: keyring},
		logger:     logger.With().Str("component", "audit-file-store").Logger(),
		partitions: make(map[string]*partition),
		holds:      make(map[uuid.UUID]bool),
	}
	if err := s.loadHolds(); err != nil {
		return nil, err
	}
	return s, nil
}

func partitionName(ts time.Time) string {
	return partitionPrefix + ts.UTC().Format(partitionLayout) + partitionExt
}

// partitionDay parses the day a partition file covers.
func partitionDay(name string) (time.Time, bool) {
	base := strings.TrimPrefix(name, partitionPrefix)
	switch {
	case strings.HasSuffix(base, heldExt):
		base = strings.TrimSuffix(base, heldExt)
	case strings.HasSuffix(base, partitionExt):
		base = strings.TrimSuffix(base, partitionExt)
	default:
		return time.Time{}, false
	}
	day, err := time.Parse(partitionLayout, base)
	return day, err == nil && strings.HasPrefix(name, partitionPrefix)
}

func heldName(name string) string {
	return strings.TrimSuffix(name, partitionExt) + heldExt
}

func (s *FileStore) partition(name string) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok {
		p = &partition{}
		s.partitions[name] = p
	}
	return p
}

func (s *FileStore) Append(ctx context.Context, r *Record) error {
	name := partitionName(r.Timestamp)
	p := s.partition(name)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open partition %s: %w", name, err)
	}
	defer f.Close()
	if err := lockFile(f, true); err != nil {
		return fmt.Errorf("lock partition %s: %w", name, err)
	}
	defer unlockFile(f)

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat partition %s: %w", name, err)
	}
	if !p.current(fi) {
		// Another process appended, or the file was purged and recreated.
		last := ""
		err := s.scanRecords(f, name, func(rec Record, _ []byte) error {
			last = rec.Hash
			return nil
		})
		if err != nil {
			return err
		}
		p.lastHash = last
	}

	r.PrevHash = p.lastHash
	r.Hash = r.ComputeHash()
	line, err := s.codec.encode(*r, name)
	if err != nil {
		return err
	}

	if _, err := f.WriteString(line + "\n"); err != nil {
		p.file = nil
		return fmt.Errorf("write partition %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		p.file = nil
		return fmt.Errorf("sync partition %s: %w", name, err)
	}
	p.file = fi
	p.size = fi.Size() + int64(len(line)) + 1
	p.lastHash = r.Hash
	return nil
}

// readPartition decodes every line of a partition in write order. raw is the
// line as stored, without the newline.
func (s *FileStore) readPartition(name string, fn func(r Record, raw []byte) error) error {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	if err := lockFile(f, false); err != nil {
		return fmt.Errorf("lock partition %s: %w", name, err)
	}
	defer unlockFile(f)
	return s.scanRecords(f, name, fn)
}

// scanRecords decodes the records of partition name read from the start of f.
func (s *FileStore) scanRecords(f *os.File, name string, fn func(r Record, raw []byte) error) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind partition %s: %w", name, err)
	}
	aad := strings.Replace(name, heldExt, partitionExt, 1)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		r, err := s.codec.decode(string(raw), aad)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", name, lineNo, err)
		}
		if err := fn(r, append([]byte(nil), raw...)); err != nil {
			return err
		}
	}
	return sc.Err()
}

// listPartitions returns partition file names in day order, the compacted
// file of a day before its live file.
func (s *FileStore) listPartitions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list audit partitions: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := partitionDay(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		di, _ := partitionDay(names[i])
		dj, _ := partitionDay(names[j])
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return strings.HasSuffix(names[i], heldExt)
	})
	return names, nil
}

func (s *FileStore) Query(ctx context.Context, f Filter, fn func(Record) error) error {
	names, err := s.listPartitions()
	if err != nil {
		return err
	}
	holds := s.holdSnapshot()

	errLimit := errors.New("limit reached")
	n := 0
	for _, name := range names {
		day, _ := partitionDay(name)
		if !f.From.IsZero() && day.AddDate(0, 0, 1).Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !day.Before(f.To) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.readPartition(name, func(r Record, _ []byte) error {
			r.LegalHold = holds[r.ID]
			if !f.Match(r) {
				return nil
			}
			if f.Limit > 0 && n >= f.Limit {
				return errLimit
			}
			n++
			return fn(r)
		})
		if errors.Is(err, errLimit) {
			return nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Purge drops every partition whose whole day lies before cutoff. Records
// under legal hold are moved to the day's compacted file; nothing else is
// rewritten.
func (s *FileStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	names, err := s.listPartitions()
	if err != nil {
		return 0, err
	}
	holds := s.holdSnapshot()

	purged := 0
	for _, name := range names {
		day, _ := partitionDay(name)
		if day.AddDate(0, 0, 1).After(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		n, err := s.purgePartition(name, holds)
		purged += n
		if err != nil {
			return purged, err
		}
	}
	return purged, nil
}

func (s *FileStore) purgePartition(name string, holds map[uuid.UUID]bool) (int, error) {
	live := strings.Replace(name, heldExt, partitionExt, 1)
	p := s.partition(live)
	p.mu.Lock()
	defer p.mu.Unlock()

	var kept [][]byte
	total := 0
	err := s.readPartition(name, func(r Record, raw []byte) error {
		total++
		if holds[r.ID] {
			kept = append(kept, raw)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	target := heldName(live)
	heldHere := len(kept)
	if len(kept) > 0 {
		if name != target {
			// Held lines from an earlier compaction of the same day are kept too.
			err := s.readPartition(target, func(_ Record, raw []byte) error {
				kept = append([][]byte{raw}, kept...)
				return nil
			})
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return 0, err
			}
		}
		if err := writeLines(s.dir, target, kept); err != nil {
			return 0, err
		}
	} else if name == target {
		if err := os.Remove(filepath.Join(s.dir, target)); err != nil {
			return 0, fmt.Errorf("remove partition %s: %w", target, err)
		}
	}
	if name != target {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return 0, fmt.Errorf("remove partition %s: %w", name, err)
		}
		p.file = nil
		p.lastHash = ""
	}

	purged := total - heldHere
	s.logger.Info().Str("partition", name).Int("purged", purged).Msg("audit partition purged")
	return purged, nil
}

func (s *FileStore) SetLegalHold(ctx context.Context, id uuid.UUID, hold bool) error {
	found := false
	errFound := errors.New("found")
	err := s.Query(ctx, Filter{}, func(r Record) error {
		if r.ID == id {
			found = true
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return err
	}
	if !found {
		return ErrRecordNotFound
	}

	s.holdsMu.Lock()
	defer s.holdsMu.Unlock()
	next := make(map[uuid.UUID]bool, len(s.holds)+1)
	for k := range s.holds {
		next[k] = true
	}
	if hold {
		next[id] = true
	} else {
		delete(next, id)
	}
	if err := s.saveHolds(next); err != nil {
		return err
	}
	s.holds = next
	return nil
}

func (s *FileStore) Verify(ctx context.Context) (VerifyReport, error) {
	var report VerifyReport
	names, err := s.listPartitions()
	if err != nil {
		return report, err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		check := chainCheck{partition: name, report: &report}
		linked := !strings.HasSuffix(name, heldExt)
		err := s.readPartition(name, func(r Record, _ []byte) error {
			check.next(r, linked)
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			report.Problems = append(report.Problems, Problem{Partition: name, Reason: err.Error()})
		}
	}
	return report, nil
}

func (s *FileStore) holdSnapshot() map[uuid.UUID]bool {
	s.holdsMu.Lock()
	defer s.holdsMu.Unlock()
	return s.holds
}

func (s *FileStore) loadHolds() error {
	data, err := os.ReadFile(filepath.Join(s.dir, legalHoldFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read legal holds: %w", err)
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("decode legal holds: %w", err)
	}
	for _, id := range ids {
		s.holds[id] = true
	}
	return nil
}

func (s *FileStore) saveHolds(holds map[uuid.UUID]bool) error {
	ids := make([]string, 0, len(holds))
	for id := range holds {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("encode legal holds: %w", err)
	}
	return writeLines(s.dir, legalHoldFile, [][]byte{data})
}

// writeLines replaces dir/name atomically.
func writeLines(dir, name string, lines [][]byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		w.Write(l)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
