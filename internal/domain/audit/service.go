package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/platform/hipaa"
	"github.com/ehr/deid/internal/platform/metrics"
)

const defaultWriteTimeout = 5 * time.Second

type Settings struct {
	WriteTimeout  time.Duration
	RetentionDays int
}

// Trail is the audit service used by the engine and the audit API.
type Trail struct {
	store    Store
	settings Settings
	window   hipaa.RetentionWindow
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewTrail(store Store, settings Settings, m *metrics.Metrics, logger zerolog.Logger) *Trail {
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = defaultWriteTimeout
	}
	t := &Trail{
		store:    store,
		settings: settings,
		window:   hipaa.NewRetentionWindow(settings.RetentionDays),
		metrics:  m,
		logger:   logger.With().Str("component", "audit-trail").Logger(),
		now:      time.Now,
	}
	return t
}

// Append assigns the record an id and timestamp and writes it durably. Every
// failure, a timeout included, is returned as *WriteError.
func (t *Trail) Append(ctx context.Context, rec Record) (uuid.UUID, error) {
	start := time.Now()
	if err := rec.validate(); err != nil {
		t.metrics.ObserveAuditAppend("error", time.Since(start))
		return uuid.Nil, &WriteError{Err: err}
	}
	rec.ID = uuid.New()
	rec.Timestamp = t.now().UTC().Truncate(time.Microsecond)
	if rec.OperatorID == "" {
		rec.OperatorID = SystemOperator
	}
	rec.LegalHold = false

	ctx, cancel := context.WithTimeout(ctx, t.settings.WriteTimeout)
	defer cancel()

	err := t.store.Append(ctx, &rec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		t.metrics.ObserveAuditAppend("error", time.Since(start))
		t.logger.Error().Err(err).Str("scope_id", rec.ScopeID).Str("policy_id", rec.PolicyID).
			Msg("audit append failed")
		return uuid.Nil, &WriteError{Err: err}
	}

	t.metrics.ObserveAuditAppend("ok", time.Since(start))
	t.logger.Debug().Str("audit_id", rec.ID.String()).Str("scope_id", rec.ScopeID).
		Str("outcome", string(rec.Outcome)).Msg("audit record appended")
	return rec.ID, nil
}

// Query streams matching records to fn in write order.
func (t *Trail) Query(ctx context.Context, f Filter, fn func(Record) error) error {
	return t.store.Query(ctx, f, fn)
}

// PurgeExpired removes records older than the retention window. Records
// under legal hold are kept.
func (t *Trail) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := t.window.WithClock(t.now).Cutoff()
	n, err := t.store.Purge(ctx, cutoff)
	t.metrics.AddAuditPurged(n)
	if err != nil {
		return n, fmt.Errorf("purge audit records: %w", err)
	}
	t.logger.Info().Int("purged", n).Time("cutoff", cutoff).Msg("audit retention applied")
	return n, nil
}

// RunRetention calls PurgeExpired every interval until ctx is done.
func (t *Trail) RunRetention(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.PurgeExpired(ctx); err != nil {
				t.logger.Error().Err(err).Msg("audit retention run failed")
			}
		}
	}
}

func (t *Trail) SetLegalHold(ctx context.Context, id uuid.UUID, hold bool) error {
	if err := t.store.SetLegalHold(ctx, id, hold); err != nil {
		return err
	}
	t.logger.Info().Str("audit_id", id.String()).Bool("legal_hold", hold).Msg("legal hold updated")
	return nil
}

// Verify checks the hash chain of every stored record.
func (t *Trail) Verify(ctx context.Context) (VerifyReport, error) {
	report, err := t.store.Verify(ctx)
	if err != nil {
		return report, err
	}
	if !report.OK() {
		t.logger.Warn().Int("problems", len(report.Problems)).Msg("audit chain verification found problems")
	}
	return report, nil
}
