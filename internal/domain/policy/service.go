package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/platform/metrics"
)

// SystemApprover records approvals granted automatically when the deployment
// does not require human approval.
const SystemApprover = "system"

const (
	defaultStoreTimeout = 5 * time.Second
	defaultCacheTTL     = 5 * time.Second
)

var ErrReasonRequired = errors.New("a rejection reason is required")

// Settings carries the deployment-level policy switches.
type Settings struct {
	Workflow        Workflow
	RequireApproval bool
	EmergencyBypass bool
	StoreTimeout    time.Duration
	// CacheTTL bounds how long a cached approved version is served before
	// the store is consulted again. Other processes sharing the store only
	// become visible after it lapses.
	CacheTTL time.Duration
}

// ResolveOptions selects what Resolve returns. A positive Version fetches
// that exact version regardless of status, for audit replay.
// AllowUnapproved falls back to the latest version of any status when nothing
// is approved; it exists for development deployments only.
type ResolveOptions struct {
	Version         int
	EmergencyBypass bool
	AllowUnapproved bool
}

// Resolution is a resolved policy. Bypassed is set when the policy was
// returned without approval through emergency bypass.
type Resolution struct {
	Policy   *Policy
	Bypassed bool
}

// Summary describes the newest version of a policy.
type Summary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	LatestVersion   int    `json:"latest_version"`
	LatestStatus    Status `json:"latest_status"`
	ApprovedVersion int    `json:"approved_version,omitempty"`
}

type cachedApproval struct {
	policy   *Policy
	loadedAt time.Time
}

type approvedIndex map[string]cachedApproval

// Manager owns policy lifecycle: creation, revision, approval workflow,
// resolution and backups. Mutations on one policy id are serialized within
// the process. The approved-version cache is replaced whole on every change,
// so readers never take a lock, and its entries expire after CacheTTL.
type Manager struct {
	repo     Repository
	settings Settings
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	locks    sync.Map // policy id -> *sync.Mutex
	approved atomic.Pointer[approvedIndex]
	now      func() time.Time
}

func NewManager(repo Repository, settings Settings, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if settings.StoreTimeout <= 0 {
		settings.StoreTimeout = defaultStoreTimeout
	}
	if settings.CacheTTL <= 0 {
		settings.CacheTTL = defaultCacheTTL
	}
	if settings.Workflow.Kind == "" {
		settings.Workflow = Workflow{Kind: WorkflowSingle}
	}
	mgr := &Manager{
		repo:     repo,
		settings: settings,
		metrics:  m,
		logger:   logger.With().Str("component", "policy-manager").Logger(),
		now:      time.Now,
	}
	empty := approvedIndex{}
	mgr.approved.Store(&empty)
	return mgr
}

func (m *Manager) lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// store runs fn against the repository under the store timeout.
func (m *Manager) store(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.settings.StoreTimeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
	}
	return err
}

func (m *Manager) versions(ctx context.Context, id string) ([]*Policy, error) {
	var out []*Policy
	err := m.store(ctx, func(ctx context.Context) error {
		var err error
		out, err = m.repo.Versions(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) save(ctx context.Context, p *Policy) error {
	return m.store(ctx, func(ctx context.Context) error { return m.repo.Save(ctx, p) })
}

func (m *Manager) backup(ctx context.Context, id string, versions []*Policy) (string, error) {
	var loc string
	err := m.store(ctx, func(ctx context.Context) error {
		var err error
		loc, err = m.repo.Backup(ctx, id, versions, m.now())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("backup policy %s: %w", id, err)
	}
	return loc, nil
}

// Load reads every stored policy and primes the approved cache. An
// unreadable store is a startup failure.
func (m *Manager) Load(ctx context.Context) error {
	var ids []string
	err := m.store(ctx, func(ctx context.Context) error {
		var err error
		ids, err = m.repo.ListIDs(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	for _, id := range ids {
		versions, err := m.versions(ctx, id)
		if err != nil {
			return fmt.Errorf("load policy %s: %w", id, err)
		}
		m.refreshCache(id, versions)
	}
	m.logger.Info().Int("policies", len(ids)).Msg("policy store loaded")
	return nil
}

func latestApproved(versions []*Policy) *Policy {
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == StatusApproved {
			return versions[i]
		}
	}
	return nil
}

// refreshCache swaps in a new index with id's approved version replaced.
func (m *Manager) refreshCache(id string, versions []*Policy) {
	p := latestApproved(versions)
	entry := cachedApproval{loadedAt: m.now()}
	if p != nil {
		entry.policy = p.Clone()
	}
	for {
		old := m.approved.Load()
		next := make(approvedIndex, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		if p == nil {
			delete(next, id)
		} else {
			next[id] = entry
		}
		if m.approved.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Create stores a new policy as version 1 in Draft. An empty id is assigned.
func (m *Manager) Create(ctx context.Context, doc Document, authorID string) (*Policy, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.Version = 1
	doc.Status = StatusDraft
	doc.Approvals = nil
	doc.Rejection = nil

	p, err := Compile(doc)
	if err != nil {
		return nil, err
	}

	defer m.lock(p.ID)()

	if _, err := m.versions(ctx, p.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrPolicyExists, p.ID)
	} else if !errors.Is(err, ErrPolicyNotFound) {
		return nil, err
	}

	now := m.now().UTC()
	p.CreatedBy = authorID
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := m.save(ctx, p); err != nil {
		return nil, err
	}

	m.metrics.IncPolicyTransition("create")
	m.logger.Info().Str("policy_id", p.ID).Int("version", p.Version).Str("author", authorID).
		Int("rules", len(p.Rules)).Msg("policy created")
	return p.Clone(), nil
}

// Revise creates the next version of an existing policy in Draft. The
// approved version keeps serving until its successor is approved.
func (m *Manager) Revise(ctx context.Context, id string, doc Document, authorID string) (*Policy, error) {
	defer m.lock(id)()

	versions, err := m.versions(ctx, id)
	if err != nil {
		return nil, err
	}
	latest := versions[len(versions)-1]
	if latest.Status == StatusDraft || latest.Status == StatusPendingApproval {
		return nil, fmt.Errorf("%w: %s v%d is %s", ErrRevisionPending, id, latest.Version, latest.Status)
	}

	doc.ID = id
	doc.Version = latest.Version + 1
	doc.Status = StatusDraft
	doc.Approvals = nil
	doc.Rejection = nil
	p, err := Compile(doc)
	if err != nil {
		return nil, err
	}

	if _, err := m.backup(ctx, id, versions); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	p.CreatedBy = authorID
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := m.save(ctx, p); err != nil {
		return nil, err
	}

	m.metrics.IncPolicyTransition("revise")
	m.logger.Info().Str("policy_id", id).Int("version", p.Version).Str("author", authorID).Msg("policy revised")
	return p.Clone(), nil
}

// SubmitForApproval moves the latest Draft version to PendingApproval. When
// the deployment does not require approval it is approved immediately.
func (m *Manager) SubmitForApproval(ctx context.Context, id string) (*Policy, error) {
	defer m.lock(id)()

	versions, err := m.versions(ctx, id)
	if err != nil {
		return nil, err
	}
	p := versions[len(versions)-1].Clone()
	next, err := Transition(p.Status, EventSubmit)
	if err != nil {
		return nil, err
	}
	if _, err := m.backup(ctx, id, versions); err != nil {
		return nil, err
	}

	p.Status = next
	p.UpdatedAt = m.now().UTC()
	m.metrics.IncPolicyTransition(string(EventSubmit))

	if !m.settings.RequireApproval {
		p.Approvals = append(p.Approvals, Approval{ApproverID: SystemApprover, Timestamp: p.UpdatedAt})
		return m.finishApproval(ctx, versions, p)
	}

	if err := m.save(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info().Str("policy_id", id).Int("version", p.Version).Msg("policy submitted for approval")
	return p, nil
}

// Approve records approverID's approval of the pending version and moves it
// to Approved once the workflow is satisfied.
func (m *Manager) Approve(ctx context.Context, id, approverID string) (*Policy, error) {
	if approverID == "" {
		return nil, fmt.Errorf("approver id is required")
	}
	defer m.lock(id)()

	versions, err := m.versions(ctx, id)
	if err != nil {
		return nil, err
	}
	p := versions[len(versions)-1].Clone()
	if p.Status != StatusPendingApproval {
		return nil, &TransitionError{From: p.Status, Event: EventApprove}
	}
	if err := m.settings.Workflow.CanApprove(approverID); err != nil {
		return nil, err
	}
	if p.HasApproved(approverID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateApproval, approverID)
	}
	if _, err := m.backup(ctx, id, versions); err != nil {
		return nil, err
	}

	p.Approvals = append(p.Approvals, Approval{ApproverID: approverID, Timestamp: m.now().UTC()})
	p.UpdatedAt = m.now().UTC()

	if !m.settings.Workflow.Satisfied(p.Approvals) {
		if err := m.save(ctx, p); err != nil {
			return nil, err
		}
		m.logger.Info().Str("policy_id", id).Int("version", p.Version).Str("approver", approverID).
			Int("approvals", len(p.Approvals)).Int("required", m.settings.Workflow.Required()).
			Msg("policy approval recorded")
		return p, nil
	}
	return m.finishApproval(ctx, versions, p)
}

// finishApproval approves p, supersedes every older approved version and
// refreshes the cache. The caller holds the policy lock.
func (m *Manager) finishApproval(ctx context.Context, versions []*Policy, p *Policy) (*Policy, error) {
	next, err := Transition(p.Status, EventApprove)
	if err != nil {
		return nil, err
	}
	p.Status = next

	// Save the new version first: a crash between the writes leaves two
	// approved versions, and resolution always prefers the newest.
	if err := m.save(ctx, p); err != nil {
		return nil, err
	}
	updated := make([]*Policy, 0, len(versions))
	for _, v := range versions {
		if v.Version == p.Version {
			updated = append(updated, p)
			continue
		}
		if v.Status == StatusApproved {
			old := v.Clone()
			if old.Status, err = Transition(old.Status, EventSupersede); err != nil {
				return nil, err
			}
			old.UpdatedAt = p.UpdatedAt
			if err := m.save(ctx, old); err != nil {
				return nil, err
			}
			m.metrics.IncPolicyTransition(string(EventSupersede))
			m.logger.Info().Str("policy_id", p.ID).Int("version", old.Version).Msg("policy superseded")
			v = old
		}
		updated = append(updated, v)
	}
	m.refreshCache(p.ID, updated)

	m.metrics.IncPolicyTransition(string(EventApprove))
	m.logger.Info().Str("policy_id", p.ID).Int("version", p.Version).Int("approvals", len(p.Approvals)).Msg("policy approved")
	return p.Clone(), nil
}

// Reject moves the pending version to Rejected. Rejected is terminal.
func (m *Manager) Reject(ctx context.Context, id, approverID, reason string) (*Policy, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	defer m.lock(id)()

	versions, err := m.versions(ctx, id)
	if err != nil {
		return nil, err
	}
	p := versions[len(versions)-1].Clone()
	next, err := Transition(p.Status, EventReject)
	if err != nil {
		return nil, err
	}
	if err := m.settings.Workflow.CanApprove(approverID); err != nil {
		return nil, err
	}
	if _, err := m.backup(ctx, id, versions); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	p.Status = next
	p.Rejection = &Rejection{ApproverID: approverID, Reason: reason, Timestamp: now}
	p.UpdatedAt = now
	if err := m.save(ctx, p); err != nil {
		return nil, err
	}

	m.metrics.IncPolicyTransition(string(EventReject))
	m.logger.Info().Str("policy_id", id).Int("version", p.Version).Str("approver", approverID).Msg("policy rejected")
	return p, nil
}

// Resolve returns the policy an anonymization should run with. Without a
// version it is the latest Approved version; with emergency bypass and the
// deployment switch on, the latest version of any status. The returned
// policy is shared and must not be modified.
func (m *Manager) Resolve(ctx context.Context, id string, opts ResolveOptions) (*Resolution, error) {
	if opts.Version > 0 {
		var p *Policy
		err := m.store(ctx, func(ctx context.Context) error {
			var err error
			p, err = m.repo.Get(ctx, id, opts.Version)
			return err
		})
		if err != nil {
			return nil, err
		}
		if p.Usable() || !opts.EmergencyBypass {
			return &Resolution{Policy: p}, nil
		}
		if !m.settings.EmergencyBypass {
			return nil, ErrEmergencyBypassDisabled
		}
		m.metrics.IncEmergencyBypass()
		m.logger.Warn().Str("policy_id", id).Int("version", p.Version).Str("status", string(p.Status)).
			Msg("policy version resolved through emergency bypass")
		return &Resolution{Policy: p, Bypassed: true}, nil
	}

	if c, ok := (*m.approved.Load())[id]; ok && m.now().Sub(c.loadedAt) < m.settings.CacheTTL {
		return &Resolution{Policy: c.policy}, nil
	}

	versions, err := m.versions(ctx, id)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			m.refreshCache(id, nil)
		}
		return nil, err
	}
	m.refreshCache(id, versions)
	if p := latestApproved(versions); p != nil {
		return &Resolution{Policy: p}, nil
	}

	latest := versions[len(versions)-1]
	if opts.AllowUnapproved {
		return &Resolution{Policy: latest}, nil
	}
	if !opts.EmergencyBypass {
		return nil, fmt.Errorf("%w: %s v%d is %s", ErrPolicyNotApproved, id, latest.Version, latest.Status)
	}
	if !m.settings.EmergencyBypass {
		return nil, ErrEmergencyBypassDisabled
	}
	m.metrics.IncEmergencyBypass()
	m.logger.Warn().Str("policy_id", id).Int("version", latest.Version).Str("status", string(latest.Status)).
		Msg("policy resolved through emergency bypass")
	return &Resolution{Policy: latest, Bypassed: true}, nil
}

// Backup snapshots every version of id and returns the backup location.
func (m *Manager) Backup(ctx context.Context, id string) (string, error) {
	defer m.lock(id)()
	versions, err := m.versions(ctx, id)
	if err != nil {
		return "", err
	}
	loc, err := m.backup(ctx, id, versions)
	if err != nil {
		return "", err
	}
	m.logger.Info().Str("policy_id", id).Str("location", loc).Msg("policy backed up")
	return loc, nil
}

// Get returns one version; version 0 means the latest.
func (m *Manager) Get(ctx context.Context, id string, version int) (*Policy, error) {
	if version > 0 {
		var p *Policy
		err := m.store(ctx, func(ctx context.Context) error {
			var err error
			p, err = m.repo.Get(ctx, id, version)
			return err
		})
		return p, err
	}
	versions, err := m.versions(ctx, id)
	if err != nil {
		return nil, err
	}
	return versions[len(versions)-1], nil
}

// History returns every version of id in ascending order.
func (m *Manager) History(ctx context.Context, id string) ([]*Policy, error) {
	return m.versions(ctx, id)
}

// List summarises every stored policy.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	var ids []string
	err := m.store(ctx, func(ctx context.Context) error {
		var err error
		ids, err = m.repo.ListIDs(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		versions, err := m.versions(ctx, id)
		if err != nil {
			return nil, err
		}
		latest := versions[len(versions)-1]
		s := Summary{ID: id, Name: latest.Name, LatestVersion: latest.Version, LatestStatus: latest.Status}
		if a := latestApproved(versions); a != nil {
			s.ApprovedVersion = a.Version
		}
		out = append(out, s)
	}
	return out, nil
}
