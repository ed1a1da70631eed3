// Package lease owns the task, assignment and bundle lifecycle: claim,
// heartbeat, release, completion and expiry. Every method runs inside a
// caller-supplied store transaction so the caller decides what commits
// together.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/internal/store"
)

// ErrExpired is returned by Refresh and Hold when the lease had already run
// out. The lease has been expired inside the transaction, so callers should
// commit before reporting the failure.
var ErrExpired = errors.New("lease expired")

// Config holds lease timing and sizing.
type Config struct {
	TTL               time.Duration
	BundleTTL         time.Duration
	DefaultBundleSize int
	MaxBundleSize     int
	GoldenRatio       float64
	SweepBatch        int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:               15 * time.Minute,
		BundleTTL:         45 * time.Minute,
		DefaultBundleSize: 3,
		MaxBundleSize:     10,
		GoldenRatio:       0.02,
		SweepBatch:        500,
	}
}

// Transition describes one assignment leaving the leased state. BundleState
// is set when that also retired the assignment's bundle.
type Transition struct {
	Assignment  *model.Assignment
	BundleState model.BundleState
}

// Manager runs lease state transitions.
type Manager struct {
	cfg    Config
	now    func() time.Time
	rand   func() float64
	newID  func() string
	logger *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand sets the source used for golden mixing.
func WithRand(r func() float64) Option {
	return func(m *Manager) { m.rand = r }
}

// WithIDs sets the id generator.
func WithIDs(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// NewManager creates a Manager. Zero config fields take DefaultConfig values.
func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.BundleTTL <= 0 {
		cfg.BundleTTL = def.BundleTTL
	}
	if cfg.DefaultBundleSize <= 0 {
		cfg.DefaultBundleSize = def.DefaultBundleSize
	}
	if cfg.MaxBundleSize <= 0 {
		cfg.MaxBundleSize = def.MaxBundleSize
	}
	if cfg.GoldenRatio < 0 {
		cfg.GoldenRatio = 0
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	m := &Manager{
		cfg:    cfg,
		now:    time.Now,
		rand:   rand.Float64,
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "lease"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// BundleSize clamps a requested bundle size to the configured bounds.
func (m *Manager) BundleSize(requested int) int {
	if requested <= 0 {
		requested = m.cfg.DefaultBundleSize
	}
	if requested > m.cfg.MaxBundleSize {
		requested = m.cfg.MaxBundleSize
	}
	return requested
}

// ClaimBundle leases up to count tasks to the contributor as one bundle.
func (m *Manager) ClaimBundle(ctx context.Context, tx store.Tx, who *model.Contributor, count int) (*model.Bundle, []*model.Claim, error) {
	c, err := tx.EnsureContributor(ctx, who)
	if err != nil {
		return nil, nil, fmt.Errorf("ensure contributor: %w", err)
	}
	if active, err := tx.ActiveBundle(ctx, c.ID); err == nil {
		stale, err := m.retireStale(ctx, tx, active)
		if err != nil {
			return nil, nil, err
		}
		if !stale {
			return nil, nil, model.ErrBundleActive
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("active bundle: %w", err)
	}

	tasks, err := m.selectTasks(ctx, tx, c, m.BundleSize(count))
	if err != nil {
		return nil, nil, err
	}
	if len(tasks) == 0 {
		return nil, nil, model.ErrNoTasks
	}

	now := m.now()
	bundle := &model.Bundle{
		ID:            m.newID(),
		ContributorID: c.ID,
		State:         model.BundleActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.BundleTTL),
	}
	if err := tx.InsertBundle(ctx, bundle); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil, model.ErrBundleActive
		}
		return nil, nil, fmt.Errorf("insert bundle: %w", err)
	}

	claims := make([]*model.Claim, 0, len(tasks))
	for _, task := range tasks {
		claim, err := m.lease(ctx, tx, c.ID, task, bundle.ID, now.Add(m.cfg.BundleTTL))
		if err != nil {
			return nil, nil, err
		}
		claims = append(claims, claim)
	}
	return bundle, claims, nil
}

// ClaimSingle leases one task outside any bundle. A contributor that already
// holds a live bundle-less lease gets that lease back. It returns nil when
// nothing is eligible.
func (m *Manager) ClaimSingle(ctx context.Context, tx store.Tx, who *model.Contributor) (*model.Claim, error) {
	c, err := tx.EnsureContributor(ctx, who)
	if err != nil {
		return nil, fmt.Errorf("ensure contributor: %w", err)
	}

	now := m.now()
	existing, err := tx.LeasedAssignment(ctx, c.ID)
	switch {
	case err == nil && existing.Live(now):
		return m.claimFor(ctx, tx, existing)
	case err == nil:
		if _, err := m.expire(ctx, tx, existing); err != nil {
			return nil, err
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("leased assignment: %w", err)
	}

	tasks, err := m.selectTasks(ctx, tx, c, 1)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return m.lease(ctx, tx, c.ID, tasks[0], "", now.Add(m.cfg.TTL))
}

// selectTasks picks up to n claimable tasks. With probability GoldenRatio
// golden tasks are tried first.
func (m *Manager) selectTasks(ctx context.Context, tx store.Tx, c *model.Contributor, n int) ([]*model.Task, error) {
	q := model.ClaimQuery{
		ContributorID: c.ID,
		TaskTypes:     c.Capabilities,
		Tiers:         model.TiersUpTo(c.Tier),
		Limit:         n,
	}

	var picked []*model.Task
	if m.cfg.GoldenRatio > 0 && m.rand() < m.cfg.GoldenRatio {
		golden := q
		golden.GoldenOnly = true
		tasks, err := tx.FindClaimable(ctx, golden)
		if err != nil {
			return nil, fmt.Errorf("find golden tasks: %w", err)
		}
		picked = tasks
	}
	if len(picked) >= n {
		return picked[:n], nil
	}

	q.Limit = n + len(picked)
	tasks, err := tx.FindClaimable(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	seen := make(map[string]bool, len(picked))
	for _, t := range picked {
		seen[t.ID] = true
	}
	for _, t := range tasks {
		if len(picked) == n {
			break
		}
		if !seen[t.ID] {
			picked = append(picked, t)
		}
	}
	return picked, nil
}

func (m *Manager) lease(ctx context.Context, tx store.Tx, contributorID string, task *model.Task, bundleID string, expires time.Time) (*model.Claim, error) {
	a := &model.Assignment{
		ID:             m.newID(),
		TaskID:         task.ID,
		ContributorID:  contributorID,
		BundleID:       bundleID,
		State:          model.AssignmentLeased,
		LeasedAt:       m.now(),
		LeaseExpiresAt: expires,
	}
	if err := tx.InsertAssignment(ctx, a); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, model.ErrLeaseConflict.WithMessage("task " + task.ID + " was leased concurrently")
		}
		return nil, fmt.Errorf("insert assignment: %w", err)
	}
	if err := tx.SetTaskStatus(ctx, task.ID, model.TaskStatusLeased); err != nil {
		return nil, fmt.Errorf("mark task leased: %w", err)
	}
	task.Status = model.TaskStatusLeased

	clip, err := tx.GetClip(ctx, task.ClipID)
	if err != nil {
		return nil, fmt.Errorf("get clip %s: %w", task.ClipID, err)
	}
	return &model.Claim{Assignment: a, Task: task, Clip: clip}, nil
}

func (m *Manager) claimFor(ctx context.Context, tx store.Tx, a *model.Assignment) (*model.Claim, error) {
	task, err := tx.GetTask(ctx, a.TaskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", a.TaskID, err)
	}
	clip, err := tx.GetClip(ctx, task.ClipID)
	if err != nil {
		return nil, fmt.Errorf("get clip %s: %w", task.ClipID, err)
	}
	return &model.Claim{Assignment: a, Task: task, Clip: clip}, nil
}

// owned loads an assignment and checks it belongs to the contributor.
func owned(ctx context.Context, tx store.Tx, contributorID, assignmentID string) (*model.Assignment, error) {
	a, err := tx.GetAssignment(ctx, assignmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrNotFound.WithMessage("assignment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	if a.ContributorID != contributorID {
		return nil, model.ErrNotFound.WithMessage("assignment not found")
	}
	return a, nil
}

// Refresh extends a live lease by TTL and records heartbeat telemetry.
func (m *Manager) Refresh(ctx context.Context, tx store.Tx, contributorID, assignmentID string, playbackRatio *float64, watchedMs *int64) (*model.Assignment, error) {
	a, err := owned(ctx, tx, contributorID, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.State != model.AssignmentLeased {
		return nil, model.ErrNotFound.WithMessage("assignment is not leased")
	}
	now := m.now()
	if !a.Live(now) {
		if _, err := m.expire(ctx, tx, a); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}

	a.LeaseExpiresAt = now.Add(m.cfg.TTL)
	a.LastHeartbeatAt = &now
	if playbackRatio != nil {
		a.PlaybackRatio = playbackRatio
	}
	if watchedMs != nil {
		a.WatchedMs = watchedMs
	}
	if err := tx.UpdateAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("refresh assignment: %w", err)
	}
	return a, nil
}

// Release gives a leased assignment back. Releasing an assignment that is no
// longer leased is a no-op and returns a nil Transition.
func (m *Manager) Release(ctx context.Context, tx store.Tx, contributorID, assignmentID, reason string) (*Transition, error) {
	a, err := owned(ctx, tx, contributorID, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.State != model.AssignmentLeased {
		return nil, nil
	}
	a.State = model.AssignmentReleased
	a.ReleaseReason = reason
	return m.retire(ctx, tx, a, model.BundleClosed)
}

// Hold returns the contributor's live lease on assignmentID for submission.
func (m *Manager) Hold(ctx context.Context, tx store.Tx, contributorID, assignmentID string) (*model.Assignment, error) {
	a, err := tx.GetAssignment(ctx, assignmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrNotFound.WithMessage("assignment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	if a.ContributorID != contributorID || a.State != model.AssignmentLeased {
		return nil, model.ErrLeaseConflict.WithMessage("assignment is not leased by this contributor")
	}
	if !a.Live(m.now()) {
		if _, err := m.expire(ctx, tx, a); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}
	return a, nil
}

// Complete marks a held assignment submitted and moves its task to status:
// pending while more votes are needed, or a terminal status.
func (m *Manager) Complete(ctx context.Context, tx store.Tx, a *model.Assignment, status model.TaskStatus) (*Transition, error) {
	a.State = model.AssignmentSubmitted
	if err := tx.UpdateAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("complete assignment: %w", err)
	}
	if err := tx.SetTaskStatus(ctx, a.TaskID, status); err != nil {
		return nil, fmt.Errorf("set task status: %w", err)
	}
	tr := &Transition{Assignment: a}
	if a.BundleID != "" {
		state, err := m.retireBundle(ctx, tx, a.BundleID, model.BundleClosed)
		if err != nil {
			return nil, err
		}
		tr.BundleState = state
	}
	return tr, nil
}

// Sweep expires up to SweepBatch leases that ended before now.
func (m *Manager) Sweep(ctx context.Context, tx store.Tx) ([]*Transition, error) {
	expired, err := tx.ExpiredLeases(ctx, m.now(), m.cfg.SweepBatch)
	if err != nil {
		return nil, fmt.Errorf("expired leases: %w", err)
	}
	out := make([]*Transition, 0, len(expired))
	for _, a := range expired {
		tr, err := m.expire(ctx, tx, a)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	if len(out) > 0 {
		m.logger.InfoContext(ctx, "expired leases", "count", len(out))
	}
	return out, nil
}

func (m *Manager) expire(ctx context.Context, tx store.Tx, a *model.Assignment) (*Transition, error) {
	a.State = model.AssignmentExpired
	return m.retire(ctx, tx, a, model.BundleExpired)
}

// retire persists a leased assignment's exit, returns its task to pending
// unless finalized, and retires the bundle when it has no leased members.
func (m *Manager) retire(ctx context.Context, tx store.Tx, a *model.Assignment, bundleState model.BundleState) (*Transition, error) {
	if err := tx.UpdateAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("update assignment: %w", err)
	}
	task, err := tx.GetTask(ctx, a.TaskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", a.TaskID, err)
	}
	if !task.Status.Terminal() {
		if err := tx.SetTaskStatus(ctx, task.ID, model.TaskStatusPending); err != nil {
			return nil, fmt.Errorf("requeue task: %w", err)
		}
	}
	tr := &Transition{Assignment: a}
	if a.BundleID != "" {
		state, err := m.retireBundle(ctx, tx, a.BundleID, bundleState)
		if err != nil {
			return nil, err
		}
		tr.BundleState = state
	}
	return tr, nil
}

// retireBundle moves an active bundle to state once no leased members remain.
// It returns the new state, or "" when the bundle stays as it was. The bundle
// row is locked before counting so that two transactions finishing the last
// two members cannot both see the other's member as still leased.
func (m *Manager) retireBundle(ctx context.Context, tx store.Tx, bundleID string, state model.BundleState) (model.BundleState, error) {
	b, err := tx.LockBundle(ctx, bundleID)
	if err != nil {
		return "", fmt.Errorf("lock bundle %s: %w", bundleID, err)
	}
	if b.State != model.BundleActive {
		return "", nil
	}
	n, err := tx.CountLeasedInBundle(ctx, bundleID)
	if err != nil {
		return "", fmt.Errorf("count bundle leases: %w", err)
	}
	if n > 0 {
		return "", nil
	}
	if err := tx.SetBundleState(ctx, bundleID, state); err != nil {
		return "", fmt.Errorf("retire bundle: %w", err)
	}
	return state, nil
}

// retireStale retires an active bundle that is past its TTL or has no leased
// members left. Members still leased keep their own leases.
func (m *Manager) retireStale(ctx context.Context, tx store.Tx, active *model.Bundle) (bool, error) {
	b, err := tx.LockBundle(ctx, active.ID)
	if err != nil {
		return false, fmt.Errorf("lock bundle %s: %w", active.ID, err)
	}
	if b.State != model.BundleActive {
		return true, nil
	}
	state := model.BundleExpired
	if m.now().Before(b.ExpiresAt) {
		n, err := tx.CountLeasedInBundle(ctx, b.ID)
		if err != nil {
			return false, fmt.Errorf("count bundle leases: %w", err)
		}
		if n > 0 {
			return false, nil
		}
		state = model.BundleClosed
	}
	if err := tx.SetBundleState(ctx, b.ID, state); err != nil {
		return false, fmt.Errorf("retire bundle: %w", err)
	}
	m.logger.InfoContext(ctx, "retired stale bundle", "bundle_id", b.ID, "contributor_id", b.ContributorID, "state", state)
	return true, nil
}
