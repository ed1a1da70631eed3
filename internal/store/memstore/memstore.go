// Package memstore is an in-memory store.Store. Transactions are serialized
// under one mutex and applied copy-on-commit, so a failed transaction leaves
// no trace.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/internal/store"
)

type state struct {
	contributors map[string]model.Contributor
	clips        map[string]model.Clip
	tasks        map[string]model.Task
	bundles      map[string]model.Bundle
	assignments  map[string]model.Assignment
	responses    map[string][]model.Response
	consensus    map[string]model.ConsensusRecord
}

func newState() *state {
	return &state{
		contributors: make(map[string]model.Contributor),
		clips:        make(map[string]model.Clip),
		tasks:        make(map[string]model.Task),
		bundles:      make(map[string]model.Bundle),
		assignments:  make(map[string]model.Assignment),
		responses:    make(map[string][]model.Response),
		consensus:    make(map[string]model.ConsensusRecord),
	}
}

func (s *state) clone() *state {
	return &state{
		contributors: maps.Clone(s.contributors),
		clips:        maps.Clone(s.clips),
		tasks:        maps.Clone(s.tasks),
		bundles:      maps.Clone(s.bundles),
		assignments:  maps.Clone(s.assignments),
		responses:    maps.Clone(s.responses),
		consensus:    maps.Clone(s.consensus),
	}
}

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New creates an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

// WithTx runs fn against a private copy of the state and publishes the copy
// only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&tx{st: working}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = working
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

type tx struct {
	st *state
}

func copyContributor(c model.Contributor) *model.Contributor {
	out := c
	out.Capabilities = append([]model.TaskType(nil), c.Capabilities...)
	if c.Reputation != nil {
		r := *c.Reputation
		out.Reputation = &r
	}
	if c.LastActiveAt != nil {
		t := *c.LastActiveAt
		out.LastActiveAt = &t
	}
	return &out
}

func (t *tx) EnsureContributor(_ context.Context, c *model.Contributor) (*model.Contributor, error) {
	row, ok := t.st.contributors[c.ID]
	if !ok {
		row = *copyContributor(*c)
	} else {
		row.Role = c.Role
		row.Tier = c.Tier
		row.Capabilities = append([]model.TaskType(nil), c.Capabilities...)
	}
	t.st.contributors[c.ID] = row
	return copyContributor(row), nil
}

func (t *tx) GetContributor(_ context.Context, id string) (*model.Contributor, error) {
	row, ok := t.st.contributors[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyContributor(row), nil
}

func (t *tx) LockContributor(ctx context.Context, id string) (*model.Contributor, error) {
	return t.GetContributor(ctx, id)
}

func (t *tx) UpdateContributorStats(_ context.Context, c *model.Contributor) error {
	row, ok := t.st.contributors[c.ID]
	if !ok {
		return fmt.Errorf("update contributor %s: %w", c.ID, store.ErrNotFound)
	}
	upd := copyContributor(*c)
	row.Reputation = upd.Reputation
	row.TasksTotal = c.TasksTotal
	row.TasksAgreed = c.TasksAgreed
	row.GoldenTotal = c.GoldenTotal
	row.GoldenCorrect = c.GoldenCorrect
	row.LastActiveAt = upd.LastActiveAt
	t.st.contributors[c.ID] = row
	return nil
}

func (t *tx) InsertClip(_ context.Context, clip *model.Clip) error {
	if _, ok := t.st.clips[clip.ID]; ok {
		return fmt.Errorf("insert clip %s: %w", clip.ID, store.ErrConflict)
	}
	t.st.clips[clip.ID] = *clip
	return nil
}

func (t *tx) GetClip(_ context.Context, id string) (*model.Clip, error) {
	clip, ok := t.st.clips[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &clip, nil
}

func (t *tx) InsertTask(_ context.Context, task *model.Task) error {
	if _, ok := t.st.tasks[task.ID]; ok {
		return fmt.Errorf("insert task %s: %w", task.ID, store.ErrConflict)
	}
	t.st.tasks[task.ID] = *task
	return nil
}

func (t *tx) GetTask(_ context.Context, id string) (*model.Task, error) {
	task, ok := t.st.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &task, nil
}

func (t *tx) FindClaimable(_ context.Context, q model.ClaimQuery) ([]*model.Task, error) {
	leased := make(map[string]bool)
	for _, a := range t.st.assignments {
		if a.State == model.AssignmentLeased {
			leased[a.TaskID] = true
		}
	}
	var out []*model.Task
	for _, task := range t.st.tasks {
		if task.Status != model.TaskStatusPending || leased[task.ID] {
			continue
		}
		if q.GoldenOnly && !task.IsGolden {
			continue
		}
		if len(q.TaskTypes) > 0 && !containsType(q.TaskTypes, task.TaskType) {
			continue
		}
		if len(q.Tiers) > 0 && !containsTier(q.Tiers, task.MinTier) {
			continue
		}
		if t.answered(task.ID, q.ContributorID) {
			continue
		}
		task := task
		out = append(out, &task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (t *tx) answered(taskID, contributorID string) bool {
	for _, r := range t.st.responses[taskID] {
		if r.ContributorID == contributorID {
			return true
		}
	}
	return false
}

func containsType(types []model.TaskType, want model.TaskType) bool {
	for _, tt := range types {
		if tt == want {
			return true
		}
	}
	return false
}

func containsTier(tiers []model.Tier, want model.Tier) bool {
	for _, tier := range tiers {
		if tier == want {
			return true
		}
	}
	return false
}

func (t *tx) SetTaskStatus(_ context.Context, id string, status model.TaskStatus) error {
	task, ok := t.st.tasks[id]
	if !ok {
		return fmt.Errorf("set task %s status: %w", id, store.ErrNotFound)
	}
	task.Status = status
	t.st.tasks[id] = task
	return nil
}

func (t *tx) CountPendingByType(_ context.Context) (map[model.TaskType]int, error) {
	counts := make(map[model.TaskType]int)
	for _, task := range t.st.tasks {
		if task.Status == model.TaskStatusPending {
			counts[task.TaskType]++
		}
	}
	return counts, nil
}

func (t *tx) ActiveBundle(_ context.Context, contributorID string) (*model.Bundle, error) {
	for _, b := range t.st.bundles {
		if b.ContributorID == contributorID && b.State == model.BundleActive {
			b := b
			return &b, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) InsertBundle(ctx context.Context, b *model.Bundle) error {
	if b.State == model.BundleActive {
		if _, err := t.ActiveBundle(ctx, b.ContributorID); err == nil {
			return fmt.Errorf("insert bundle for %s: %w", b.ContributorID, store.ErrConflict)
		}
	}
	t.st.bundles[b.ID] = *b
	return nil
}

func (t *tx) SetBundleState(_ context.Context, id string, state model.BundleState) error {
	b, ok := t.st.bundles[id]
	if !ok {
		return fmt.Errorf("set bundle %s state: %w", id, store.ErrNotFound)
	}
	b.State = state
	t.st.bundles[id] = b
	return nil
}

func (t *tx) GetBundle(_ context.Context, id string) (*model.Bundle, error) {
	b, ok := t.st.bundles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

// LockBundle is GetBundle: transactions are already serialized.
func (t *tx) LockBundle(ctx context.Context, id string) (*model.Bundle, error) {
	return t.GetBundle(ctx, id)
}

func (t *tx) InsertAssignment(_ context.Context, a *model.Assignment) error {
	if a.State == model.AssignmentLeased {
		for _, existing := range t.st.assignments {
			if existing.TaskID == a.TaskID && existing.State == model.AssignmentLeased {
				return fmt.Errorf("insert assignment for task %s: %w", a.TaskID, store.ErrConflict)
			}
		}
	}
	t.st.assignments[a.ID] = *a
	return nil
}

func (t *tx) GetAssignment(_ context.Context, id string) (*model.Assignment, error) {
	a, ok := t.st.assignments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (t *tx) UpdateAssignment(_ context.Context, a *model.Assignment) error {
	if _, ok := t.st.assignments[a.ID]; !ok {
		return fmt.Errorf("update assignment %s: %w", a.ID, store.ErrNotFound)
	}
	t.st.assignments[a.ID] = *a
	return nil
}

func (t *tx) LeasedAssignment(_ context.Context, contributorID string) (*model.Assignment, error) {
	for _, a := range t.st.assignments {
		if a.ContributorID == contributorID && a.State == model.AssignmentLeased && a.BundleID == "" {
			a := a
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) CountLeasedInBundle(_ context.Context, bundleID string) (int, error) {
	n := 0
	for _, a := range t.st.assignments {
		if a.BundleID == bundleID && a.State == model.AssignmentLeased {
			n++
		}
	}
	return n, nil
}

func (t *tx) ExpiredLeases(_ context.Context, now time.Time, limit int) ([]*model.Assignment, error) {
	var out []*model.Assignment
	for _, a := range t.st.assignments {
		if a.State == model.AssignmentLeased && a.LeaseExpiresAt.Before(now) {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LeaseExpiresAt.Equal(out[j].LeaseExpiresAt) {
			return out[i].LeaseExpiresAt.Before(out[j].LeaseExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) InsertResponse(_ context.Context, r *model.Response) error {
	if t.answered(r.TaskID, r.ContributorID) {
		return fmt.Errorf("insert response for task %s: %w", r.TaskID, store.ErrConflict)
	}
	existing := t.st.responses[r.TaskID]
	next := make([]model.Response, len(existing), len(existing)+1)
	copy(next, existing)
	t.st.responses[r.TaskID] = append(next, *r)
	return nil
}

func (t *tx) ListResponses(_ context.Context, taskID string) ([]*model.Response, error) {
	rows := t.st.responses[taskID]
	out := make([]*model.Response, 0, len(rows))
	for i := range rows {
		r := rows[i]
		out = append(out, &r)
	}
	return out, nil
}

func (t *tx) UpsertConsensus(_ context.Context, rec *model.ConsensusRecord) error {
	t.st.consensus[rec.TaskID] = *rec
	return nil
}

func (t *tx) GetConsensus(_ context.Context, taskID string) (*model.ConsensusRecord, error) {
	rec, ok := t.st.consensus[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}
