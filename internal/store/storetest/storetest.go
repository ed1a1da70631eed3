// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/internal/store"
)

// Base is a millisecond-aligned instant so SQL round trips compare equal.
var Base = time.UnixMilli(1_700_000_000_000).UTC()

// Run exercises the store returned by newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("ContributorUpsert", func(t *testing.T) { testContributorUpsert(t, newStore(t)) })
	t.Run("FindClaimable", func(t *testing.T) { testFindClaimable(t, newStore(t)) })
	t.Run("ActiveBundleUnique", func(t *testing.T) { testActiveBundleUnique(t, newStore(t)) })
	t.Run("LeasedAssignmentUnique", func(t *testing.T) { testLeasedAssignmentUnique(t, newStore(t)) })
	t.Run("Responses", func(t *testing.T) { testResponses(t, newStore(t)) })
	t.Run("ExpiredLeases", func(t *testing.T) { testExpiredLeases(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Consensus", func(t *testing.T) { testConsensus(t, newStore(t)) })
}

// Seed inserts a clip and the given tasks in one transaction.
func Seed(t *testing.T, s store.Store, tasks ...*model.Task) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertClip(context.Background(), &model.Clip{ID: "clip-1", AssetID: "asset-1", StartMs: 0, EndMs: 4000}); err != nil {
			return err
		}
		for _, task := range tasks {
			if err := tx.InsertTask(context.Background(), task); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// NewTask returns a pending task on clip-1 created offset after Base.
func NewTask(id string, taskType model.TaskType, priority int, offset time.Duration) *model.Task {
	return &model.Task{
		ID:                id,
		ClipID:            "clip-1",
		TaskType:          taskType,
		Status:            model.TaskStatusPending,
		Priority:          priority,
		PriceCents:        5,
		TargetVotes:       3,
		MinGreenForSkipQA: 2.5,
		MinGreenForReview: 1.5,
		CreatedAt:         Base.Add(offset),
	}
}

func ensure(t *testing.T, s store.Store, id string) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.EnsureContributor(context.Background(), &model.Contributor{ID: id})
		return err
	})
	require.NoError(t, err)
}

func lease(id, taskID, contributorID, bundleID string, expires time.Time) *model.Assignment {
	return &model.Assignment{
		ID:             id,
		TaskID:         taskID,
		ContributorID:  contributorID,
		BundleID:       bundleID,
		State:          model.AssignmentLeased,
		LeasedAt:       Base,
		LeaseExpiresAt: expires,
	}
}

func testContributorUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.EnsureContributor(ctx, &model.Contributor{
			ID:           "alice",
			Role:         "worker",
			Tier:         model.TierSilver,
			Capabilities: []model.TaskType{model.TaskTypeEmotionTag},
		})
		require.NoError(t, err)
		assert.Nil(t, c.Reputation)
		assert.Equal(t, model.TierSilver, c.Tier)

		rep := 1.2
		active := Base
		c.Reputation = &rep
		c.TasksTotal = 4
		c.TasksAgreed = 3
		c.LastActiveAt = &active
		return tx.UpdateContributorStats(ctx, c)
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.EnsureContributor(ctx, &model.Contributor{ID: "alice", Role: "worker", Tier: model.TierGold})
		require.NoError(t, err)
		assert.Equal(t, model.TierGold, c.Tier)
		require.NotNil(t, c.Reputation)
		assert.InDelta(t, 1.2, *c.Reputation, 1e-12)
		assert.Equal(t, 4, c.TasksTotal)
		assert.Equal(t, 3, c.TasksAgreed)
		require.NotNil(t, c.LastActiveAt)
		assert.True(t, c.LastActiveAt.Equal(Base))

		_, err = tx.GetContributor(ctx, "nobody")
		assert.True(t, errors.Is(err, store.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func testFindClaimable(t *testing.T, s store.Store) {
	ctx := context.Background()
	low := NewTask("t-low", model.TaskTypeEmotionTag, 0, 0)
	old := NewTask("t-old", model.TaskTypeEmotionTag, 5, 0)
	young := NewTask("t-young", model.TaskTypeEmotionTag, 5, time.Minute)
	accent := NewTask("t-accent", model.TaskTypeAccentTag, 9, 0)
	gold := NewTask("t-gold", model.TaskTypeEmotionTag, 9, 0)
	gold.MinTier = model.TierGold
	golden := NewTask("t-golden", model.TaskTypeEmotionTag, 1, 0)
	golden.IsGolden = true
	golden.GoldenAnswer = json.RawMessage(`{"emotion":"joy"}`)
	done := NewTask("t-done", model.TaskTypeEmotionTag, 9, 0)
	done.Status = model.TaskStatusAutoApproved
	Seed(t, s, low, old, young, accent, gold, golden, done)
	ensure(t, s, "alice")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		got, err := tx.FindClaimable(ctx, model.ClaimQuery{
			ContributorID: "alice",
			TaskTypes:     []model.TaskType{model.TaskTypeEmotionTag},
			Tiers:         model.TiersUpTo(model.TierSilver),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"t-old", "t-young", "t-golden", "t-low"}, taskIDs(got))

		got, err = tx.FindClaimable(ctx, model.ClaimQuery{ContributorID: "alice", GoldenOnly: true})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "t-golden", got[0].ID)
		assert.JSONEq(t, `{"emotion":"joy"}`, string(got[0].GoldenAnswer))

		got, err = tx.FindClaimable(ctx, model.ClaimQuery{ContributorID: "alice", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"t-accent", "t-gold"}, taskIDs(got))

		pending, err := tx.CountPendingByType(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, pending[model.TaskTypeEmotionTag])
		assert.Equal(t, 1, pending[model.TaskTypeAccentTag])

		// A leased task drops out of the claimable set.
		require.NoError(t, tx.InsertAssignment(ctx, lease("a-1", "t-old", "alice", "", Base.Add(time.Hour))))
		got, err = tx.FindClaimable(ctx, model.ClaimQuery{
			ContributorID: "alice",
			TaskTypes:     []model.TaskType{model.TaskTypeEmotionTag},
			Tiers:         model.TiersUpTo(model.TierSilver),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"t-young", "t-golden", "t-low"}, taskIDs(got))
		return nil
	})
	require.NoError(t, err)
}

func testActiveBundleUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	ensure(t, s, "alice")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.ActiveBundle(ctx, "alice")
		assert.True(t, errors.Is(err, store.ErrNotFound))
		return tx.InsertBundle(ctx, &model.Bundle{ID: "b-1", ContributorID: "alice", State: model.BundleActive, CreatedAt: Base, ExpiresAt: Base.Add(time.Hour)})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertBundle(ctx, &model.Bundle{ID: "b-2", ContributorID: "alice", State: model.BundleActive, CreatedAt: Base, ExpiresAt: Base.Add(time.Hour)})
	})
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		b, err := tx.ActiveBundle(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "b-1", b.ID)
		assert.True(t, b.ExpiresAt.Equal(Base.Add(time.Hour)))
		if err := tx.SetBundleState(ctx, "b-1", model.BundleClosed); err != nil {
			return err
		}
		return tx.InsertBundle(ctx, &model.Bundle{ID: "b-2", ContributorID: "alice", State: model.BundleActive, CreatedAt: Base, ExpiresAt: Base.Add(time.Hour)})
	})
	require.NoError(t, err)
}

func testLeasedAssignmentUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s, NewTask("t-1", model.TaskTypeEmotionTag, 0, 0))
	ensure(t, s, "alice")
	ensure(t, s, "bob")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertAssignment(ctx, lease("a-1", "t-1", "alice", "", Base.Add(time.Hour)))
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertAssignment(ctx, lease("a-2", "t-1", "bob", "", Base.Add(time.Hour)))
	})
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LeasedAssignment(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "a-1", a.ID)

		ratio := 0.8
		a.PlaybackRatio = &ratio
		a.State = model.AssignmentReleased
		a.ReleaseReason = "skip"
		if err := tx.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		got, err := tx.GetAssignment(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, model.AssignmentReleased, got.State)
		assert.Equal(t, "skip", got.ReleaseReason)
		require.NotNil(t, got.PlaybackRatio)
		assert.InDelta(t, 0.8, *got.PlaybackRatio, 1e-12)

		_, err = tx.LeasedAssignment(ctx, "alice")
		assert.True(t, errors.Is(err, store.ErrNotFound))
		return tx.InsertAssignment(ctx, lease("a-2", "t-1", "bob", "", Base.Add(time.Hour)))
	})
	require.NoError(t, err)
}

func testResponses(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s, NewTask("t-1", model.TaskTypeEmotionTag, 0, 0))
	for _, id := range []string{"carol", "alice", "bob"} {
		ensure(t, s, id)
	}

	err := s.WithTx(ctx, func(tx store.Tx) error {
		for i, id := range []string{"carol", "alice", "bob"} {
			a := lease("a-"+id, "t-1", id, "", Base.Add(time.Hour))
			a.State = model.AssignmentSubmitted
			require.NoError(t, tx.InsertAssignment(ctx, a))
			require.NoError(t, tx.InsertResponse(ctx, &model.Response{
				ID:            "r-" + id,
				TaskID:        "t-1",
				AssignmentID:  a.ID,
				ContributorID: id,
				Payload:       json.RawMessage(`{"emotion":"joy"}`),
				Key:           `{"emotion":"joy"}`,
				Weight:        1,
				DurationMs:    int64(2000 + i),
				PlaybackRatio: 0.9,
				CreatedAt:     Base,
			}))
		}
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertResponse(ctx, &model.Response{
			ID: "r-dup", TaskID: "t-1", AssignmentID: "a-alice", ContributorID: "alice",
			Payload: json.RawMessage(`{}`), Key: `{}`, Weight: 1, CreatedAt: Base,
		})
	})
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		got, err := tx.ListResponses(ctx, "t-1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "carol", got[0].ContributorID)
		assert.Equal(t, "alice", got[1].ContributorID)
		assert.Equal(t, "bob", got[2].ContributorID)
		assert.JSONEq(t, `{"emotion":"joy"}`, string(got[0].Payload))

		claimable, err := tx.FindClaimable(ctx, model.ClaimQuery{ContributorID: "alice"})
		require.NoError(t, err)
		assert.Empty(t, claimable)
		return nil
	})
	require.NoError(t, err)
}

func testExpiredLeases(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s,
		NewTask("t-1", model.TaskTypeEmotionTag, 0, 0),
		NewTask("t-2", model.TaskTypeEmotionTag, 0, 0),
		NewTask("t-3", model.TaskTypeEmotionTag, 0, 0),
	)
	ensure(t, s, "alice")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertAssignment(ctx, lease("a-1", "t-1", "alice", "", Base.Add(2*time.Minute))))
		require.NoError(t, tx.InsertAssignment(ctx, lease("a-2", "t-2", "alice", "", Base.Add(time.Minute))))
		require.NoError(t, tx.InsertAssignment(ctx, lease("a-3", "t-3", "alice", "", Base.Add(time.Hour))))
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		got, err := tx.ExpiredLeases(ctx, Base.Add(10*time.Minute), 0)
		require.NoError(t, err)
		ids := make([]string, 0, len(got))
		for _, a := range got {
			ids = append(ids, a.ID)
		}
		assert.Equal(t, []string{"a-2", "a-1"}, ids)

		got, err = tx.ExpiredLeases(ctx, Base.Add(10*time.Minute), 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a-2", got[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s, NewTask("t-1", model.TaskTypeEmotionTag, 0, 0))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.SetTaskStatus(ctx, "t-1", model.TaskStatusLeased))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		task, err := tx.GetTask(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, task.Status)

		err = tx.SetTaskStatus(ctx, "missing", model.TaskStatusLeased)
		assert.True(t, errors.Is(err, store.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func testConsensus(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s, NewTask("t-1", model.TaskTypeEmotionTag, 0, 0))

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetConsensus(ctx, "t-1")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		require.NoError(t, tx.UpsertConsensus(ctx, &model.ConsensusRecord{
			TaskID: "t-1", Label: "a", GreenCount: 1, AgreementScore: 1, VoteCount: 1,
			FinalStatus: model.TaskStatusPending, DecidedAt: Base,
		}))
		return tx.UpsertConsensus(ctx, &model.ConsensusRecord{
			TaskID: "t-1", Label: "b", GreenCount: 2.5, AgreementScore: 0.833, VoteCount: 3,
			FinalStatus: model.TaskStatusAutoApproved, DecidedAt: Base.Add(time.Minute),
		})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		rec, err := tx.GetConsensus(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, "b", rec.Label)
		assert.InDelta(t, 2.5, rec.GreenCount, 1e-12)
		assert.Equal(t, 3, rec.VoteCount)
		assert.Equal(t, model.TaskStatusAutoApproved, rec.FinalStatus)
		return nil
	})
	require.NoError(t, err)
}

func taskIDs(tasks []*model.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}
