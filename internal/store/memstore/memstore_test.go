package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/internal/store"
	"github.com/clipvote/api/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestWithTx_CanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithTx(ctx, func(tx store.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestReadsReturnCopies(t *testing.T) {
	s := New()
	storetest.Seed(t, s, storetest.NewTask("t-1", model.TaskTypeEmotionTag, 0, 0))
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.EnsureContributor(ctx, &model.Contributor{ID: "alice"})
		require.NoError(t, err)
		rep := 0.7
		c.Reputation = &rep // not persisted until UpdateContributorStats

		task, err := tx.GetTask(ctx, "t-1")
		require.NoError(t, err)
		task.Status = model.TaskStatusRejected
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetContributor(ctx, "alice")
		require.NoError(t, err)
		assert.Nil(t, c.Reputation)

		task, err := tx.GetTask(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, task.Status)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetBundle(ctx, "missing")
		return err
	})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
