package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipvote/api/internal/lease"
	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/internal/store"
	"github.com/clipvote/api/internal/store/storetest"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openSQLite(t) })
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLite_ConcurrentLeaseOneWinner(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	storetest.Seed(t, s, storetest.NewTask("t-1", model.TaskTypeEmotionTag, 0, 0))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			err := s.WithTx(ctx, func(tx store.Tx) error {
				if _, err := tx.EnsureContributor(ctx, &model.Contributor{ID: id}); err != nil {
					return err
				}
				tasks, err := tx.FindClaimable(ctx, model.ClaimQuery{ContributorID: id, Limit: 1})
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					return store.ErrNotFound
				}
				return tx.InsertAssignment(ctx, &model.Assignment{
					ID:             "a-" + id,
					TaskID:         tasks[0].ID,
					ContributorID:  id,
					State:          model.AssignmentLeased,
					LeasedAt:       storetest.Base,
					LeaseExpiresAt: storetest.Base.Add(time.Hour),
				})
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y IN (?, ?)`
	assert.Equal(t, q, rebind(SQLite, q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)`, rebind(Postgres, q))
}

func TestPostgres_GetContributorUsesNumberedPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id", "role", "tier", "capabilities", "reputation", "tasks_total",
		"tasks_agreed", "golden_total", "golden_correct", "last_active_at"}).
		AddRow("alice", "worker", "gold", `["emotion_tag"]`, 1.25, 10, 8, 2, 2, int64(1_700_000_000_000))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM contributors WHERE id = $1")).
		WithArgs("alice").
		WillReturnRows(rows)
	mock.ExpectCommit()

	err = s.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetContributor(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.TierGold, c.Tier)
		assert.Equal(t, []model.TaskType{model.TaskTypeEmotionTag}, c.Capabilities)
		require.NotNil(t, c.Reputation)
		assert.InDelta(t, 1.25, *c.Reputation, 1e-12)
		require.NotNil(t, c.LastActiveAt)
		assert.True(t, c.LastActiveAt.Equal(storetest.Base))
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindClaimableSkipsLockedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("AND t.task_type IN ($4, $5) ORDER BY t.priority DESC, t.created_at ASC, t.id ASC LIMIT $6 FOR UPDATE SKIP LOCKED")).
		WithArgs("pending", "leased", "alice", "emotion_tag", "accent_tag", 3).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err = s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.FindClaimable(ctx, model.ClaimQuery{
			ContributorID: "alice",
			TaskTypes:     []model.TaskType{model.TaskTypeEmotionTag, model.TaskTypeAccentTag},
			Limit:         3,
		})
		require.NoError(t, err)
		return errors.New("abort")
	})
	assert.EqualError(t, err, "abort")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UniqueViolationIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bundles")).
		WithArgs("b-1", "alice", "active", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertBundle(ctx, &model.Bundle{
			ID: "b-1", ContributorID: "alice", State: model.BundleActive,
			CreatedAt: storetest.Base, ExpiresAt: storetest.Base.Add(time.Hour),
		})
	})
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SetTaskStatusMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET status = $1 WHERE id = $2")).
		WithArgs("leased", "t-404").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetTaskStatus(ctx, "t-404", model.TaskStatusLeased)
	})
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LockContributorForUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id", "role", "tier", "capabilities", "reputation", "tasks_total",
		"tasks_agreed", "golden_total", "golden_correct", "last_active_at"}).
		AddRow("bob", "worker", "bronze", "", nil, 3, 1, 0, 0, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM contributors WHERE id = $1 FOR UPDATE")).
		WithArgs("bob").
		WillReturnRows(rows)
	mock.ExpectCommit()

	err = s.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.LockContributor(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, 3, c.TasksTotal)
		assert.Nil(t, c.Reputation)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteLocksBundleBeforeCounting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)
	ctx := context.Background()
	created := storetest.Base.UnixMilli()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE assignments")).
		WithArgs("submitted", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "", "a-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET status = $1 WHERE id = $2")).
		WithArgs("pending", "t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM bundles WHERE id = $1 FOR UPDATE")).
		WithArgs("b-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "contributor_id", "state", "created_at", "expires_at"}).
			AddRow("b-1", "alice", "active", created, created+int64(45*time.Minute/time.Millisecond)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM assignments WHERE bundle_id = $1 AND state = $2")).
		WithArgs("b-1", "leased").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bundles SET state = $1 WHERE id = $2")).
		WithArgs("closed", "b-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.WithTx(ctx, func(tx store.Tx) error {
		tr, err := lease.NewManager(lease.Config{}).Complete(ctx, tx, &model.Assignment{
			ID: "a-1", TaskID: "t-1", ContributorID: "alice", BundleID: "b-1",
			State: model.AssignmentLeased, LeaseExpiresAt: storetest.Base.Add(time.Hour),
		}, model.TaskStatusPending)
		require.NoError(t, err)
		assert.Equal(t, model.BundleClosed, tr.BundleState)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
