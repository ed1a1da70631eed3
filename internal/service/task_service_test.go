package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipvote/api/internal/idempotency"
	"github.com/clipvote/api/internal/lease"
	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/internal/store"
	"github.com/clipvote/api/internal/store/memstore"
	"github.com/clipvote/api/internal/store/storetest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) named(name string) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type archive struct {
	mu   sync.Mutex
	objs map[string][]byte
	err  error
}

func (a *archive) Archive(_ context.Context, key string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.objs == nil {
		a.objs = map[string][]byte{}
	}
	a.objs[key] = body
	return nil
}

type fixture struct {
	store   store.Store
	clock   *clock
	events  *recorder
	archive *archive
	svc     *TaskService
}

func newFixture(t *testing.T, tasks ...*model.Task) *fixture {
	t.Helper()
	return newFixtureOn(t, memstore.New(), tasks...)
}

func newFixtureOn(t *testing.T, s store.Store, tasks ...*model.Task) *fixture {
	t.Helper()
	storetest.Seed(t, s, tasks...)

	c := &clock{now: storetest.Base.Add(time.Hour)}
	var n atomic.Int64
	mgr := lease.NewManager(lease.Config{}, lease.WithClock(c.Now),
		lease.WithIDs(func() string { return fmt.Sprintf("a-%d", n.Add(1)) }))

	f := &fixture{store: s, clock: c, events: &recorder{}, archive: &archive{}}
	f.svc = NewTaskService(s, mgr, idempotency.NewMemory(time.Hour).WithClock(c.Now), DefaultConfig(),
		WithNotifier(f.events), WithArchiver(f.archive))
	return f
}

func (f *fixture) contributor(t *testing.T, id string) *model.Contributor {
	t.Helper()
	var c *model.Contributor
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		c, err = tx.GetContributor(context.Background(), id)
		return err
	}))
	return c
}

func (f *fixture) task(t *testing.T, id string) *model.Task {
	t.Helper()
	var task *model.Task
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		task, err = tx.GetTask(context.Background(), id)
		return err
	}))
	return task
}

func (f *fixture) claimAndSubmit(t *testing.T, who string, payload string) *model.SubmitResponse {
	t.Helper()
	ctx := context.Background()
	claim, err := f.svc.ClaimSingle(ctx, &model.Contributor{ID: who})
	require.NoError(t, err)
	resp, err := f.svc.Submit(ctx, &model.Contributor{ID: who}, submitReq(claim.AssignmentID, payload, who+"-"+claim.TaskID))
	require.NoError(t, err)
	return resp
}

func submitReq(assignmentID, payload, key string) *model.SubmitRequest {
	return &model.SubmitRequest{
		AssignmentID:   assignmentID,
		Payload:        json.RawMessage(payload),
		IdempotencyKey: key,
		DurationMs:     4000,
		PlaybackRatio:  0.9,
	}
}

const (
	accentUK = `{"speaker":"A","region":"UK"}`
	accentUS = `{"speaker":"A","region":"US"}`
)

func TestSubmit_ConsensusAndReputation(t *testing.T) {
	f := newFixture(t, storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0))

	first := f.claimAndSubmit(t, "alice", accentUK)
	assert.True(t, first.OK)
	assert.Equal(t, 1.0, first.GreenCount)
	assert.Equal(t, 1.0, first.AgreementScore)
	assert.Empty(t, first.FinalStatus)
	assert.Equal(t, model.TaskStatusPending, f.task(t, "t1").Status)

	second := f.claimAndSubmit(t, "bob", `{"speaker":" a ","region":"uk"}`)
	assert.Equal(t, 2.0, second.GreenCount)
	assert.Empty(t, second.FinalStatus)

	third := f.claimAndSubmit(t, "carol", accentUS)
	assert.Equal(t, 2.0, third.GreenCount)
	assert.Equal(t, 0.667, third.AgreementScore)
	assert.Equal(t, model.TaskStatusNeedsReview, third.FinalStatus)
	assert.Equal(t, model.TaskStatusNeedsReview, f.task(t, "t1").Status)

	alice := f.contributor(t, "alice")
	assert.Equal(t, 1, alice.TasksTotal)
	assert.Equal(t, 1, alice.TasksAgreed)
	require.NotNil(t, alice.Reputation)
	assert.Equal(t, 1.0, *alice.Reputation)

	carol := f.contributor(t, "carol")
	assert.Equal(t, 1, carol.TasksTotal)
	assert.Equal(t, 0, carol.TasksAgreed)
	require.NotNil(t, carol.Reputation)
	assert.Equal(t, 0.6, *carol.Reputation)

	finalized := f.events.named(model.EventTaskFinalized)
	require.Len(t, finalized, 1)
	assert.Equal(t, "carol", finalized[0].ContributorID)
	assert.Equal(t, "a|uk", finalized[0].Props["label"])

	_, err := f.svc.ClaimSingle(context.Background(), &model.Contributor{ID: "dave"})
	assert.ErrorIs(t, err, model.ErrNoTasks)
}

func TestSubmit_AutoApproveOnWeight(t *testing.T) {
	task := storetest.NewTask("t1", model.TaskTypeSafetyFlag, 0, 0)
	task.TargetVotes = 10
	task.MinGreenForSkipQA = 2
	f := newFixture(t, task)

	f.claimAndSubmit(t, "alice", `{"flag":"ok"}`)
	resp := f.claimAndSubmit(t, "bob", `{"flag":"OK"}`)
	assert.Equal(t, model.TaskStatusAutoApproved, resp.FinalStatus)
}

func TestSubmit_Golden(t *testing.T) {
	task := storetest.NewTask("g1", model.TaskTypeAccentTag, 0, 0)
	task.IsGolden = true
	task.GoldenAnswer = json.RawMessage(accentUK)
	f := newFixture(t, task)

	f.claimAndSubmit(t, "alice", accentUS)

	alice := f.contributor(t, "alice")
	assert.Equal(t, 1, alice.GoldenTotal)
	assert.Equal(t, 0, alice.GoldenCorrect)
	assert.Equal(t, 0, alice.TasksTotal)
	require.NotNil(t, alice.Reputation)
	assert.Equal(t, 0.6, *alice.Reputation)

	evs := f.events.named(model.EventGoldenEvaluated)
	require.Len(t, evs, 1)
	assert.Equal(t, false, evs[0].Props["matched"])
}

func TestSubmit_PlaybackTooShort(t *testing.T) {
	f := newFixture(t, storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0))
	claim, err := f.svc.ClaimSingle(context.Background(), &model.Contributor{ID: "alice"})
	require.NoError(t, err)

	req := submitReq(claim.AssignmentID, accentUK, "k1")
	req.PlaybackRatio = 0.5
	_, err = f.svc.Submit(context.Background(), &model.Contributor{ID: "alice"}, req)
	assert.ErrorIs(t, err, model.ErrPlaybackTooShort)

	req = submitReq(claim.AssignmentID, accentUK, "k1")
	req.DurationMs = 1000
	_, err = f.svc.Submit(context.Background(), &model.Contributor{ID: "alice"}, req)
	assert.ErrorIs(t, err, model.ErrPlaybackTooShort)

	// The rejected attempts did not spend the idempotency key.
	_, err = f.svc.Submit(context.Background(), &model.Contributor{ID: "alice"}, submitReq(claim.AssignmentID, accentUK, "k1"))
	assert.NoError(t, err)
}

func TestSubmit_DuplicateKey(t *testing.T) {
	f := newFixture(t,
		storetest.NewTask("t1", model.TaskTypeAccentTag, 1, 0),
		storetest.NewTask("t2", model.TaskTypeAccentTag, 0, 0))
	ctx := context.Background()
	who := &model.Contributor{ID: "alice"}

	claim, err := f.svc.ClaimSingle(ctx, who)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, who, submitReq(claim.AssignmentID, accentUK, "same"))
	require.NoError(t, err)

	claim, err = f.svc.ClaimSingle(ctx, who)
	require.NoError(t, err)
	assert.Equal(t, "t2", claim.TaskID)
	_, err = f.svc.Submit(ctx, who, submitReq(claim.AssignmentID, accentUK, "same"))
	assert.ErrorIs(t, err, model.ErrDuplicateRequest)
}

func TestSubmit_InvalidPayloadKeepsLease(t *testing.T) {
	f := newFixture(t, storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0))
	ctx := context.Background()
	who := &model.Contributor{ID: "alice"}

	claim, err := f.svc.ClaimSingle(ctx, who)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, who, submitReq(claim.AssignmentID, `{"speaker":"A"}`, "k1"))
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, model.TaskStatusLeased, f.task(t, "t1").Status)

	_, err = f.svc.Submit(ctx, who, submitReq(claim.AssignmentID, accentUK, "k2"))
	assert.NoError(t, err)
}

func TestSubmit_ForeignLease(t *testing.T) {
	f := newFixture(t, storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0))
	ctx := context.Background()

	claim, err := f.svc.ClaimSingle(ctx, &model.Contributor{ID: "alice"})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, &model.Contributor{ID: "bob"}, submitReq(claim.AssignmentID, accentUK, "k1"))
	assert.ErrorIs(t, err, model.ErrLeaseConflict)

	_, err = f.svc.Submit(ctx, &model.Contributor{ID: "bob"}, submitReq("nope", accentUK, "k2"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSubmit_ExpiredLease(t *testing.T) {
	f := newFixture(t, storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0))
	ctx := context.Background()
	who := &model.Contributor{ID: "alice"}

	claim, err := f.svc.ClaimSingle(ctx, who)
	require.NoError(t, err)
	f.clock.Advance(16 * time.Minute)

	_, err = f.svc.Submit(ctx, who, submitReq(claim.AssignmentID, accentUK, "k1"))
	assert.ErrorIs(t, err, model.ErrLeaseConflict)
	assert.Equal(t, model.TaskStatusPending, f.task(t, "t1").Status)
	assert.Len(t, f.events.named(model.EventLeaseExpired), 1)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t, storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0))
	ctx := context.Background()
	who := &model.Contributor{ID: "alice"}

	claim, err := f.svc.ClaimSingle(ctx, who)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	ratio := 0.4
	hb, err := f.svc.Heartbeat(ctx, who, &model.HeartbeatRequest{AssignmentID: claim.AssignmentID, PlaybackRatio: &ratio})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), hb.LeaseExpiresAt)

	f.clock.Advance(20 * time.Minute)
	_, err = f.svc.Heartbeat(ctx, who, &model.HeartbeatRequest{AssignmentID: claim.AssignmentID})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, model.TaskStatusPending, f.task(t, "t1").Status)
}

func TestRelease(t *testing.T) {
	f := newFixture(t,
		storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0),
		storetest.NewTask("t2", model.TaskTypeAccentTag, 0, time.Second))
	ctx := context.Background()
	who := &model.Contributor{ID: "alice"}

	bundle, err := f.svc.ClaimBundle(ctx, who, 2)
	require.NoError(t, err)
	require.Len(t, bundle.Tasks, 2)

	for _, task := range bundle.Tasks {
		resp, err := f.svc.Release(ctx, who, &model.ReleaseRequest{AssignmentID: task.AssignmentID, Reason: "skip"})
		require.NoError(t, err)
		assert.True(t, resp.OK)
	}
	assert.Len(t, f.events.named(model.EventTaskReleased), 2)
	closed := f.events.named(model.EventBundleClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, model.BundleClosed, closed[0].Props["state"])

	// Releasing twice is a no-op.
	_, err = f.svc.Release(ctx, who, &model.ReleaseRequest{AssignmentID: bundle.Tasks[0].AssignmentID})
	assert.NoError(t, err)
	assert.Len(t, f.events.named(model.EventTaskReleased), 2)
}

func TestClaimBundle_SweepsBeforeClaim(t *testing.T) {
	f := newFixture(t, storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0))
	ctx := context.Background()

	_, err := f.svc.ClaimBundle(ctx, &model.Contributor{ID: "alice"}, 1)
	require.NoError(t, err)
	_, err = f.svc.ClaimBundle(ctx, &model.Contributor{ID: "bob"}, 1)
	assert.ErrorIs(t, err, model.ErrNoTasks)

	f.clock.Advance(time.Hour)
	bundle, err := f.svc.ClaimBundle(ctx, &model.Contributor{ID: "bob"}, 1)
	require.NoError(t, err)
	require.Len(t, bundle.Tasks, 1)
	assert.Equal(t, "t1", bundle.Tasks[0].TaskID)
	assert.Len(t, f.events.named(model.EventLeaseExpired), 1)
}

func TestPeek(t *testing.T) {
	f := newFixture(t)
	backlog, err := f.svc.Peek(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, backlog.Count)
	assert.Equal(t, 0, backlog.EstWaitSecs)

	f = newFixture(t,
		storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0),
		storetest.NewTask("t2", model.TaskTypeAccentTag, 0, 0),
		storetest.NewTask("t3", model.TaskTypeEmotionTag, 0, 0))

	backlog, err = f.svc.Peek(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, backlog.Count)
	assert.Equal(t, 2, backlog.ByType[model.TaskTypeAccentTag])
	assert.Equal(t, 36, backlog.EstWaitSecs)

	backlog, err = f.svc.Peek(context.Background(), model.TaskTypeEmotionTag)
	require.NoError(t, err)
	assert.Equal(t, 12, backlog.EstWaitSecs)

	backlog, err = f.svc.Peek(context.Background(), model.TaskTypeGestureTag)
	require.NoError(t, err)
	assert.Equal(t, 5, backlog.EstWaitSecs)
}

func TestSubmit_Archive(t *testing.T) {
	f := newFixture(t, storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0))
	f.claimAndSubmit(t, "alice", accentUK)

	body, ok := f.archive.objs["annotations/clip-1/t1/alice.json"]
	require.True(t, ok)
	var r model.Response
	require.NoError(t, json.Unmarshal(body, &r))
	assert.Equal(t, "a|uk", r.Key)

	// Archive failures do not fail the submission.
	f = newFixture(t, storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0))
	f.archive.err = errors.New("bucket unavailable")
	resp := f.claimAndSubmit(t, "alice", accentUK)
	assert.True(t, resp.OK)
}

// lockLog wraps a store and records every contributor row lock taken.
type lockLog struct {
	store.Store
	mu  sync.Mutex
	ids []string
}

func (l *lockLog) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return l.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(lockingTx{Tx: tx, log: l})
	})
}

func (l *lockLog) locked() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

type lockingTx struct {
	store.Tx
	log *lockLog
}

func (t lockingTx) LockContributor(ctx context.Context, id string) (*model.Contributor, error) {
	t.log.mu.Lock()
	t.log.ids = append(t.log.ids, id)
	t.log.mu.Unlock()
	return t.Tx.LockContributor(ctx, id)
}

func TestSubmit_FinalizeLocksVotersInIDOrder(t *testing.T) {
	log := &lockLog{Store: memstore.New()}
	f := newFixtureOn(t, log, storetest.NewTask("t1", model.TaskTypeAccentTag, 0, 0))

	f.claimAndSubmit(t, "carol", accentUK)
	f.claimAndSubmit(t, "alice", accentUK)
	assert.Empty(t, log.locked(), "no voter rows are locked before finalization")

	resp := f.claimAndSubmit(t, "bob", accentUS)
	require.Equal(t, model.TaskStatusNeedsReview, resp.FinalStatus)
	assert.Equal(t, []string{"alice", "bob", "carol"}, log.locked())

	carol := f.contributor(t, "carol")
	assert.Equal(t, 1, carol.TasksTotal)
	assert.Equal(t, 1, carol.TasksAgreed)
}

func TestSubmit_GoldenLocksSubmitter(t *testing.T) {
	task := storetest.NewTask("g1", model.TaskTypeAccentTag, 0, 0)
	task.IsGolden = true
	task.GoldenAnswer = json.RawMessage(accentUK)
	log := &lockLog{Store: memstore.New()}
	f := newFixtureOn(t, log, task)

	f.claimAndSubmit(t, "alice", accentUK)
	assert.Equal(t, []string{"alice"}, log.locked())
	assert.Equal(t, 1, f.contributor(t, "alice").GoldenCorrect)
}
