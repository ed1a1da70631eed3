package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/clipvote/api/internal/consensus"
	"github.com/clipvote/api/internal/idempotency"
	"github.com/clipvote/api/internal/lease"
	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/internal/reputation"
	"github.com/clipvote/api/internal/store"
	"github.com/clipvote/api/internal/telemetry"
)

// secondsPerTask is the wait estimate per queued task in Peek.
const secondsPerTask = 12

// Notifier receives lifecycle events for delivery to contributors.
type Notifier interface {
	Publish(ev model.Event)
}

// Archiver stores accepted submissions outside the database.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// Config holds facade-level settings.
type Config struct {
	StoreTimeout     time.Duration
	MinPlaybackRatio float64
	MinDurationMs    int64
	Thresholds       consensus.Thresholds
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:     5 * time.Second,
		MinPlaybackRatio: 0.7,
		MinDurationMs:    1500,
		Thresholds: consensus.Thresholds{
			TargetVotes:       5,
			MinGreenForSkipQA: 4,
			MinGreenForReview: 3,
		},
	}
}

// TaskService composes leasing, consensus and reputation into the
// contributor-facing task operations.
type TaskService struct {
	store    store.Store
	leases   *lease.Manager
	keys     *consensus.Registry
	guard    idempotency.Guard
	notifier Notifier
	archiver Archiver
	metrics  *telemetry.Metrics
	cfg      Config
	logger   *slog.Logger
}

// Option customizes a TaskService.
type Option func(*TaskService)

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option { return func(s *TaskService) { s.notifier = n } }

// WithArchiver sets the submission archive.
func WithArchiver(a Archiver) Option { return func(s *TaskService) { s.archiver = a } }

// WithMetrics sets the metric counters.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *TaskService) { s.metrics = m } }

// WithRegistry replaces the canonicalizer registry.
func WithRegistry(r *consensus.Registry) Option { return func(s *TaskService) { s.keys = r } }

func NewTaskService(st store.Store, leases *lease.Manager, guard idempotency.Guard, cfg Config, opts ...Option) *TaskService {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultConfig().StoreTimeout
	}
	s := &TaskService{
		store:  st,
		leases: leases,
		keys:   consensus.NewRegistry(),
		guard:  guard,
		cfg:    cfg,
		logger: slog.Default().With("component", "task_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withTx runs fn in a store transaction bounded by the store timeout.
func (s *TaskService) withTx(ctx context.Context, fn func(tx store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.WithTx(ctx, fn)
}

// fail logs errors that are not part of the coded taxonomy and returns err.
func (s *TaskService) fail(ctx context.Context, op string, who string, err error) error {
	var coded *model.Error
	if !errors.As(err, &coded) {
		s.logger.ErrorContext(ctx, op+" failed", "contributor", who, "error", err)
	}
	return err
}

func (s *TaskService) publish(who, name string, props map[string]interface{}) {
	s.logger.Info(name, "contributor", who, "props", props)
	if s.notifier != nil {
		s.notifier.Publish(model.Event{ContributorID: who, Name: name, Props: props})
	}
}

// ClaimBundle leases up to count tasks as a bundle.
func (s *TaskService) ClaimBundle(ctx context.Context, who *model.Contributor, count int) (*model.BundleResponse, error) {
	if err := s.sweep(ctx); err != nil {
		return nil, s.fail(ctx, "claim bundle", who.ID, err)
	}

	var (
		bundle *model.Bundle
		claims []*model.Claim
	)
	err := s.withTx(ctx, func(tx store.Tx) error {
		var err error
		bundle, claims, err = s.leases.ClaimBundle(ctx, tx, who, count)
		return err
	})
	if err != nil {
		return nil, s.fail(ctx, "claim bundle", who.ID, err)
	}

	resp := &model.BundleResponse{BundleID: bundle.ID, Tasks: make([]*model.TaskResponse, 0, len(claims))}
	for _, c := range claims {
		resp.Tasks = append(resp.Tasks, model.NewTaskResponse(c))
	}
	s.metrics.Claimed(ctx, "bundle", len(claims))
	s.publish(who.ID, model.EventBundleCreated, map[string]interface{}{
		"bundle_id": bundle.ID,
		"count":     len(claims),
	})
	return resp, nil
}

// ClaimSingle leases one task, or returns the contributor's live single lease.
func (s *TaskService) ClaimSingle(ctx context.Context, who *model.Contributor) (*model.TaskResponse, error) {
	if err := s.sweep(ctx); err != nil {
		return nil, s.fail(ctx, "claim task", who.ID, err)
	}

	var claim *model.Claim
	err := s.withTx(ctx, func(tx store.Tx) error {
		var err error
		claim, err = s.leases.ClaimSingle(ctx, tx, who)
		return err
	})
	if err != nil {
		return nil, s.fail(ctx, "claim task", who.ID, err)
	}
	if claim == nil {
		return nil, model.ErrNoTasks
	}

	s.metrics.Claimed(ctx, "single", 1)
	s.publish(who.ID, model.EventTaskClaimed, map[string]interface{}{
		"task_id":       claim.Task.ID,
		"assignment_id": claim.Assignment.ID,
	})
	return model.NewTaskResponse(claim), nil
}

// Heartbeat extends a live lease.
func (s *TaskService) Heartbeat(ctx context.Context, who *model.Contributor, req *model.HeartbeatRequest) (*model.HeartbeatResponse, error) {
	var (
		a       *model.Assignment
		expired bool
	)
	err := s.withTx(ctx, func(tx store.Tx) error {
		var err error
		a, err = s.leases.Refresh(ctx, tx, who.ID, req.AssignmentID, req.PlaybackRatio, req.WatchedMs)
		if errors.Is(err, lease.ErrExpired) {
			expired = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, s.fail(ctx, "heartbeat", who.ID, err)
	}
	if expired {
		s.publish(who.ID, model.EventLeaseExpired, map[string]interface{}{"assignment_id": req.AssignmentID})
		return nil, model.ErrNotFound.WithMessage("lease expired")
	}
	return &model.HeartbeatResponse{LeaseExpiresAt: a.LeaseExpiresAt}, nil
}

// Release gives a lease back.
func (s *TaskService) Release(ctx context.Context, who *model.Contributor, req *model.ReleaseRequest) (*model.ReleaseResponse, error) {
	var tr *lease.Transition
	err := s.withTx(ctx, func(tx store.Tx) error {
		var err error
		tr, err = s.leases.Release(ctx, tx, who.ID, req.AssignmentID, req.Reason)
		return err
	})
	if err != nil {
		return nil, s.fail(ctx, "release", who.ID, err)
	}
	if tr != nil {
		s.publish(who.ID, model.EventTaskReleased, map[string]interface{}{
			"task_id":       tr.Assignment.TaskID,
			"assignment_id": tr.Assignment.ID,
			"reason":        req.Reason,
		})
		s.publishBundle(who.ID, tr)
	}
	return &model.ReleaseResponse{OK: true}, nil
}

func (s *TaskService) publishBundle(who string, tr *lease.Transition) {
	if tr.BundleState == "" {
		return
	}
	s.publish(who, model.EventBundleClosed, map[string]interface{}{
		"bundle_id": tr.Assignment.BundleID,
		"state":     tr.BundleState,
	})
}

// submission is what a committed submit hands to the post-commit steps.
type submission struct {
	task     *model.Task
	response *model.Response
	result   consensus.Result
	status   model.TaskStatus
	golden   *bool
	tr       *lease.Transition
}

// Submit records a vote on a held lease, folds consensus and, when the task
// finalizes, updates every voter's reputation.
func (s *TaskService) Submit(ctx context.Context, who *model.Contributor, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	if req.PlaybackRatio < s.cfg.MinPlaybackRatio || req.DurationMs < s.cfg.MinDurationMs {
		return nil, model.ErrPlaybackTooShort.WithMessage(fmt.Sprintf(
			"playback ratio must be at least %.2f and duration at least %dms", s.cfg.MinPlaybackRatio, s.cfg.MinDurationMs))
	}
	if err := s.guard.Assert(ctx, who.ID, req.IdempotencyKey); err != nil {
		return nil, s.fail(ctx, "submit", who.ID, err)
	}

	var (
		sub     *submission
		expired bool
	)
	err := s.withTx(ctx, func(tx store.Tx) error {
		var err error
		sub, err = s.submit(ctx, tx, who, req)
		if errors.Is(err, lease.ErrExpired) {
			expired = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, s.fail(ctx, "submit", who.ID, err)
	}
	if expired {
		s.publish(who.ID, model.EventLeaseExpired, map[string]interface{}{"assignment_id": req.AssignmentID})
		return nil, model.ErrLeaseConflict.WithMessage("lease expired")
	}

	s.afterSubmit(ctx, who.ID, sub)

	resp := &model.SubmitResponse{
		OK:             true,
		GreenCount:     sub.result.GreenCount,
		AgreementScore: sub.result.AgreementScore,
	}
	if sub.status.Terminal() {
		resp.FinalStatus = sub.status
	}
	return resp, nil
}

func (s *TaskService) submit(ctx context.Context, tx store.Tx, who *model.Contributor, req *model.SubmitRequest) (*submission, error) {
	a, err := s.leases.Hold(ctx, tx, who.ID, req.AssignmentID)
	if err != nil {
		return nil, err
	}
	task, err := tx.GetTask(ctx, a.TaskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", a.TaskID, err)
	}
	key, err := s.keys.Key(task.TaskType, req.Payload)
	if err != nil {
		return nil, err
	}
	submitter, err := tx.GetContributor(ctx, who.ID)
	if err != nil {
		return nil, fmt.Errorf("get contributor: %w", err)
	}

	now := s.leases.Now()
	resp := &model.Response{
		ID:            uuid.NewString(),
		TaskID:        task.ID,
		AssignmentID:  a.ID,
		ContributorID: who.ID,
		Payload:       req.Payload,
		Key:           key,
		Weight:        submitter.Weight(),
		DurationMs:    req.DurationMs,
		PlaybackRatio: req.PlaybackRatio,
		CreatedAt:     now,
	}
	if err := tx.InsertResponse(ctx, resp); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, model.ErrDuplicateRequest.WithMessage("task already answered")
		}
		return nil, fmt.Errorf("insert response: %w", err)
	}
	sub := &submission{task: task, response: resp}

	if task.IsGolden && len(task.GoldenAnswer) > 0 {
		goldenKey, err := s.keys.Key(task.TaskType, task.GoldenAnswer)
		if err != nil {
			return nil, fmt.Errorf("golden answer for task %s: %w", task.ID, err)
		}
		correct := key == goldenKey
		sub.golden = &correct
		locked, err := tx.LockContributor(ctx, who.ID)
		if err != nil {
			return nil, fmt.Errorf("lock contributor: %w", err)
		}
		reputation.RecordGolden(locked, correct, now)
		if err := tx.UpdateContributorStats(ctx, locked); err != nil {
			return nil, fmt.Errorf("update golden stats: %w", err)
		}
	}

	responses, err := tx.ListResponses(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	sub.result = consensus.Compute(consensus.Votes(responses), s.preferredKey(task))
	sub.status = consensus.Decide(sub.result, len(responses), consensus.ThresholdsFor(task, s.cfg.Thresholds))

	if err := tx.UpsertConsensus(ctx, &model.ConsensusRecord{
		TaskID:         task.ID,
		Label:          sub.result.Label,
		GreenCount:     sub.result.GreenCount,
		AgreementScore: sub.result.AgreementScore,
		VoteCount:      len(responses),
		FinalStatus:    sub.status,
		DecidedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("upsert consensus: %w", err)
	}

	// Golden tasks score each answer at submission, so finalization does not
	// score them again.
	if sub.status.Terminal() && !task.IsGolden {
		voters, err := lockVoters(ctx, tx, responses)
		if err != nil {
			return nil, err
		}
		for _, r := range responses {
			voter := voters[r.ContributorID]
			reputation.RecordConsensus(voter, r.Key == sub.result.Label, now)
			if err := tx.UpdateContributorStats(ctx, voter); err != nil {
				return nil, fmt.Errorf("update voter %s: %w", r.ContributorID, err)
			}
		}
	}

	if req.WatchedMs != nil {
		a.WatchedMs = req.WatchedMs
	}
	ratio := req.PlaybackRatio
	a.PlaybackRatio = &ratio
	if sub.tr, err = s.leases.Complete(ctx, tx, a, sub.status); err != nil {
		return nil, err
	}
	return sub, nil
}

// lockVoters locks every voter's row in id order and returns them by id.
func lockVoters(ctx context.Context, tx store.Tx, responses []*model.Response) (map[string]*model.Contributor, error) {
	ids := make([]string, 0, len(responses))
	for _, r := range responses {
		ids = append(ids, r.ContributorID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	out := make(map[string]*model.Contributor, len(ids))
	for _, id := range ids {
		c, err := tx.LockContributor(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lock voter %s: %w", id, err)
		}
		out[id] = c
	}
	return out, nil
}

// preferredKey is the canonical key of the task's machine suggestion, if any.
func (s *TaskService) preferredKey(task *model.Task) string {
	if len(task.AISuggestion) == 0 {
		return ""
	}
	key, err := s.keys.Key(task.TaskType, task.AISuggestion)
	if err != nil {
		s.logger.Warn("ignoring malformed ai suggestion", "task", task.ID, "error", err)
		return ""
	}
	return key
}

func (s *TaskService) afterSubmit(ctx context.Context, who string, sub *submission) {
	s.metrics.Submitted(ctx, string(sub.task.TaskType), sub.task.IsGolden)
	s.publish(who, model.EventTaskSubmitted, map[string]interface{}{
		"task_id":         sub.task.ID,
		"green_count":     sub.result.GreenCount,
		"agreement_score": sub.result.AgreementScore,
	})
	if sub.golden != nil {
		s.publish(who, model.EventGoldenEvaluated, map[string]interface{}{
			"task_id": sub.task.ID,
			"matched": *sub.golden,
		})
	}
	if sub.status.Terminal() {
		s.metrics.Finalized(ctx, string(sub.status))
		s.publish(who, model.EventTaskFinalized, map[string]interface{}{
			"task_id":      sub.task.ID,
			"final_status": sub.status,
			"label":        sub.result.Label,
		})
	}
	s.publishBundle(who, sub.tr)

	if s.archiver != nil {
		body, err := json.Marshal(sub.response)
		if err != nil {
			s.logger.ErrorContext(ctx, "encode archived response", "task", sub.task.ID, "error", err)
			return
		}
		key := fmt.Sprintf("annotations/%s/%s/%s.json", sub.task.ClipID, sub.task.ID, who)
		if err := s.archiver.Archive(ctx, key, body); err != nil {
			s.logger.WarnContext(ctx, "archive response failed", "key", key, "error", err)
		}
	}
}

// Peek reports the pending backlog. taskType narrows the wait estimate.
func (s *TaskService) Peek(ctx context.Context, taskType model.TaskType) (*model.Backlog, error) {
	var counts map[model.TaskType]int
	err := s.withTx(ctx, func(tx store.Tx) error {
		var err error
		counts, err = tx.CountPendingByType(ctx)
		return err
	})
	if err != nil {
		return nil, s.fail(ctx, "peek", "", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	queued := total
	if taskType != "" {
		queued = counts[taskType]
	}
	wait := 0
	if total > 0 {
		wait = int(math.Max(5, float64(queued*secondsPerTask)))
	}
	return &model.Backlog{Count: total, ByType: counts, EstWaitSecs: wait}, nil
}

// Sweep expires lapsed leases and returns how many it expired.
func (s *TaskService) Sweep(ctx context.Context) (int, error) {
	var swept []*lease.Transition
	err := s.withTx(ctx, func(tx store.Tx) error {
		var err error
		swept, err = s.leases.Sweep(ctx, tx)
		return err
	})
	if err != nil {
		return 0, s.fail(ctx, "sweep", "", err)
	}
	for _, tr := range swept {
		s.publish(tr.Assignment.ContributorID, model.EventLeaseExpired, map[string]interface{}{
			"task_id":       tr.Assignment.TaskID,
			"assignment_id": tr.Assignment.ID,
		})
		s.publishBundle(tr.Assignment.ContributorID, tr)
	}
	s.metrics.Expired(ctx, len(swept))
	return len(swept), nil
}

func (s *TaskService) sweep(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}
