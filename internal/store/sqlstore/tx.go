package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/internal/store"
)

type tx struct {
	tx      *sql.Tx
	dialect Dialect
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
	return res, mapErr(err)
}

func (t *tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

func (t *tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

// affected turns a zero-row update into store.ErrNotFound.
func affected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, store.ErrNotFound)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Contributors

const contributorColumns = `id, role, tier, capabilities, reputation, tasks_total, tasks_agreed, golden_total, golden_correct, last_active_at`

func scanContributor(row scanner) (*model.Contributor, error) {
	var (
		c      model.Contributor
		tier   string
		caps   string
		rep    sql.NullFloat64
		active sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Role, &tier, &caps, &rep, &c.TasksTotal, &c.TasksAgreed,
		&c.GoldenTotal, &c.GoldenCorrect, &active); err != nil {
		return nil, err
	}
	c.Tier = model.Tier(tier)
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &c.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	if rep.Valid {
		v := rep.Float64
		c.Reputation = &v
	}
	if active.Valid {
		ts := fromMillis(active.Int64)
		c.LastActiveAt = &ts
	}
	return &c, nil
}

func (t *tx) EnsureContributor(ctx context.Context, c *model.Contributor) (*model.Contributor, error) {
	caps := c.Capabilities
	if caps == nil {
		caps = []model.TaskType{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	row := t.queryRow(ctx, `
		INSERT INTO contributors (id, role, tier, capabilities, reputation)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET role = excluded.role, tier = excluded.tier, capabilities = excluded.capabilities
		RETURNING `+contributorColumns,
		c.ID, c.Role, string(c.Tier), string(capsJSON), nullFloat(c.Reputation))
	out, err := scanContributor(row)
	if err != nil {
		return nil, fmt.Errorf("ensure contributor %s: %w", c.ID, mapErr(err))
	}
	return out, nil
}

func (t *tx) GetContributor(ctx context.Context, id string) (*model.Contributor, error) {
	row := t.queryRow(ctx, `SELECT `+contributorColumns+` FROM contributors WHERE id = ?`, id)
	c, err := scanContributor(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (t *tx) LockContributor(ctx context.Context, id string) (*model.Contributor, error) {
	row := t.queryRow(ctx, `SELECT `+contributorColumns+` FROM contributors WHERE id = ?`+forUpdate(t.dialect, false), id)
	c, err := scanContributor(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (t *tx) UpdateContributorStats(ctx context.Context, c *model.Contributor) error {
	res, err := t.exec(ctx, `
		UPDATE contributors
		SET reputation = ?, tasks_total = ?, tasks_agreed = ?, golden_total = ?, golden_correct = ?, last_active_at = ?
		WHERE id = ?`,
		nullFloat(c.Reputation), c.TasksTotal, c.TasksAgreed, c.GoldenTotal, c.GoldenCorrect,
		nullMillis(c.LastActiveAt), c.ID)
	if err != nil {
		return fmt.Errorf("update contributor %s: %w", c.ID, err)
	}
	return affected(res, "update contributor", c.ID)
}

// Clips

func (t *tx) InsertClip(ctx context.Context, clip *model.Clip) error {
	speakers := clip.Speakers
	if speakers == nil {
		speakers = []string{}
	}
	raw, err := json.Marshal(speakers)
	if err != nil {
		return fmt.Errorf("encode speakers: %w", err)
	}
	if _, err := t.exec(ctx, `
		INSERT INTO clips (id, asset_id, media_url, start_ms, end_ms, speakers)
		VALUES (?, ?, ?, ?, ?, ?)`,
		clip.ID, clip.AssetID, clip.MediaURL, clip.StartMs, clip.EndMs, string(raw)); err != nil {
		return fmt.Errorf("insert clip %s: %w", clip.ID, err)
	}
	return nil
}

func (t *tx) GetClip(ctx context.Context, id string) (*model.Clip, error) {
	var (
		c        model.Clip
		speakers string
	)
	err := t.queryRow(ctx, `SELECT id, asset_id, media_url, start_ms, end_ms, speakers FROM clips WHERE id = ?`, id).
		Scan(&c.ID, &c.AssetID, &c.MediaURL, &c.StartMs, &c.EndMs, &speakers)
	if err != nil {
		return nil, notFound(err)
	}
	if speakers != "" {
		if err := json.Unmarshal([]byte(speakers), &c.Speakers); err != nil {
			return nil, fmt.Errorf("decode speakers: %w", err)
		}
	}
	return &c, nil
}

// Tasks

const taskColumns = `t.id, t.clip_id, t.task_type, t.status, t.priority, t.price_cents, t.target_votes,
	t.min_green_skip_qa, t.min_green_review, t.min_tier, t.is_golden, t.golden_answer, t.ai_suggestion, t.created_at`

func scanTask(row scanner) (*model.Task, error) {
	var (
		task             model.Task
		taskType, status string
		minTier          string
		golden, ai       sql.NullString
		created          int64
	)
	if err := row.Scan(&task.ID, &task.ClipID, &taskType, &status, &task.Priority, &task.PriceCents,
		&task.TargetVotes, &task.MinGreenForSkipQA, &task.MinGreenForReview, &minTier, &task.IsGolden,
		&golden, &ai, &created); err != nil {
		return nil, err
	}
	task.TaskType = model.TaskType(taskType)
	task.Status = model.TaskStatus(status)
	task.MinTier = model.Tier(minTier)
	if golden.Valid {
		task.GoldenAnswer = json.RawMessage(golden.String)
	}
	if ai.Valid {
		task.AISuggestion = json.RawMessage(ai.String)
	}
	task.CreatedAt = fromMillis(created)
	return &task, nil
}

func (t *tx) InsertTask(ctx context.Context, task *model.Task) error {
	if _, err := t.exec(ctx, `
		INSERT INTO tasks (id, clip_id, task_type, status, priority, price_cents, target_votes,
			min_green_skip_qa, min_green_review, min_tier, is_golden, golden_answer, ai_suggestion, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ClipID, string(task.TaskType), string(task.Status), task.Priority, task.PriceCents,
		task.TargetVotes, task.MinGreenForSkipQA, task.MinGreenForReview, string(task.MinTier), task.IsGolden,
		nullRaw(task.GoldenAnswer), nullRaw(task.AISuggestion), millis(task.CreatedAt)); err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

func (t *tx) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := t.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?`+forUpdate(t.dialect, false), id)
	task, err := scanTask(row)
	if err != nil {
		return nil, notFound(err)
	}
	return task, nil
}

func (t *tx) FindClaimable(ctx context.Context, q model.ClaimQuery) ([]*model.Task, error) {
	var b strings.Builder
	args := []any{string(model.TaskStatusPending)}
	b.WriteString(`SELECT ` + taskColumns + ` FROM tasks t WHERE t.status = ?`)
	b.WriteString(` AND NOT EXISTS (SELECT 1 FROM assignments a WHERE a.task_id = t.id AND a.state = ?)`)
	args = append(args, string(model.AssignmentLeased))
	b.WriteString(` AND NOT EXISTS (SELECT 1 FROM responses r WHERE r.task_id = t.id AND r.contributor_id = ?)`)
	args = append(args, q.ContributorID)
	if q.GoldenOnly {
		b.WriteString(` AND t.is_golden = ?`)
		args = append(args, true)
	}
	if len(q.TaskTypes) > 0 {
		b.WriteString(` AND t.task_type IN (` + placeholders(len(q.TaskTypes)) + `)`)
		for _, tt := range q.TaskTypes {
			args = append(args, string(tt))
		}
	}
	if len(q.Tiers) > 0 {
		b.WriteString(` AND t.min_tier IN (` + placeholders(len(q.Tiers)) + `)`)
		for _, tier := range q.Tiers {
			args = append(args, string(tier))
		}
	}
	b.WriteString(` ORDER BY t.priority DESC, t.created_at ASC, t.id ASC`)
	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}
	b.WriteString(forUpdate(t.dialect, true))

	rows, err := t.query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("find claimable: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (t *tx) SetTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	res, err := t.exec(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	return affected(res, "set task status", id)
}

func (t *tx) CountPendingByType(ctx context.Context) (map[model.TaskType]int, error) {
	rows, err := t.query(ctx, `SELECT task_type, COUNT(*) FROM tasks WHERE status = ? GROUP BY task_type`,
		string(model.TaskStatusPending))
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	defer rows.Close()

	out := make(map[model.TaskType]int)
	for rows.Next() {
		var (
			taskType string
			n        int
		)
		if err := rows.Scan(&taskType, &n); err != nil {
			return nil, fmt.Errorf("scan pending count: %w", err)
		}
		out[model.TaskType(taskType)] = n
	}
	return out, rows.Err()
}

// Bundles

const bundleColumns = `id, contributor_id, state, created_at, expires_at`

func scanBundle(row scanner) (*model.Bundle, error) {
	var (
		b                model.Bundle
		state            string
		created, expires int64
	)
	if err := row.Scan(&b.ID, &b.ContributorID, &state, &created, &expires); err != nil {
		return nil, err
	}
	b.State = model.BundleState(state)
	b.CreatedAt = fromMillis(created)
	b.ExpiresAt = fromMillis(expires)
	return &b, nil
}

func (t *tx) ActiveBundle(ctx context.Context, contributorID string) (*model.Bundle, error) {
	row := t.queryRow(ctx, `SELECT `+bundleColumns+` FROM bundles WHERE contributor_id = ? AND state = ?`,
		contributorID, string(model.BundleActive))
	b, err := scanBundle(row)
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (t *tx) InsertBundle(ctx context.Context, b *model.Bundle) error {
	if _, err := t.exec(ctx, `
		INSERT INTO bundles (id, contributor_id, state, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.ContributorID, string(b.State), millis(b.CreatedAt), millis(b.ExpiresAt)); err != nil {
		return fmt.Errorf("insert bundle %s: %w", b.ID, err)
	}
	return nil
}

func (t *tx) SetBundleState(ctx context.Context, id string, state model.BundleState) error {
	res, err := t.exec(ctx, `UPDATE bundles SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("set bundle %s state: %w", id, err)
	}
	return affected(res, "set bundle state", id)
}

func (t *tx) GetBundle(ctx context.Context, id string) (*model.Bundle, error) {
	row := t.queryRow(ctx, `SELECT `+bundleColumns+` FROM bundles WHERE id = ?`, id)
	b, err := scanBundle(row)
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (t *tx) LockBundle(ctx context.Context, id string) (*model.Bundle, error) {
	row := t.queryRow(ctx, `SELECT `+bundleColumns+` FROM bundles WHERE id = ?`+forUpdate(t.dialect, false), id)
	b, err := scanBundle(row)
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

// Assignments

const assignmentColumns = `id, task_id, contributor_id, bundle_id, state, leased_at, lease_expires_at,
	last_heartbeat_at, playback_ratio, watched_ms, release_reason`

func scanAssignment(row scanner) (*model.Assignment, error) {
	var (
		a               model.Assignment
		bundleID        sql.NullString
		state           string
		leased, expires int64
		heartbeat       sql.NullInt64
		playback        sql.NullFloat64
		watched         sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.TaskID, &a.ContributorID, &bundleID, &state, &leased, &expires,
		&heartbeat, &playback, &watched, &a.ReleaseReason); err != nil {
		return nil, err
	}
	a.BundleID = bundleID.String
	a.State = model.AssignmentState(state)
	a.LeasedAt = fromMillis(leased)
	a.LeaseExpiresAt = fromMillis(expires)
	if heartbeat.Valid {
		ts := fromMillis(heartbeat.Int64)
		a.LastHeartbeatAt = &ts
	}
	if playback.Valid {
		v := playback.Float64
		a.PlaybackRatio = &v
	}
	if watched.Valid {
		v := watched.Int64
		a.WatchedMs = &v
	}
	return &a, nil
}

func (t *tx) scanAssignments(ctx context.Context, query string, args ...any) ([]*model.Assignment, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *tx) InsertAssignment(ctx context.Context, a *model.Assignment) error {
	if _, err := t.exec(ctx, `
		INSERT INTO assignments (id, task_id, contributor_id, bundle_id, state, leased_at, lease_expires_at,
			last_heartbeat_at, playback_ratio, watched_ms, release_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.ContributorID, nullString(a.BundleID), string(a.State), millis(a.LeasedAt),
		millis(a.LeaseExpiresAt), nullMillis(a.LastHeartbeatAt), nullFloat(a.PlaybackRatio),
		nullInt(a.WatchedMs), a.ReleaseReason); err != nil {
		return fmt.Errorf("insert assignment %s: %w", a.ID, err)
	}
	return nil
}

func (t *tx) GetAssignment(ctx context.Context, id string) (*model.Assignment, error) {
	row := t.queryRow(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`+forUpdate(t.dialect, false), id)
	a, err := scanAssignment(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (t *tx) UpdateAssignment(ctx context.Context, a *model.Assignment) error {
	res, err := t.exec(ctx, `
		UPDATE assignments
		SET state = ?, lease_expires_at = ?, last_heartbeat_at = ?, playback_ratio = ?, watched_ms = ?, release_reason = ?
		WHERE id = ?`,
		string(a.State), millis(a.LeaseExpiresAt), nullMillis(a.LastHeartbeatAt), nullFloat(a.PlaybackRatio),
		nullInt(a.WatchedMs), a.ReleaseReason, a.ID)
	if err != nil {
		return fmt.Errorf("update assignment %s: %w", a.ID, err)
	}
	return affected(res, "update assignment", a.ID)
}

func (t *tx) LeasedAssignment(ctx context.Context, contributorID string) (*model.Assignment, error) {
	row := t.queryRow(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE contributor_id = ? AND state = ? AND bundle_id IS NULL
		ORDER BY leased_at DESC LIMIT 1`,
		contributorID, string(model.AssignmentLeased))
	a, err := scanAssignment(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (t *tx) CountLeasedInBundle(ctx context.Context, bundleID string) (int, error) {
	var n int
	err := t.queryRow(ctx, `SELECT COUNT(*) FROM assignments WHERE bundle_id = ? AND state = ?`,
		bundleID, string(model.AssignmentLeased)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bundle %s leases: %w", bundleID, err)
	}
	return n, nil
}

func (t *tx) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*model.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments
		WHERE state = ? AND lease_expires_at < ?
		ORDER BY lease_expires_at ASC, id ASC`
	args := []any{string(model.AssignmentLeased), millis(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += forUpdate(t.dialect, true)
	out, err := t.scanAssignments(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("expired leases: %w", err)
	}
	return out, nil
}

// Responses and consensus

func (t *tx) InsertResponse(ctx context.Context, r *model.Response) error {
	if _, err := t.exec(ctx, `
		INSERT INTO responses (id, task_id, assignment_id, contributor_id, vote_seq, payload, vote_key, weight,
			duration_ms, playback_ratio, created_at)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(vote_seq), 0) + 1 FROM responses WHERE task_id = ?), ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.AssignmentID, r.ContributorID, r.TaskID, string(r.Payload), r.Key, r.Weight,
		r.DurationMs, r.PlaybackRatio, millis(r.CreatedAt)); err != nil {
		return fmt.Errorf("insert response %s: %w", r.ID, err)
	}
	return nil
}

func (t *tx) ListResponses(ctx context.Context, taskID string) ([]*model.Response, error) {
	rows, err := t.query(ctx, `
		SELECT id, task_id, assignment_id, contributor_id, payload, vote_key, weight, duration_ms, playback_ratio, created_at
		FROM responses WHERE task_id = ? ORDER BY vote_seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []*model.Response
	for rows.Next() {
		var (
			r       model.Response
			payload string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.AssignmentID, &r.ContributorID, &payload, &r.Key, &r.Weight,
			&r.DurationMs, &r.PlaybackRatio, &created); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		r.CreatedAt = fromMillis(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (t *tx) UpsertConsensus(ctx context.Context, rec *model.ConsensusRecord) error {
	if _, err := t.exec(ctx, `
		INSERT INTO consensus (task_id, label, green_count, agreement_score, vote_count, final_status, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET label = excluded.label, green_count = excluded.green_count,
			agreement_score = excluded.agreement_score, vote_count = excluded.vote_count,
			final_status = excluded.final_status, decided_at = excluded.decided_at`,
		rec.TaskID, rec.Label, rec.GreenCount, rec.AgreementScore, rec.VoteCount, string(rec.FinalStatus),
		millis(rec.DecidedAt)); err != nil {
		return fmt.Errorf("upsert consensus %s: %w", rec.TaskID, err)
	}
	return nil
}

func (t *tx) GetConsensus(ctx context.Context, taskID string) (*model.ConsensusRecord, error) {
	var (
		rec     model.ConsensusRecord
		status  string
		decided int64
	)
	err := t.queryRow(ctx, `
		SELECT task_id, label, green_count, agreement_score, vote_count, final_status, decided_at
		FROM consensus WHERE task_id = ?`, taskID).
		Scan(&rec.TaskID, &rec.Label, &rec.GreenCount, &rec.AgreementScore, &rec.VoteCount, &status, &decided)
	if err != nil {
		return nil, notFound(err)
	}
	rec.FinalStatus = model.TaskStatus(status)
	rec.DecidedAt = fromMillis(decided)
	return &rec, nil
}
