package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clipvote/api/internal/model"
)

// SeedFile is the YAML fixture format for clips and tasks.
type SeedFile struct {
	Clips []model.Clip `yaml:"clips"`
	Tasks []SeedTask   `yaml:"tasks"`
}

// SeedTask is a task as written in a seed file. Answer fields take any YAML
// value and are stored as JSON.
type SeedTask struct {
	ID                string         `yaml:"id"`
	ClipID            string         `yaml:"clip_id"`
	TaskType          model.TaskType `yaml:"task_type"`
	Priority          int            `yaml:"priority"`
	PriceCents        int            `yaml:"price_cents"`
	TargetVotes       int            `yaml:"target_votes"`
	MinGreenForSkipQA float64        `yaml:"min_green_for_skip_qa"`
	MinGreenForReview float64        `yaml:"min_green_for_review"`
	MinTier           model.Tier     `yaml:"min_tier"`
	IsGolden          bool           `yaml:"is_golden"`
	GoldenAnswer      interface{}    `yaml:"golden_answer"`
	AISuggestion      interface{}    `yaml:"ai_suggestion"`
}

// SeedResult counts what a seed run inserted and skipped.
type SeedResult struct {
	Clips   int
	Tasks   int
	Skipped int
}

// LoadSeedFile seeds s from the YAML file at path.
func LoadSeedFile(ctx context.Context, s Store, path string, now time.Time) (SeedResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return SeedResult{}, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return LoadSeed(ctx, s, f, now)
}

// LoadSeed inserts the clips and tasks in r in one transaction. Rows whose id
// already exists are skipped, so seeding is repeatable. Tasks get created_at
// values one millisecond apart in file order.
func LoadSeed(ctx context.Context, s Store, r io.Reader, now time.Time) (SeedResult, error) {
	var file SeedFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return SeedResult{}, fmt.Errorf("decode seed: %w", err)
	}

	tasks := make([]*model.Task, 0, len(file.Tasks))
	for i, st := range file.Tasks {
		task, err := st.toTask(now.Add(time.Duration(i) * time.Millisecond))
		if err != nil {
			return SeedResult{}, err
		}
		tasks = append(tasks, task)
	}

	var res SeedResult
	err := s.WithTx(ctx, func(tx Tx) error {
		res = SeedResult{}
		for i := range file.Clips {
			clip := &file.Clips[i]
			if clip.ID == "" {
				return fmt.Errorf("seed clip %d: id is required", i)
			}
			inserted, err := insertOnce(func() error { return tx.InsertClip(ctx, clip) },
				func() error { _, err := tx.GetClip(ctx, clip.ID); return err })
			if err != nil {
				return fmt.Errorf("seed clip %s: %w", clip.ID, err)
			}
			if inserted {
				res.Clips++
			} else {
				res.Skipped++
			}
		}
		for _, task := range tasks {
			if _, err := tx.GetClip(ctx, task.ClipID); err != nil {
				return fmt.Errorf("seed task %s: clip %s: %w", task.ID, task.ClipID, err)
			}
			inserted, err := insertOnce(func() error { return tx.InsertTask(ctx, task) },
				func() error { _, err := tx.GetTask(ctx, task.ID); return err })
			if err != nil {
				return fmt.Errorf("seed task %s: %w", task.ID, err)
			}
			if inserted {
				res.Tasks++
			} else {
				res.Skipped++
			}
		}
		return nil
	})
	return res, err
}

// insertOnce runs insert unless get finds the row already present.
func insertOnce(insert, get func() error) (bool, error) {
	err := get()
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	return true, insert()
}

func (st SeedTask) toTask(createdAt time.Time) (*model.Task, error) {
	if st.ID == "" || st.ClipID == "" {
		return nil, fmt.Errorf("seed task %q: id and clip_id are required", st.ID)
	}
	if !slices.Contains(model.ValidTaskTypes, st.TaskType) {
		return nil, fmt.Errorf("seed task %s: unknown task_type %q", st.ID, st.TaskType)
	}
	golden, err := toJSON(st.GoldenAnswer)
	if err != nil {
		return nil, fmt.Errorf("seed task %s golden_answer: %w", st.ID, err)
	}
	if st.IsGolden && golden == nil {
		return nil, fmt.Errorf("seed task %s: golden task needs golden_answer", st.ID)
	}
	suggestion, err := toJSON(st.AISuggestion)
	if err != nil {
		return nil, fmt.Errorf("seed task %s ai_suggestion: %w", st.ID, err)
	}
	return &model.Task{
		ID:                st.ID,
		ClipID:            st.ClipID,
		TaskType:          st.TaskType,
		Status:            model.TaskStatusPending,
		Priority:          st.Priority,
		PriceCents:        st.PriceCents,
		TargetVotes:       st.TargetVotes,
		MinGreenForSkipQA: st.MinGreenForSkipQA,
		MinGreenForReview: st.MinGreenForReview,
		MinTier:           st.MinTier,
		IsGolden:          st.IsGolden,
		GoldenAnswer:      golden,
		AISuggestion:      suggestion,
		CreatedAt:         createdAt,
	}, nil
}

func toJSON(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
