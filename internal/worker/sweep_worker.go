package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeSweep is the periodic lease expiry job.
	TaskTypeSweep = "lease:sweep"
	// QueueMaintenance holds housekeeping jobs.
	QueueMaintenance = "maintenance"
)

// Sweeper expires lapsed leases and reports how many it expired.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweepWorker runs the lease expiry sweep.
type SweepWorker struct {
	sweeper Sweeper
	logger  *slog.Logger
}

func NewSweepWorker(s Sweeper) *SweepWorker {
	return &SweepWorker{
		sweeper: s,
		logger:  slog.Default().With("component", "sweep_worker"),
	}
}

// NewSweepTask builds the asynq task for one sweep.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSweep, nil)
}

// RegisterSweep schedules a sweep every interval and returns the entry id.
func RegisterSweep(s *asynq.Scheduler, interval time.Duration) (string, error) {
	return s.Register(fmt.Sprintf("@every %s", interval), NewSweepTask(),
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(0),
		asynq.Timeout(interval),
		asynq.Unique(interval),
	)
}

// ProcessTask handles one lease:sweep task.
func (w *SweepWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	n, err := w.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("lease sweep: %w", err)
	}
	if n > 0 {
		w.logger.InfoContext(ctx, "lease sweep", "expired", n)
	}
	return nil
}

// RunLocal sweeps on a ticker until ctx is done. It stands in for the asynq
// scheduler when Redis is unavailable.
func (w *SweepWorker) RunLocal(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.ProcessTask(ctx, nil); err != nil {
				w.logger.ErrorContext(ctx, "local sweep failed", "error", err)
			}
		}
	}
}
