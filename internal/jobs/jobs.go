package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/service"
	"github.com/robfig/cron"
)

// SweepJob resolves candidates whose approval window has passed.
type SweepJob struct {
	approvals service.ApprovalService
	now       func() time.Time
}

func NewSweepJob(approvals service.ApprovalService) *SweepJob {
	return &SweepJob{approvals: approvals, now: time.Now}
}

func (j *SweepJob) Run() {
	report, err := j.approvals.SweepTimeouts(context.Background(), j.now())
	if err != nil {
		slog.Error("approval sweep failed", "error", err)
		return
	}
	if report.Scanned > 0 {
		slog.Info("approval sweep done",
			"scanned", report.Scanned,
			"approved", report.Approved,
			"rejected", report.Rejected,
			"lost", report.Lost,
		)
	}
}

// DispatchCycleJob re-enqueues approved candidates whose next attempt is
// due. It recovers tasks lost between a state change and its enqueue.
type DispatchCycleJob struct {
	dispatch service.DispatchService
	now      func() time.Time
}

func NewDispatchCycleJob(dispatch service.DispatchService) *DispatchCycleJob {
	return &DispatchCycleJob{dispatch: dispatch, now: time.Now}
}

func (j *DispatchCycleJob) Run() {
	n, err := j.dispatch.RequeueDue(context.Background(), j.now())
	if err != nil {
		slog.Error("dispatch cycle failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("dispatch cycle requeued candidates", "count", n)
	}
}

type GenerationJob struct {
	generation service.GenerationService
}

func NewGenerationJob(generation service.GenerationService) *GenerationJob {
	return &GenerationJob{generation: generation}
}

func (j *GenerationJob) Run() {
	n, err := j.generation.GenerateAll(context.Background())
	if err != nil {
		slog.Error("scheduled generation failed", "error", err)
		return
	}
	slog.Info("scheduled generation done", "created", n)
}

type Jobs struct {
	Sweep         *SweepJob
	DispatchCycle *DispatchCycleJob
	TokenRefresh  *TokenRefreshJob
	Generation    *GenerationJob
}

// Schedule registers every job with a non-empty schedule on c.
func Schedule(c *cron.Cron, s config.Schedules, jobs Jobs) error {
	entries := []struct {
		name string
		spec string
		run  func()
	}{
		{"sweep", s.Sweep, jobs.Sweep.Run},
		{"dispatch", s.Dispatch, jobs.DispatchCycle.Run},
		{"token_refresh", s.TokenRefresh, jobs.TokenRefresh.RefreshTokens},
		{"generation", s.Generation, jobs.Generation.Run},
	}
	for _, e := range entries {
		if e.spec == "" {
			slog.Info("job disabled", "job", e.name)
			continue
		}
		if err := c.AddFunc(e.spec, e.run); err != nil {
			return fmt.Errorf("schedule %s job %q: %w", e.name, e.spec, err)
		}
		slog.Info("job scheduled", "job", e.name, "schedule", e.spec)
	}
	return nil
}
