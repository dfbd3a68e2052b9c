package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/maheshrc27/brandflow/internal/service"
)

// HandleDispatchTask runs one dispatch. Outcomes, skips included, are final
// for the task: the dispatcher schedules its own follow-up attempts. Only
// infrastructure errors are returned for asynq to retry.
func (j *Queue) HandleDispatchTask(ctx context.Context, task *asynq.Task) error {
	var payload DispatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("dispatch payload: %v: %w", err, asynq.SkipRetry)
	}

	res, err := j.ds.Dispatch(ctx, payload.CandidateID)
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrInvalidState):
		slog.Info("dispatch task dropped", "candidate_id", payload.CandidateID, "reason", err.Error())
		return nil
	case err != nil:
		slog.Error("dispatch task failed", "candidate_id", payload.CandidateID, "error", err)
		return err
	}

	slog.Info("dispatch task done",
		"candidate_id", res.CandidateID,
		"outcome", res.Outcome,
		"gate", res.Gate,
		"reason", res.Reason,
	)
	return nil
}
