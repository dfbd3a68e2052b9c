package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Enqueuer schedules dispatch tasks on asynq. It satisfies service.Enqueuer.
type Enqueuer struct {
	client *asynq.Client
	now    func() time.Time
}

func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client, now: time.Now}
}

// TaskID names the dispatch of a candidate at one moment. Scheduling the
// same candidate for the same time twice yields one task.
func TaskID(candidateID string, at time.Time) string {
	return fmt.Sprintf("dispatch:%s:%d", candidateID, at.Unix())
}

func (e *Enqueuer) ScheduleDispatch(ctx context.Context, candidateID string, at time.Time) error {
	payload := DispatchPayload{CandidateID: candidateID}
	taskPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeDispatchCandidate, taskPayload)

	delay := at.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.TaskID(TaskID(candidateID, at)),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("dispatch scheduled", "candidate_id", candidateID, "at", at)
	return nil
}
