package queue

import (
	"github.com/maheshrc27/brandflow/internal/service"
)

type Queue struct {
	ds service.DispatchService
}

func NewQueue(ds service.DispatchService) *Queue {
	return &Queue{ds: ds}
}

const TaskTypeDispatchCandidate = "candidate:dispatch"

type DispatchPayload struct {
	CandidateID string `json:"candidate_id"`
}
