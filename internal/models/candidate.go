package models

import "time"

type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "PENDING"
	CandidateApproved CandidateStatus = "APPROVED"
	CandidateRejected CandidateStatus = "REJECTED"
	CandidateExpired  CandidateStatus = "EXPIRED"
)

func ParseCandidateStatus(s string) (CandidateStatus, bool) {
	switch st := CandidateStatus(s); st {
	case CandidatePending, CandidateApproved, CandidateRejected, CandidateExpired:
		return st, true
	}
	return "", false
}

// DispatchState tracks an APPROVED candidate through publishing.
type DispatchState string

const (
	DispatchNone      DispatchState = ""
	DispatchQueued    DispatchState = "queued"
	DispatchWaiting   DispatchState = "waiting"
	DispatchRetrying  DispatchState = "retrying"
	DispatchPublished DispatchState = "published"
	DispatchDuplicate DispatchState = "duplicate"
	DispatchFailed    DispatchState = "failed"
)

// Done reports whether no further dispatch attempt will be made.
func (s DispatchState) Done() bool {
	return s == DispatchPublished || s == DispatchDuplicate || s == DispatchFailed
}

const (
	ReasonTimeout       = "timeout"
	ReasonPublishFailed = "publish_failed"
)

const (
	ResolvedByUser       = "user"
	ResolvedByTimeout    = "timeout"
	ResolvedByPolicy     = "policy"
	ResolvedByDispatcher = "dispatcher"
	ResolvedByRegenerate = "regenerate"
)

type PostCandidate struct {
	ID               string          `db:"id" json:"id"`
	ClientID         string          `db:"client_id" json:"client_id"`
	TemplateKey      string          `db:"template_key" json:"template_key"`
	TextBody         string          `db:"text_body" json:"text_body"`
	MediaURL         string          `db:"media_url" json:"media_url,omitempty"`
	Platform         Platform        `db:"platform" json:"platform"`
	SlotTime         time.Time       `db:"slot_time" json:"slot_time"`
	Status           CandidateStatus `db:"status" json:"status"`
	// ApprovalDeadline is fixed when a PENDING candidate is admitted.
	ApprovalDeadline *time.Time      `db:"approval_deadline" json:"approval_deadline,omitempty"`
	RejectionReason  string          `db:"rejection_reason" json:"rejection_reason,omitempty"`
	ResolvedBy       string          `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolverID       string          `db:"resolver_id" json:"resolver_id,omitempty"`
	Score            *float64        `db:"score" json:"score,omitempty"`
	Metadata         map[string]any  `db:"metadata" json:"metadata,omitempty"`
	DispatchState    DispatchState   `db:"dispatch_state" json:"dispatch_state,omitempty"`
	PublishAttempts  int             `db:"publish_attempts" json:"publish_attempts"`
	NextAttemptAt    *time.Time      `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastError        string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Resolution is the outcome written by a status transition. ResolverID is
// the reviewing user, when a user made the call.
type Resolution struct {
	Status     CandidateStatus
	Reason     string
	ResolvedBy string
	ResolverID string
}

// DispatchUpdate is the bookkeeping written after a dispatch attempt.
type DispatchUpdate struct {
	State         DispatchState
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string
}
