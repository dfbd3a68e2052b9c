package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/brandflow/internal/metrics"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/repository"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const sweepBatch = 500

// Enqueuer schedules a dispatch attempt for a candidate.
type Enqueuer interface {
	ScheduleDispatch(ctx context.Context, candidateID string, at time.Time) error
}

type SweepReport struct {
	Scanned  int `json:"scanned"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	// Lost counts candidates another actor resolved first.
	Lost int `json:"lost"`
}

type ApprovalService interface {
	// Admit stores a freshly generated candidate. Its starting status follows
	// the client's approval mode.
	Admit(ctx context.Context, c *models.PostCandidate, policy models.PostingPolicy) (*models.PostCandidate, error)
	Get(ctx context.Context, id string) (*models.PostCandidate, error)
	ListByClient(ctx context.Context, clientID string, status models.CandidateStatus) ([]*models.PostCandidate, error)
	// Approve and Reject record actor, the id of the reviewing user, on the
	// candidate.
	Approve(ctx context.Context, id, actor string) (*models.PostCandidate, error)
	Reject(ctx context.Context, id, reason, actor string) (*models.PostCandidate, error)
	// Expire retires a PENDING candidate without rejecting its content.
	Expire(ctx context.Context, id, resolvedBy string) (*models.PostCandidate, error)
	SweepTimeouts(ctx context.Context, now time.Time) (SweepReport, error)
}

type approvalService struct {
	candidates repository.CandidateRepository
	brand      BrandService
	enqueuer   Enqueuer
	metrics    *metrics.Metrics
	now        func() time.Time
	batch      int
}

func NewApprovalService(
	candidates repository.CandidateRepository,
	brand BrandService,
	enqueuer Enqueuer,
	m *metrics.Metrics) ApprovalService {
	return &approvalService{
		candidates: candidates,
		brand:      brand,
		enqueuer:   enqueuer,
		metrics:    m,
		now:        time.Now,
		batch:      sweepBatch,
	}
}

func (s *approvalService) Admit(ctx context.Context, c *models.PostCandidate, policy models.PostingPolicy) (*models.PostCandidate, error) {
	if c.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, err
		}
		c.ID = id
	}

	c.Status = models.CandidatePending
	c.ResolvedBy = ""
	c.ResolverID = ""
	c.RejectionReason = ""
	deadline := policy.ApprovalDeadline(c.SlotTime)
	c.ApprovalDeadline = &deadline
	if autoApproved(c, policy) {
		at := dispatchTime(c.SlotTime, s.now())
		c.ApprovalDeadline = nil
		c.Status = models.CandidateApproved
		c.ResolvedBy = models.ResolvedByPolicy
		c.DispatchState = models.DispatchQueued
		c.NextAttemptAt = &at
	}

	if err := s.candidates.Create(ctx, nil, c); err != nil {
		return nil, fmt.Errorf("create candidate for %s: %w", c.ClientID, err)
	}
	s.metrics.Transition("", string(c.Status), c.ResolvedBy)

	if c.Status == models.CandidateApproved {
		s.enqueue(ctx, c.ID, *c.NextAttemptAt)
	}
	return c, nil
}

func autoApproved(c *models.PostCandidate, policy models.PostingPolicy) bool {
	switch policy.ApprovalMode {
	case models.ApprovalNever:
		return true
	case models.ApprovalThreshold:
		return c.Score != nil && *c.Score >= policy.ApprovalThreshold
	}
	return false
}

func (s *approvalService) Get(ctx context.Context, id string) (*models.PostCandidate, error) {
	c, err := s.candidates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFound("candidate", id)
	}
	return c, nil
}

func (s *approvalService) ListByClient(ctx context.Context, clientID string, status models.CandidateStatus) ([]*models.PostCandidate, error) {
	if _, err := s.brand.Get(ctx, clientID); err != nil {
		return nil, err
	}
	return s.candidates.ListByClient(ctx, clientID, status)
}

func (s *approvalService) Approve(ctx context.Context, id, actor string) (*models.PostCandidate, error) {
	c, err := s.transition(ctx, id, models.CandidateApproved, "", models.ResolvedByUser, actor)
	if err != nil {
		return c, err
	}

	at := dispatchTime(c.SlotTime, s.now())
	if err := s.candidates.UpdateDispatch(ctx, id, models.DispatchUpdate{State: models.DispatchQueued, NextAttemptAt: &at}); err != nil {
		// The dispatch cycle still finds approved candidates with no attempt time.
		slog.Error("failed to record dispatch time", "candidate_id", id, "error", err)
	} else {
		c.DispatchState = models.DispatchQueued
		c.NextAttemptAt = &at
	}
	s.enqueue(ctx, id, at)
	return c, nil
}

func (s *approvalService) Reject(ctx context.Context, id, reason, actor string) (*models.PostCandidate, error) {
	return s.transition(ctx, id, models.CandidateRejected, reason, models.ResolvedByUser, actor)
}

func (s *approvalService) Expire(ctx context.Context, id, resolvedBy string) (*models.PostCandidate, error) {
	return s.transition(ctx, id, models.CandidateExpired, "", resolvedBy, "")
}

// transition moves a PENDING candidate to status. Losing the race to another
// actor reports InvalidStateError with the status that actor set.
func (s *approvalService) transition(ctx context.Context, id string, to models.CandidateStatus, reason, resolvedBy, actor string) (*models.PostCandidate, error) {
	ok, err := s.candidates.Transition(ctx, nil, id, models.CandidatePending, models.Resolution{
		Status:     to,
		Reason:     reason,
		ResolvedBy: resolvedBy,
		ResolverID: actor,
	})
	if err != nil {
		return nil, err
	}

	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		slog.Info("transition skipped", "candidate_id", id, "client_id", c.ClientID, "status", c.Status, "wanted", to)
		return c, &InvalidStateError{CandidateID: id, Current: c.Status, Wanted: to}
	}

	s.metrics.Transition(string(models.CandidatePending), string(to), resolvedBy)
	slog.Info("candidate resolved", "candidate_id", id, "client_id", c.ClientID, "platform", c.Platform, "status", to, "resolved_by", resolvedBy, "resolver_id", actor)
	return c, nil
}

// SweepTimeouts resolves PENDING candidates whose approval deadline has
// passed. It pages through due candidates until none are left. Each
// resolution is a compare-and-set, so concurrent or repeated sweeps and human
// actions never resolve a candidate twice.
func (s *approvalService) SweepTimeouts(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport

	policies := make(map[string]models.PostingPolicy)
	var after repository.PendingCursor
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		pending, err := s.candidates.ListPending(ctx, now, after, s.batch)
		if err != nil {
			return report, err
		}
		for _, c := range pending {
			if err := s.expireOne(ctx, c, now, policies, &report); err != nil {
				return report, err
			}
		}
		if len(pending) < s.batch {
			return report, nil
		}
		after = repository.CursorAfter(pending[len(pending)-1])
	}
}

// expireOne resolves a single due candidate with its client's timeout action.
// Candidates without a stored deadline are held to slot plus the client's
// current approval timeout.
func (s *approvalService) expireOne(ctx context.Context, c *models.PostCandidate, now time.Time, policies map[string]models.PostingPolicy, report *SweepReport) error {
	policy, ok := policies[c.ClientID]
	if !ok {
		var err error
		policy, err = s.brand.Policy(ctx, c.ClientID)
		if err != nil {
			slog.Error("sweep: policy lookup failed", "client_id", c.ClientID, "error", err)
			return nil
		}
		policies[c.ClientID] = policy
	}

	deadline := policy.ApprovalDeadline(c.SlotTime)
	if c.ApprovalDeadline != nil {
		deadline = *c.ApprovalDeadline
	}
	if now.Before(deadline) {
		return nil
	}
	report.Scanned++

	to, reason := models.CandidateRejected, models.ReasonTimeout
	if policy.OnApprovalTimeout == models.TimeoutAutoPost {
		to, reason = models.CandidateApproved, ""
	}

	won, err := s.candidates.Transition(ctx, nil, c.ID, models.CandidatePending, models.Resolution{
		Status:     to,
		Reason:     reason,
		ResolvedBy: models.ResolvedByTimeout,
	})
	if err != nil {
		return err
	}
	if !won {
		report.Lost++
		s.metrics.Sweep("lost")
		return nil
	}

	s.metrics.Transition(string(models.CandidatePending), string(to), models.ResolvedByTimeout)
	slog.Info("approval timed out", "candidate_id", c.ID, "client_id", c.ClientID, "platform", c.Platform, "status", to)

	if to == models.CandidateRejected {
		report.Rejected++
		s.metrics.Sweep("rejected")
		return nil
	}

	report.Approved++
	s.metrics.Sweep("approved")
	at := dispatchTime(c.SlotTime, now)
	if err := s.candidates.UpdateDispatch(ctx, c.ID, models.DispatchUpdate{State: models.DispatchQueued, NextAttemptAt: &at}); err != nil {
		slog.Error("failed to record dispatch time", "candidate_id", c.ID, "error", err)
	}
	s.enqueue(ctx, c.ID, at)
	return nil
}

func (s *approvalService) enqueue(ctx context.Context, id string, at time.Time) {
	if s.enqueuer == nil {
		return
	}
	if err := s.enqueuer.ScheduleDispatch(ctx, id, at); err != nil {
		// The dispatch cycle picks the candidate up on its next run.
		slog.Error("failed to enqueue dispatch", "candidate_id", id, "error", err)
	}
}

// dispatchTime is the candidate's slot, or now when the slot has passed.
func dispatchTime(slot, now time.Time) time.Time {
	if slot.After(now) {
		return slot
	}
	return now
}
