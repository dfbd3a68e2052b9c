package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/lock"
	"github.com/maheshrc27/brandflow/internal/metrics"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/repository"
)

type DispatchOutcome string

const (
	OutcomePublished DispatchOutcome = "published"
	OutcomeSkipped   DispatchOutcome = "skipped"
	OutcomeFailed    DispatchOutcome = "failed"
)

// Gates, in the order they are checked.
const (
	GateConnection = "connection"
	GateDuplicate  = "duplicate"
	GateRate       = "rate"
	GatePublish    = "publish"
)

const (
	SkipNotConnected      = "not_connected"
	SkipDuplicate         = "duplicate"
	SkipDuplicateInFlight = "duplicate_in_flight"
	SkipRateLimited       = "rate_limited"
	SkipAlreadyDispatched = "already_dispatched"
)

const requeueBatch = 200

// DispatchResult describes one dispatch decision with enough context to
// reproduce it.
type DispatchResult struct {
	CandidateID string                `json:"candidate_id"`
	ClientID    string                `json:"client_id"`
	Platform    models.Platform       `json:"platform"`
	Outcome     DispatchOutcome       `json:"outcome"`
	Gate        string                `json:"gate,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	Retryable   bool                  `json:"retryable,omitempty"`
	RetryAt     *time.Time            `json:"retry_at,omitempty"`
	Post        *models.PublishedPost `json:"post,omitempty"`
	Err         error                 `json:"-"`
}

type DispatchService interface {
	// Dispatch runs the gates for an APPROVED candidate and publishes it when
	// all of them pass.
	Dispatch(ctx context.Context, candidateID string) (*DispatchResult, error)
	// RequeueDue enqueues every approved candidate whose next attempt is due.
	RequeueDue(ctx context.Context, now time.Time) (int, error)
}

type dispatchService struct {
	candidates repository.CandidateRepository
	posts      repository.PublishedPostRepository
	tx         repository.Transactor
	brand      BrandService
	conns      ConnectionService
	platforms  *PlatformRegistry
	locker     lock.Locker
	enqueuer   Enqueuer
	metrics    *metrics.Metrics
	cfg        config.Dispatch
	loc        *time.Location
	now        func() time.Time
}

func NewDispatchService(
	candidates repository.CandidateRepository,
	posts repository.PublishedPostRepository,
	tx repository.Transactor,
	brand BrandService,
	conns ConnectionService,
	platforms *PlatformRegistry,
	locker lock.Locker,
	enqueuer Enqueuer,
	m *metrics.Metrics,
	cfg config.Dispatch,
	loc *time.Location) DispatchService {
	if loc == nil {
		loc = time.UTC
	}
	return &dispatchService{
		candidates: candidates,
		posts:      posts,
		tx:         tx,
		brand:      brand,
		conns:      conns,
		platforms:  platforms,
		locker:     locker,
		enqueuer:   enqueuer,
		metrics:    m,
		cfg:        cfg,
		loc:        loc,
		now:        time.Now,
	}
}

func (s *dispatchService) Dispatch(ctx context.Context, candidateID string) (*DispatchResult, error) {
	cand, err := s.candidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, lock.PairKey(cand.ClientID, string(cand.Platform)))
	if err != nil {
		return nil, fmt.Errorf("dispatch lock for %s/%s: %w", cand.ClientID, cand.Platform, err)
	}
	defer unlock()

	// Another worker may have finished this candidate while we waited.
	cand, err = s.candidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if cand.Status != models.CandidateApproved {
		return nil, &InvalidStateError{CandidateID: cand.ID, Current: cand.Status, Wanted: models.CandidateApproved}
	}

	res := &DispatchResult{CandidateID: cand.ID, ClientID: cand.ClientID, Platform: cand.Platform}
	if cand.DispatchState.Done() {
		res.Outcome, res.Reason = OutcomeSkipped, SkipAlreadyDispatched
		return res, nil
	}

	client, err := s.brand.Get(ctx, cand.ClientID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if !s.conns.IsConnected(client, cand.Platform) {
		retryAt := now.Add(s.cfg.WaitingRecheck)
		return s.skip(ctx, cand, res, GateConnection, SkipNotConnected, &retryAt)
	}

	policy := s.brand.PolicyFor(client)
	reservation := &models.PublishedPost{
		ClientID:    cand.ClientID,
		Platform:    cand.Platform,
		TemplateKey: cand.TemplateKey,
		TextHash:    TextHash(cand.TextBody),
		PostedAt:    now,
	}

	var gate, reason string
	var retryAt *time.Time
	err = s.tx.WithinClientLock(ctx, cand.ClientID, func(tx *sql.Tx) error {
		var err error
		gate, reason, retryAt, err = s.checkGates(ctx, tx, policy, reservation, now)
		if err != nil || gate != "" {
			return err
		}
		reserved, err := s.posts.Reserve(ctx, tx, reservation)
		if err != nil {
			return err
		}
		if !reserved {
			gate, reason, retryAt, err = s.duplicateGate(ctx, tx, reservation, now)
			if err == nil && gate == "" {
				// The conflicting row was released in between.
				at := now.Add(s.cfg.WaitingRecheck)
				gate, reason, retryAt = GateDuplicate, SkipDuplicateInFlight, &at
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch gates for %s: %w", cand.ID, err)
	}
	if gate != "" {
		return s.skip(ctx, cand, res, gate, reason, retryAt)
	}

	return s.publish(ctx, cand, client, reservation, res)
}

// checkGates runs the duplicate and rate gates inside the client lock.
func (s *dispatchService) checkGates(ctx context.Context, tx *sql.Tx, policy models.PostingPolicy, p *models.PublishedPost, now time.Time) (string, string, *time.Time, error) {
	if gate, reason, at, err := s.duplicateGate(ctx, tx, p, now); err != nil || gate != "" {
		return gate, reason, at, err
	}

	if policy.CooldownDays > 0 {
		latest, err := s.posts.LatestPostedAt(ctx, tx, p.ClientID)
		if err != nil {
			return "", "", nil, err
		}
		if latest != nil && now.Sub(*latest) < policy.Cooldown() {
			at := latest.Add(policy.Cooldown())
			return GateRate, SkipRateLimited, &at, nil
		}
	}

	if policy.MaxPostsPerMonth > 0 {
		start, end := policy.MonthWindow(now, s.loc)
		count, err := s.posts.CountBetween(ctx, tx, p.ClientID, start, end)
		if err != nil {
			return "", "", nil, err
		}
		if count >= policy.MaxPostsPerMonth {
			at := end
			if policy.MonthlyWindow == models.MonthlyWindowRolling {
				at = now.Add(24 * time.Hour)
			}
			return GateRate, SkipRateLimited, &at, nil
		}
	}
	return "", "", nil, nil
}

// duplicateGate blocks text the client already published. Text another
// candidate has reserved but not yet confirmed is retried later, since that
// publish may still fail and release it.
func (s *dispatchService) duplicateGate(ctx context.Context, tx *sql.Tx, p *models.PublishedPost, now time.Time) (string, string, *time.Time, error) {
	existing, err := s.posts.FindByHash(ctx, tx, p.ClientID, p.TextHash)
	if err != nil || existing == nil {
		return "", "", nil, err
	}
	if existing.ExternalID != nil {
		return GateDuplicate, SkipDuplicate, nil, nil
	}
	at := now.Add(s.cfg.WaitingRecheck)
	return GateDuplicate, SkipDuplicateInFlight, &at, nil
}

func (s *dispatchService) publish(ctx context.Context, cand *models.PostCandidate, client *models.Client, reservation *models.PublishedPost, res *DispatchResult) (*DispatchResult, error) {
	res.Gate = GatePublish
	attempts := cand.PublishAttempts + 1

	publisher, err := s.platforms.Publisher(cand.Platform)
	if err == nil {
		conn := *client.Attributes.Connection(cand.Platform)
		pctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
		started := time.Now()
		var out *PublishResult
		out, err = publisher.Publish(pctx, conn, PublishRequest{
			CandidateID: cand.ID,
			Text:        cand.TextBody,
			MediaURL:    cand.MediaURL,
			Title:       candidateTitle(cand),
		})
		cancel()
		s.metrics.ObservePublish(string(cand.Platform), time.Since(started))

		if err == nil {
			return s.published(ctx, cand, reservation, out, attempts, res)
		}
	}

	if relErr := s.posts.Release(ctx, reservation.ID); relErr != nil {
		slog.Error("failed to release reservation", "candidate_id", cand.ID, "post_id", reservation.ID, "error", relErr)
	}
	return s.failed(ctx, cand, err, attempts, res)
}

func (s *dispatchService) published(ctx context.Context, cand *models.PostCandidate, reservation *models.PublishedPost, out *PublishResult, attempts int, res *DispatchResult) (*DispatchResult, error) {
	postedAt := s.now()
	externalID := out.ExternalID
	reservation.ExternalID = &externalID
	reservation.PostedAt = postedAt

	update := models.DispatchUpdate{State: models.DispatchPublished, Attempts: attempts}
	if err := s.posts.Confirm(ctx, reservation.ID, externalID, postedAt); err != nil {
		// The post is live. The unconfirmed row still blocks duplicates.
		slog.Error("failed to confirm published post", "candidate_id", cand.ID, "post_id", reservation.ID, "external_id", externalID, "error", err)
		update.LastError = "confirm failed: " + err.Error()
	}
	if err := s.candidates.UpdateDispatch(ctx, cand.ID, update); err != nil {
		slog.Error("failed to record dispatch", "candidate_id", cand.ID, "error", err)
	}

	res.Outcome = OutcomePublished
	res.Post = reservation
	s.metrics.Dispatch(string(cand.Platform), string(OutcomePublished), "")
	slog.Info("candidate published",
		"candidate_id", cand.ID,
		"client_id", cand.ClientID,
		"platform", cand.Platform,
		"external_id", externalID,
		"url", out.URL,
	)
	return res, nil
}

func (s *dispatchService) failed(ctx context.Context, cand *models.PostCandidate, err error, attempts int, res *DispatchResult) (*DispatchResult, error) {
	pe := asPlatformError(cand.Platform, err)
	res.Outcome = OutcomeFailed
	res.Reason = pe.Message
	res.Err = pe

	if pe.Retryable && attempts < s.cfg.MaxAttempts {
		retryAt := s.now().Add(s.backoff(attempts))
		res.Retryable = true
		res.RetryAt = &retryAt
		update := models.DispatchUpdate{State: models.DispatchRetrying, Attempts: attempts, NextAttemptAt: &retryAt, LastError: pe.Error()}
		if err := s.candidates.UpdateDispatch(ctx, cand.ID, update); err != nil {
			return nil, err
		}
		s.enqueue(ctx, cand.ID, retryAt)
		s.metrics.Dispatch(string(cand.Platform), string(OutcomeFailed), "retryable")
		slog.Warn("publish failed, will retry",
			"candidate_id", cand.ID,
			"client_id", cand.ClientID,
			"platform", cand.Platform,
			"gate", GatePublish,
			"attempt", attempts,
			"retry_at", retryAt,
			"error", pe,
		)
		return res, nil
	}

	update := models.DispatchUpdate{State: models.DispatchFailed, Attempts: attempts, LastError: pe.Error()}
	if err := s.candidates.UpdateDispatch(ctx, cand.ID, update); err != nil {
		return nil, err
	}
	ok, err := s.candidates.Transition(ctx, nil, cand.ID, models.CandidateApproved, models.Resolution{
		Status:     models.CandidateRejected,
		Reason:     models.ReasonPublishFailed,
		ResolvedBy: models.ResolvedByDispatcher,
	})
	if err != nil {
		return nil, err
	}
	if ok {
		s.metrics.Transition(string(models.CandidateApproved), string(models.CandidateRejected), models.ResolvedByDispatcher)
	}
	// Auth failures also drop the token.
	if !pe.Retryable {
		if err := s.conns.FlagReauth(ctx, cand.ClientID, cand.Platform, pe.Message, pe.Reauth); err != nil {
			slog.Error("failed to flag connection", "client_id", cand.ClientID, "platform", cand.Platform, "error", err)
		}
	}

	s.metrics.Dispatch(string(cand.Platform), string(OutcomeFailed), "permanent")
	slog.Error("publish failed permanently",
		"candidate_id", cand.ID,
		"client_id", cand.ClientID,
		"platform", cand.Platform,
		"gate", GatePublish,
		"attempt", attempts,
		"reauth", pe.Reauth,
		"error", pe,
	)
	return res, nil
}

func (s *dispatchService) skip(ctx context.Context, cand *models.PostCandidate, res *DispatchResult, gate, reason string, retryAt *time.Time) (*DispatchResult, error) {
	res.Outcome, res.Gate, res.Reason, res.RetryAt = OutcomeSkipped, gate, reason, retryAt
	res.Retryable = retryAt != nil

	update := models.DispatchUpdate{
		State:         models.DispatchWaiting,
		Attempts:      cand.PublishAttempts,
		NextAttemptAt: retryAt,
		LastError:     reason,
	}
	if reason == SkipDuplicate {
		update.State, update.NextAttemptAt = models.DispatchDuplicate, nil
	}
	if err := s.candidates.UpdateDispatch(ctx, cand.ID, update); err != nil {
		return nil, err
	}
	if retryAt != nil && reason != SkipDuplicate {
		s.enqueue(ctx, cand.ID, *retryAt)
	}

	s.metrics.Dispatch(string(cand.Platform), string(OutcomeSkipped), reason)
	slog.Info("dispatch skipped",
		"candidate_id", cand.ID,
		"client_id", cand.ClientID,
		"platform", cand.Platform,
		"gate", gate,
		"reason", reason,
		"retry_at", retryAt,
	)
	return res, nil
}

func (s *dispatchService) RequeueDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.candidates.ListDispatchDue(ctx, now, requeueBatch)
	if err != nil {
		return 0, err
	}
	for _, c := range due {
		at := now
		if c.NextAttemptAt != nil {
			at = *c.NextAttemptAt
		}
		s.enqueue(ctx, c.ID, at)
	}
	return len(due), nil
}

// backoff doubles from BackoffBase per attempt, capped at BackoffMax.
func (s *dispatchService) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	if d > s.cfg.BackoffMax {
		return s.cfg.BackoffMax
	}
	return d
}

func (s *dispatchService) enqueue(ctx context.Context, id string, at time.Time) {
	if s.enqueuer == nil {
		return
	}
	if err := s.enqueuer.ScheduleDispatch(ctx, id, at); err != nil {
		slog.Error("failed to enqueue dispatch", "candidate_id", id, "error", err)
	}
}

func (s *dispatchService) candidate(ctx context.Context, id string) (*models.PostCandidate, error) {
	c, err := s.candidates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFound("candidate", id)
	}
	return c, nil
}

// asPlatformError wraps errors that did not come from a platform client.
// Those are retryable: a bounded attempt count still ends them.
func asPlatformError(p models.Platform, err error) *PlatformError {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return &PlatformError{Platform: p, Message: ve.Error(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &PlatformError{Platform: p, Message: "timed out", Retryable: true, Err: err}
	}
	return &PlatformError{Platform: p, Message: err.Error(), Retryable: true, Err: err}
}

func candidateTitle(c *models.PostCandidate) string {
	if title, ok := c.Metadata["title"].(string); ok {
		return title
	}
	return ""
}
