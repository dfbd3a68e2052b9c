package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/maheshrc27/brandflow/internal/generator"
	"github.com/maheshrc27/brandflow/internal/metrics"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/repository"
)

type GenerationService interface {
	// Generate drafts one candidate per free slot of the coming week.
	Generate(ctx context.Context, clientID string) ([]*models.PostCandidate, error)
	// Preview drafts up to count candidates for the coming week's free slots
	// without storing them. A count of zero uses the client's posts per week.
	Preview(ctx context.Context, clientID string, count int) ([]*models.PostCandidate, error)
	// Regenerate expires a PENDING candidate and admits a rewrite of it for
	// the same slot and platform.
	Regenerate(ctx context.Context, candidateID, instruction string) (*models.PostCandidate, error)
	GenerateAll(ctx context.Context) (int, error)
}

type generationService struct {
	brand      BrandService
	approvals  ApprovalService
	candidates repository.CandidateRepository
	tx         repository.Transactor
	gen        generator.Generator
	metrics    *metrics.Metrics
	timeout    time.Duration
	dailySlots []string
	loc        *time.Location
	now        func() time.Time
}

func NewGenerationService(
	brand BrandService,
	approvals ApprovalService,
	candidates repository.CandidateRepository,
	tx repository.Transactor,
	gen generator.Generator,
	m *metrics.Metrics,
	timeout time.Duration,
	dailySlots []string,
	loc *time.Location) GenerationService {
	if loc == nil {
		loc = time.UTC
	}
	return &generationService{
		brand:      brand,
		approvals:  approvals,
		candidates: candidates,
		tx:         tx,
		gen:        gen,
		metrics:    m,
		timeout:    timeout,
		dailySlots: dailySlots,
		loc:        loc,
		now:        time.Now,
	}
}

func (s *generationService) Generate(ctx context.Context, clientID string) ([]*models.PostCandidate, error) {
	c, policy, drafts, err := s.draft(ctx, clientID, 0)
	if err != nil || len(drafts) == 0 {
		return nil, err
	}

	// Another run may have filled some slots while the drafts were written.
	var out []*models.PostCandidate
	err = s.tx.WithinClientLock(ctx, clientID, func(*sql.Tx) error {
		slots := make([]time.Time, len(drafts))
		for i, d := range drafts {
			slots[i] = d.SlotTime
		}
		free, err := s.freeSlots(ctx, clientID, slots)
		if err != nil {
			return err
		}
		open := make(map[int64]bool, len(free))
		for _, slot := range free {
			open[slot.Unix()] = true
		}

		for _, d := range drafts {
			if !open[d.SlotTime.Unix()] {
				continue
			}
			cand, err := s.approvals.Admit(ctx, fromDraft(clientID, d), policy)
			if err != nil {
				return err
			}
			out = append(out, cand)
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	slog.Info("candidates generated", "client_id", c.ID, "count", len(out))
	return out, nil
}

func (s *generationService) Preview(ctx context.Context, clientID string, count int) ([]*models.PostCandidate, error) {
	if count < 0 {
		return nil, &ValidationError{Field: "count", Message: "must not be negative"}
	}
	_, policy, drafts, err := s.draft(ctx, clientID, count)
	if err != nil {
		return nil, err
	}

	out := make([]*models.PostCandidate, 0, len(drafts))
	for _, d := range drafts {
		cand := fromDraft(clientID, d)
		cand.Status = models.CandidatePending
		if autoApproved(cand, policy) {
			cand.Status = models.CandidateApproved
		} else {
			deadline := policy.ApprovalDeadline(cand.SlotTime)
			cand.ApprovalDeadline = &deadline
		}
		out = append(out, cand)
	}
	return out, nil
}

// draft asks the generator for one draft per free slot of the coming week.
// count overrides the client's posts per week when positive.
func (s *generationService) draft(ctx context.Context, clientID string, count int) (*models.Client, models.PostingPolicy, []generator.Draft, error) {
	c, err := s.brand.Get(ctx, clientID)
	if err != nil {
		return nil, models.PostingPolicy{}, nil, err
	}
	policy := s.brand.PolicyFor(c)

	platforms := targetPlatforms(c)
	if len(platforms) == 0 {
		return c, policy, nil, &ValidationError{Field: "target_platforms", Message: "client has no target or connected platforms"}
	}

	perWeek := policy.PostsPerWeek
	if count > 0 {
		perWeek = count
	}
	free, err := s.freeSlots(ctx, clientID, NextSlots(s.now(), perWeek, s.dailySlots, s.loc))
	if err != nil {
		return c, policy, nil, err
	}
	if len(free) == 0 {
		slog.Info("no free slots to generate for", "client_id", clientID)
		return c, policy, nil, nil
	}

	drafts, err := s.generate(ctx, func(gctx context.Context) ([]generator.Draft, error) {
		return s.gen.Generate(gctx, generator.Request{Client: c, Platforms: platforms, Slots: free})
	})
	if err != nil {
		return c, policy, nil, fmt.Errorf("generate for %s: %w", clientID, err)
	}
	return c, policy, drafts, nil
}

func (s *generationService) Regenerate(ctx context.Context, candidateID, instruction string) (*models.PostCandidate, error) {
	prev, err := s.approvals.Get(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if prev.Status != models.CandidatePending {
		return prev, &InvalidStateError{CandidateID: candidateID, Current: prev.Status, Wanted: models.CandidateExpired}
	}

	c, err := s.brand.Get(ctx, prev.ClientID)
	if err != nil {
		return nil, err
	}

	var draft *generator.Draft
	if _, err := s.generate(ctx, func(gctx context.Context) ([]generator.Draft, error) {
		d, err := s.gen.Rewrite(gctx, c, prev, instruction)
		if err != nil {
			return nil, err
		}
		draft = d
		return []generator.Draft{*d}, nil
	}); err != nil {
		return nil, fmt.Errorf("rewrite candidate %s: %w", candidateID, err)
	}

	next := fromDraft(prev.ClientID, *draft)
	next.Metadata["replaces"] = prev.ID
	if instruction != "" {
		next.Metadata["instruction"] = instruction
	}

	var admitted *models.PostCandidate
	err = s.tx.WithinClientLock(ctx, prev.ClientID, func(*sql.Tx) error {
		// The old candidate goes first, so an approval racing this call wins
		// cleanly and no replacement is created.
		if _, err := s.approvals.Expire(ctx, candidateID, models.ResolvedByRegenerate); err != nil {
			return err
		}
		var err error
		admitted, err = s.approvals.Admit(ctx, next, s.brand.PolicyFor(c))
		return err
	})
	if err != nil {
		return nil, err
	}
	return admitted, nil
}

// GenerateAll runs Generate for every client and returns how many
// candidates were created. One client's failure does not stop the rest.
func (s *generationService) GenerateAll(ctx context.Context) (int, error) {
	clients, err := s.brand.List(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		created, err := s.Generate(ctx, c.ID)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				slog.Info("generation skipped", "client_id", c.ID, "reason", ve.Error())
			} else {
				slog.Error("generation failed", "client_id", c.ID, "error", err)
			}
			continue
		}
		total += len(created)
	}
	return total, nil
}

// generate runs fn under the generation timeout and records the outcome.
func (s *generationService) generate(ctx context.Context, fn func(context.Context) ([]generator.Draft, error)) ([]generator.Draft, error) {
	gctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	drafts, err := fn(gctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.Generation("timeout")
		return nil, err
	case err != nil:
		s.metrics.Generation("error")
		return nil, err
	}
	s.metrics.Generation("ok")
	return drafts, nil
}

// freeSlots drops slots already taken by a live candidate of the client.
func (s *generationService) freeSlots(ctx context.Context, clientID string, slots []time.Time) ([]time.Time, error) {
	existing, err := s.candidates.ListByClient(ctx, clientID, "")
	if err != nil {
		return nil, err
	}
	taken := make(map[int64]bool, len(existing))
	for _, c := range existing {
		if c.Status == models.CandidatePending || c.Status == models.CandidateApproved {
			taken[c.SlotTime.Unix()] = true
		}
	}

	free := slots[:0:0]
	for _, slot := range slots {
		if !taken[slot.Unix()] {
			free = append(free, slot)
		}
	}
	return free, nil
}

// targetPlatforms is the client's target_platforms, or its connected
// platforms when none are set.
func targetPlatforms(c *models.Client) []models.Platform {
	if len(c.Attributes.TargetPlatforms) > 0 {
		return c.Attributes.TargetPlatforms
	}
	return c.Attributes.ConnectedPlatforms()
}

func fromDraft(clientID string, d generator.Draft) *models.PostCandidate {
	metadata := make(map[string]any, len(d.Metadata))
	for k, v := range d.Metadata {
		metadata[k] = v
	}
	return &models.PostCandidate{
		ClientID:    clientID,
		TemplateKey: d.TemplateKey,
		TextBody:    d.Text,
		MediaURL:    d.MediaURL,
		Platform:    d.Platform,
		SlotTime:    d.SlotTime,
		Score:       d.Score,
		Metadata:    metadata,
	}
}

// NextSlots lays perWeek publish times over the seven days after now.
// Slot days are spaced 7/perWeek days apart and cycle through the daily
// clock times, which are read in loc.
func NextSlots(now time.Time, perWeek int, daily []string, loc *time.Location) []time.Time {
	if perWeek <= 0 {
		return nil
	}

	var clocks []time.Time
	for _, d := range daily {
		t, err := time.Parse("15:04", d)
		if err != nil {
			slog.Warn("invalid daily slot", "slot", d)
			continue
		}
		clocks = append(clocks, t)
	}
	if len(clocks) == 0 {
		return nil
	}

	local := now.In(loc)
	seen := make(map[int64]bool, perWeek)
	out := make([]time.Time, 0, perWeek)
	for i := 0; i < perWeek; i++ {
		clock := clocks[i%len(clocks)]
		day := local.AddDate(0, 0, i*7/perWeek)
		slot := time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
		for !slot.After(now) || seen[slot.Unix()] {
			slot = slot.AddDate(0, 0, 1)
		}
		seen[slot.Unix()] = true
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
