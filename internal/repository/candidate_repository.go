package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/maheshrc27/brandflow/internal/models"
)

type CandidateRepository interface {
	Create(ctx context.Context, tx *sql.Tx, c *models.PostCandidate) error
	GetByID(ctx context.Context, id string) (*models.PostCandidate, error)
	ListByClient(ctx context.Context, clientID string, status models.CandidateStatus) ([]*models.PostCandidate, error)
	// ListPending returns PENDING candidates whose approval deadline is at or
	// before due and past the cursor, earliest deadline first. Rows admitted
	// without a stored deadline fall back to their slot time.
	ListPending(ctx context.Context, due time.Time, after PendingCursor, limit int) ([]*models.PostCandidate, error)
	// ListDispatchDue returns APPROVED candidates with unfinished dispatch
	// whose next attempt is at or before now.
	ListDispatchDue(ctx context.Context, now time.Time, limit int) ([]*models.PostCandidate, error)
	// Transition moves a candidate from one status to another only if it is
	// still in from. It reports whether this call made the change.
	Transition(ctx context.Context, tx *sql.Tx, id string, from models.CandidateStatus, to models.Resolution) (bool, error)
	UpdateDispatch(ctx context.Context, id string, u models.DispatchUpdate) error
}

// PendingCursor is a position in the deadline ordering of ListPending. The
// zero value starts from the beginning.
type PendingCursor struct {
	Due time.Time
	ID  string
}

// CursorAfter is the cursor that resumes ListPending after c.
func CursorAfter(c *models.PostCandidate) PendingCursor {
	due := c.SlotTime
	if c.ApprovalDeadline != nil {
		due = *c.ApprovalDeadline
	}
	return PendingCursor{Due: due, ID: c.ID}
}

type candidateRepository struct {
	db *sql.DB
}

func NewCandidateRepository(db *sql.DB) CandidateRepository {
	return &candidateRepository{db: db}
}

const candidateColumns = `id, client_id, template_key, text_body, media_url, platform, slot_time, status,
	approval_deadline, COALESCE(rejection_reason, ''), resolved_by, resolver_id, score, metadata, dispatch_state, publish_attempts,
	next_attempt_at, last_error, created_at, updated_at`

func (r *candidateRepository) Create(ctx context.Context, tx *sql.Tx, c *models.PostCandidate) error {
	metadata, err := json.Marshal(nonNilMetadata(c.Metadata))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO post_candidates (
			id, client_id, template_key, text_body, media_url, platform, slot_time,
			status, resolved_by, score, metadata, dispatch_state, next_attempt_at, approval_deadline
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	err = conn(r.db, tx).QueryRowContext(ctx, query,
		c.ID,
		c.ClientID,
		c.TemplateKey,
		c.TextBody,
		c.MediaURL,
		c.Platform,
		c.SlotTime,
		c.Status,
		c.ResolvedBy,
		c.Score,
		metadata,
		c.DispatchState,
		c.NextAttemptAt,
		c.ApprovalDeadline,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *candidateRepository) GetByID(ctx context.Context, id string) (*models.PostCandidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM post_candidates WHERE id = $1`
	c, err := scanCandidate(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (r *candidateRepository) ListByClient(ctx context.Context, clientID string, status models.CandidateStatus) ([]*models.PostCandidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM post_candidates WHERE client_id = $1`
	args := []any{clientID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY slot_time, id`
	return r.list(ctx, query, args...)
}

func (r *candidateRepository) ListPending(ctx context.Context, due time.Time, after PendingCursor, limit int) ([]*models.PostCandidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM post_candidates
		WHERE status = 'PENDING' AND COALESCE(approval_deadline, slot_time) <= $1
		AND (COALESCE(approval_deadline, slot_time), id) > ($2, $3)
		ORDER BY COALESCE(approval_deadline, slot_time), id
		LIMIT $4`
	return r.list(ctx, query, due, after.Due, after.ID, limit)
}

func (r *candidateRepository) ListDispatchDue(ctx context.Context, now time.Time, limit int) ([]*models.PostCandidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM post_candidates
		WHERE status = 'APPROVED'
		AND dispatch_state NOT IN ('published', 'duplicate', 'failed')
		AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY next_attempt_at NULLS FIRST, id
		LIMIT $2`
	return r.list(ctx, query, now, limit)
}

func (r *candidateRepository) Transition(ctx context.Context, tx *sql.Tx, id string, from models.CandidateStatus, to models.Resolution) (bool, error) {
	query := `
		UPDATE post_candidates
		SET status = $3, rejection_reason = NULLIF($4, ''), resolved_by = $5, resolver_id = $6, updated_at = now()
		WHERE id = $1 AND status = $2
	`
	res, err := conn(r.db, tx).ExecContext(ctx, query, id, from, to.Status, to.Reason, to.ResolvedBy, to.ResolverID)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *candidateRepository) UpdateDispatch(ctx context.Context, id string, u models.DispatchUpdate) error {
	query := `
		UPDATE post_candidates
		SET dispatch_state = $2, publish_attempts = $3, next_attempt_at = $4, last_error = $5, updated_at = now()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, u.State, u.Attempts, u.NextAttemptAt, u.LastError)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *candidateRepository) list(ctx context.Context, query string, args ...any) ([]*models.PostCandidate, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var out []*models.PostCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return out, nil
}

func scanCandidate(row rowScanner) (*models.PostCandidate, error) {
	var c models.PostCandidate
	var metadata []byte
	err := row.Scan(
		&c.ID,
		&c.ClientID,
		&c.TemplateKey,
		&c.TextBody,
		&c.MediaURL,
		&c.Platform,
		&c.SlotTime,
		&c.Status,
		&c.ApprovalDeadline,
		&c.RejectionReason,
		&c.ResolvedBy,
		&c.ResolverID,
		&c.Score,
		&metadata,
		&c.DispatchState,
		&c.PublishAttempts,
		&c.NextAttemptAt,
		&c.LastError,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Info(err.Error())
		}
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			slog.Info(err.Error())
			return nil, err
		}
	}
	return &c, nil
}

func nonNilMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
