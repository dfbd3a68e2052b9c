package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/maheshrc27/brandflow/internal/models"
)

type PublishedPostRepository interface {
	// Reserve inserts a history row without an external id. It reports false
	// when the client already has a row with the same text hash, confirmed
	// or not.
	Reserve(ctx context.Context, tx *sql.Tx, p *models.PublishedPost) (bool, error)
	Confirm(ctx context.Context, id int64, externalID string, postedAt time.Time) error
	Release(ctx context.Context, id int64) error
	// FindByHash returns the client's row for textHash, or nil. A row with no
	// external id is a reservation whose publish has not been confirmed.
	FindByHash(ctx context.Context, tx *sql.Tx, clientID, textHash string) (*models.PublishedPost, error)
	LatestPostedAt(ctx context.Context, tx *sql.Tx, clientID string) (*time.Time, error)
	CountBetween(ctx context.Context, tx *sql.Tx, clientID string, start, end time.Time) (int, error)
	ListByClient(ctx context.Context, clientID string) ([]*models.PublishedPost, error)
}

type publishedPostRepository struct {
	db *sql.DB
}

func NewPublishedPostRepository(db *sql.DB) PublishedPostRepository {
	return &publishedPostRepository{db: db}
}

func (r *publishedPostRepository) Reserve(ctx context.Context, tx *sql.Tx, p *models.PublishedPost) (bool, error) {
	query := `
		INSERT INTO published_posts (client_id, platform, template_key, text_hash, posted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id, text_hash) DO NOTHING
		RETURNING id
	`
	err := conn(r.db, tx).QueryRowContext(ctx, query, p.ClientID, p.Platform, p.TemplateKey, p.TextHash, p.PostedAt).Scan(&p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return true, nil
}

func (r *publishedPostRepository) Confirm(ctx context.Context, id int64, externalID string, postedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE published_posts SET external_id = $2, posted_at = $3 WHERE id = $1`, id, externalID, postedAt)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *publishedPostRepository) Release(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM published_posts WHERE id = $1 AND external_id IS NULL`, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *publishedPostRepository) FindByHash(ctx context.Context, tx *sql.Tx, clientID, textHash string) (*models.PublishedPost, error) {
	query := `
		SELECT id, client_id, platform, template_key, text_hash, external_id, posted_at
		FROM published_posts
		WHERE client_id = $1 AND text_hash = $2
	`
	var p models.PublishedPost
	err := conn(r.db, tx).QueryRowContext(ctx, query, clientID, textHash).
		Scan(&p.ID, &p.ClientID, &p.Platform, &p.TemplateKey, &p.TextHash, &p.ExternalID, &p.PostedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return &p, nil
}

func (r *publishedPostRepository) LatestPostedAt(ctx context.Context, tx *sql.Tx, clientID string) (*time.Time, error) {
	var latest sql.NullTime
	query := `SELECT MAX(posted_at) FROM published_posts WHERE client_id = $1`
	if err := conn(r.db, tx).QueryRowContext(ctx, query, clientID).Scan(&latest); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	if !latest.Valid {
		return nil, nil
	}
	return &latest.Time, nil
}

func (r *publishedPostRepository) CountBetween(ctx context.Context, tx *sql.Tx, clientID string, start, end time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM published_posts WHERE client_id = $1 AND posted_at >= $2 AND posted_at < $3`
	if err := conn(r.db, tx).QueryRowContext(ctx, query, clientID, start, end).Scan(&count); err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return count, nil
}

func (r *publishedPostRepository) ListByClient(ctx context.Context, clientID string) ([]*models.PublishedPost, error) {
	query := `
		SELECT id, client_id, platform, template_key, text_hash, external_id, posted_at
		FROM published_posts
		WHERE client_id = $1
		ORDER BY posted_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, clientID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var posts []*models.PublishedPost
	for rows.Next() {
		var p models.PublishedPost
		if err := rows.Scan(&p.ID, &p.ClientID, &p.Platform, &p.TemplateKey, &p.TextHash, &p.ExternalID, &p.PostedAt); err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		posts = append(posts, &p)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return posts, nil
}
