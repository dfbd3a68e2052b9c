package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/pkg/utils"
)

type ClientRepository interface {
	Create(ctx context.Context, tx *sql.Tx, c *models.Client) error
	GetByID(ctx context.Context, tx *sql.Tx, id string) (*models.Client, error)
	// GetForUpdate locks the client row until tx ends.
	GetForUpdate(ctx context.Context, tx *sql.Tx, id string) (*models.Client, error)
	List(ctx context.Context) ([]*models.Client, error)
	UpdateAttributes(ctx context.Context, tx *sql.Tx, id string, attrs models.Attributes) error
	Delete(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
}

type clientRepository struct {
	db     *sql.DB
	cipher *utils.TokenCipher
}

// NewClientRepository stores connection tokens sealed with cipher. A nil
// cipher stores them as given.
func NewClientRepository(db *sql.DB, cipher *utils.TokenCipher) ClientRepository {
	return &clientRepository{db: db, cipher: cipher}
}

const clientColumns = `id, name, website, industry, city, attributes, created_at`

func (r *clientRepository) Create(ctx context.Context, tx *sql.Tx, c *models.Client) error {
	attrs, err := r.encodeAttributes(c.Attributes)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO clients (id, name, website, industry, city, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err = conn(r.db, tx).QueryRowContext(ctx, query, c.ID, c.Name, c.Website, c.Industry, c.City, attrs).Scan(&c.CreatedAt)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *clientRepository) GetByID(ctx context.Context, tx *sql.Tx, id string) (*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1`
	return r.scanOne(conn(r.db, tx).QueryRowContext(ctx, query, id))
}

func (r *clientRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id string) (*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1 FOR UPDATE`
	return r.scanOne(conn(r.db, tx).QueryRowContext(ctx, query, id))
}

func (r *clientRepository) List(ctx context.Context) ([]*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients ORDER BY created_at DESC, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return clients, nil
}

func (r *clientRepository) UpdateAttributes(ctx context.Context, tx *sql.Tx, id string, attrs models.Attributes) error {
	raw, err := r.encodeAttributes(attrs)
	if err != nil {
		return err
	}

	res, err := conn(r.db, tx).ExecContext(ctx, `UPDATE clients SET attributes = $2 WHERE id = $1`, id, raw)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *clientRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *clientRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM clients WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *clientRepository) scanOne(row *sql.Row) (*models.Client, error) {
	c, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (r *clientRepository) scan(row rowScanner) (*models.Client, error) {
	var c models.Client
	var raw []byte
	if err := row.Scan(&c.ID, &c.Name, &c.Website, &c.Industry, &c.City, &raw, &c.CreatedAt); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Info(err.Error())
		}
		return nil, err
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.Attributes); err != nil {
			slog.Info(err.Error())
			return nil, err
		}
	}
	r.openTokens(c.ID, &c.Attributes)
	return &c, nil
}

func (r *clientRepository) encodeAttributes(attrs models.Attributes) ([]byte, error) {
	sealed, err := r.sealTokens(attrs)
	if err != nil {
		return nil, err
	}
	sealed.SchemaVersion = models.AttributesSchemaVersion
	return json.Marshal(sealed)
}

// sealTokens returns a copy of attrs with every token sealed.
func (r *clientRepository) sealTokens(attrs models.Attributes) (models.Attributes, error) {
	if len(attrs.Connections) == 0 {
		return attrs, nil
	}
	conns := make(map[models.Platform]*models.SocialConnection, len(attrs.Connections))
	for p, c := range attrs.Connections {
		if c == nil {
			continue
		}
		cp := *c
		if err := r.apply(r.cipher.Seal, &cp); err != nil {
			return attrs, err
		}
		conns[p] = &cp
	}
	attrs.Connections = conns
	return attrs, nil
}

// openTokens decrypts every stored token in place. A token that cannot be
// opened is dropped and its connection flagged for a new login.
func (r *clientRepository) openTokens(clientID string, attrs *models.Attributes) {
	for p, c := range attrs.Connections {
		if c == nil {
			continue
		}
		open := func(field, value string) string {
			plain, err := r.cipher.Open(value)
			if err != nil {
				slog.Warn("dropping unreadable token", "client_id", clientID, "platform", p, "field", field, "error", err)
				c.NeedsReauth = true
				return ""
			}
			return plain
		}
		c.AccessToken = open("access_token", c.AccessToken)
		c.RefreshToken = open("refresh_token", c.RefreshToken)
		for i := range c.Candidates {
			c.Candidates[i].AccessToken = open("candidates.access_token", c.Candidates[i].AccessToken)
			c.Candidates[i].RefreshToken = open("candidates.refresh_token", c.Candidates[i].RefreshToken)
		}
	}
}

func (r *clientRepository) apply(fn func(string) (string, error), c *models.SocialConnection) error {
	var err error
	if c.AccessToken, err = fn(c.AccessToken); err != nil {
		return err
	}
	if c.RefreshToken, err = fn(c.RefreshToken); err != nil {
		return err
	}
	if len(c.Candidates) == 0 {
		return nil
	}
	cands := make([]models.AccountCandidate, len(c.Candidates))
	for i, cand := range c.Candidates {
		if cand.AccessToken, err = fn(cand.AccessToken); err != nil {
			return err
		}
		if cand.RefreshToken, err = fn(cand.RefreshToken); err != nil {
			return err
		}
		cands[i] = cand
	}
	c.Candidates = cands
	return nil
}
