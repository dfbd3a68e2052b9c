package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/repository"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// AttributesPatchFunc computes a merge patch from the client's current
// attributes. Returning a nil patch leaves the client unchanged.
type AttributesPatchFunc func(current models.Attributes) (map[string]any, error)

type BrandService interface {
	Get(ctx context.Context, id string) (*models.Client, error)
	List(ctx context.Context) ([]*models.Client, error)
	Create(ctx context.Context, c *models.Client) (*models.Client, error)
	Delete(ctx context.Context, id string) error
	MergeAttributes(ctx context.Context, id string, patch map[string]any) (*models.Client, error)
	// UpdateAttributes reads and merges under a row lock, so fn sees the
	// attributes its patch is applied to.
	UpdateAttributes(ctx context.Context, id string, fn AttributesPatchFunc) (*models.Client, error)
	Policy(ctx context.Context, id string) (models.PostingPolicy, error)
	PolicyFor(c *models.Client) models.PostingPolicy
	History(ctx context.Context, id string) ([]*models.PublishedPost, error)
}

type brandService struct {
	clients  repository.ClientRepository
	posts    repository.PublishedPostRepository
	tx       repository.Transactor
	defaults config.Defaults
}

func NewBrandService(
	clients repository.ClientRepository,
	posts repository.PublishedPostRepository,
	tx repository.Transactor,
	defaults config.Defaults) BrandService {
	return &brandService{
		clients:  clients,
		posts:    posts,
		tx:       tx,
		defaults: defaults,
	}
}

func (s *brandService) Get(ctx context.Context, id string) (*models.Client, error) {
	c, err := s.clients.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFound("client", id)
	}
	return c, nil
}

func (s *brandService) List(ctx context.Context) ([]*models.Client, error) {
	return s.clients.List(ctx)
}

func (s *brandService) Create(ctx context.Context, c *models.Client) (*models.Client, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, &ValidationError{Field: "name", Message: "is required"}
	}
	if err := validateAttributes(c.Attributes); err != nil {
		return nil, err
	}

	if c.ID == "" {
		id, err := s.newClientID(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		c.ID = id
	} else if exists, err := s.clients.Exists(ctx, c.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, &ValidationError{Field: "id", Message: "already exists"}
	}

	if err := s.clients.Create(ctx, nil, c); err != nil {
		return nil, fmt.Errorf("create client %s: %w", c.ID, err)
	}
	slog.Info("client created", "client_id", c.ID, "name", c.Name)
	return c, nil
}

func (s *brandService) Delete(ctx context.Context, id string) error {
	deleted, err := s.clients.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return notFound("client", id)
	}
	slog.Info("client deleted", "client_id", id)
	return nil
}

func (s *brandService) MergeAttributes(ctx context.Context, id string, patch map[string]any) (*models.Client, error) {
	return s.UpdateAttributes(ctx, id, func(models.Attributes) (map[string]any, error) {
		return patch, nil
	})
}

func (s *brandService) UpdateAttributes(ctx context.Context, id string, fn AttributesPatchFunc) (*models.Client, error) {
	var updated *models.Client
	err := s.tx.WithinTx(ctx, func(tx *sql.Tx) error {
		c, err := s.clients.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return notFound("client", id)
		}

		patch, err := fn(c.Attributes)
		if err != nil {
			return err
		}
		if patch == nil {
			updated = c
			return nil
		}

		next, err := applyPatch(c.Attributes, patch)
		if err != nil {
			return err
		}
		if err := s.clients.UpdateAttributes(ctx, tx, id, next); err != nil {
			return err
		}
		c.Attributes = next
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *brandService) Policy(ctx context.Context, id string) (models.PostingPolicy, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return models.PostingPolicy{}, err
	}
	return s.PolicyFor(c), nil
}

func (s *brandService) PolicyFor(c *models.Client) models.PostingPolicy {
	return DerivePolicy(s.defaults, c.Attributes.PostingRules)
}

func (s *brandService) History(ctx context.Context, id string) ([]*models.PublishedPost, error) {
	exists, err := s.clients.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound("client", id)
	}
	return s.posts.ListByClient(ctx, id)
}

// applyPatch merges patch into attrs through their generic document form.
func applyPatch(attrs models.Attributes, patch map[string]any) (models.Attributes, error) {
	doc, err := attrs.Document()
	if err != nil {
		return attrs, err
	}

	merged, err := MergeAttributes(doc, patch)
	if err != nil {
		return attrs, err
	}

	next, err := models.AttributesFromDocument(merged)
	if err != nil {
		return attrs, attributeDecodeError(err)
	}
	if err := validateAttributes(next); err != nil {
		return attrs, err
	}
	return next, nil
}

func validateAttributes(attrs models.Attributes) error {
	for _, p := range attrs.TargetPlatforms {
		if !p.Valid() {
			return &ValidationError{Field: "target_platforms", Message: fmt.Sprintf("unsupported platform %q", p)}
		}
	}
	return ValidateRules(attrs.PostingRules)
}

func attributeDecodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{Field: typeErr.Field, Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)}
	}
	var attrErr *models.AttributeError
	if errors.As(err, &attrErr) {
		return &ValidationError{Field: attrErr.Key, Message: attrErr.Err.Error()}
	}
	return &ValidationError{Message: err.Error()}
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases name and joins its alphanumeric runs with underscores.
func Slug(name string) string {
	s := strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "_")
	}
	if s == "" {
		s = "client"
	}
	return s
}

func (s *brandService) newClientID(ctx context.Context, name string) (string, error) {
	base := Slug(name)
	for i := 0; i < 5; i++ {
		suffix, err := gonanoid.Generate("0123456789", 4)
		if err != nil {
			return "", err
		}
		id := base + "_" + suffix
		exists, err := s.clients.Exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not allocate an id for %q", name)
}
