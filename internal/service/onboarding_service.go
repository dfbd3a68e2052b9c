package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/maheshrc27/brandflow/internal/crawler"
	"github.com/maheshrc27/brandflow/internal/models"
)

// SiteCrawler fetches the pages of a business website.
type SiteCrawler interface {
	Crawl(ctx context.Context, root string) (*crawler.Site, error)
}

// Mirrorer copies a remote image into storage we control.
type Mirrorer interface {
	Mirror(ctx context.Context, clientID, src string) (string, error)
}

type OnboardingService interface {
	// Onboard crawls url and creates a client from the inferred Brand DNA.
	Onboard(ctx context.Context, url string) (*models.Client, error)
}

type onboardingService struct {
	brand   BrandService
	crawler SiteCrawler
	media   Mirrorer
	timeout time.Duration
}

func NewOnboardingService(brand BrandService, c SiteCrawler, media Mirrorer, timeout time.Duration) OnboardingService {
	return &onboardingService{brand: brand, crawler: c, media: media, timeout: timeout}
}

func (s *onboardingService) Onboard(ctx context.Context, url string) (*models.Client, error) {
	if _, err := crawler.CandidateURLs(url); err != nil {
		return nil, &ValidationError{Field: "url", Message: err.Error()}
	}

	cctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	site, err := s.crawler.Crawl(cctx, url)
	if err != nil {
		slog.Info(err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ValidationError{Field: "url", Message: "website could not be read: " + err.Error()}
	}

	profile := crawler.Analyze(site)
	client, err := s.brand.Create(ctx, profile)
	if err != nil {
		return nil, err
	}
	slog.Info("client onboarded", "client_id", client.ID, "website", client.Website, "pages", len(site.Pages))

	hero := client.Attributes.HeroImageURL
	if s.media == nil || hero == "" {
		return client, nil
	}
	mirrored, err := s.media.Mirror(ctx, client.ID, hero)
	if err != nil {
		// The original URL still works as post media.
		slog.Warn("hero image not mirrored", "client_id", client.ID, "url", hero, "error", err)
		return client, nil
	}
	if mirrored == hero {
		return client, nil
	}
	return s.brand.MergeAttributes(ctx, client.ID, map[string]any{"hero_image_url": mirrored})
}
