package service

import (
	"context"
	"log/slog"

	"github.com/maheshrc27/brandflow/internal/models"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ConsolePublisher logs posts instead of sending them. It backs DRY_RUN.
type ConsolePublisher struct {
	platform models.Platform
}

func NewConsolePublisher(p models.Platform) *ConsolePublisher {
	return &ConsolePublisher{platform: p}
}

func (c *ConsolePublisher) Platform() models.Platform { return c.platform }

func (c *ConsolePublisher) Publish(ctx context.Context, conn models.SocialConnection, req PublishRequest) (*PublishResult, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	slog.Info("dry run publish",
		"platform", c.platform,
		"account_id", conn.AccountID,
		"candidate_id", req.CandidateID,
		"media_url", req.MediaURL,
		"text", req.Text,
	)
	return &PublishResult{ExternalID: "dryrun_" + id}, nil
}
