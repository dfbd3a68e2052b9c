// Package generator produces draft posts from a client's Brand DNA.
package generator

import (
	"context"
	"time"

	"github.com/maheshrc27/brandflow/internal/models"
)

// Request asks for one draft per slot. Platforms lists where the client
// publishes; the generator spreads drafts across them.
type Request struct {
	Client    *models.Client
	Platforms []models.Platform
	Slots     []time.Time
}

type Draft struct {
	TemplateKey string
	Text        string
	MediaURL    string
	Platform    models.Platform
	SlotTime    time.Time
	// Score estimates how on-brand the draft is, from 0 to 1.
	Score    *float64
	Metadata map[string]any
}

// Generator is the boundary to whatever writes post text.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]Draft, error)
	// Rewrite produces a replacement for prev on the same slot and platform.
	Rewrite(ctx context.Context, client *models.Client, prev *models.PostCandidate, instruction string) (*Draft, error)
}
