package models

import "time"

// PublishedPost is a publication record. ExternalID stays nil while the
// platform call is in flight and is set only after the platform confirms.
type PublishedPost struct {
	ID          int64     `db:"id" json:"id"`
	ClientID    string    `db:"client_id" json:"client_id"`
	Platform    Platform  `db:"platform" json:"platform"`
	TemplateKey string    `db:"template_key" json:"template_key"`
	TextHash    string    `db:"text_hash" json:"text_hash"`
	ExternalID  *string   `db:"external_id" json:"external_id,omitempty"`
	PostedAt    time.Time `db:"posted_at" json:"posted_at"`
}
