package service

import (
	"fmt"
	"time"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/models"
)

// DerivePolicy overlays a client's posting rules on the configured defaults.
func DerivePolicy(defaults config.Defaults, rules *models.PostingRules) models.PostingPolicy {
	p := models.PostingPolicy{
		PostsPerWeek:      defaults.PostsPerWeek,
		CooldownDays:      defaults.CooldownDays,
		MaxPostsPerMonth:  defaults.MaxPostsPerMonth,
		ApprovalMode:      models.ApprovalMode(defaults.ApprovalMode),
		ApprovalThreshold: defaults.ApprovalThreshold,
		OnApprovalTimeout: models.TimeoutAction(defaults.OnApprovalTimeout),
		ApprovalTimeout:   time.Duration(defaults.ApprovalTimeoutMinutes) * time.Minute,
		MonthlyWindow:     models.MonthlyWindow(defaults.MonthlyWindow),
	}

	if rules != nil {
		if rules.PostsPerWeek != nil {
			p.PostsPerWeek = *rules.PostsPerWeek
		}
		if rules.CooldownDays != nil {
			p.CooldownDays = *rules.CooldownDays
		}
		if rules.MaxPostsPerMonth != nil {
			p.MaxPostsPerMonth = *rules.MaxPostsPerMonth
		}
		if rules.ApprovalMode != "" {
			p.ApprovalMode = rules.ApprovalMode
		}
		if rules.ApprovalThreshold != nil {
			p.ApprovalThreshold = *rules.ApprovalThreshold
		}
		if rules.OnApprovalTimeout != "" {
			p.OnApprovalTimeout = rules.OnApprovalTimeout
		}
		if rules.ApprovalTimeoutMinutes != nil {
			p.ApprovalTimeout = time.Duration(*rules.ApprovalTimeoutMinutes) * time.Minute
		}
		if rules.MonthlyWindow != "" {
			p.MonthlyWindow = rules.MonthlyWindow
		}
	}

	// Unknown values fall back to the safe choice: a human decides.
	switch p.ApprovalMode {
	case models.ApprovalAlways, models.ApprovalNever, models.ApprovalThreshold:
	default:
		p.ApprovalMode = models.ApprovalAlways
	}
	if p.OnApprovalTimeout != models.TimeoutAutoPost {
		p.OnApprovalTimeout = models.TimeoutAutoReject
	}
	if p.MonthlyWindow != models.MonthlyWindowRolling {
		p.MonthlyWindow = models.MonthlyWindowCalendar
	}
	if p.PostsPerWeek < 1 {
		p.PostsPerWeek = 1
	}
	return p
}

// ValidateRules checks posting rule values before they are stored.
func ValidateRules(rules *models.PostingRules) error {
	if rules == nil {
		return nil
	}

	nonNegative := []struct {
		field string
		value *int
	}{
		{"posting_rules.cooldown_days", rules.CooldownDays},
		{"posting_rules.max_posts_per_month", rules.MaxPostsPerMonth},
		{"posting_rules.approval_timeout_minutes", rules.ApprovalTimeoutMinutes},
	}
	for _, f := range nonNegative {
		if f.value != nil && *f.value < 0 {
			return &ValidationError{Field: f.field, Message: "must not be negative"}
		}
	}
	if rules.PostsPerWeek != nil && (*rules.PostsPerWeek < 1 || *rules.PostsPerWeek > 21) {
		return &ValidationError{Field: "posting_rules.posts_per_week", Message: "must be between 1 and 21"}
	}

	switch rules.ApprovalMode {
	case "", models.ApprovalAlways, models.ApprovalNever, models.ApprovalThreshold:
	default:
		return &ValidationError{Field: "posting_rules.approval_mode", Message: fmt.Sprintf("unknown mode %q", rules.ApprovalMode)}
	}
	if rules.ApprovalThreshold != nil && (*rules.ApprovalThreshold < 0 || *rules.ApprovalThreshold > 1) {
		return &ValidationError{Field: "posting_rules.approval_threshold", Message: "must be between 0 and 1"}
	}

	switch rules.OnApprovalTimeout {
	case "", models.TimeoutAutoPost, models.TimeoutAutoReject:
	default:
		return &ValidationError{Field: "posting_rules.on_approval_timeout", Message: fmt.Sprintf("unknown action %q", rules.OnApprovalTimeout)}
	}

	switch rules.MonthlyWindow {
	case "", models.MonthlyWindowCalendar, models.MonthlyWindowRolling:
	default:
		return &ValidationError{Field: "posting_rules.monthly_window", Message: fmt.Sprintf("unknown window %q", rules.MonthlyWindow)}
	}
	return nil
}
