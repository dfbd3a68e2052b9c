package service

import (
	"errors"
	"testing"
	"time"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/models"
)

func testDefaults() config.Defaults {
	return config.Defaults{
		PostsPerWeek:           3,
		CooldownDays:           14,
		MaxPostsPerMonth:       2,
		ApprovalMode:           "always",
		ApprovalThreshold:      0.8,
		OnApprovalTimeout:      "auto_reject",
		ApprovalTimeoutMinutes: 1440,
		MonthlyWindow:          "calendar",
	}
}

func intPtr(v int) *int { return &v }

func TestDerivePolicyDefaults(t *testing.T) {
	p := DerivePolicy(testDefaults(), nil)
	if p.ApprovalTimeout != 24*time.Hour {
		t.Errorf("ApprovalTimeout = %v", p.ApprovalTimeout)
	}
	if p.Cooldown() != 14*24*time.Hour {
		t.Errorf("Cooldown = %v", p.Cooldown())
	}
	if p.ApprovalMode != models.ApprovalAlways || p.OnApprovalTimeout != models.TimeoutAutoReject {
		t.Errorf("unexpected modes %+v", p)
	}
}

func TestDerivePolicyOverrides(t *testing.T) {
	rules := &models.PostingRules{
		CooldownDays:           intPtr(2),
		ApprovalMode:           models.ApprovalNever,
		OnApprovalTimeout:      models.TimeoutAutoPost,
		ApprovalTimeoutMinutes: intPtr(30),
		MonthlyWindow:          models.MonthlyWindowRolling,
	}
	p := DerivePolicy(testDefaults(), rules)
	if p.CooldownDays != 2 || p.MaxPostsPerMonth != 2 {
		t.Errorf("unexpected rate fields %+v", p)
	}
	if p.ApprovalMode != models.ApprovalNever || p.OnApprovalTimeout != models.TimeoutAutoPost {
		t.Errorf("unexpected modes %+v", p)
	}
	if p.ApprovalTimeout != 30*time.Minute || p.MonthlyWindow != models.MonthlyWindowRolling {
		t.Errorf("unexpected timeout/window %+v", p)
	}
}

func TestDerivePolicyUnknownModeFallsBack(t *testing.T) {
	p := DerivePolicy(testDefaults(), &models.PostingRules{ApprovalMode: "sometimes"})
	if p.ApprovalMode != models.ApprovalAlways {
		t.Errorf("ApprovalMode = %q", p.ApprovalMode)
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name  string
		rules *models.PostingRules
		field string
	}{
		{"nil", nil, ""},
		{"valid", &models.PostingRules{CooldownDays: intPtr(1), ApprovalMode: models.ApprovalThreshold}, ""},
		{"negative cooldown", &models.PostingRules{CooldownDays: intPtr(-1)}, "posting_rules.cooldown_days"},
		{"bad mode", &models.PostingRules{ApprovalMode: "maybe"}, "posting_rules.approval_mode"},
		{"bad action", &models.PostingRules{OnApprovalTimeout: "shrug"}, "posting_rules.on_approval_timeout"},
		{"bad window", &models.PostingRules{MonthlyWindow: "lunar"}, "posting_rules.monthly_window"},
		{"zero posts", &models.PostingRules{PostsPerWeek: intPtr(0)}, "posting_rules.posts_per_week"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRules(tt.rules)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected ValidationError on %s, got %v", tt.field, err)
			}
		})
	}
}
