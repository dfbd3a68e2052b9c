package models

import "time"

// PostingPolicy is the effective posting policy of a client: config defaults
// overlaid with the client's posting rules.
type PostingPolicy struct {
	PostsPerWeek      int           `json:"posts_per_week"`
	CooldownDays      int           `json:"cooldown_days"`
	MaxPostsPerMonth  int           `json:"max_posts_per_month"`
	ApprovalMode      ApprovalMode  `json:"approval_mode"`
	ApprovalThreshold float64       `json:"approval_threshold"`
	OnApprovalTimeout TimeoutAction `json:"on_approval_timeout"`
	ApprovalTimeout   time.Duration `json:"approval_timeout"`
	MonthlyWindow     MonthlyWindow `json:"monthly_window"`
}

func (p PostingPolicy) Cooldown() time.Duration {
	return time.Duration(p.CooldownDays) * 24 * time.Hour
}

// ApprovalDeadline is the moment an unanswered candidate is resolved by the sweep.
func (p PostingPolicy) ApprovalDeadline(slot time.Time) time.Time {
	return slot.Add(p.ApprovalTimeout)
}

// MonthWindow returns the [start, end) range the monthly cap counts over.
func (p PostingPolicy) MonthWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if p.MonthlyWindow == MonthlyWindowRolling {
		return now.Add(-30 * 24 * time.Hour), now.Add(time.Nanosecond)
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}
