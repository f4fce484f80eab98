package models

import "time"

// Unlimited is reported as remaining/limit for paid tiers.
const Unlimited = -1

type UsageSnapshot struct {
	RequestsUsed      int `json:"requests_used"`
	RequestsRemaining int `json:"requests_remaining"`
	DailyLimit        int `json:"daily_limit"`
}

// NewUsageSnapshot derives remaining from used and limit. A negative limit means unlimited.
func NewUsageSnapshot(used, limit int) UsageSnapshot {
	if limit < 0 {
		return UsageSnapshot{RequestsUsed: used, RequestsRemaining: Unlimited, DailyLimit: Unlimited}
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return UsageSnapshot{RequestsUsed: used, RequestsRemaining: remaining, DailyLimit: limit}
}

// UsageDay returns the calendar day of t in loc as midnight UTC, the key for usage records.
func UsageDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
