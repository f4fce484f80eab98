package models

import "time"

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

type SubscriptionStatus string

const (
	StatusInactive  SubscriptionStatus = "inactive"
	StatusActive    SubscriptionStatus = "active"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// UserProfile represents the profiles row keyed by the auth identity.
type UserProfile struct {
	ID                   string
	DisplayName          string
	Tier                 Tier
	Status               SubscriptionStatus
	Plan                 string
	ExpiresAt            *time.Time
	LastPaymentReference string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// FreeProfile is what callers without a stored profile are treated as.
func FreeProfile(id string) UserProfile {
	return UserProfile{ID: id, Tier: TierFree, Status: StatusInactive}
}

// EffectiveTier downgrades lapsed or inactive paid subscriptions to free.
func (p UserProfile) EffectiveTier(now time.Time) Tier {
	if p.Tier != TierPro || p.Status != StatusActive {
		return TierFree
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return TierFree
	}
	return TierPro
}

// Subscription is the billing update applied to a profile.
type Subscription struct {
	Tier      Tier
	Status    SubscriptionStatus
	Plan      string
	ExpiresAt *time.Time
	Reference string
}
