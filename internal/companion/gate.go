package companion

import (
	"context"
	"time"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
	"github.com/wuwenbin0122/aidanna/internal/models"
)

// UsageStore holds the per-day request counters.
type UsageStore interface {
	IncrementUsage(ctx context.Context, owner string, day time.Time) (int, error)
	IncrementUsageIfBelow(ctx context.Context, owner string, day time.Time, limit int) (int, bool, error)
	UsageFor(ctx context.Context, owner string, day time.Time) (int, error)
}

// Decision is an admitted request together with the usage it leaves behind.
type Decision struct {
	Tier  models.Tier
	Usage models.UsageSnapshot
}

// Gate charges requests against the daily quota of the caller's tier.
type Gate struct {
	store UsageStore
	limit int
	loc   *time.Location
	now   func() time.Time
}

// NewGate admits free users up to freeDailyLimit turns per calendar day in loc (UTC when nil).
func NewGate(store UsageStore, freeDailyLimit int, loc *time.Location) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{store: store, limit: freeDailyLimit, loc: loc, now: time.Now}
}

// Limit returns the free-tier daily limit.
func (g *Gate) Limit() int {
	return g.limit
}

// Admit charges one request. Free callers are admitted only while below the limit; the check and
// the increment are a single store operation.
func (g *Gate) Admit(ctx context.Context, userID string, tier models.Tier) (Decision, error) {
	day := models.UsageDay(g.now(), g.loc)

	if tier == models.TierPro {
		used, err := g.store.IncrementUsage(ctx, userID, day)
		if err != nil {
			return Decision{}, apperror.StoreFailure(err)
		}
		return Decision{Tier: tier, Usage: models.NewUsageSnapshot(used, models.Unlimited)}, nil
	}

	used, ok, err := g.store.IncrementUsageIfBelow(ctx, userID, day, g.limit)
	if err != nil {
		return Decision{}, apperror.StoreFailure(err)
	}

	usage := models.NewUsageSnapshot(used, g.limit)
	if !ok {
		return Decision{}, apperror.QuotaExceeded(usage)
	}
	return Decision{Tier: models.TierFree, Usage: usage}, nil
}

// Peek reports today's usage without charging.
func (g *Gate) Peek(ctx context.Context, userID string, tier models.Tier) (models.UsageSnapshot, error) {
	used, err := g.store.UsageFor(ctx, userID, models.UsageDay(g.now(), g.loc))
	if err != nil {
		return models.UsageSnapshot{}, apperror.StoreFailure(err)
	}
	if tier == models.TierPro {
		return models.NewUsageSnapshot(used, models.Unlimited), nil
	}
	return models.NewUsageSnapshot(used, g.limit), nil
}
