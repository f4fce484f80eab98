package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wuwenbin0122/aidanna/internal/db"
	"github.com/wuwenbin0122/aidanna/internal/models"
)

var usageFlags struct {
	user string
	date string
}

func newUsageCommand() *cobra.Command {
	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect or reset daily request counters",
	}
	usageCmd.PersistentFlags().StringVar(&usageFlags.user, "user", "", "user id (required)")
	usageCmd.PersistentFlags().StringVar(&usageFlags.date, "date", "", "day as YYYY-MM-DD (default: today in QUOTA_TIMEZONE)")
	_ = usageCmd.MarkPersistentFlagRequired("user")

	usageCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the counter and tier for a user",
			RunE:  runUsageShow,
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Clear the counter for a user and day",
			RunE:  runUsageReset,
		},
	)
	return usageCmd
}

func runUsageShow(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, stores, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close(context.Background())

	day, err := parseDay(usageFlags.date, cfg.Quota.Location)
	if err != nil {
		return err
	}

	snapshot, tier, err := usageReport(ctx, stores, cfg.Quota.FreeDailyLimit, usageFlags.user, day)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "user=%s day=%s tier=%s used=%d remaining=%d limit=%d\n",
		usageFlags.user, day.Format(time.DateOnly), tier, snapshot.RequestsUsed, snapshot.RequestsRemaining, snapshot.DailyLimit)
	return nil
}

// usageReport reads the counter for day and the tier the user held by the end of that day.
func usageReport(ctx context.Context, stores *db.Stores, freeDailyLimit int, userID string, day time.Time) (models.UsageSnapshot, models.Tier, error) {
	used, err := stores.Usage.UsageFor(ctx, userID, day)
	if err != nil {
		return models.UsageSnapshot{}, "", err
	}

	tier := models.TierFree
	profile, err := stores.Profiles.GetProfile(ctx, userID)
	switch {
	case err == nil:
		tier = profile.EffectiveTier(day.AddDate(0, 0, 1))
	case !errors.Is(err, db.ErrNotFound):
		return models.UsageSnapshot{}, "", err
	}

	limit := freeDailyLimit
	if tier == models.TierPro {
		limit = models.Unlimited
	}
	return models.NewUsageSnapshot(used, limit), tier, nil
}

func runUsageReset(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, stores, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close(context.Background())

	day, err := parseDay(usageFlags.date, cfg.Quota.Location)
	if err != nil {
		return err
	}

	if err := stores.Usage.ResetUsage(ctx, usageFlags.user, day); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "usage reset for %s on %s\n", usageFlags.user, day.Format(time.DateOnly))
	return nil
}
