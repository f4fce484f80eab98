package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wuwenbin0122/aidanna/internal/db"
	"github.com/wuwenbin0122/aidanna/internal/utils"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "aidanna-ops",
		Short: "Operational tooling for the Aidanna backend",
		Long: `Schema, usage and subscription maintenance against the stores configured
through the same environment as the server (.env, CONVERSATION_STORE, USAGE_STORE, PROFILE_STORE).

Examples:
  aidanna-ops migrate
  aidanna-ops usage show --user 7f1c... --date 2026-10-16
  aidanna-ops usage reset --user 7f1c...
  aidanna-ops profiles grant --user 7f1c... --plan pro_monthly`,
		SilenceUsage: true,
	}

	root.AddCommand(newMigrateCommand(), newUsageCommand(), newProfilesCommand())
	return root
}

// openStores loads tool config and connects the selected backends.
func openStores(ctx context.Context) (*utils.Config, *db.Stores, error) {
	cfg, err := utils.LoadToolConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		logger = utils.Logger()
	}

	stores, err := db.Open(ctx, cfg, logger.Sugar())
	if err != nil {
		return nil, nil, err
	}
	return cfg, stores, nil
}

// parseDay reads YYYY-MM-DD, defaulting to today in the quota timezone.
func parseDay(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if raw == "" {
		now := time.Now().In(loc)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q: %w", raw, err)
	}
	return day, nil
}
