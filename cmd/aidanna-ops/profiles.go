package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wuwenbin0122/aidanna/internal/auth"
	"github.com/wuwenbin0122/aidanna/internal/billing"
	"github.com/wuwenbin0122/aidanna/internal/models"
	"github.com/wuwenbin0122/aidanna/internal/utils"
)

var profileFlags struct {
	user     string
	email    string
	plan     string
	tokenTTL time.Duration
}

func newProfilesCommand() *cobra.Command {
	profilesCmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage subscriptions and development tokens",
	}

	grantCmd := &cobra.Command{
		Use:   "grant",
		Short: "Activate a pro plan without a payment",
		RunE:  runProfilesGrant,
	}
	grantCmd.Flags().StringVar(&profileFlags.user, "user", "", "user id (required)")
	grantCmd.Flags().StringVar(&profileFlags.plan, "plan", billing.PlanMonthly, "pro_monthly or pro_yearly")
	_ = grantCmd.MarkFlagRequired("user")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an access token with SUPABASE_JWT_SECRET for local testing",
		RunE:  runProfilesToken,
	}
	tokenCmd.Flags().StringVar(&profileFlags.user, "user", "", "user id (required)")
	tokenCmd.Flags().StringVar(&profileFlags.email, "email", "", "email claim")
	tokenCmd.Flags().DurationVar(&profileFlags.tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	profilesCmd.AddCommand(grantCmd, tokenCmd)
	return profilesCmd
}

func runProfilesGrant(cmd *cobra.Command, _ []string) error {
	duration, ok := billing.PlanDuration(profileFlags.plan)
	if !ok {
		return fmt.Errorf("unknown plan %q", profileFlags.plan)
	}

	ctx := cmd.Context()
	_, stores, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close(context.Background())

	expires := time.Now().UTC().Add(duration)
	profile, err := stores.Profiles.UpsertSubscription(ctx, profileFlags.user, models.Subscription{
		Tier:      models.TierPro,
		Status:    models.StatusActive,
		Plan:      profileFlags.plan,
		ExpiresAt: &expires,
		Reference: "manual-grant-" + expires.Format("20060102150405"),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s until %s\n", profile.Plan, profile.ID, expires.Format(time.RFC3339))
	return nil
}

func runProfilesToken(cmd *cobra.Command, _ []string) error {
	cfg, err := utils.LoadToolConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	signer, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Audience)
	if err != nil {
		return err
	}

	token, err := signer.SignToken(profileFlags.user, profileFlags.email, profileFlags.tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
