package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
	"github.com/wuwenbin0122/aidanna/internal/models"
	"github.com/wuwenbin0122/aidanna/services"
)

const (
	PlanMonthly = "pro_monthly"
	PlanYearly  = "pro_yearly"
)

var planDurations = map[string]time.Duration{
	PlanMonthly: 30 * 24 * time.Hour,
	PlanYearly:  365 * 24 * time.Hour,
}

// PlanDuration reports how long a plan grants pro access.
func PlanDuration(plan string) (time.Duration, bool) {
	d, ok := planDurations[plan]
	return d, ok
}

// Verifier confirms a payment reference with the payment provider.
type Verifier interface {
	VerifyTransaction(ctx context.Context, reference string) (*services.PaystackTransaction, error)
}

// ProfileStore applies a payment at most once per reference. next receives the profile as
// stored (free when absent) and returns the subscription to write.
type ProfileStore interface {
	ApplyPayment(ctx context.Context, id, reference string, next func(current models.UserProfile) models.Subscription) (models.UserProfile, bool, error)
}

// Confirmation is the outcome of a verified payment.
type Confirmation struct {
	UserID    string
	Plan      string
	ExpiresAt time.Time
	Replayed  bool
}

// Service turns verified payments into active pro subscriptions.
type Service struct {
	verifier Verifier
	profiles ProfileStore
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewService(verifier Verifier, profiles ProfileStore, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{verifier: verifier, profiles: profiles, logger: logger, now: time.Now}
}

// Confirm verifies reference and activates the plan recorded in its metadata. Confirming any
// reference that was already applied returns the stored subscription unchanged.
func (s *Service) Confirm(ctx context.Context, reference string) (*Confirmation, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, apperror.InvalidInput("No payment reference found")
	}

	tx, err := s.verifier.VerifyTransaction(ctx, reference)
	if err != nil {
		if errors.Is(err, services.ErrTransactionNotFound) {
			return nil, apperror.NotFound("Payment reference not recognised")
		}
		s.logger.Errorw("payment verification failed", "reference", reference, "error", err)
		if services.IsBusy(err) {
			return nil, apperror.UpstreamBusy(err)
		}
		return nil, apperror.UpstreamFailure(err)
	}

	if !tx.Successful() {
		return nil, apperror.New(apperror.KindPaymentRequired, fmt.Sprintf("Payment was not successful (status: %s)", tx.Status))
	}

	userID := tx.Metadata.UserID
	duration, ok := PlanDuration(tx.Metadata.PlanType)
	if userID == "" || !ok {
		s.logger.Errorw("payment metadata incomplete", "reference", reference, "user_id", userID, "plan", tx.Metadata.PlanType)
		return nil, apperror.InvalidInput("Payment is missing subscription details. Please contact support.")
	}

	now := s.now().UTC()
	profile, applied, err := s.profiles.ApplyPayment(ctx, userID, reference, func(current models.UserProfile) models.Subscription {
		// Renewals extend an active subscription instead of resetting it.
		start := now
		if current.EffectiveTier(now) == models.TierPro && current.ExpiresAt != nil && current.ExpiresAt.After(now) {
			start = *current.ExpiresAt
		}
		expires := start.Add(duration)
		return models.Subscription{
			Tier:      models.TierPro,
			Status:    models.StatusActive,
			Plan:      tx.Metadata.PlanType,
			ExpiresAt: &expires,
			Reference: reference,
		}
	})
	if err != nil {
		return nil, apperror.StoreFailure(err)
	}

	var expires time.Time
	if profile.ExpiresAt != nil {
		expires = *profile.ExpiresAt
	}
	if !applied {
		s.logger.Infow("payment reference already applied", "user_id", userID, "reference", reference)
		return &Confirmation{UserID: userID, Plan: profile.Plan, ExpiresAt: expires, Replayed: true}, nil
	}

	s.logger.Infow("subscription activated", "user_id", userID, "plan", profile.Plan, "expires_at", expires)
	return &Confirmation{UserID: userID, Plan: profile.Plan, ExpiresAt: expires}, nil
}
