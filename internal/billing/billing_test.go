package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
	"github.com/wuwenbin0122/aidanna/internal/db"
	"github.com/wuwenbin0122/aidanna/internal/models"
	"github.com/wuwenbin0122/aidanna/services"
)

type stubVerifier struct {
	tx    *services.PaystackTransaction
	err   error
	calls int
}

func (s *stubVerifier) VerifyTransaction(ctx context.Context, reference string) (*services.PaystackTransaction, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	tx := *s.tx
	tx.Reference = reference
	return &tx, nil
}

// concurrentVerifier is safe for use from several goroutines.
type concurrentVerifier struct {
	tx *services.PaystackTransaction
}

func (v *concurrentVerifier) VerifyTransaction(ctx context.Context, reference string) (*services.PaystackTransaction, error) {
	tx := *v.tx
	tx.Reference = reference
	return &tx, nil
}

var billingNow = time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)

func newTestService(verifier Verifier) (*Service, *db.Memory) {
	store := db.NewMemory()
	service := NewService(verifier, store, nil)
	service.now = func() time.Time { return billingNow }
	return service, store
}

func successfulTx(userID, plan string) *services.PaystackTransaction {
	return &services.PaystackTransaction{
		Status:   "success",
		Amount:   500000,
		Currency: "NGN",
		Metadata: services.PaystackMetadata{UserID: userID, PlanType: plan},
	}
}

func TestConfirmActivatesPlan(t *testing.T) {
	cases := map[string]time.Duration{
		PlanMonthly: 30 * 24 * time.Hour,
		PlanYearly:  365 * 24 * time.Hour,
	}

	for plan, duration := range cases {
		t.Run(plan, func(t *testing.T) {
			service, store := newTestService(&stubVerifier{tx: successfulTx("u1", plan)})

			confirmation, err := service.Confirm(context.Background(), "ref-"+plan)
			require.NoError(t, err)
			assert.Equal(t, "u1", confirmation.UserID)
			assert.Equal(t, billingNow.Add(duration), confirmation.ExpiresAt)
			assert.False(t, confirmation.Replayed)

			profile, err := store.GetProfile(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, models.TierPro, profile.EffectiveTier(billingNow))
			assert.Equal(t, plan, profile.Plan)
			assert.Equal(t, "ref-"+plan, profile.LastPaymentReference)
		})
	}
}

func TestConfirmIsIdempotentPerReference(t *testing.T) {
	service, store := newTestService(&stubVerifier{tx: successfulTx("u1", PlanMonthly)})

	first, err := service.Confirm(context.Background(), "ref-1")
	require.NoError(t, err)

	again, err := service.Confirm(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.ExpiresAt, again.ExpiresAt)

	profile, err := store.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ExpiresAt, *profile.ExpiresAt)
}

func TestConfirmIgnoresEarlierReferenceAfterRenewal(t *testing.T) {
	service, store := newTestService(&stubVerifier{tx: successfulTx("u1", PlanMonthly)})
	ctx := context.Background()

	first, err := service.Confirm(ctx, "ref-A")
	require.NoError(t, err)
	second, err := service.Confirm(ctx, "ref-B")
	require.NoError(t, err)
	assert.Equal(t, first.ExpiresAt.Add(30*24*time.Hour), second.ExpiresAt)

	replay, err := service.Confirm(ctx, "ref-A")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, second.ExpiresAt, replay.ExpiresAt)

	profile, err := store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, second.ExpiresAt, *profile.ExpiresAt)
	assert.Equal(t, "ref-B", profile.LastPaymentReference)
}

func TestConfirmConcurrentSameReferenceAppliesOnce(t *testing.T) {
	service, store := newTestService(&concurrentVerifier{tx: successfulTx("u1", PlanMonthly)})
	ctx := context.Background()

	const callers = 10
	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			confirmation, err := service.Confirm(ctx, "ref-1")
			assert.NoError(t, err)
			if err == nil && !confirmation.Replayed {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	profile, err := store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, billingNow.Add(30*24*time.Hour), *profile.ExpiresAt)
}

func TestConfirmRenewalExtendsActiveSubscription(t *testing.T) {
	service, store := newTestService(&stubVerifier{tx: successfulTx("u1", PlanMonthly)})
	current := billingNow.Add(10 * 24 * time.Hour)
	store.PutProfile(models.UserProfile{ID: "u1", Tier: models.TierPro, Status: models.StatusActive, Plan: PlanMonthly, ExpiresAt: &current, LastPaymentReference: "ref-old"})

	confirmation, err := service.Confirm(context.Background(), "ref-new")
	require.NoError(t, err)
	assert.Equal(t, current.Add(30*24*time.Hour), confirmation.ExpiresAt)
}

func TestConfirmFailures(t *testing.T) {
	cases := []struct {
		name     string
		verifier *stubVerifier
		kind     apperror.Kind
	}{
		{"unknown reference", &stubVerifier{err: services.ErrTransactionNotFound}, apperror.KindNotFound},
		{"abandoned", &stubVerifier{tx: &services.PaystackTransaction{Status: "abandoned"}}, apperror.KindPaymentRequired},
		{"missing user", &stubVerifier{tx: successfulTx("", PlanMonthly)}, apperror.KindInvalidInput},
		{"unknown plan", &stubVerifier{tx: successfulTx("u1", "pro_weekly")}, apperror.KindInvalidInput},
		{"provider down", &stubVerifier{err: &services.UpstreamError{Service: "paystack", StatusCode: 503}}, apperror.KindUpstreamBusy},
		{"provider error", &stubVerifier{err: errors.New("tls handshake failure")}, apperror.KindUpstreamFailure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service, store := newTestService(tc.verifier)
			_, err := service.Confirm(context.Background(), "ref")

			appErr, ok := apperror.As(err)
			require.True(t, ok)
			assert.Equal(t, tc.kind, appErr.Kind)

			_, err = store.GetProfile(context.Background(), "u1")
			assert.ErrorIs(t, err, db.ErrNotFound, "failed confirmations leave profiles untouched")
		})
	}
}

func TestConfirmRequiresReference(t *testing.T) {
	verifier := &stubVerifier{}
	service, _ := newTestService(verifier)

	_, err := service.Confirm(context.Background(), "  ")
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, apperror.KindInvalidInput, appErr.Kind)
	assert.Zero(t, verifier.calls)
}
