package db_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/aidanna/internal/db"
	"github.com/wuwenbin0122/aidanna/internal/models"
)

type conversationStore interface {
	CreateConversation(ctx context.Context, owner, mode, title string) (models.Conversation, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	AppendTurn(ctx context.Context, conversationID, role, content string, audio []byte) (models.Message, error)
	ListConversations(ctx context.Context, owner string, limit int) ([]models.Conversation, error)
	LoadTurns(ctx context.Context, conversationID string) ([]models.Message, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

type usageStore interface {
	IncrementUsage(ctx context.Context, owner string, day time.Time) (int, error)
	IncrementUsageIfBelow(ctx context.Context, owner string, day time.Time, limit int) (int, bool, error)
	UsageFor(ctx context.Context, owner string, day time.Time) (int, error)
	ResetUsage(ctx context.Context, owner string, day time.Time) error
}

type paymentStore interface {
	GetProfile(ctx context.Context, id string) (models.UserProfile, error)
	ApplyPayment(ctx context.Context, id, reference string, next func(current models.UserProfile) models.Subscription) (models.UserProfile, bool, error)
}

func testPaymentContract(t *testing.T, store paymentStore) {
	t.Helper()
	ctx := context.Background()
	owner := "user-" + uuid.NewString()
	refA, refB := "ref-a-"+owner, "ref-b-"+owner
	base := time.Now().UTC().Truncate(time.Second)

	extend := func(reference string) func(models.UserProfile) models.Subscription {
		return func(current models.UserProfile) models.Subscription {
			start := base
			if current.ExpiresAt != nil && current.ExpiresAt.After(start) {
				start = *current.ExpiresAt
			}
			expires := start.Add(24 * time.Hour)
			return models.Subscription{Tier: models.TierPro, Status: models.StatusActive, Plan: "pro_monthly", ExpiresAt: &expires, Reference: reference}
		}
	}

	first, applied, err := store.ApplyPayment(ctx, owner, refA, extend(refA))
	require.NoError(t, err)
	assert.True(t, applied)
	require.NotNil(t, first.ExpiresAt)
	assert.True(t, base.Add(24*time.Hour).Equal(*first.ExpiresAt))

	second, applied, err := store.ApplyPayment(ctx, owner, refB, extend(refB))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, base.Add(48*time.Hour).Equal(*second.ExpiresAt))

	replay, applied, err := store.ApplyPayment(ctx, owner, refA, func(models.UserProfile) models.Subscription {
		t.Fatalf("an applied reference must not be applied again")
		return models.Subscription{}
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, second.ExpiresAt.Equal(*replay.ExpiresAt))

	stored, err := store.GetProfile(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, refB, stored.LastPaymentReference)
	assert.True(t, second.ExpiresAt.Equal(*stored.ExpiresAt))
}

func testConversationContract(t *testing.T, store conversationStore) {
	t.Helper()
	ctx := context.Background()
	owner := "user-" + uuid.NewString()

	conv, err := store.CreateConversation(ctx, owner, "narrative", "Explain photosynthesis")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, owner, got.UserID)
	assert.Equal(t, "narrative", got.Mode)

	userTurn, err := store.AppendTurn(ctx, conv.ID, models.RoleUser, "Explain photosynthesis", nil)
	require.NoError(t, err)
	assistantTurn, err := store.AppendTurn(ctx, conv.ID, models.RoleAssistant, "Once upon a leaf...", []byte{0x49, 0x44, 0x33})
	require.NoError(t, err)
	assert.Equal(t, 1, userTurn.Seq)
	assert.Equal(t, 2, assistantTurn.Seq)

	turns, err := store.LoadTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, "Explain photosynthesis", turns[0].Content)
	assert.Empty(t, turns[0].Audio)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Once upon a leaf...", turns[1].Content)
	assert.Equal(t, []byte{0x49, 0x44, 0x33}, turns[1].Audio)

	second, err := store.CreateConversation(ctx, owner, "dialogue", "Supply and demand")
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, second.ID, models.RoleUser, "Teach me about supply and demand", nil)
	require.NoError(t, err)

	listed, err := store.ListConversations(ctx, owner, 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, second.ID, listed[0].ID, "most recently updated conversation comes first")

	limited, err := store.ListConversations(ctx, owner, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, store.DeleteConversation(ctx, conv.ID))
	_, err = store.GetConversation(ctx, conv.ID)
	assert.True(t, errors.Is(err, db.ErrNotFound))
	turns, err = store.LoadTurns(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, turns, "turns are removed with their conversation")

	assert.True(t, errors.Is(store.DeleteConversation(ctx, conv.ID), db.ErrNotFound))
	_, err = store.AppendTurn(ctx, conv.ID, models.RoleUser, "late", nil)
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func testConcurrentAppends(t *testing.T, store conversationStore) {
	t.Helper()
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "user-"+uuid.NewString(), "dialogue", "parallel tabs")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendTurn(ctx, conv.ID, models.RoleUser, "hello", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	turns, err := store.LoadTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, writers)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.Seq)
	}
}

func testUsageContract(t *testing.T, store usageStore) {
	t.Helper()
	ctx := context.Background()
	owner := "user-" + uuid.NewString()
	day := models.UsageDay(time.Now(), time.UTC)

	used, err := store.UsageFor(ctx, owner, day)
	require.NoError(t, err)
	assert.Equal(t, 0, used, "a day without a record counts as zero")

	count, err := store.IncrementUsage(ctx, owner, day)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, ok, err := store.IncrementUsageIfBelow(ctx, owner, day, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, count)

	count, ok, err = store.IncrementUsageIfBelow(ctx, owner, day, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, count, "denied calls report the current count")

	require.NoError(t, store.ResetUsage(ctx, owner, day))
	used, err = store.UsageFor(ctx, owner, day)
	require.NoError(t, err)
	assert.Equal(t, 0, used)
	require.NoError(t, store.ResetUsage(ctx, owner, day), "resetting an absent counter is a no-op")

	tomorrow := day.AddDate(0, 0, 1)
	used, err = store.UsageFor(ctx, owner, tomorrow)
	require.NoError(t, err)
	assert.Equal(t, 0, used, "counters are keyed per day")
}

func testConcurrentAdmission(t *testing.T, store usageStore) {
	t.Helper()
	ctx := context.Background()
	owner := "user-" + uuid.NewString()
	day := models.UsageDay(time.Now(), time.UTC)

	for i := 0; i < 8; i++ {
		_, err := store.IncrementUsage(ctx, owner, day)
		require.NoError(t, err)
	}

	const callers = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.IncrementUsageIfBelow(ctx, owner, day, 10)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, admitted)
	used, err := store.UsageFor(ctx, owner, day)
	require.NoError(t, err)
	assert.Equal(t, 10, used)
}
