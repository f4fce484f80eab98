package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/aidanna/internal/models"
)

// Memory implements every store contract in-process. It backs local development and tests.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	usage         map[string]int
	profiles      map[string]models.UserProfile
	payments      map[string]string
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		usage:         make(map[string]int),
		profiles:      make(map[string]models.UserProfile),
		payments:      make(map[string]string),
		now:           time.Now,
	}
}

func (m *Memory) CreateConversation(_ context.Context, owner, mode, title string) (models.Conversation, error) {
	now := m.now().UTC()
	conv := models.Conversation{
		ID:        uuid.NewString(),
		UserID:    owner,
		Mode:      mode,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.conversations[conv.ID] = conv
	m.messages[conv.ID] = make([]models.Message, 0, 16)
	m.mu.Unlock()

	return conv, nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return models.Conversation{}, ErrNotFound
	}
	return conv, nil
}

func (m *Memory) AppendTurn(_ context.Context, conversationID, role, content string, audio []byte) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return models.Message{}, ErrNotFound
	}

	now := m.now().UTC()
	conv.TurnCount++
	conv.UpdatedAt = now
	m.conversations[conversationID] = conv

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Seq:            conv.TurnCount,
		Role:           role,
		Content:        content,
		Audio:          append([]byte(nil), audio...),
		CreatedAt:      now,
	}
	if len(audio) == 0 {
		msg.Audio = nil
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)

	return msg, nil
}

func (m *Memory) ListConversations(_ context.Context, owner string, limit int) ([]models.Conversation, error) {
	m.mu.RLock()
	result := make([]models.Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		if conv.UserID == owner {
			result = append(result, conv)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) LoadTurns(_ context.Context, conversationID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := m.messages[conversationID]
	copied := make([]models.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

func (m *Memory) DeleteConversation(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, conversationID)
	delete(m.messages, conversationID)
	return nil
}

func usageKey(owner string, day time.Time) string {
	return owner + "|" + day.Format("2006-01-02")
}

func (m *Memory) IncrementUsage(_ context.Context, owner string, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := usageKey(owner, day)
	m.usage[key]++
	return m.usage[key], nil
}

func (m *Memory) IncrementUsageIfBelow(_ context.Context, owner string, day time.Time, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := usageKey(owner, day)
	current := m.usage[key]
	if current >= limit {
		return current, false, nil
	}
	m.usage[key] = current + 1
	return current + 1, true, nil
}

func (m *Memory) UsageFor(_ context.Context, owner string, day time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[usageKey(owner, day)], nil
}

func (m *Memory) ResetUsage(_ context.Context, owner string, day time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usage, usageKey(owner, day))
	return nil
}

// SetUsage seeds a counter.
func (m *Memory) SetUsage(owner string, day time.Time, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[usageKey(owner, day)] = count
}

func (m *Memory) GetProfile(_ context.Context, id string) (models.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, ok := m.profiles[id]
	if !ok {
		return models.UserProfile{}, ErrNotFound
	}
	return profile, nil
}

func (m *Memory) UpsertSubscription(_ context.Context, id string, sub models.Subscription) (models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertSubscriptionLocked(id, sub), nil
}

// ApplyPayment claims reference and applies next under one lock.
func (m *Memory) ApplyPayment(_ context.Context, id, reference string, next func(current models.UserProfile) models.Subscription) (models.UserProfile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.profiles[id]
	if !ok {
		current = models.FreeProfile(id)
	}
	if _, claimed := m.payments[reference]; claimed {
		return current, false, nil
	}
	m.payments[reference] = id

	return m.upsertSubscriptionLocked(id, next(current)), true, nil
}

func (m *Memory) upsertSubscriptionLocked(id string, sub models.Subscription) models.UserProfile {
	now := m.now().UTC()
	profile, ok := m.profiles[id]
	if !ok {
		profile = models.UserProfile{ID: id, CreatedAt: now}
	}
	profile.Tier = sub.Tier
	profile.Status = sub.Status
	profile.Plan = sub.Plan
	profile.ExpiresAt = sub.ExpiresAt
	profile.LastPaymentReference = sub.Reference
	profile.UpdatedAt = now
	m.profiles[id] = profile

	return profile
}

// PutProfile stores a profile as-is.
func (m *Memory) PutProfile(profile models.UserProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile.ID] = profile
}
