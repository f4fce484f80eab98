package companion

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
	"github.com/wuwenbin0122/aidanna/internal/db"
	"github.com/wuwenbin0122/aidanna/internal/models"
	"github.com/wuwenbin0122/aidanna/internal/utils"
	"github.com/wuwenbin0122/aidanna/services"
)

type stubCompleter struct {
	mu       sync.Mutex
	calls    [][]services.ChatMessage
	reply    string
	fallback bool
	err      error
}

func (s *stubCompleter) Complete(ctx context.Context, messages []services.ChatMessage) (*services.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, messages)
	if s.err != nil {
		return nil, s.err
	}
	return &services.Completion{Text: s.reply, Fallback: s.fallback}, nil
}

func (s *stubCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubSynthesizer struct {
	audio []byte
	err   error
	voice string
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	s.voice = voice
	return s.audio, s.err
}

type fixture struct {
	store     *db.Memory
	completer *stubCompleter
	tts       *stubSynthesizer
	service   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := db.NewMemory()
	completer := &stubCompleter{reply: "Once upon a time, a leaf caught the sun."}
	tts := &stubSynthesizer{audio: []byte("ID3-audio")}

	service, err := NewService(Config{
		Conversations: store,
		Profiles:      store,
		Gate:          newTestGate(store, 10),
		Completer:     completer,
		Synthesizer:   tts,
		HistoryLimit:  4,
	})
	require.NoError(t, err)
	service.now = func() time.Time { return fixedNow }

	return &fixture{store: store, completer: completer, tts: tts, service: service}
}

func (f *fixture) makePro(id string) {
	expires := fixedNow.Add(24 * time.Hour)
	f.store.PutProfile(models.UserProfile{ID: id, Tier: models.TierPro, Status: models.StatusActive, ExpiresAt: &expires})
}

func TestChatNewConversationForFreshUser(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Chat(context.Background(), ChatRequest{
		Prompt:         "Explain photosynthesis",
		Mode:           "narrative",
		UserID:         "fresh-user",
		ConversationID: "new",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.Response)
	assert.NotEmpty(t, result.ConversationID)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 1, result.Usage.RequestsUsed)
	assert.Equal(t, 9, result.Usage.RequestsRemaining)
	assert.Nil(t, result.Audio)

	conv, err := f.store.GetConversation(context.Background(), result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-user", conv.UserID)
	assert.Equal(t, "narrative", conv.Mode)
	assert.Equal(t, "Explain photosynthesis", conv.Title)

	turns, err := f.store.LoadTurns(context.Background(), result.ConversationID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, "Explain photosynthesis", turns[0].Content)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	assert.Equal(t, result.Response, turns[1].Content)

	require.Len(t, f.completer.calls, 1)
	sent := f.completer.calls[0]
	require.Len(t, sent, 2)
	assert.Equal(t, "system", sent[0].Role)
	assert.Equal(t, ModeNarrative.Prompt(), sent[0].Content)
	assert.Equal(t, services.ChatMessage{Role: "user", Content: "Explain photosynthesis"}, sent[1])
}

func TestChatContinuesConversationWithHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Chat(ctx, ChatRequest{Prompt: "Teach me gravity", Mode: "dialogue", UserID: "u1", ConversationID: "new"})
	require.NoError(t, err)

	f.completer.reply = "Second answer"
	second, err := f.service.Chat(ctx, ChatRequest{Prompt: "And orbits?", Mode: "dialogue", UserID: "u1", ConversationID: first.ConversationID})
	require.NoError(t, err)
	assert.Empty(t, second.ConversationID, "existing conversations are not re-announced")

	sent := f.completer.calls[1]
	require.Len(t, sent, 4)
	assert.Equal(t, ModeDialogue.Prompt(), sent[0].Content)
	assert.Equal(t, "Teach me gravity", sent[1].Content)
	assert.Equal(t, "assistant", sent[2].Role)
	assert.Equal(t, "And orbits?", sent[3].Content)

	turns, err := f.service.LoadTurns(ctx, "u1", first.ConversationID)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.Seq)
	}
}

func TestChatCapsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "u1", "narrative", "long")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := f.store.AppendTurn(ctx, conv.ID, models.RoleUser, "turn", nil)
		require.NoError(t, err)
	}

	_, err = f.service.Chat(ctx, ChatRequest{Prompt: "latest", UserID: "u1", ConversationID: conv.ID})
	require.NoError(t, err)

	// system + 4 history + user
	assert.Len(t, f.completer.calls[0], 6)
}

func TestChatRejectsForeignOrUnknownConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "owner", "narrative", "mine")
	require.NoError(t, err)

	for _, id := range []string{conv.ID, "does-not-exist"} {
		_, err := f.service.Chat(ctx, ChatRequest{Prompt: "hi", UserID: "intruder", ConversationID: id})
		appErr, ok := apperror.As(err)
		require.True(t, ok)
		assert.Equal(t, apperror.KindNotFound, appErr.Kind)
	}
	assert.Zero(t, f.completer.callCount())
}

func TestChatRejectsBadAttachmentsBeforeCompletion(t *testing.T) {
	f := newFixture(t)
	f.makePro("pro-user")

	cases := [][]Attachment{
		{{Name: "payload.exe", Size: 100, Text: "MZ"}},
		{{Name: "book.pdf", Size: 11 << 20}},
	}
	for _, files := range cases {
		_, err := f.service.Chat(context.Background(), ChatRequest{Prompt: "read this", UserID: "pro-user", Files: files})
		appErr, ok := apperror.As(err)
		require.True(t, ok)
		assert.Equal(t, apperror.KindInvalidInput, appErr.Kind)
		assert.Equal(t, http.StatusBadRequest, appErr.Status())
	}

	assert.Zero(t, f.completer.callCount())
	used, err := f.service.Usage(context.Background(), "pro-user")
	require.NoError(t, err)
	assert.Zero(t, used.RequestsUsed, "rejected requests are not charged")
}

func TestChatAttachmentsRequirePro(t *testing.T) {
	f := newFixture(t)
	files := []Attachment{{Name: "notes.txt", Size: 12, Text: "Cells divide."}}

	_, err := f.service.Chat(context.Background(), ChatRequest{Prompt: "summarise", UserID: "free-user", Files: files})
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, apperror.KindUpgradeRequired, appErr.Kind)
	assert.True(t, appErr.UpgradeRequired)
	assert.Zero(t, f.completer.callCount())

	f.makePro("pro-user")
	_, err = f.service.Chat(context.Background(), ChatRequest{Prompt: "summarise", UserID: "pro-user", Files: files})
	require.NoError(t, err)
	sent := f.completer.calls[0]
	assert.Contains(t, sent[len(sent)-1].Content, "Attached file \"notes.txt\":\nCells divide.")
}

func TestChatQuotaExceededSkipsCompletion(t *testing.T) {
	f := newFixture(t)
	f.store.SetUsage("u1", models.UsageDay(fixedNow, time.UTC), 10)

	_, err := f.service.Chat(context.Background(), ChatRequest{Prompt: "one more", UserID: "u1"})
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, appErr.Status())
	assert.Zero(t, f.completer.callCount())
}

func TestChatLapsedProIsTreatedAsFree(t *testing.T) {
	f := newFixture(t)
	expired := fixedNow.Add(-time.Hour)
	f.store.PutProfile(models.UserProfile{ID: "lapsed", Tier: models.TierPro, Status: models.StatusActive, ExpiresAt: &expired})

	result, err := f.service.Chat(context.Background(), ChatRequest{Prompt: "hi", UserID: "lapsed"})
	require.NoError(t, err)
	assert.Equal(t, 10, result.Usage.DailyLimit)
}

func TestChatProReportsUnlimited(t *testing.T) {
	f := newFixture(t)
	f.makePro("pro-user")

	for i := 0; i < 12; i++ {
		result, err := f.service.Chat(context.Background(), ChatRequest{Prompt: "again", UserID: "pro-user"})
		require.NoError(t, err)
		assert.Equal(t, models.Unlimited, result.Usage.RequestsRemaining)
	}
}

func TestChatUpstreamErrorsAreSanitised(t *testing.T) {
	secret := "Incorrect API key provided: sk-live-abc123"
	cases := []struct {
		status int
		want   int
	}{
		{http.StatusUnauthorized, http.StatusInternalServerError},
		{http.StatusInternalServerError, http.StatusInternalServerError},
		{http.StatusTeapot, http.StatusInternalServerError},
		{http.StatusTooManyRequests, http.StatusServiceUnavailable},
		{http.StatusServiceUnavailable, http.StatusServiceUnavailable},
		{http.StatusGatewayTimeout, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"` + secret + `"}}`))
		}))

		cfg := utils.LLMConfig{BaseURL: provider.URL, APIKey: "sk-live-abc123", Model: "gpt-4o-mini", Temperature: 0.8, MaxTokens: 1000}
		store := db.NewMemory()
		service, err := NewService(Config{
			Conversations: store,
			Profiles:      store,
			Gate:          newTestGate(store, 10),
			Completer:     services.NewChatService(services.NewOpenAIClient(cfg), cfg, nil),
		})
		require.NoError(t, err)

		_, err = service.Chat(context.Background(), ChatRequest{Prompt: "hi", UserID: "u1"})
		provider.Close()

		appErr, ok := apperror.As(err)
		require.True(t, ok, "status %d", tc.status)
		assert.Equal(t, tc.want, appErr.Status(), "provider status %d", tc.status)
		assert.NotContains(t, appErr.Message, "sk-live")
		assert.NotContains(t, appErr.Message, "Incorrect API key")
		assert.NotContains(t, appErr.Message, "401")
	}
}

func TestChatThrottledCompletionIsBusy(t *testing.T) {
	f := newFixture(t)
	f.completer.err = services.ErrUpstreamThrottled

	_, err := f.service.Chat(context.Background(), ChatRequest{Prompt: "hi", UserID: "u1"})
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, apperror.KindUpstreamBusy, appErr.Kind)
}

func TestChatVoiceResponse(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Chat(context.Background(), ChatRequest{Prompt: "hi", UserID: "u1", VoiceResponse: true})
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-audio"), result.Audio)
	assert.Equal(t, DefaultVoice, f.tts.voice)

	turns, err := f.store.LoadTurns(context.Background(), result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "SUQzLWF1ZGlv", base64.StdEncoding.EncodeToString(turns[1].Audio))

	_, err = f.service.Chat(context.Background(), ChatRequest{Prompt: "hi", UserID: "u1", VoiceResponse: true, Voice: "robot"})
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, apperror.KindInvalidInput, appErr.Kind)
}

func TestChatVoiceFailureDegradesToText(t *testing.T) {
	f := newFixture(t)
	f.tts.err = errors.New("tts down")

	result, err := f.service.Chat(context.Background(), ChatRequest{Prompt: "hi", UserID: "u1", VoiceResponse: true, Voice: "nova"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Response)
	assert.Nil(t, result.Audio)
}

type failingCreateStore struct {
	*db.Memory
}

func (failingCreateStore) CreateConversation(context.Context, string, string, string) (models.Conversation, error) {
	return models.Conversation{}, errors.New("insert failed")
}

func TestChatPersistenceFailureStillReplies(t *testing.T) {
	store := db.NewMemory()
	service, err := NewService(Config{
		Conversations: failingCreateStore{store},
		Profiles:      store,
		Gate:          newTestGate(store, 10),
		Completer:     &stubCompleter{reply: "still here"},
	})
	require.NoError(t, err)

	result, err := service.Chat(context.Background(), ChatRequest{Prompt: "hi", UserID: "u1", ConversationID: "new"})
	require.NoError(t, err)
	assert.Equal(t, "still here", result.Response)
	assert.Empty(t, result.ConversationID)
}

type failingLookupStore struct {
	*db.Memory
}

func (failingLookupStore) GetConversation(context.Context, string) (models.Conversation, error) {
	return models.Conversation{}, errors.New("read replica timeout")
}

func TestChatConversationLookupFailureWritesNothing(t *testing.T) {
	store := db.NewMemory()
	ctx := context.Background()
	owned, err := store.CreateConversation(ctx, "alice", "narrative", "alice's notes")
	require.NoError(t, err)

	completer := &stubCompleter{reply: "hi"}
	service, err := NewService(Config{
		Conversations: failingLookupStore{store},
		Profiles:      store,
		Gate:          newTestGate(store, 10),
		Completer:     completer,
	})
	require.NoError(t, err)
	service.now = func() time.Time { return fixedNow }

	_, err = service.Chat(ctx, ChatRequest{Prompt: "written by mallory", UserID: "mallory", ConversationID: owned.ID})
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, apperror.KindStoreFailure, appErr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.Status())

	assert.Zero(t, completer.callCount())
	turns, err := store.LoadTurns(ctx, owned.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)

	used, err := store.UsageFor(ctx, "mallory", models.UsageDay(fixedNow, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, used, "a turn that never ran is not charged")
}

func TestChatSurvivesClientCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	blocking := &cancelAwareCompleter{cancel: cancel}
	f.service.completer = blocking

	result, err := f.service.Chat(ctx, ChatRequest{Prompt: "hi", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "finished anyway", result.Response)

	turns, err := f.store.LoadTurns(context.Background(), result.ConversationID)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

// cancelAwareCompleter cancels the caller's context mid-call and checks the work context survives.
type cancelAwareCompleter struct {
	cancel context.CancelFunc
}

func (c *cancelAwareCompleter) Complete(ctx context.Context, _ []services.ChatMessage) (*services.Completion, error) {
	c.cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &services.Completion{Text: "finished anyway"}, nil
}

func TestChatValidatesInput(t *testing.T) {
	f := newFixture(t)

	for _, req := range []ChatRequest{
		{Prompt: "   ", UserID: "u1"},
		{Prompt: "hi", UserID: ""},
	} {
		_, err := f.service.Chat(context.Background(), req)
		appErr, ok := apperror.As(err)
		require.True(t, ok)
		assert.Equal(t, apperror.KindInvalidInput, appErr.Kind)
	}
}

func TestConversationManagementIsScopedToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.Chat(ctx, ChatRequest{Prompt: strings.Repeat("long title ", 20), UserID: "u1"})
	require.NoError(t, err)

	listed := f.service.ListConversations(ctx, "u1", 0)
	require.Len(t, listed, 1)
	assert.LessOrEqual(t, len([]rune(listed[0].Title)), maxTitleRunes)
	assert.Empty(t, f.service.ListConversations(ctx, "u2", 10))

	_, err = f.service.LoadTurns(ctx, "u2", result.ConversationID)
	assert.Equal(t, apperror.KindNotFound, apperror.Normalize(err).Kind)

	err = f.service.DeleteConversation(ctx, "u2", result.ConversationID)
	assert.Equal(t, apperror.KindNotFound, apperror.Normalize(err).Kind)

	require.NoError(t, f.service.DeleteConversation(ctx, "u1", result.ConversationID))
	assert.Empty(t, f.service.ListConversations(ctx, "u1", 10))
}

func TestUsageSnapshot(t *testing.T) {
	f := newFixture(t)
	f.store.SetUsage("u1", models.UsageDay(fixedNow, time.UTC), 3)

	usage, err := f.service.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.UsageSnapshot{RequestsUsed: 3, RequestsRemaining: 7, DailyLimit: 10}, usage)

	f.makePro("u1")
	usage, err = f.service.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.Unlimited, usage.RequestsRemaining)
}
