package companion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
	"github.com/wuwenbin0122/aidanna/internal/db"
	"github.com/wuwenbin0122/aidanna/internal/models"
	"github.com/wuwenbin0122/aidanna/services"
)

const (
	NewConversation     = "new"
	defaultHistoryLimit = 20
	maxTitleRunes       = 60
	defaultListLimit    = 20
	maxListLimit        = 50
)

// ConversationStore persists conversations and their turns.
type ConversationStore interface {
	CreateConversation(ctx context.Context, owner, mode, title string) (models.Conversation, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	AppendTurn(ctx context.Context, conversationID, role, content string, audio []byte) (models.Message, error)
	ListConversations(ctx context.Context, owner string, limit int) ([]models.Conversation, error)
	LoadTurns(ctx context.Context, conversationID string) ([]models.Message, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// ProfileStore resolves the subscription tier of a caller.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (models.UserProfile, error)
}

// Completer produces the assistant reply for a prepared message list.
type Completer interface {
	Complete(ctx context.Context, messages []services.ChatMessage) (*services.Completion, error)
}

// Synthesizer turns a reply into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Config wires the collaborators of a Service. Synthesizer is optional.
type Config struct {
	Conversations   ConversationStore
	Profiles        ProfileStore
	Gate            *Gate
	Completer       Completer
	Synthesizer     Synthesizer
	HistoryLimit    int
	UpstreamTimeout time.Duration
	Logger          *zap.SugaredLogger
}

// Service runs chat turns end to end: validate, gate, prompt, complete, speak, persist.
type Service struct {
	conversations   ConversationStore
	profiles        ProfileStore
	gate            *Gate
	completer       Completer
	synthesizer     Synthesizer
	historyLimit    int
	upstreamTimeout time.Duration
	logger          *zap.SugaredLogger
	now             func() time.Time
}

// NewService validates cfg and fills defaults for history limit, upstream timeout and logger.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Conversations == nil:
		return nil, errors.New("companion: conversation store is required")
	case cfg.Profiles == nil:
		return nil, errors.New("companion: profile store is required")
	case cfg.Gate == nil:
		return nil, errors.New("companion: gate is required")
	case cfg.Completer == nil:
		return nil, errors.New("companion: completer is required")
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	timeout := cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Service{
		conversations:   cfg.Conversations,
		profiles:        cfg.Profiles,
		gate:            cfg.Gate,
		completer:       cfg.Completer,
		synthesizer:     cfg.Synthesizer,
		historyLimit:    historyLimit,
		upstreamTimeout: timeout,
		logger:          logger,
		now:             time.Now,
	}, nil
}

// ChatRequest is one learner turn.
type ChatRequest struct {
	Prompt         string
	Mode           string
	UserID         string
	ConversationID string
	Language       string
	VoiceResponse  bool
	Voice          string
	Files          []Attachment
}

// ChatResult is the reply to a turn. ConversationID is set only when a conversation was created.
type ChatResult struct {
	Response       string
	Audio          []byte
	ConversationID string
	Mode           Mode
	Usage          *models.UsageSnapshot
}

func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	userID := strings.TrimSpace(req.UserID)
	if prompt == "" {
		return nil, apperror.InvalidInput("prompt is required")
	}
	if userID == "" {
		return nil, apperror.InvalidInput("userId is required")
	}

	voice := ""
	if req.VoiceResponse {
		resolved, err := ResolveVoice(req.Voice)
		if err != nil {
			return nil, err
		}
		voice = resolved
	}

	if err := ValidateAttachments(req.Files); err != nil {
		return nil, err
	}

	mode := ParseMode(req.Mode)
	language := ParseLanguage(req.Language)
	conversationID := strings.TrimSpace(req.ConversationID)
	isNew := conversationID == "" || strings.EqualFold(conversationID, NewConversation)

	var (
		tier    models.Tier
		history []models.Message
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		resolved, err := s.tierFor(groupCtx, userID)
		tier = resolved
		return err
	})
	if !isNew {
		group.Go(func() error {
			turns, err := s.historyFor(groupCtx, userID, conversationID)
			history = turns
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	if len(req.Files) > 0 && tier != models.TierPro {
		return nil, apperror.UpgradeRequired("File uploads are available on the Pro plan. Upgrade to attach documents.")
	}

	decision, err := s.gate.Admit(ctx, userID, tier)
	if err != nil {
		return nil, err
	}

	userMessage := renderUserMessage(prompt, req.Files)
	messages := s.buildMessages(BuildSystemPrompt(mode, language), history, userMessage)

	// The provider call and persistence outlive a disconnected client.
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.upstreamTimeout)
	defer cancel()

	completion, err := s.completer.Complete(work, messages)
	if err != nil {
		s.logUpstreamError(userID, err)
		if services.IsBusy(err) {
			return nil, apperror.UpstreamBusy(err)
		}
		return nil, apperror.UpstreamFailure(err)
	}

	result := &ChatResult{Response: completion.Text, Mode: mode, Usage: &decision.Usage}

	if voice != "" && !completion.Fallback {
		result.Audio = s.synthesize(work, userID, completion.Text, voice)
	}

	if isNew {
		conv, err := s.conversations.CreateConversation(work, userID, string(mode), titleFrom(prompt))
		if err != nil {
			s.logger.Warnw("create conversation failed; reply returned unsaved", "user_id", userID, "error", err)
			return result, nil
		}
		conversationID = conv.ID
		result.ConversationID = conv.ID
	}

	s.persistTurns(work, userID, conversationID, userMessage, result)
	return result, nil
}

func (s *Service) tierFor(ctx context.Context, userID string) (models.Tier, error) {
	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return models.TierFree, nil
		}
		return "", apperror.StoreFailure(fmt.Errorf("load profile: %w", err))
	}
	return profile.EffectiveTier(s.now()), nil
}

// historyFor checks ownership and loads prior turns. Ownership must be proven before the turn
// is charged or persisted, so a failed lookup is a store failure; only a failed turn read
// degrades to no history.
func (s *Service) historyFor(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperror.NotFound("conversation not found")
		}
		return nil, apperror.StoreFailure(fmt.Errorf("load conversation: %w", err))
	}
	if conv.UserID != userID {
		return nil, apperror.NotFound("conversation not found")
	}

	turns, err := s.conversations.LoadTurns(ctx, conversationID)
	if err != nil {
		s.logger.Warnw("load turns failed; continuing without history", "conversation_id", conversationID, "error", err)
		return nil, nil
	}
	return turns, nil
}

func (s *Service) buildMessages(systemPrompt string, history []models.Message, userMessage string) []services.ChatMessage {
	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}

	messages := make([]services.ChatMessage, 0, len(history)+2)
	messages = append(messages, services.ChatMessage{Role: "system", Content: systemPrompt})
	for _, turn := range history {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		messages = append(messages, services.ChatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, services.ChatMessage{Role: models.RoleUser, Content: userMessage})
	return messages
}

func (s *Service) synthesize(ctx context.Context, userID, text, voice string) []byte {
	if s.synthesizer == nil {
		s.logger.Warnw("voice requested but speech synthesis is not configured", "user_id", userID)
		return nil
	}
	audio, err := s.synthesizer.Synthesize(ctx, text, voice)
	if err != nil {
		s.logger.Warnw("speech synthesis failed; returning text only", "user_id", userID, "voice", voice, "error", err)
		return nil
	}
	return audio
}

func (s *Service) persistTurns(ctx context.Context, userID, conversationID, userMessage string, result *ChatResult) {
	if _, err := s.conversations.AppendTurn(ctx, conversationID, models.RoleUser, userMessage, nil); err != nil {
		s.logger.Warnw("append user turn failed", "user_id", userID, "conversation_id", conversationID, "error", err)
		return
	}
	if _, err := s.conversations.AppendTurn(ctx, conversationID, models.RoleAssistant, result.Response, result.Audio); err != nil {
		s.logger.Warnw("append assistant turn failed", "user_id", userID, "conversation_id", conversationID, "error", err)
	}
}

func (s *Service) logUpstreamError(userID string, err error) {
	var upstream *services.UpstreamError
	if errors.As(err, &upstream) {
		s.logger.Errorw("completion request failed", "user_id", userID, "status", upstream.StatusCode, "body", upstream.Body)
		return
	}
	s.logger.Errorw("completion request failed", "user_id", userID, "error", err)
}

// ListConversations returns the caller's conversations, most recent first. Failures yield an empty list.
func (s *Service) ListConversations(ctx context.Context, userID string, limit int) []models.Conversation {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	conversations, err := s.conversations.ListConversations(ctx, userID, limit)
	if err != nil {
		s.logger.Warnw("list conversations failed", "user_id", userID, "error", err)
		return []models.Conversation{}
	}
	return conversations
}

// LoadTurns returns a conversation's turns in order. Unknown or foreign conversations are NotFound;
// read failures yield an empty list.
func (s *Service) LoadTurns(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperror.NotFound("conversation not found")
		}
		s.logger.Warnw("conversation lookup failed", "conversation_id", conversationID, "error", err)
		return []models.Message{}, nil
	}
	if conv.UserID != userID {
		return nil, apperror.NotFound("conversation not found")
	}

	turns, err := s.conversations.LoadTurns(ctx, conversationID)
	if err != nil {
		s.logger.Warnw("load turns failed", "conversation_id", conversationID, "error", err)
		return []models.Message{}, nil
	}
	return turns, nil
}

func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperror.NotFound("conversation not found")
		}
		return apperror.StoreFailure(err)
	}
	if conv.UserID != userID {
		return apperror.NotFound("conversation not found")
	}

	if err := s.conversations.DeleteConversation(ctx, conversationID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperror.NotFound("conversation not found")
		}
		return apperror.StoreFailure(err)
	}
	return nil
}

// Usage reports today's counter for the caller's effective tier.
func (s *Service) Usage(ctx context.Context, userID string) (models.UsageSnapshot, error) {
	tier, err := s.tierFor(ctx, userID)
	if err != nil {
		return models.UsageSnapshot{}, err
	}
	return s.gate.Peek(ctx, userID, tier)
}

func titleFrom(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes]))
}
