package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/aidanna/internal/utils"
)

// FallbackReply is returned when the provider answers 2xx without usable text.
const FallbackReply = "I couldn't generate a response. Please try again."

// ChatMessage mirrors OpenAI chat message payloads.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatUsage contains token usage metadata returned by the provider.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the extracted assistant reply. Fallback marks a substituted reply.
type Completion struct {
	Text     string
	Fallback bool
	Usage    *ChatUsage
}

// ChatService runs chat completions with fixed sampling parameters.
type ChatService struct {
	client      *OpenAIClient
	model       string
	temperature float64
	maxTokens   int
	logger      *zap.SugaredLogger
}

func NewChatService(client *OpenAIClient, cfg utils.LLMConfig, logger *zap.SugaredLogger) *ChatService {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &ChatService{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		logger:      logger,
	}
}

// Complete posts messages to /chat/completions and extracts the first choice.
func (s *ChatService) Complete(ctx context.Context, messages []ChatMessage) (*Completion, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("chat messages cannot be empty")
	}

	payload := chatAPIRequest{
		Model:       s.model,
		Messages:    messages,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	}

	body, err := s.client.postJSON(ctx, "/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	var apiResp chatAPIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		s.logger.Warnw("undecodable chat completion", "error", err, "body", truncate(string(body), maxLoggedBody))
		return &Completion{Text: FallbackReply, Fallback: true}, nil
	}

	if len(apiResp.Choices) == 0 || strings.TrimSpace(apiResp.Choices[0].Message.Content) == "" {
		s.logger.Warnw("chat completion without content", "id", apiResp.ID, "choices", len(apiResp.Choices))
		return &Completion{Text: FallbackReply, Fallback: true, Usage: apiResp.Usage}, nil
	}

	return &Completion{
		Text:  apiResp.Choices[0].Message.Content,
		Usage: apiResp.Usage,
	}, nil
}

type chatAPIRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatAPIChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatAPIResponse struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Choices []chatAPIChoice `json:"choices"`
	Usage   *ChatUsage      `json:"usage"`
}
