package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/aidanna/internal/utils"
)

// TTSService wraps the /audio/speech endpoint.
type TTSService struct {
	client *OpenAIClient
	model  string
	format string
	logger *zap.SugaredLogger
}

func NewTTSService(client *OpenAIClient, cfg utils.LLMConfig, logger *zap.SugaredLogger) *TTSService {
	model := strings.TrimSpace(cfg.TTSModel)
	if model == "" {
		model = "tts-1"
	}

	format := strings.TrimSpace(cfg.TTSFormat)
	if format == "" {
		format = "mp3"
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &TTSService{client: client, model: model, format: format, logger: logger}
}

// Format is the audio container produced by Synthesize.
func (s *TTSService) Format() string {
	return s.format
}

// Synthesize converts text to speech with voice and returns the encoded audio.
func (s *TTSService) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("tts text cannot be empty")
	}
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return nil, fmt.Errorf("tts voice cannot be empty")
	}

	payload := ttsAPIRequest{
		Model:          s.model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: s.format,
	}

	audio, err := s.client.postJSON(ctx, speechPath, payload)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts response contained no audio data")
	}

	s.logger.Debugw("speech synthesized", "voice", voice, "bytes", len(audio))
	return audio, nil
}

type ttsAPIRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}
