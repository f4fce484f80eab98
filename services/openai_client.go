package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/wuwenbin0122/aidanna/internal/utils"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	maxLoggedBody      = 256
	speechPath         = "/audio/speech"
)

// ErrUpstreamThrottled is returned when the local outbound limiter refuses a call.
var ErrUpstreamThrottled = errors.New("upstream: outbound rate limit reached")

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

type providerAPIError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type providerErrorEnvelope struct {
	Error *providerAPIError `json:"error,omitempty"`
}

// UpstreamError is a non-2xx answer from an external API. Body is truncated and only fit for logs.
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s api error (%d): %s", e.Service, e.StatusCode, e.Body)
}

// IsBusy reports whether err means the provider is saturated or unavailable and a retry may succeed.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUpstreamThrottled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return isUnreachable(err)
}

// isUnreachable reports transport failures that mean the provider could not be reached at all.
func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// OpenAIClient speaks to an OpenAI-compatible API. Completions and speech each pass through
// their own process-wide limiter, so a voice reply is not starved by the completion it follows.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	client  httpDoer
	limiter *rate.Limiter
	speech  *rate.Limiter
}

func NewOpenAIClient(cfg utils.LLMConfig) *OpenAIClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}

	return &OpenAIClient{
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  newHTTPClientWithTimeout(cfg.Timeout),
		limiter: newOutboundLimiter(cfg.RatePerMinute, cfg.Burst),
		speech:  newOutboundLimiter(cfg.RatePerMinute, cfg.Burst),
	}
}

func newHTTPClientWithTimeout(d time.Duration) *http.Client {
	if d <= 0 {
		d = defaultHTTPTimeout
	}
	return &http.Client{Timeout: d}
}

// newOutboundLimiter returns an unlimited limiter when perMinute is not positive.
func newOutboundLimiter(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

func (c *OpenAIClient) limiterFor(path string) *rate.Limiter {
	if path == speechPath {
		return c.speech
	}
	return c.limiter
}

// postJSON sends payload to path and returns the raw 2xx body.
func (c *OpenAIClient) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	if !c.limiterFor(path).Allow() {
		return nil, ErrUpstreamThrottled
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", path, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer response.Body.Close()

	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, buildAPIError("openai", response.StatusCode, respBody)
	}

	return respBody, nil
}

func decodeProviderError(body []byte) *providerAPIError {
	if len(body) == 0 {
		return nil
	}

	var envelope providerErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	if envelope.Error == nil {
		return nil
	}

	envelope.Error.Message = strings.TrimSpace(envelope.Error.Message)
	return envelope.Error
}

func buildAPIError(service string, statusCode int, body []byte) error {
	detail := ""
	if apiErr := decodeProviderError(body); apiErr != nil {
		switch {
		case apiErr.Code != "" && apiErr.Message != "":
			detail = apiErr.Code + ": " + apiErr.Message
		case apiErr.Message != "":
			detail = apiErr.Message
		default:
			detail = apiErr.Code
		}
	}

	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}
	if detail == "" {
		detail = http.StatusText(statusCode)
	}

	return &UpstreamError{Service: service, StatusCode: statusCode, Body: truncate(detail, maxLoggedBody)}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
