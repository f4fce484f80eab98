package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/aidanna/internal/utils"
)

// ErrTransactionNotFound means Paystack does not know the reference.
var ErrTransactionNotFound = errors.New("paystack: transaction not found")

// PaystackMetadata carries the fields the checkout attaches to a transaction.
type PaystackMetadata struct {
	UserID   string `json:"userId"`
	PlanType string `json:"planType"`
}

// PaystackTransaction is the subset of a verified transaction the server relies on.
type PaystackTransaction struct {
	Reference string
	Status    string
	Amount    int64
	Currency  string
	PaidAt    *time.Time
	Metadata  PaystackMetadata
}

// Successful reports whether the charge went through.
func (t *PaystackTransaction) Successful() bool {
	return strings.EqualFold(t.Status, "success")
}

type PaystackService struct {
	baseURL   string
	secretKey string
	client    httpDoer
	logger    *zap.SugaredLogger
}

func NewPaystackService(cfg utils.PaystackConfig, logger *zap.SugaredLogger) *PaystackService {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.paystack.co"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &PaystackService{
		baseURL:   base,
		secretKey: strings.TrimSpace(cfg.SecretKey),
		client:    newHTTPClientWithTimeout(20 * time.Second),
		logger:    logger,
	}
}

// VerifyTransaction looks up reference via GET /transaction/verify/:reference.
func (s *PaystackService) VerifyTransaction(ctx context.Context, reference string) (*PaystackTransaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("payment reference is required")
	}

	endpoint := s.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create verify request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+s.secretKey)

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("call paystack verify: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read paystack response: %w", err)
	}

	if response.StatusCode == http.StatusNotFound || response.StatusCode == http.StatusBadRequest {
		s.logger.Infow("paystack reference rejected", "reference", reference, "status", response.StatusCode, "body", truncate(string(body), maxLoggedBody))
		return nil, ErrTransactionNotFound
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, buildAPIError("paystack", response.StatusCode, body)
	}

	var envelope paystackVerifyResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode paystack response: %w", err)
	}
	if !envelope.Status || envelope.Data == nil {
		s.logger.Infow("paystack verify unsuccessful", "reference", reference, "message", envelope.Message)
		return nil, ErrTransactionNotFound
	}

	data := envelope.Data
	return &PaystackTransaction{
		Reference: data.Reference,
		Status:    data.Status,
		Amount:    data.Amount,
		Currency:  data.Currency,
		PaidAt:    data.PaidAt,
		Metadata:  decodePaystackMetadata(data.Metadata),
	}, nil
}

// decodePaystackMetadata tolerates metadata sent as an object, a JSON-encoded string, or empty.
func decodePaystackMetadata(raw json.RawMessage) PaystackMetadata {
	var meta PaystackMetadata
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return meta
	}

	if trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return meta
		}
		trimmed = []byte(encoded)
	}

	_ = json.Unmarshal(trimmed, &meta)
	meta.UserID = strings.TrimSpace(meta.UserID)
	meta.PlanType = strings.TrimSpace(meta.PlanType)
	return meta
}

type paystackVerifyResponse struct {
	Status  bool                 `json:"status"`
	Message string               `json:"message"`
	Data    *paystackTransaction `json:"data"`
}

type paystackTransaction struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`
	PaidAt    *time.Time      `json:"paid_at"`
	Metadata  json.RawMessage `json:"metadata"`
}
