package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"storefront-auth/internal/config"
	"storefront-auth/internal/util"
)

const smsToBaseURL = "https://api.sms.to"

// SmsToProvider sends through the SMS.to REST API: JSON requests with a
// bearer token, JSON delivery callbacks.
type SmsToProvider struct {
	apiKey     string
	priority   int
	httpClient *http.Client
	logger     *zap.Logger
}

func NewSmsToProvider(cfg config.SMSToConfig, logger *zap.Logger) *SmsToProvider {
	return &SmsToProvider{
		apiKey:     cfg.APIKey,
		priority:   cfg.Priority,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (p *SmsToProvider) Name() string  { return "smsto" }
func (p *SmsToProvider) Priority() int { return p.priority }

type smsToSendRequest struct {
	To          string `json:"to"`
	Message     string `json:"message"`
	SenderID    string `json:"sender_id,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type smsToSendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

func (p *SmsToProvider) Send(ctx context.Context, params SendParams) (*SendResult, error) {
	reqBody := smsToSendRequest{
		To:          params.To,
		Message:     params.Message,
		SenderID:    params.SenderID,
		CallbackURL: params.CallbackURL,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sms.to request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, smsToBaseURL+"/sms/send", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build sms.to request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sms.to request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read sms.to response: %w", err)
	}

	var sendResp smsToSendResponse
	if err := json.Unmarshal(body, &sendResp); err != nil {
		return nil, fmt.Errorf("failed to decode sms.to response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !sendResp.Success {
		return nil, fmt.Errorf("sms.to rejected message (status %d): %s", resp.StatusCode, sendResp.Message)
	}

	p.logger.Debug("SMS.to message accepted",
		util.Phone("to", params.To),
		zap.String("message_id", sendResp.MessageID),
	)

	return &SendResult{ProviderMessageID: sendResp.MessageID, Provider: p.Name()}, nil
}

type smsToStatusResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func (p *SmsToProvider) CheckStatus(ctx context.Context, providerMessageID string) (*StatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/message/%s", smsToBaseURL, providerMessageID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build sms.to status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sms.to status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sms.to status lookup failed (status %d)", resp.StatusCode)
	}

	var statusResp smsToStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&statusResp); err != nil {
		return nil, fmt.Errorf("failed to decode sms.to status response: %w", err)
	}

	ts := time.Now().UTC()
	if parsed, err := time.Parse(time.RFC3339, statusResp.CreatedAt); err == nil {
		ts = parsed
	}

	return &StatusResult{
		Status:    normalizeSmsToStatus(statusResp.Status),
		Timestamp: ts,
	}, nil
}

type smsToWebhookPayload struct {
	MessageID   string `json:"message_id"`
	Status      string `json:"status"`
	DeliveredAt string `json:"delivered_at"`
	Reason      string `json:"reason"`
}

// ParseDeliveryWebhook decodes SMS.to's JSON delivery callback.
func (p *SmsToProvider) ParseDeliveryWebhook(payload []byte) (*WebhookResult, error) {
	var hook smsToWebhookPayload
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, fmt.Errorf("failed to parse sms.to webhook payload: %w", err)
	}

	if hook.MessageID == "" {
		return nil, fmt.Errorf("sms.to webhook: %w", ErrMissingMessageID)
	}

	result := &WebhookResult{
		ProviderMessageID: hook.MessageID,
		Status:            normalizeSmsToStatus(hook.Status),
		FailureReason:     hook.Reason,
	}
	if hook.DeliveredAt != "" {
		if parsed, err := time.Parse(time.RFC3339, hook.DeliveredAt); err == nil {
			result.DeliveredAt = parsed
		}
	}
	return result, nil
}

func normalizeSmsToStatus(status string) DeliveryStatus {
	switch status {
	case "pending", "queued", "scheduled":
		return StatusPending
	case "sent":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "failed", "error", "rejected":
		return StatusFailed
	default:
		return StatusPending
	}
}
