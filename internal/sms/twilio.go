package sms

import (
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

	"storefront-auth/internal/config"
	"storefront-auth/internal/util"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

var ErrMissingMessageID = errors.New("delivery webhook payload is missing the message identifier")

// TwilioProvider sends through the Twilio Messages API: form-encoded
// requests with HTTP basic auth, form-encoded delivery callbacks.
type TwilioProvider struct {
	accountSID string
	authToken  string
	fromNumber string
	priority   int
	httpClient *http.Client
	logger     *zap.Logger
}

func NewTwilioProvider(cfg config.TwilioConfig, logger *zap.Logger) *TwilioProvider {
	return &TwilioProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		priority:   cfg.Priority,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (p *TwilioProvider) Name() string  { return "twilio" }
func (p *TwilioProvider) Priority() int { return p.priority }

type twilioMessageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

func (p *TwilioProvider) Send(ctx context.Context, params SendParams) (*SendResult, error) {
	form := url.Values{}
	form.Set("To", params.To)
	form.Set("Body", params.Message)
	if params.SenderID != "" {
		form.Set("From", params.SenderID)
	} else {
		form.Set("From", p.fromNumber)
	}
	if params.CallbackURL != "" {
		form.Set("StatusCallback", params.CallbackURL)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", twilioBaseURL, p.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build twilio request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read twilio response: %w", err)
	}

	var msg twilioMessageResponse
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode twilio response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("twilio rejected message (status %d): %s", resp.StatusCode, msg.ErrorMessage)
	}

	p.logger.Debug("Twilio message accepted",
		util.Phone("to", params.To),
		zap.String("message_sid", msg.SID),
	)

	return &SendResult{ProviderMessageID: msg.SID, Provider: p.Name()}, nil
}

func (p *TwilioProvider) CheckStatus(ctx context.Context, providerMessageID string) (*StatusResult, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages/%s.json", twilioBaseURL, p.accountSID, providerMessageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build twilio status request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("twilio status lookup failed (status %d)", resp.StatusCode)
	}

	var msg twilioMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode twilio status response: %w", err)
	}

	return &StatusResult{
		Status:    normalizeTwilioStatus(msg.Status),
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParseDeliveryWebhook decodes Twilio's form-encoded status callback.
func (p *TwilioProvider) ParseDeliveryWebhook(payload []byte) (*WebhookResult, error) {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to parse twilio webhook payload: %w", err)
	}

	messageSID := values.Get("MessageSid")
	if messageSID == "" {
		messageSID = values.Get("SmsSid")
	}
	if messageSID == "" {
		return nil, fmt.Errorf("twilio webhook: %w", ErrMissingMessageID)
	}

	result := &WebhookResult{
		ProviderMessageID: messageSID,
		Status:            normalizeTwilioStatus(values.Get("MessageStatus")),
	}
	if result.Status == StatusDelivered {
		result.DeliveredAt = time.Now().UTC()
	}
	if result.Status == StatusFailed {
		result.FailureReason = values.Get("ErrorCode")
	}
	return result, nil
}

func normalizeTwilioStatus(status string) DeliveryStatus {
	switch status {
	case "queued", "accepted", "sending":
		return StatusPending
	case "sent":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "failed", "undelivered", "canceled":
		return StatusFailed
	default:
		return StatusPending
	}
}
