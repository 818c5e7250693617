package sms

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storefront-auth/internal/config"
)

func TestTwilioParseDeliveryWebhook(t *testing.T) {
	provider := NewTwilioProvider(config.TwilioConfig{Priority: 1}, zap.NewNop())

	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("MessageStatus", "delivered")

	result, err := provider.ParseDeliveryWebhook([]byte(form.Encode()))
	require.NoError(t, err)
	assert.Equal(t, "SM123", result.ProviderMessageID)
	assert.Equal(t, StatusDelivered, result.Status)
	assert.False(t, result.DeliveredAt.IsZero())
}

func TestTwilioWebhookFallsBackToSmsSid(t *testing.T) {
	provider := NewTwilioProvider(config.TwilioConfig{Priority: 1}, zap.NewNop())

	form := url.Values{}
	form.Set("SmsSid", "SM456")
	form.Set("MessageStatus", "failed")
	form.Set("ErrorCode", "30003")

	result, err := provider.ParseDeliveryWebhook([]byte(form.Encode()))
	require.NoError(t, err)
	assert.Equal(t, "SM456", result.ProviderMessageID)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "30003", result.FailureReason)
}

func TestTwilioWebhookMissingMessageID(t *testing.T) {
	provider := NewTwilioProvider(config.TwilioConfig{Priority: 1}, zap.NewNop())

	_, err := provider.ParseDeliveryWebhook([]byte("MessageStatus=delivered"))
	assert.ErrorIs(t, err, ErrMissingMessageID)
}

func TestSmsToParseDeliveryWebhook(t *testing.T) {
	provider := NewSmsToProvider(config.SMSToConfig{Priority: 2}, zap.NewNop())

	payload := []byte(`{"message_id":"abc-1","status":"delivered","delivered_at":"2026-08-29T10:00:00Z"}`)
	result, err := provider.ParseDeliveryWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, "abc-1", result.ProviderMessageID)
	assert.Equal(t, StatusDelivered, result.Status)
	assert.Equal(t, 2026, result.DeliveredAt.Year())
}

func TestSmsToWebhookFailure(t *testing.T) {
	provider := NewSmsToProvider(config.SMSToConfig{Priority: 2}, zap.NewNop())

	payload := []byte(`{"message_id":"abc-2","status":"failed","reason":"invalid number"}`)
	result, err := provider.ParseDeliveryWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "invalid number", result.FailureReason)
}

func TestSmsToWebhookRejectsGarbage(t *testing.T) {
	provider := NewSmsToProvider(config.SMSToConfig{Priority: 2}, zap.NewNop())

	_, err := provider.ParseDeliveryWebhook([]byte(`not json`))
	assert.Error(t, err)

	_, err = provider.ParseDeliveryWebhook([]byte(`{"status":"delivered"}`))
	assert.ErrorIs(t, err, ErrMissingMessageID)
}

func TestStatusNormalization(t *testing.T) {
	assert.Equal(t, StatusPending, normalizeTwilioStatus("queued"))
	assert.Equal(t, StatusSent, normalizeTwilioStatus("sent"))
	assert.Equal(t, StatusFailed, normalizeTwilioStatus("undelivered"))
	assert.Equal(t, StatusPending, normalizeTwilioStatus("something-new"))

	assert.Equal(t, StatusPending, normalizeSmsToStatus("scheduled"))
	assert.Equal(t, StatusFailed, normalizeSmsToStatus("rejected"))
	assert.Equal(t, StatusPending, normalizeSmsToStatus("something-new"))
}
