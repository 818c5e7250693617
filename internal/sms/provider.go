package sms

import (
	"context"
	"time"
)

// DeliveryStatus is the normalized delivery state across vendors.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// SendParams are the inputs to a single vendor send.
type SendParams struct {
	To          string
	Message     string
	SenderID    string
	CallbackURL string
}

// SendResult is a successful vendor dispatch.
type SendResult struct {
	ProviderMessageID string
	Provider          string
}

// StatusResult is a vendor's view of a previously sent message.
type StatusResult struct {
	Status    DeliveryStatus
	Timestamp time.Time
}

// WebhookResult is a parsed inbound delivery receipt.
type WebhookResult struct {
	ProviderMessageID string
	Status            DeliveryStatus
	DeliveredAt       time.Time
	FailureReason     string
}

// Provider is the uniform contract over transactional-SMS vendors.
// Implementations are registered with a unique name and an integer
// priority; lower priority is tried first.
type Provider interface {
	Name() string
	Priority() int
	Send(ctx context.Context, params SendParams) (*SendResult, error)
	CheckStatus(ctx context.Context, providerMessageID string) (*StatusResult, error)
	ParseDeliveryWebhook(payload []byte) (*WebhookResult, error)
}
