package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"storefront-auth/internal/client"
	"storefront-auth/internal/config"
	"storefront-auth/internal/queue"
	"storefront-auth/internal/util"
)

const (
	lastProviderPrefix   = "sms:last_provider:"
	deliveryStatusPrefix = "sms:delivery:"

	// JobTypeSend is the queue job type for outbound SMS.
	JobTypeSend = "sms.send"
)

var ErrNoProviders = errors.New("no SMS providers registered")

// JobPayload is the durable representation of one outbound SMS. Owned by
// the queue until terminally completed or exhausted.
type JobPayload struct {
	To           string `json:"to"`
	Message      string `json:"message"`
	SenderID     string `json:"sender_id,omitempty"`
	LastProvider string `json:"last_provider,omitempty"`
	CallbackURL  string `json:"callback_url,omitempty"`
}

// DeliveryRecord is the latest known delivery state for a provider
// message id, persisted for the inbound webhook handler.
type DeliveryRecord struct {
	ProviderMessageID string         `json:"provider_message_id"`
	Provider          string         `json:"provider"`
	Status            DeliveryStatus `json:"status"`
	UpdatedAt         time.Time      `json:"updated_at"`
	FailureReason     string         `json:"failure_reason,omitempty"`
}

// DeliveryService selects providers by priority, falls back to the next
// provider on failure, and rotates providers across resends so repeated
// failures on one vendor do not keep hitting the same vendor.
type DeliveryService struct {
	providers []Provider // ascending priority order, immutable after construction
	client    *client.RedisClient
	queue     *queue.Queue
	cfg       config.SMSConfig
	logger    *zap.Logger
}

func NewDeliveryService(
	providers []Provider,
	redisClient *client.RedisClient,
	jobQueue *queue.Queue,
	cfg config.SMSConfig,
	logger *zap.Logger,
) *DeliveryService {
	sorted := make([]Provider, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})

	s := &DeliveryService{
		providers: sorted,
		client:    redisClient,
		queue:     jobQueue,
		cfg:       cfg,
		logger:    logger,
	}

	if jobQueue != nil {
		jobQueue.Process(JobTypeSend, s.handleSendJob)
	}
	return s
}

// Providers returns the registered providers in priority order.
func (s *DeliveryService) Providers() []Provider {
	return s.providers
}

// Enqueue hands an SMS to the queue for asynchronous delivery with the
// queue's retry policy. Nothing is sent from the request path.
func (s *DeliveryService) Enqueue(ctx context.Context, payload JobPayload) (*queue.Job, error) {
	if len(s.providers) == 0 {
		return nil, ErrNoProviders
	}
	if payload.SenderID == "" {
		payload.SenderID = s.cfg.SenderID
	}

	job, err := s.queue.Enqueue(ctx, JobTypeSend, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue SMS job: %w", err)
	}

	s.logger.Info("SMS job enqueued",
		util.Phone("to", payload.To),
		zap.String("job_id", job.ID),
	)
	return job, nil
}

// handleSendJob is the queue worker entry point. Errors propagate so the
// queue's own retry policy applies; on resends the provider ring is
// rotated away from the last vendor used for this destination.
func (s *DeliveryService) handleSendJob(ctx context.Context, job *queue.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("malformed SMS job payload: %w", err)
	}

	params := SendParams{
		To:          payload.To,
		Message:     payload.Message,
		SenderID:    payload.SenderID,
		CallbackURL: payload.CallbackURL,
	}

	start := s.providers
	if job.Attempts > 1 {
		if last := s.lastProvider(ctx, payload.To); last != "" {
			start = s.rotatedFrom(last)
		}
	}

	result, err := s.sendAcross(ctx, start, params)
	if err != nil {
		return err
	}

	s.recordLastProvider(ctx, payload.To, result.Provider)
	if err := s.UpdateDeliveryStatus(ctx, result.ProviderMessageID, result.Provider, StatusSent, ""); err != nil {
		s.logger.Warn("Failed to persist delivery status", zap.Error(err))
	}
	return nil
}

// SendWithFallback attempts providers in ascending priority order and
// returns on the first success. If every provider fails, the last
// provider's error is returned.
func (s *DeliveryService) SendWithFallback(ctx context.Context, params SendParams) (*SendResult, error) {
	result, err := s.sendAcross(ctx, s.providers, params)
	if err != nil {
		return nil, err
	}
	s.recordLastProvider(ctx, params.To, result.Provider)
	return result, nil
}

func (s *DeliveryService) sendAcross(ctx context.Context, providers []Provider, params SendParams) (*SendResult, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for _, provider := range providers {
		result, err := provider.Send(ctx, params)
		if err == nil {
			s.logger.Info("SMS dispatched",
				util.Phone("to", params.To),
				zap.String("provider", provider.Name()),
				zap.String("provider_message_id", result.ProviderMessageID),
			)
			return result, nil
		}

		lastErr = err
		s.logger.Warn("SMS provider failed, trying next",
			util.Phone("to", params.To),
			zap.String("provider", provider.Name()),
			zap.Error(err),
		)
	}

	return nil, fmt.Errorf("all SMS providers failed: %w", lastErr)
}

// NextProvider returns the provider after lastUsedName in priority
// order, wrapping around the ring. An unknown name yields the highest
// priority provider.
func (s *DeliveryService) NextProvider(lastUsedName string) (Provider, error) {
	if len(s.providers) == 0 {
		return nil, ErrNoProviders
	}
	for i, provider := range s.providers {
		if provider.Name() == lastUsedName {
			return s.providers[(i+1)%len(s.providers)], nil
		}
	}
	return s.providers[0], nil
}

// rotatedFrom returns the provider ring reordered to start after
// lastUsedName.
func (s *DeliveryService) rotatedFrom(lastUsedName string) []Provider {
	next, err := s.NextProvider(lastUsedName)
	if err != nil {
		return s.providers
	}

	for i, provider := range s.providers {
		if provider.Name() == next.Name() {
			rotated := make([]Provider, 0, len(s.providers))
			rotated = append(rotated, s.providers[i:]...)
			rotated = append(rotated, s.providers[:i]...)
			return rotated
		}
	}
	return s.providers
}

func (s *DeliveryService) lastProvider(ctx context.Context, phone string) string {
	name, err := s.client.Get(ctx, lastProviderPrefix+phone)
	if err != nil {
		if !errors.Is(err, client.ErrKeyNotFound) {
			s.logger.Warn("Failed to read last provider", util.Phone("phone", phone), zap.Error(err))
		}
		return ""
	}
	return name
}

func (s *DeliveryService) recordLastProvider(ctx context.Context, phone, name string) {
	if err := s.client.Set(ctx, lastProviderPrefix+phone, name, s.cfg.LastProviderTTL); err != nil {
		s.logger.Warn("Failed to record last provider",
			util.Phone("phone", phone),
			zap.String("provider", name),
			zap.Error(err),
		)
	}
}

// UpdateDeliveryStatus persists the latest known delivery state for a
// provider message, keyed for later inspection by the webhook handler.
func (s *DeliveryService) UpdateDeliveryStatus(ctx context.Context, providerMessageID, provider string, status DeliveryStatus, failureReason string) error {
	record := DeliveryRecord{
		ProviderMessageID: providerMessageID,
		Provider:          provider,
		Status:            status,
		UpdatedAt:         time.Now().UTC(),
		FailureReason:     failureReason,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery record: %w", err)
	}

	if err := s.client.Set(ctx, deliveryStatusPrefix+providerMessageID, string(data), s.cfg.StatusTTL); err != nil {
		return fmt.Errorf("failed to persist delivery status: %w", err)
	}
	return nil
}

// GetDeliveryStatus returns the persisted delivery record, or nil when
// none is known.
func (s *DeliveryService) GetDeliveryStatus(ctx context.Context, providerMessageID string) (*DeliveryRecord, error) {
	raw, err := s.client.Get(ctx, deliveryStatusPrefix+providerMessageID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read delivery status: %w", err)
	}

	var record DeliveryRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery record: %w", err)
	}
	return &record, nil
}
