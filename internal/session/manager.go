package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"storefront-auth/internal/client"
	"storefront-auth/internal/config"
	"storefront-auth/internal/util"
)

const (
	sessionPrefix       = "session:"
	customerIndexPrefix = "session:customer:"
)

// Record is one device's login session. Multiple records may exist
// concurrently for a customer; each is independently revocable and the
// whole group is revocable at once.
type Record struct {
	Token         string    `json:"token"`
	Tenant        string    `json:"tenant"`
	CustomerID    string    `json:"customer_id"`
	CustomerEmail string    `json:"customer_email"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Manager issues, validates, refreshes and revokes opaque session
// tokens backed by store TTLs.
type Manager struct {
	client *client.RedisClient
	cfg    config.SessionConfig
	logger *zap.Logger
}

func NewManager(redisClient *client.RedisClient, cfg config.SessionConfig, logger *zap.Logger) *Manager {
	return &Manager{
		client: redisClient,
		cfg:    cfg,
		logger: logger,
	}
}

// GenerateToken returns 256 bits of randomness hex-encoded. Collisions
// are treated as negligible.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create persists a new session record and indexes it under the
// customer for group revocation.
func (m *Manager) Create(ctx context.Context, tenant, customerID, customerEmail string) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	record := Record{
		Token:         token,
		Tenant:        tenant,
		CustomerID:    customerID,
		CustomerEmail: customerEmail,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.TTL),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session record: %w", err)
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, sessionPrefix+token, string(data), m.cfg.TTL)
	indexKey := customerIndexPrefix + customerID
	pipe.SAdd(ctx, indexKey, token)
	pipe.Expire(ctx, indexKey, m.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to persist session: %w", err)
	}

	m.logger.Info("Session created",
		zap.String("customer_id", customerID),
		util.Email("customer_email", customerEmail),
		zap.Duration("ttl", m.cfg.TTL),
	)
	return token, nil
}

// Validate returns the session record for token, or nil when absent. A
// record whose expiry has passed but which the store has not yet reaped
// is treated as invalid and deleted.
func (m *Manager) Validate(ctx context.Context, token string) (*Record, error) {
	raw, err := m.client.Get(ctx, sessionPrefix+token)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}

	if time.Now().After(record.ExpiresAt) {
		if err := m.Invalidate(ctx, token); err != nil {
			m.logger.Warn("Failed to reap expired session", zap.Error(err))
		}
		return nil, nil
	}

	return &record, nil
}

// Invalidate deletes a session. Idempotent: a missing token is not an
// error.
func (m *Manager) Invalidate(ctx context.Context, token string) error {
	record, err := m.peek(ctx, token)
	if err != nil {
		return err
	}

	pipe := m.client.Pipeline()
	pipe.Del(ctx, sessionPrefix+token)
	if record != nil {
		pipe.SRem(ctx, customerIndexPrefix+record.CustomerID, token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	return nil
}

// Refresh extends the session expiry and resets the store TTL. Returns
// false when the session does not exist.
func (m *Manager) Refresh(ctx context.Context, token string) (bool, error) {
	record, err := m.peek(ctx, token)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}

	record.ExpiresAt = time.Now().UTC().Add(m.cfg.TTL)
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal session record: %w", err)
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, sessionPrefix+token, string(data), m.cfg.TTL)
	indexKey := customerIndexPrefix + record.CustomerID
	pipe.Expire(ctx, indexKey, m.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to refresh session: %w", err)
	}
	return true, nil
}

// ListForCustomer enumerates the customer's live sessions. Index
// entries for already-expired sessions are pruned as a side effect.
func (m *Manager) ListForCustomer(ctx context.Context, customerID string) ([]*Record, error) {
	tokens, err := m.client.SMembers(ctx, customerIndexPrefix+customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list customer sessions: %w", err)
	}

	records := make([]*Record, 0, len(tokens))
	for _, token := range tokens {
		record, err := m.Validate(ctx, token)
		if err != nil {
			return nil, err
		}
		if record == nil {
			_ = m.client.SRem(ctx, customerIndexPrefix+customerID, token)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// InvalidateAllForCustomer revokes every session belonging to one
// customer without disturbing any other customer's sessions.
func (m *Manager) InvalidateAllForCustomer(ctx context.Context, customerID string) error {
	indexKey := customerIndexPrefix + customerID
	tokens, err := m.client.SMembers(ctx, indexKey)
	if err != nil {
		return fmt.Errorf("failed to list customer sessions: %w", err)
	}

	pipe := m.client.Pipeline()
	for _, token := range tokens {
		pipe.Del(ctx, sessionPrefix+token)
	}
	pipe.Del(ctx, indexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate customer sessions: %w", err)
	}

	m.logger.Info("All sessions invalidated for customer",
		zap.String("customer_id", customerID),
		zap.Int("count", len(tokens)),
	)
	return nil
}

// peek reads a record without expiry enforcement.
func (m *Manager) peek(ctx context.Context, token string) (*Record, error) {
	raw, err := m.client.Get(ctx, sessionPrefix+token)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return &record, nil
}
