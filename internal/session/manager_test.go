package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storefront-auth/internal/client"
	"storefront-auth/internal/config"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = redisClient.Close() })

	return NewManager(redisClient, config.SessionConfig{TTL: ttl}, zap.NewNop()), mr
}

func TestGenerateToken(t *testing.T) {
	t1, err := GenerateToken()
	require.NoError(t, err)
	t2, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, t1, 64)
	assert.NotEqual(t, t1, t2)
}

func TestCreateAndValidate(t *testing.T) {
	manager, mr := newTestManager(t, 24*time.Hour)
	ctx := context.Background()

	token, err := manager.Create(ctx, "shop.example.com", "cust-1", "a@example.com")
	require.NoError(t, err)

	record, err := manager.Validate(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "cust-1", record.CustomerID)
	assert.Equal(t, "a@example.com", record.CustomerEmail)
	assert.Equal(t, "shop.example.com", record.Tenant)

	// The store TTL matches the configured session lifetime.
	ttl := mr.TTL(sessionPrefix + token)
	assert.InDelta(t, (24 * time.Hour).Seconds(), ttl.Seconds(), 5)
}

func TestValidateUnknownToken(t *testing.T) {
	manager, _ := newTestManager(t, time.Hour)

	record, err := manager.Validate(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestSessionExpires(t *testing.T) {
	manager, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	token, err := manager.Create(ctx, "shop.example.com", "cust-1", "a@example.com")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	record, err := manager.Validate(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestInvalidate(t *testing.T) {
	manager, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	token, err := manager.Create(ctx, "shop.example.com", "cust-1", "a@example.com")
	require.NoError(t, err)

	require.NoError(t, manager.Invalidate(ctx, token))

	record, err := manager.Validate(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, record)

	// Idempotent.
	assert.NoError(t, manager.Invalidate(ctx, token))
}

func TestRefresh(t *testing.T) {
	manager, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	token, err := manager.Create(ctx, "shop.example.com", "cust-1", "a@example.com")
	require.NoError(t, err)

	mr.FastForward(45 * time.Second)

	ok, err := manager.Refresh(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)

	// A fresh full TTL, not the remains of the old one.
	ttl := mr.TTL(sessionPrefix + token)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 5)

	ok, err = manager.Refresh(ctx, "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentSessionsPerCustomer(t *testing.T) {
	manager, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	t1, err := manager.Create(ctx, "shop.example.com", "cust-1", "a@example.com")
	require.NoError(t, err)
	t2, err := manager.Create(ctx, "shop.example.com", "cust-1", "a@example.com")
	require.NoError(t, err)
	other, err := manager.Create(ctx, "shop.example.com", "cust-2", "b@example.com")
	require.NoError(t, err)

	records, err := manager.ListForCustomer(ctx, "cust-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// Revoking one session leaves the sibling alive.
	require.NoError(t, manager.Invalidate(ctx, t1))
	record, err := manager.Validate(ctx, t2)
	require.NoError(t, err)
	assert.NotNil(t, record)

	records, err = manager.ListForCustomer(ctx, "cust-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// The other customer is untouched.
	record, err = manager.Validate(ctx, other)
	require.NoError(t, err)
	assert.NotNil(t, record)
}

func TestInvalidateAllForCustomer(t *testing.T) {
	manager, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	t1, err := manager.Create(ctx, "shop.example.com", "cust-1", "a@example.com")
	require.NoError(t, err)
	t2, err := manager.Create(ctx, "shop.example.com", "cust-1", "a@example.com")
	require.NoError(t, err)
	other, err := manager.Create(ctx, "shop.example.com", "cust-2", "b@example.com")
	require.NoError(t, err)

	require.NoError(t, manager.InvalidateAllForCustomer(ctx, "cust-1"))

	for _, token := range []string{t1, t2} {
		record, err := manager.Validate(ctx, token)
		require.NoError(t, err)
		assert.Nil(t, record)
	}

	record, err := manager.Validate(ctx, other)
	require.NoError(t, err)
	assert.NotNil(t, record)
}
