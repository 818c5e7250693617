package sms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storefront-auth/internal/client"
	"storefront-auth/internal/config"
)

type fakeProvider struct {
	name     string
	priority int
	fail     bool

	mu    sync.Mutex
	calls int
	last  SendParams
}

func (p *fakeProvider) Name() string  { return p.name }
func (p *fakeProvider) Priority() int { return p.priority }

func (p *fakeProvider) Send(ctx context.Context, params SendParams) (*SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = params
	if p.fail {
		return nil, errors.New(p.name + " rejected the message")
	}
	return &SendResult{ProviderMessageID: p.name + "-msg-1", Provider: p.name}, nil
}

func (p *fakeProvider) CheckStatus(ctx context.Context, providerMessageID string) (*StatusResult, error) {
	return &StatusResult{Status: StatusSent}, nil
}

func (p *fakeProvider) ParseDeliveryWebhook(payload []byte) (*WebhookResult, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestDelivery(t *testing.T, providers ...Provider) (*DeliveryService, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = redisClient.Close() })

	cfg := config.SMSConfig{
		SenderID:        "ACME",
		LastProviderTTL: 10 * time.Minute,
		StatusTTL:       time.Hour,
	}
	return NewDeliveryService(providers, redisClient, nil, cfg, zap.NewNop()), mr
}

func TestProvidersSortedByPriority(t *testing.T) {
	secondary := &fakeProvider{name: "secondary", priority: 2}
	primary := &fakeProvider{name: "primary", priority: 1}

	service, _ := newTestDelivery(t, secondary, primary)

	providers := service.Providers()
	require.Len(t, providers, 2)
	assert.Equal(t, "primary", providers[0].Name())
	assert.Equal(t, "secondary", providers[1].Name())
}

func TestSendUsesHighestPriorityFirst(t *testing.T) {
	primary := &fakeProvider{name: "primary", priority: 1}
	secondary := &fakeProvider{name: "secondary", priority: 2}
	service, _ := newTestDelivery(t, primary, secondary)

	result, err := service.SendWithFallback(context.Background(), SendParams{To: "+12025551234", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "primary", result.Provider)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 0, secondary.callCount())
}

func TestFallbackOnProviderFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", priority: 1, fail: true}
	secondary := &fakeProvider{name: "secondary", priority: 2}
	service, _ := newTestDelivery(t, primary, secondary)

	result, err := service.SendWithFallback(context.Background(), SendParams{To: "+12025551234", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "secondary", result.Provider)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, secondary.callCount())
}

func TestAllProvidersFail(t *testing.T) {
	primary := &fakeProvider{name: "primary", priority: 1, fail: true}
	secondary := &fakeProvider{name: "secondary", priority: 2, fail: true}
	service, _ := newTestDelivery(t, primary, secondary)

	_, err := service.SendWithFallback(context.Background(), SendParams{To: "+12025551234", Message: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all SMS providers failed")
	assert.Contains(t, err.Error(), "secondary rejected")
}

func TestNoProviders(t *testing.T) {
	service, _ := newTestDelivery(t)

	_, err := service.SendWithFallback(context.Background(), SendParams{To: "+12025551234", Message: "hi"})
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestNextProviderWrapsAround(t *testing.T) {
	a := &fakeProvider{name: "a", priority: 1}
	b := &fakeProvider{name: "b", priority: 2}
	c := &fakeProvider{name: "c", priority: 3}
	service, _ := newTestDelivery(t, a, b, c)

	next, err := service.NextProvider("a")
	require.NoError(t, err)
	assert.Equal(t, "b", next.Name())

	next, err = service.NextProvider("c")
	require.NoError(t, err)
	assert.Equal(t, "a", next.Name())

	// Unknown name falls back to the highest priority provider.
	next, err = service.NextProvider("ghost")
	require.NoError(t, err)
	assert.Equal(t, "a", next.Name())
}

func TestRotationAcrossResends(t *testing.T) {
	a := &fakeProvider{name: "a", priority: 1}
	b := &fakeProvider{name: "b", priority: 2}
	service, _ := newTestDelivery(t, a, b)
	ctx := context.Background()

	// First send lands on a and records it.
	result, err := service.SendWithFallback(ctx, SendParams{To: "+12025551234", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "a", result.Provider)

	rotated := service.rotatedFrom("a")
	require.Len(t, rotated, 2)
	assert.Equal(t, "b", rotated[0].Name())
	assert.Equal(t, "a", rotated[1].Name())
}

func TestDeliveryStatusLifecycle(t *testing.T) {
	service, _ := newTestDelivery(t, &fakeProvider{name: "a", priority: 1})
	ctx := context.Background()

	record, err := service.GetDeliveryStatus(ctx, "msg-404")
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, service.UpdateDeliveryStatus(ctx, "msg-1", "a", StatusSent, ""))

	record, err = service.GetDeliveryStatus(ctx, "msg-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, StatusSent, record.Status)
	assert.Equal(t, "a", record.Provider)

	require.NoError(t, service.UpdateDeliveryStatus(ctx, "msg-1", "a", StatusFailed, "handset unreachable"))

	record, err = service.GetDeliveryStatus(ctx, "msg-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Equal(t, "handset unreachable", record.FailureReason)
}
