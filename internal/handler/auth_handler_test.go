package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storefront-auth/internal/client"
	"storefront-auth/internal/config"
	"storefront-auth/internal/directory"
	"storefront-auth/internal/multipass"
	"storefront-auth/internal/otp"
	"storefront-auth/internal/password"
	"storefront-auth/internal/queue"
	"storefront-auth/internal/ratelimit"
	"storefront-auth/internal/service"
	"storefront-auth/internal/session"
	"storefront-auth/internal/sms"
)

type memoryDirectory struct {
	mu        sync.Mutex
	customers map[string]*directory.Customer
	nextID    int
}

func (d *memoryDirectory) FindByEmail(ctx context.Context, email string) (*directory.Customer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.customers {
		if c.Email == email {
			return c, nil
		}
	}
	return nil, directory.ErrCustomerNotFound
}

func (d *memoryDirectory) FindByPhone(ctx context.Context, phone string) (*directory.Customer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.customers {
		if c.Phone == phone {
			return c, nil
		}
	}
	return nil, directory.ErrCustomerNotFound
}

func (d *memoryDirectory) Create(ctx context.Context, req directory.CreateRequest) (*directory.Customer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	c := &directory.Customer{ID: fmt.Sprintf("cust-%d", d.nextID), Email: req.Email, Phone: req.Phone}
	d.customers[c.ID] = c
	return c, nil
}

func (d *memoryDirectory) Update(ctx context.Context, id string, req directory.UpdateRequest) (*directory.Customer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.customers[id], nil
}

func (d *memoryDirectory) SetAuthMethod(ctx context.Context, id, method string) error { return nil }
func (d *memoryDirectory) SetPhoneVerified(ctx context.Context, id string, v bool) error {
	return nil
}
func (d *memoryDirectory) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	return nil
}

type healthOK struct{}

func (healthOK) HealthCheck(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = redisClient.Close() })

	cfg := &config.Config{
		OTP: config.OTPConfig{
			CodeLength:        6,
			TTL:               5 * time.Minute,
			MaxVerifyAttempts: 5,
			BlockDuration:     15 * time.Minute,
			ResendCooldown:    30 * time.Second,
			MaxSendAttempts:   3,
			SendWindow:        10 * time.Minute,
			SendBlockDuration: 10 * time.Minute,
		},
		Queue:     config.QueueConfig{Workers: 1, MaxAttempts: 3, BackoffBase: 20 * time.Millisecond, PollInterval: 10 * time.Millisecond},
		Session:   config.SessionConfig{TTL: 24 * time.Hour},
		Multipass: config.MultipassConfig{Secret: "test-secret", TenantDomain: "shop.example.com"},
		SMS:       config.SMSConfig{SenderID: "ACME", LastProviderTTL: 10 * time.Minute, StatusTTL: time.Hour},
		RateLimit: config.RateLimitConfig{Limit: 100, Window: time.Minute},
		Password:  config.PasswordConfig{BcryptCost: 12},
	}

	logger := zap.NewNop()
	jobQueue := queue.NewQueue(redisClient, cfg.Queue, nil, logger)
	twilio := sms.NewTwilioProvider(config.TwilioConfig{Priority: 1}, logger)
	delivery := sms.NewDeliveryService([]sms.Provider{twilio}, redisClient, jobQueue, cfg.SMS, logger)

	otpEngine := otp.NewEngine(redisClient, cfg.OTP, logger)
	sessions := session.NewManager(redisClient, cfg.Session, logger)
	mpGen, err := multipass.NewGenerator(cfg.Multipass.Secret)
	require.NoError(t, err)
	hasher, err := password.NewHasher(cfg.Password.BcryptCost)
	require.NoError(t, err)

	dir := &memoryDirectory{customers: make(map[string]*directory.Customer)}
	authService := service.NewAuthService(cfg, otpEngine, delivery, sessions, mpGen, dir, hasher, nil, logger)

	authHandler := NewAuthHandler(authService, delivery, sessions, logger)
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimit, logger)
	router := NewRouter(authHandler, limiter, healthOK{}, logger)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, serverURL, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(serverURL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendCodeAccepted(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL, "/api/v1/auth/sms/send", `{"phone":"+12025551234"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
}

func TestSendCodeRejectsBadPhone(t *testing.T) {
	server := newTestServer(t)

	for _, payload := range []string{
		`{"phone":"12025551234"}`,
		`{"phone":""}`,
		`{}`,
		`not json`,
	} {
		resp := postJSON(t, server.URL, "/api/v1/auth/sms/send", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "payload %s", payload)
	}
}

func TestSendCodeCooldownReturns429(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL, "/api/v1/auth/sms/send", `{"phone":"+12025551234"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, server.URL, "/api/v1/auth/sms/send", `{"phone":"+12025551234"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestVerifyWrongCodeReturns401(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL, "/api/v1/auth/sms/verify", `{"phone":"+12025551234","code":"000000"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEmailLoginUnknownReturns401(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL, "/api/v1/auth/email/login", `{"email":"ghost@example.com","password":"whatever"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOAuthUnknownProviderReturns400(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL, "/api/v1/auth/oauth/ghost", `{"code":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogoutRequiresBearer(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL, "/api/v1/auth/logout", `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookUnknownProvider(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL, "/api/v1/webhooks/sms/ghost", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookTwilioReceipt(t *testing.T) {
	server := newTestServer(t)

	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("MessageStatus", "delivered")

	resp, err := http.Post(server.URL+"/api/v1/webhooks/sms/twilio", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookMalformedPayload(t *testing.T) {
	server := newTestServer(t)

	// A receipt with no message id cannot be applied.
	resp := postJSON(t, server.URL, "/api/v1/webhooks/sms/twilio", "MessageStatus=delivered")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownEndpoint(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBearerTokenParsing(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)

	_, ok := bearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer abc123")
	token, ok := bearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "abc123", token)

	req.Header.Set("Authorization", "Basic abc123")
	_, ok = bearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer ")
	_, ok = bearerToken(req)
	assert.False(t, ok)
}
