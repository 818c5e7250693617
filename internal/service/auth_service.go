package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"storefront-auth/internal/config"
	"storefront-auth/internal/directory"
	"storefront-auth/internal/multipass"
	"storefront-auth/internal/otp"
	"storefront-auth/internal/password"
	"storefront-auth/internal/session"
	"storefront-auth/internal/sms"
	"storefront-auth/internal/util"
)

// E.164: plus sign, then 2 to 15 digits with a non-zero lead.
var phonePattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// EventPublisher receives authentication lifecycle events. Optional;
// a nil publisher disables events without touching the flows.
type EventPublisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// LoginResult is the outcome of any successful authentication flow: a
// service session plus the one-shot platform hand-off.
type LoginResult struct {
	CustomerID   string
	SessionToken string
	Multipass    string
	RedirectURL  string
}

// AuthService orchestrates the three login channels over the shared
// building blocks. It owns flow sequencing and policy gates; the actual
// mechanics live in the component packages.
type AuthService struct {
	cfg       *config.Config
	otpEngine *otp.Engine
	delivery  *sms.DeliveryService
	sessions  *session.Manager
	multipass *multipass.Generator
	directory directory.Directory
	hasher    *password.Hasher
	oauth     map[string]OAuthProvider
	events    EventPublisher
	logger    *zap.Logger
}

func NewAuthService(
	cfg *config.Config,
	otpEngine *otp.Engine,
	delivery *sms.DeliveryService,
	sessions *session.Manager,
	multipassGen *multipass.Generator,
	dir directory.Directory,
	hasher *password.Hasher,
	events EventPublisher,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		cfg:       cfg,
		otpEngine: otpEngine,
		delivery:  delivery,
		sessions:  sessions,
		multipass: multipassGen,
		directory: dir,
		hasher:    hasher,
		oauth:     make(map[string]OAuthProvider),
		events:    events,
		logger:    logger,
	}
}

// RegisterOAuthProvider makes a provider available under its name. Must
// be called before the router starts accepting requests.
func (s *AuthService) RegisterOAuthProvider(provider OAuthProvider) {
	s.oauth[provider.Name()] = provider
}

// RequestSMSCode runs the send-side policy gates in order, then
// generates, stores and enqueues a fresh code. Gate order matters:
// blocks are checked before the cooldown so a blocked caller learns the
// longer wait, and the send counter only advances for requests that
// passed every earlier gate.
func (s *AuthService) RequestSMSCode(ctx context.Context, phone string) error {
	phone = strings.TrimSpace(phone)
	if !phonePattern.MatchString(phone) {
		return &ValidationError{Field: "phone", Message: "must be E.164, e.g. +12025550123"}
	}

	if s.otpEngine.IsBlocked(ctx, phone) {
		return &RateLimitedError{RetryAfter: s.otpEngine.BlockTTL(ctx, phone)}
	}
	if s.otpEngine.IsSendBlocked(ctx, phone) {
		return &RateLimitedError{RetryAfter: s.cfg.OTP.SendBlockDuration}
	}
	if check := s.otpEngine.CanResend(ctx, phone); !check.Allowed {
		return &RateLimitedError{RetryAfter: check.RetryAfter}
	}

	check, err := s.otpEngine.TrackSendAttempt(ctx, phone)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !check.Allowed {
		return &RateLimitedError{RetryAfter: check.RetryAfter}
	}

	code := otp.Generate(s.cfg.OTP.CodeLength)
	if err := s.otpEngine.Store(ctx, phone, code, s.cfg.OTP.TTL); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	payload := sms.JobPayload{
		To:      phone,
		Message: fmt.Sprintf("%s is your verification code. It expires in %d minutes.", code, int(s.cfg.OTP.TTL.Minutes())),
	}
	if s.cfg.SMS.CallbackBaseURL != "" {
		payload.CallbackURL = s.cfg.SMS.CallbackBaseURL + "/api/v1/webhooks/sms/twilio"
	}
	if _, err := s.delivery.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	s.otpEngine.RecordSendTime(ctx, phone)

	s.publish(ctx, phone, map[string]interface{}{
		"event": "otp.requested",
		"phone": util.MaskPhone(phone),
	})
	return nil
}

// VerifySMSCode checks the code and, on success, logs the customer in:
// find-or-create in the directory, tag the login, issue the session and
// the platform hand-off token.
func (s *AuthService) VerifySMSCode(ctx context.Context, phone, code, returnTo string) (*LoginResult, error) {
	phone = strings.TrimSpace(phone)
	if !phonePattern.MatchString(phone) {
		return nil, &ValidationError{Field: "phone", Message: "must be E.164, e.g. +12025550123"}
	}
	if code == "" {
		return nil, &ValidationError{Field: "code", Message: "is required"}
	}

	ok, err := s.otpEngine.Verify(ctx, phone, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !ok {
		if s.otpEngine.IsBlocked(ctx, phone) {
			return nil, &RateLimitedError{RetryAfter: s.otpEngine.BlockTTL(ctx, phone)}
		}
		return nil, ErrInvalidCredentials
	}

	customer, err := s.findOrCreateByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	s.tagLogin(ctx, customer.ID, "sms")
	if err := s.directory.SetPhoneVerified(ctx, customer.ID, true); err != nil {
		s.logger.Warn("Failed to mark phone verified",
			zap.String("customer_id", customer.ID),
			zap.Error(err),
		)
	}

	result, err := s.login(ctx, customer, returnTo)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, customer.ID, map[string]interface{}{
		"event":       "login.succeeded",
		"method":      "sms",
		"customer_id": customer.ID,
	})
	return result, nil
}

// EmailLogin verifies an email and password pair. Every failure mode
// collapses into ErrInvalidCredentials so responses cannot be used to
// probe which addresses have accounts.
func (s *AuthService) EmailLogin(ctx context.Context, email, plaintext, returnTo string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return nil, &ValidationError{Field: "email", Message: "is malformed"}
	}
	if plaintext == "" {
		return nil, &ValidationError{Field: "password", Message: "is required"}
	}

	customer, err := s.directory.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, directory.ErrCustomerNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, &ExternalServiceError{Service: "customer directory", Err: err}
	}

	if customer.PasswordHash == "" || !s.hasher.Verify(customer.PasswordHash, plaintext) {
		s.logger.Info("Email login rejected", util.Email("email", email))
		return nil, ErrInvalidCredentials
	}

	s.tagLogin(ctx, customer.ID, "email")

	result, err := s.login(ctx, customer, returnTo)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, customer.ID, map[string]interface{}{
		"event":       "login.succeeded",
		"method":      "email",
		"customer_id": customer.ID,
	})
	return result, nil
}

// OAuthLogin exchanges the authorization code with the named provider
// and logs the profile's customer in. The exchange happens exactly
// once: a flaky provider round trip surfaces as an error rather than a
// hidden retry, because authorization codes are single-use.
func (s *AuthService) OAuthLogin(ctx context.Context, providerName, code, returnTo string) (*LoginResult, error) {
	provider, ok := s.oauth[providerName]
	if !ok {
		return nil, &ValidationError{Field: "provider", Message: "is not supported"}
	}
	if code == "" {
		return nil, &ValidationError{Field: "code", Message: "is required"}
	}

	profile, err := provider.Exchange(ctx, code)
	if err != nil {
		return nil, &ExternalServiceError{Service: providerName, Err: err}
	}
	if profile.Email == "" {
		return nil, &ValidationError{Field: "email", Message: "not provided by " + providerName}
	}

	customer, err := s.findOrCreateByEmail(ctx, profile)
	if err != nil {
		return nil, err
	}

	s.tagLogin(ctx, customer.ID, "oauth:"+providerName)

	result, err := s.login(ctx, customer, returnTo)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, customer.ID, map[string]interface{}{
		"event":       "login.succeeded",
		"method":      "oauth",
		"provider":    providerName,
		"customer_id": customer.ID,
	})
	return result, nil
}

// Logout revokes a single session. Idempotent.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Invalidate(ctx, token); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// LogoutAll revokes every session of the customer who owns token.
// Returns false when the token is not a live session.
func (s *AuthService) LogoutAll(ctx context.Context, token string) (bool, error) {
	record, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if record == nil {
		return false, nil
	}

	if err := s.sessions.InvalidateAllForCustomer(ctx, record.CustomerID); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	s.publish(ctx, record.CustomerID, map[string]interface{}{
		"event":       "logout.all",
		"customer_id": record.CustomerID,
	})
	return true, nil
}

// Sessions lists the live sessions of the customer who owns token.
func (s *AuthService) Sessions(ctx context.Context, token string) ([]*session.Record, error) {
	record, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if record == nil {
		return nil, ErrInvalidCredentials
	}
	return s.sessions.ListForCustomer(ctx, record.CustomerID)
}

// login issues the session and the platform hand-off for an already
// authenticated customer. Multipass generation fails closed: without a
// valid hand-off token the login does not complete.
func (s *AuthService) login(ctx context.Context, customer *directory.Customer, returnTo string) (*LoginResult, error) {
	if err := s.directory.SetLastLogin(ctx, customer.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("Failed to stamp last login",
			zap.String("customer_id", customer.ID),
			zap.Error(err),
		)
	}

	token, err := s.sessions.Create(ctx, s.cfg.Multipass.TenantDomain, customer.ID, customer.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	payload := multipass.Payload{
		Email:      customer.Email,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		FirstName:  customer.FirstName,
		LastName:   customer.LastName,
		Identifier: customer.ID,
		TagString:  strings.Join(customer.Tags, ", "),
	}
	handoff, err := s.multipass.GenerateToken(payload, returnTo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	return &LoginResult{
		CustomerID:   customer.ID,
		SessionToken: token,
		Multipass:    handoff,
		RedirectURL:  multipass.RedirectURL(s.cfg.Multipass.TenantDomain, handoff),
	}, nil
}

func (s *AuthService) findOrCreateByPhone(ctx context.Context, phone string) (*directory.Customer, error) {
	customer, err := s.directory.FindByPhone(ctx, phone)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, directory.ErrCustomerNotFound) {
		return nil, &ExternalServiceError{Service: "customer directory", Err: err}
	}

	// Phone-only identity; the directory synthesizes a placeholder email
	// for platforms that require one.
	customer, err = s.directory.Create(ctx, directory.CreateRequest{
		Email: syntheticEmail(phone, s.cfg.Multipass.TenantDomain),
		Phone: phone,
	})
	if err != nil {
		return nil, &ExternalServiceError{Service: "customer directory", Err: err}
	}
	return customer, nil
}

func (s *AuthService) findOrCreateByEmail(ctx context.Context, profile *Profile) (*directory.Customer, error) {
	email := strings.ToLower(profile.Email)
	customer, err := s.directory.FindByEmail(ctx, email)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, directory.ErrCustomerNotFound) {
		return nil, &ExternalServiceError{Service: "customer directory", Err: err}
	}

	customer, err = s.directory.Create(ctx, directory.CreateRequest{
		Email:     email,
		Phone:     profile.Phone,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
	})
	if err != nil {
		return nil, &ExternalServiceError{Service: "customer directory", Err: err}
	}
	return customer, nil
}

// tagLogin records the auth method on the directory record. Best effort:
// a tagging failure must not abort an otherwise successful login.
func (s *AuthService) tagLogin(ctx context.Context, customerID, method string) {
	if err := s.directory.SetAuthMethod(ctx, customerID, method); err != nil {
		s.logger.Warn("Failed to tag auth method",
			zap.String("customer_id", customerID),
			zap.String("method", method),
			zap.Error(err),
		)
	}
}

func (s *AuthService) publish(ctx context.Context, key string, event map[string]interface{}) {
	if s.events == nil {
		return
	}
	event["at"] = time.Now().UTC().Format(time.RFC3339)
	if err := s.events.PublishEvent(ctx, key, event); err != nil {
		s.logger.Warn("Failed to publish auth event", zap.Error(err))
	}
}

// syntheticEmail derives a stable placeholder address for phone-only
// customers: digits only, at the tenant's customers subdomain.
func syntheticEmail(phone, tenantDomain string) string {
	digits := strings.TrimPrefix(phone, "+")
	return fmt.Sprintf("%s@customers.%s", digits, tenantDomain)
}
