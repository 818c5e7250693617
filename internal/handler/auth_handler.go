package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"storefront-auth/internal/service"
	"storefront-auth/internal/session"
	"storefront-auth/internal/sms"
	"storefront-auth/internal/util"
)

// AuthHandler handles the customer-facing authentication endpoints and
// the inbound SMS delivery webhooks.
type AuthHandler struct {
	authService *service.AuthService
	delivery    *sms.DeliveryService
	sessions    *session.Manager
	validate    *validator.Validate
	logger      *zap.Logger
}

func NewAuthHandler(
	authService *service.AuthService,
	delivery *sms.DeliveryService,
	sessions *session.Manager,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		delivery:    delivery,
		sessions:    sessions,
		validate:    validator.New(),
		logger:      logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

type sendCodeRequest struct {
	Phone string `json:"phone" validate:"required,e164"`
}

type verifyCodeRequest struct {
	Phone    string `json:"phone" validate:"required,e164"`
	Code     string `json:"code" validate:"required,numeric"`
	ReturnTo string `json:"return_to" validate:"omitempty,uri"`
}

type emailLoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	ReturnTo string `json:"return_to" validate:"omitempty,uri"`
}

type oauthLoginRequest struct {
	Code     string `json:"code" validate:"required"`
	ReturnTo string `json:"return_to" validate:"omitempty,uri"`
}

type loginResponse struct {
	CustomerID   string `json:"customer_id"`
	SessionToken string `json:"session_token"`
	Multipass    string `json:"multipass"`
	RedirectURL  string `json:"redirect_url"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegisterRoutes registers all auth routes under the API prefix.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/sms/send", h.SendSMSCode)
		r.Post("/sms/verify", h.VerifySMSCode)
		r.Post("/email/login", h.EmailLogin)
		r.Post("/oauth/{provider}", h.OAuthLogin)

		r.Post("/logout", h.Logout)
		r.Post("/logout-all", h.LogoutAll)
		r.Get("/sessions", h.ListSessions)
	})

	router.Route("/webhooks", func(r chi.Router) {
		r.Post("/sms/{provider}", h.SMSDeliveryWebhook)
	})
}

// SendSMSCode requests an OTP for a phone number.
func (h *AuthHandler) SendSMSCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.authService.RequestSMSCode(r.Context(), req.Phone); err != nil {
		h.respondWithServiceError(w, err, "Failed to send verification code")
		return
	}

	h.respondWithJSON(w, http.StatusAccepted, successResponse(nil, "Verification code sent"))
}

// VerifySMSCode verifies an OTP and completes the login.
func (h *AuthHandler) VerifySMSCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.authService.VerifySMSCode(r.Context(), req.Phone, req.Code, req.ReturnTo)
	if err != nil {
		h.respondWithServiceError(w, err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(toLoginResponse(result), "Login successful"))
}

// EmailLogin verifies an email and password pair and completes the login.
func (h *AuthHandler) EmailLogin(w http.ResponseWriter, r *http.Request) {
	var req emailLoginRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.authService.EmailLogin(r.Context(), req.Email, req.Password, req.ReturnTo)
	if err != nil {
		h.respondWithServiceError(w, err, "Login failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(toLoginResponse(result), "Login successful"))
}

// OAuthLogin exchanges an authorization code with the named provider and
// completes the login.
func (h *AuthHandler) OAuthLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var req oauthLoginRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.authService.OAuthLogin(r.Context(), provider, req.Code, req.ReturnTo)
	if err != nil {
		h.respondWithServiceError(w, err, "Login failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(toLoginResponse(result), "Login successful"))
}

// Logout revokes the bearer session. Responds identically whether or not
// the session existed.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Authorization required")
		return
	}

	if err := h.authService.Logout(r.Context(), token); err != nil {
		h.respondWithServiceError(w, err, "Logout failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// LogoutAll revokes every session belonging to the bearer's customer.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Authorization required")
		return
	}

	revoked, err := h.authService.LogoutAll(r.Context(), token)
	if err != nil {
		h.respondWithServiceError(w, err, "Logout failed")
		return
	}
	if !revoked {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("invalid session"), "Authorization required")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "All sessions logged out"))
}

// ListSessions enumerates the bearer customer's live sessions.
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Authorization required")
		return
	}

	records, err := h.authService.Sessions(r.Context(), token)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to list sessions")
		return
	}

	out := make([]sessionResponse, 0, len(records))
	for _, record := range records {
		out = append(out, sessionResponse{
			Token:     record.Token,
			CreatedAt: record.CreatedAt,
			ExpiresAt: record.ExpiresAt,
		})
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(out, "Sessions retrieved"))
}

// SMSDeliveryWebhook ingests a vendor delivery receipt. Vendors retry
// aggressively on non-2xx, so parse failures are answered 400 once and
// unknown providers 404; everything else acknowledges.
func (h *AuthHandler) SMSDeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	var provider sms.Provider
	for _, p := range h.delivery.Providers() {
		if p.Name() == providerName {
			provider = p
			break
		}
	}
	if provider == nil {
		h.respondWithError(w, http.StatusNotFound, errors.New("unknown provider"), "Unknown SMS provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Unreadable webhook payload")
		return
	}

	result, err := provider.ParseDeliveryWebhook(body)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Malformed webhook payload")
		return
	}

	if err := h.delivery.UpdateDeliveryStatus(r.Context(), result.ProviderMessageID, providerName, result.Status, result.FailureReason); err != nil {
		h.logger.Warn("Failed to persist webhook delivery status",
			zap.String("provider", providerName),
			zap.String("provider_message_id", result.ProviderMessageID),
			zap.Error(err),
		)
	}

	h.logger.Info("SMS delivery receipt processed",
		zap.String("provider", providerName),
		zap.String("provider_message_id", result.ProviderMessageID),
		zap.String("status", string(result.Status)),
	)
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Receipt processed"))
}

func toLoginResponse(result *service.LoginResult) loginResponse {
	return loginResponse{
		CustomerID:   result.CustomerID,
		SessionToken: result.SessionToken,
		Multipass:    result.Multipass,
		RedirectURL:  result.RedirectURL,
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func (h *AuthHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Validation failed")
		return false
	}
	return true
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// respondWithServiceError maps the service error taxonomy onto HTTP
// status codes, attaching Retry-After for rate-limited requests.
func (h *AuthHandler) respondWithServiceError(w http.ResponseWriter, err error, message string) {
	var validationErr *service.ValidationError
	var rateLimitedErr *service.RateLimitedError
	var externalErr *service.ExternalServiceError

	switch {
	case errors.As(err, &validationErr):
		h.respondWithError(w, http.StatusBadRequest, err, message)
	case errors.As(err, &rateLimitedErr):
		retryAfter := int(rateLimitedErr.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.respondWithError(w, http.StatusTooManyRequests, err, message)
	case errors.Is(err, service.ErrInvalidCredentials):
		h.respondWithError(w, http.StatusUnauthorized, err, message)
	case errors.As(err, &externalErr):
		h.respondWithError(w, http.StatusBadGateway, err, message)
	default:
		h.respondWithError(w, http.StatusInternalServerError, err, message)
	}
}
