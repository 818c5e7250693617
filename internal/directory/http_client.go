package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"storefront-auth/internal/config"
	"storefront-auth/internal/util"
)

// HTTPDirectory talks to the platform customer-directory REST API.
// Calls retry on 429 / 5xx / connection resets with capped exponential
// backoff; 4xx responses other than 429 are terminal.
type HTTPDirectory struct {
	baseURL    string
	apiKey     string
	cfg        config.DirectoryConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPDirectory(cfg config.DirectoryConfig, logger *zap.Logger) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (d *HTTPDirectory) FindByEmail(ctx context.Context, email string) (*Customer, error) {
	var customer Customer
	path := "/customers/search?email=" + url.QueryEscape(email)
	if err := d.call(ctx, http.MethodGet, path, nil, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (d *HTTPDirectory) FindByPhone(ctx context.Context, phone string) (*Customer, error) {
	var customer Customer
	path := "/customers/search?phone=" + url.QueryEscape(phone)
	if err := d.call(ctx, http.MethodGet, path, nil, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (d *HTTPDirectory) Create(ctx context.Context, req CreateRequest) (*Customer, error) {
	var customer Customer
	if err := d.call(ctx, http.MethodPost, "/customers", req, &customer); err != nil {
		return nil, err
	}
	d.logger.Info("Customer created in directory",
		util.Email("email", req.Email),
		util.Phone("phone", req.Phone),
	)
	return &customer, nil
}

func (d *HTTPDirectory) Update(ctx context.Context, id string, req UpdateRequest) (*Customer, error) {
	var customer Customer
	if err := d.call(ctx, http.MethodPatch, "/customers/"+url.PathEscape(id), req, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (d *HTTPDirectory) SetAuthMethod(ctx context.Context, id, method string) error {
	body := map[string]string{"auth_method": method}
	return d.call(ctx, http.MethodPut, "/customers/"+url.PathEscape(id)+"/auth-method", body, nil)
}

func (d *HTTPDirectory) SetPhoneVerified(ctx context.Context, id string, verified bool) error {
	body := map[string]bool{"phone_verified": verified}
	return d.call(ctx, http.MethodPut, "/customers/"+url.PathEscape(id)+"/phone-verified", body, nil)
}

func (d *HTTPDirectory) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	body := map[string]string{"last_login": at.UTC().Format(time.RFC3339)}
	return d.call(ctx, http.MethodPut, "/customers/"+url.PathEscape(id)+"/last-login", body, nil)
}

// call executes one logical request with the retry policy applied.
func (d *HTTPDirectory) call(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal directory request: %w", err)
		}
	}

	backoff := d.cfg.BackoffBase
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > d.cfg.BackoffCap {
				backoff = d.cfg.BackoffCap
			}
		}

		retryable, err := d.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}

		d.logger.Warn("Directory call failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return fmt.Errorf("directory call exhausted retries: %w", lastErr)
}

func (d *HTTPDirectory) doOnce(ctx context.Context, method, path string, payload []byte, out interface{}) (retryable bool, err error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// Connection failures, resets and per-request timeouts are
		// retryable; a dead caller context is not.
		if ctx.Err() != nil {
			return false, fmt.Errorf("directory request failed: %w", err)
		}
		return true, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrCustomerNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("directory returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode directory response: %w", err)
	}
	return false, nil
}
