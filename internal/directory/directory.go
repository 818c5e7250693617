package directory

import (
	"context"
	"errors"
	"time"
)

var ErrCustomerNotFound = errors.New("customer not found")

// Customer is the platform's view of a storefront customer. The
// directory is the system of record; this service only reads and tags.
type Customer struct {
	ID            string            `json:"id"`
	Email         string            `json:"email,omitempty"`
	Phone         string            `json:"phone,omitempty"`
	FirstName     string            `json:"first_name,omitempty"`
	LastName      string            `json:"last_name,omitempty"`
	PasswordHash  string            `json:"password_hash,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PhoneVerified bool              `json:"phone_verified"`
	CreatedAt     time.Time         `json:"created_at"`
}

// CreateRequest carries the fields for a new customer record.
type CreateRequest struct {
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// UpdateRequest carries a partial update; nil fields are left untouched.
type UpdateRequest struct {
	Email     *string  `json:"email,omitempty"`
	Phone     *string  `json:"phone,omitempty"`
	FirstName *string  `json:"first_name,omitempty"`
	LastName  *string  `json:"last_name,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Directory is the customer-directory contract consumed by the
// authentication flows. Implementations live at the platform boundary.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*Customer, error)
	FindByPhone(ctx context.Context, phone string) (*Customer, error)
	Create(ctx context.Context, req CreateRequest) (*Customer, error)
	Update(ctx context.Context, id string, req UpdateRequest) (*Customer, error)
	SetAuthMethod(ctx context.Context, id, method string) error
	SetPhoneVerified(ctx context.Context, id string, verified bool) error
	SetLastLogin(ctx context.Context, id string, at time.Time) error
}
