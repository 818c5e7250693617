package service

import "context"

// Profile is the normalized identity an OAuth provider returns after
// exchanging an authorization code.
type Profile struct {
	ID            string
	Email         string
	FirstName     string
	LastName      string
	AvatarURL     string
	Phone         string
	EmailVerified bool
}

// OAuthProvider exchanges an authorization code for a verified profile.
// Exchange is attempted exactly once per login; the provider round trip
// is not retried.
type OAuthProvider interface {
	Name() string
	Exchange(ctx context.Context, code string) (*Profile, error)
}
