package multipass

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "d1fc48e3a9b7f6215c3e8a9f4b2d7c1e"

func testPayload() Payload {
	return Payload{
		Email:     "customer@example.com",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		FirstName: "Ada",
		LastName:  "Lovelace",
	}
}

func TestNewGeneratorRequiresSecret(t *testing.T) {
	_, err := NewGenerator("")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestKeyDerivationIsDeterministic(t *testing.T) {
	g1, err := NewGenerator(testSecret)
	require.NoError(t, err)
	g2, err := NewGenerator(testSecret)
	require.NoError(t, err)

	// A token from one generator must decode under an independently
	// constructed generator with the same secret.
	token, err := g1.GenerateToken(testPayload(), "")
	require.NoError(t, err)

	payload, err := g2.DecodeToken(token)
	require.NoError(t, err)
	assert.Equal(t, "customer@example.com", payload.Email)
}

func TestRoundTrip(t *testing.T) {
	g, err := NewGenerator(testSecret)
	require.NoError(t, err)

	in := testPayload()
	token, err := g.GenerateToken(in, "https://example.com/checkout")
	require.NoError(t, err)

	out, err := g.DecodeToken(token)
	require.NoError(t, err)
	assert.Equal(t, in.Email, out.Email)
	assert.Equal(t, in.FirstName, out.FirstName)
	assert.Equal(t, in.LastName, out.LastName)
	assert.Equal(t, "https://example.com/checkout", out.ReturnTo)
}

func TestTokenStructure(t *testing.T) {
	g, err := NewGenerator(testSecret)
	require.NoError(t, err)

	token, err := g.GenerateToken(testPayload(), "")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)

	// IV + at least one cipher block + signature.
	assert.GreaterOrEqual(t, len(raw), aes.BlockSize+aes.BlockSize+sha256.Size)
	assert.Equal(t, 0, (len(raw)-sha256.Size)%aes.BlockSize)
}

func TestTokenHidesPlaintext(t *testing.T) {
	g, err := NewGenerator(testSecret)
	require.NoError(t, err)

	token, err := g.GenerateToken(testPayload(), "")
	require.NoError(t, err)

	assert.NotContains(t, token, "customer@example.com")
	assert.NotContains(t, token, "Lovelace")
}

func TestTokensAreUnique(t *testing.T) {
	g, err := NewGenerator(testSecret)
	require.NoError(t, err)

	payload := testPayload()
	t1, err := g.GenerateToken(payload, "")
	require.NoError(t, err)
	t2, err := g.GenerateToken(payload, "")
	require.NoError(t, err)

	// Random IVs: identical payloads never produce identical tokens.
	assert.NotEqual(t, t1, t2)
}

func TestTamperedTokenRejected(t *testing.T) {
	g, err := NewGenerator(testSecret)
	require.NoError(t, err)

	token, err := g.GenerateToken(testPayload(), "")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	raw[aes.BlockSize] ^= 0x01
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	_, err = g.DecodeToken(tampered)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWrongSecretRejected(t *testing.T) {
	g1, err := NewGenerator(testSecret)
	require.NoError(t, err)
	g2, err := NewGenerator("some-other-secret")
	require.NoError(t, err)

	token, err := g1.GenerateToken(testPayload(), "")
	require.NoError(t, err)

	_, err = g2.DecodeToken(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestMalformedTokens(t *testing.T) {
	g, err := NewGenerator(testSecret)
	require.NoError(t, err)

	for _, token := range []string{
		"",
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("short")),
	} {
		_, err := g.DecodeToken(token)
		assert.ErrorIs(t, err, ErrMalformedToken, "token %q", token)
	}
}

func TestPayloadValidation(t *testing.T) {
	g, err := NewGenerator(testSecret)
	require.NoError(t, err)

	cases := []struct {
		name    string
		payload Payload
	}{
		{"missing email", Payload{CreatedAt: time.Now().UTC().Format(time.RFC3339)}},
		{"malformed email", Payload{Email: "not an email", CreatedAt: time.Now().UTC().Format(time.RFC3339)}},
		{"missing created_at", Payload{Email: "a@b.com"}},
		{"bad created_at", Payload{Email: "a@b.com", CreatedAt: "yesterday"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.GenerateToken(tc.payload, "")
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestRedirectURL(t *testing.T) {
	g, err := NewGenerator(testSecret)
	require.NoError(t, err)

	token, err := g.GenerateToken(testPayload(), "")
	require.NoError(t, err)

	url := RedirectURL("shop.example.com", token)
	assert.True(t, strings.HasPrefix(url, "https://shop.example.com/account/login/multipass/"))
	assert.True(t, strings.HasSuffix(url, token))
}
