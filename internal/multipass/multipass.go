package multipass

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"
)

var (
	ErrEmptySecret      = errors.New("multipass secret must not be empty")
	ErrInvalidPayload   = errors.New("invalid multipass payload")
	ErrMalformedToken   = errors.New("malformed multipass token")
	ErrInvalidSignature = errors.New("multipass token signature mismatch")
)

// RFC-5322-shaped, deliberately permissive. Real deliverability is the
// platform's problem; this only rejects obviously broken addresses.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Payload is the customer identity embedded in a hand-off token. It is
// never persisted: constructed in memory, encrypted, discarded.
type Payload struct {
	Email      string `json:"email"`
	CreatedAt  string `json:"created_at"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	TagString  string `json:"tag_string,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	RemoteIP   string `json:"remote_ip,omitempty"`
	ReturnTo   string `json:"return_to,omitempty"`
}

// Generator produces encrypted, signed, URL-safe hand-off tokens for one
// tenant. Key derivation happens once at construction: SHA-256 of the
// tenant secret, first half encryption key, second half signing key.
type Generator struct {
	encryptionKey []byte
	signatureKey  []byte
	block         cipher.Block
}

// NewGenerator derives the tenant key pair. Deterministic: the same
// secret always yields the same keys.
func NewGenerator(secret string) (*Generator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	keyMaterial := sha256.Sum256([]byte(secret))
	encryptionKey := keyMaterial[:16]
	signatureKey := keyMaterial[16:]

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	return &Generator{
		encryptionKey: encryptionKey,
		signatureKey:  signatureKey,
		block:         block,
	}, nil
}

// GenerateToken validates, serializes, encrypts and signs the payload.
// Token layout: 16-byte IV + ciphertext + 32-byte HMAC, base64 URL-safe
// without padding. Fails closed on any error.
func (g *Generator) GenerateToken(payload Payload, returnTo string) (string, error) {
	if returnTo != "" {
		payload.ReturnTo = returnTo
	}
	if err := validatePayload(payload); err != nil {
		return "", err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize payload: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(g.block, iv).CryptBlocks(ciphertext, padded)

	// IV‖ciphertext, then the HMAC over that concatenation.
	sealed := append(iv, ciphertext...)
	mac := hmac.New(sha256.New, g.signatureKey)
	mac.Write(sealed)
	sealed = mac.Sum(sealed)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecodeToken verifies the signature and decrypts the payload. Used by
// tests and inspection tooling; the platform performs the real
// verification on its side.
func (g *Generator) DecodeToken(token string) (*Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	// 16-byte IV + at least one cipher block + 32-byte signature.
	if len(raw) < aes.BlockSize+sha256.Size {
		return nil, ErrMalformedToken
	}

	sealed := raw[:len(raw)-sha256.Size]
	signature := raw[len(raw)-sha256.Size:]

	mac := hmac.New(sha256.New, g.signatureKey)
	mac.Write(sealed)
	if subtle.ConstantTimeCompare(mac.Sum(nil), signature) != 1 {
		return nil, ErrInvalidSignature
	}

	iv := sealed[:aes.BlockSize]
	ciphertext := sealed[aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrMalformedToken
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(g.block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return &payload, nil
}

// RedirectURL builds the platform login URL for a token. The path shape
// is a compatibility contract with the host platform; do not change it.
func RedirectURL(tenantDomain, token string) string {
	return fmt.Sprintf("https://%s/account/login/multipass/%s", tenantDomain, token)
}

func validatePayload(payload Payload) error {
	if payload.Email == "" || !emailPattern.MatchString(payload.Email) {
		return fmt.Errorf("%w: email is missing or malformed", ErrInvalidPayload)
	}
	if payload.CreatedAt == "" {
		return fmt.Errorf("%w: created_at is required", ErrInvalidPayload)
	}
	if _, err := time.Parse(time.RFC3339, payload.CreatedAt); err != nil {
		return fmt.Errorf("%w: created_at is not a valid timestamp", ErrInvalidPayload)
	}
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
