package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storefront-auth/internal/client"
	"storefront-auth/internal/config"
	"storefront-auth/internal/util"
)

const (
	otpPrefix          = "otp:"
	attemptsPrefix     = "otp:attempts:"
	blockedPrefix      = "otp:blocked:"
	lastSendPrefix     = "otp:lastsend:"
	sendAttemptsPrefix = "otp:sendattempts:"
	sendBlockedPrefix  = "otp:sendblocked:"
)

var ErrPhoneBlocked = errors.New("phone is temporarily blocked")

// Record is the live OTP for a phone number. At most one record exists
// per phone; storing a new code silently replaces the old one.
type Record struct {
	Code      string    `json:"code"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// ResendCheck reports whether another send is currently permitted and,
// when it is not, how long the caller should wait.
type ResendCheck struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Engine owns the OTP lifecycle: generation, storage, verification and
// the three independent denial policies (verification block, send block,
// inter-send cooldown).
type Engine struct {
	client *client.RedisClient
	cfg    config.OTPConfig
	logger *zap.Logger
}

func NewEngine(redisClient *client.RedisClient, cfg config.OTPConfig, logger *zap.Logger) *Engine {
	return &Engine{
		client: redisClient,
		cfg:    cfg,
		logger: logger,
	}
}

// Generate returns a code of exactly length decimal digits, each drawn
// independently from a uniform distribution.
func Generate(length int) string {
	code := make([]byte, length)
	for i := range code {
		code[i] = byte('0' + rand.IntN(10))
	}
	return string(code)
}

// Store upserts the OTP record for phone with a fresh attempt counter.
func (e *Engine) Store(ctx context.Context, phone, code string, ttl time.Duration) error {
	record := Record{
		Code:      code,
		Attempts:  0,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal OTP record: %w", err)
	}

	if err := e.client.Set(ctx, otpPrefix+phone, string(data), ttl); err != nil {
		e.logger.Error("Failed to store OTP", util.Phone("phone", phone), zap.Error(err))
		return fmt.Errorf("failed to store OTP: %w", err)
	}

	e.logger.Debug("OTP stored",
		util.Phone("phone", phone),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// consumeScript compares the submitted code against the stored record
// and, on match, deletes the record and the failure counter in the same
// call. Compare and consume must be one atomic step: concurrent verifies
// with the correct code would otherwise all read the record before any
// of them deletes it. On mismatch the record's attempt field advances
// under its remaining TTL inside the script too, so a losing verify can
// never resurrect a record a concurrent winner just consumed.
// Returns 1 on match, 0 on mismatch, -1 when no record exists.
var consumeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    return -1
end
local record = cjson.decode(raw)
if record.code == ARGV[1] then
    redis.call('DEL', KEYS[1], KEYS[2])
    return 1
end
record.attempts = record.attempts + 1
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
    redis.call('SET', KEYS[1], cjson.encode(record), 'PX', ttl)
end
return 0
`)

// Verify checks code against the stored record for phone.
//
// Blocked phones fail closed without touching any counter. A missing
// record (expired, never sent, or consumed by a concurrent verify)
// counts as a failed attempt. Match, consume and the mismatch attempt
// bump all happen inside one script call: exactly one winner per stored
// code. Failures advance the failure counter; crossing the threshold
// creates the block record.
func (e *Engine) Verify(ctx context.Context, phone, code string) (bool, error) {
	if e.IsBlocked(ctx, phone) {
		return false, nil
	}

	res, err := e.client.RunScript(ctx, consumeScript, []string{otpPrefix + phone, attemptsPrefix + phone}, code)
	if err != nil {
		e.logger.Error("Failed to verify OTP record", util.Phone("phone", phone), zap.Error(err))
		return false, fmt.Errorf("failed to verify OTP record: %w", err)
	}

	outcome, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result from verify script: %v", res)
	}

	if outcome == 1 {
		e.logger.Info("OTP verified", util.Phone("phone", phone))
		return true, nil
	}

	e.registerFailure(ctx, phone)
	return false, nil
}

// registerFailure advances the failed-attempt counter and creates the
// block record once the threshold is reached.
func (e *Engine) registerFailure(ctx context.Context, phone string) {
	count, _, err := e.client.IncrWithTTL(ctx, attemptsPrefix+phone, e.cfg.BlockDuration)
	if err != nil {
		e.logger.Error("Failed to increment attempt counter", util.Phone("phone", phone), zap.Error(err))
		return
	}

	if int(count) >= e.cfg.MaxVerifyAttempts {
		created, err := e.client.SetNX(ctx, blockedPrefix+phone, "1", e.cfg.BlockDuration)
		if err != nil {
			e.logger.Error("Failed to create block record", util.Phone("phone", phone), zap.Error(err))
			return
		}
		if created {
			e.logger.Warn("Phone blocked after repeated failed verifications",
				util.Phone("phone", phone),
				zap.Int64("failed_attempts", count),
				zap.Duration("block_duration", e.cfg.BlockDuration),
			)
		}
	}
}

// IsBlocked reports whether phone has a live verification block. Fails
// open on store errors: an infrastructure outage must not lock everyone
// out.
func (e *Engine) IsBlocked(ctx context.Context, phone string) bool {
	exists, err := e.client.Exists(ctx, blockedPrefix+phone)
	if err != nil {
		e.logger.Warn("Block check failed, failing open", util.Phone("phone", phone), zap.Error(err))
		return false
	}
	return exists
}

// IsSendBlocked reports whether phone has a live send block. Fails open.
func (e *Engine) IsSendBlocked(ctx context.Context, phone string) bool {
	exists, err := e.client.Exists(ctx, sendBlockedPrefix+phone)
	if err != nil {
		e.logger.Warn("Send-block check failed, failing open", util.Phone("phone", phone), zap.Error(err))
		return false
	}
	return exists
}

// BlockTTL returns the remaining duration of the verification block.
func (e *Engine) BlockTTL(ctx context.Context, phone string) time.Duration {
	ttl, err := e.client.TTL(ctx, blockedPrefix+phone)
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}

// CanResend enforces the minimum inter-send cooldown. Absence of a
// last-send timestamp means allowed.
func (e *Engine) CanResend(ctx context.Context, phone string) ResendCheck {
	raw, err := e.client.Get(ctx, lastSendPrefix+phone)
	if err != nil {
		if !errors.Is(err, client.ErrKeyNotFound) {
			e.logger.Warn("Cooldown check failed, failing open", util.Phone("phone", phone), zap.Error(err))
		}
		return ResendCheck{Allowed: true}
	}

	var lastSend time.Time
	if err := lastSend.UnmarshalText([]byte(raw)); err != nil {
		return ResendCheck{Allowed: true}
	}

	elapsed := time.Since(lastSend)
	if elapsed >= e.cfg.ResendCooldown {
		return ResendCheck{Allowed: true}
	}
	return ResendCheck{
		Allowed:    false,
		RetryAfter: e.cfg.ResendCooldown - elapsed,
	}
}

// TrackSendAttempt atomically counts a send request against the rolling
// window cap. Exceeding the cap creates the send block and reports its
// remaining TTL as the retry hint.
func (e *Engine) TrackSendAttempt(ctx context.Context, phone string) (ResendCheck, error) {
	count, _, err := e.client.IncrWithTTL(ctx, sendAttemptsPrefix+phone, e.cfg.SendWindow)
	if err != nil {
		return ResendCheck{}, fmt.Errorf("failed to track send attempt: %w", err)
	}

	if int(count) <= e.cfg.MaxSendAttempts {
		return ResendCheck{Allowed: true}, nil
	}

	if _, err := e.client.SetNX(ctx, sendBlockedPrefix+phone, "1", e.cfg.SendBlockDuration); err != nil {
		e.logger.Error("Failed to create send block", util.Phone("phone", phone), zap.Error(err))
	} else {
		e.logger.Warn("Phone send-blocked after too many OTP requests",
			util.Phone("phone", phone),
			zap.Int64("send_attempts", count),
		)
	}

	retryAfter := e.cfg.SendBlockDuration
	if ttl, err := e.client.TTL(ctx, sendBlockedPrefix+phone); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return ResendCheck{Allowed: false, RetryAfter: retryAfter}, nil
}

// RecordSendTime stamps the last successful send request. Best effort: a
// store failure here must not abort the send flow.
func (e *Engine) RecordSendTime(ctx context.Context, phone string) {
	now, err := time.Now().UTC().MarshalText()
	if err != nil {
		return
	}
	if err := e.client.Set(ctx, lastSendPrefix+phone, string(now), e.cfg.ResendCooldown); err != nil {
		e.logger.Warn("Failed to record send time", util.Phone("phone", phone), zap.Error(err))
	}
}

// ClearBlocks removes the verification block and failure counter for
// phone. Used by support tooling.
func (e *Engine) ClearBlocks(ctx context.Context, phone string) error {
	if err := e.client.Del(ctx, blockedPrefix+phone, attemptsPrefix+phone); err != nil {
		return fmt.Errorf("failed to clear blocks: %w", err)
	}
	return nil
}
