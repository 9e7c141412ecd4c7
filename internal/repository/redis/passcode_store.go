package redis

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

const passcodePrefix = "passcode:"

// VerifyResult is the outcome of a passcode check.
type VerifyResult int

const (
	VerifyOK VerifyResult = iota
	VerifyNotFound
	VerifyExpired
	VerifyMismatch
)

func (r VerifyResult) String() string {
	switch r {
	case VerifyOK:
		return "ok"
	case VerifyNotFound:
		return "not_found"
	case VerifyExpired:
		return "expired"
	case VerifyMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// PasscodeStore keeps at most one live passcode per account. Records are
// written with a retention TTL that is longer than the passcode TTL:
// expiry is judged from the record's expires_at, never from key eviction,
// so an expired-but-present code still reports expired instead of
// not-found.
type PasscodeStore struct {
	client    *client.RedisClient
	digits    int
	ttl       time.Duration
	retention time.Duration

	// now is swappable in tests.
	now func() time.Time
}

func NewPasscodeStore(redisClient *client.RedisClient, cfg config.PasscodeConfig) *PasscodeStore {
	digits := cfg.Digits
	if digits <= 0 {
		digits = 6
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	retention := cfg.Retention
	if retention <= ttl {
		retention = 24 * time.Hour
	}
	return &PasscodeStore{
		client:    redisClient,
		digits:    digits,
		ttl:       ttl,
		retention: retention,
		now:       time.Now,
	}
}

// Issue replaces any existing passcode for the account with a fresh one
// and returns the plaintext code for out-of-band delivery.
func (s *PasscodeStore) Issue(ctx context.Context, accountID string) (string, error) {
	code, err := s.generateCode()
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	record := models.Passcode{
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode passcode: %w", err)
	}

	// Set overwrites any prior record, which enforces the one-live-code
	// invariant without a separate delete.
	key := passcodePrefix + accountID
	if err := s.client.Set(ctx, key, payload, s.retention); err != nil {
		util.Error("failed to store passcode",
			zap.String("account_id", accountID),
			zap.Error(err))
		return "", fmt.Errorf("failed to store passcode: %w", err)
	}

	util.Debug("passcode issued",
		zap.String("account_id", accountID),
		zap.Duration("ttl", s.ttl))

	return code, nil
}

// Verify checks a submitted code. Expiry is evaluated before equality, so
// an expired-but-correct code reports expired. Only a successful match
// consumes the record; expired and mismatched codes stay queryable.
func (s *PasscodeStore) Verify(ctx context.Context, accountID, submitted string) (VerifyResult, error) {
	key := passcodePrefix + accountID

	raw, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return VerifyNotFound, nil
		}
		return VerifyNotFound, fmt.Errorf("failed to load passcode: %w", err)
	}

	var record models.Passcode
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return VerifyNotFound, fmt.Errorf("failed to decode passcode: %w", err)
	}

	if record.Expired(s.now().UTC()) {
		return VerifyExpired, nil
	}

	if record.Code != submitted {
		return VerifyMismatch, nil
	}

	if err := s.client.Del(ctx, key); err != nil {
		return VerifyOK, fmt.Errorf("failed to consume passcode: %w", err)
	}

	util.Debug("passcode consumed", zap.String("account_id", accountID))

	return VerifyOK, nil
}

// generateCode draws each digit uniformly from crypto/rand.
func (s *PasscodeStore) generateCode() (string, error) {
	var b strings.Builder
	b.Grow(s.digits)

	ten := big.NewInt(10)
	for i := 0; i < s.digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate passcode digit: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}
