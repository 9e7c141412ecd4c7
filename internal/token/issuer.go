package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/models"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/util"
)

// ErrInvalidToken covers malformed, expired, mistyped, and revoked
// tokens alike; callers never learn which.
var ErrInvalidToken = errors.New("invalid token")

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// Claims are the JWT claims carried by both token kinds.
type Claims struct {
	Username  string `json:"username"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Pair is one refresh/access issuance bound to a single account.
type Pair struct {
	Refresh string `json:"refresh"`
	Access  string `json:"access"`
}

// Issuer mints HS256-signed access/refresh pairs and revokes refresh
// tokens through the Redis blacklist.
type Issuer struct {
	cfg       config.TokenConfig
	blacklist *redisrepo.TokenBlacklist

	// now is swappable in tests.
	now func() time.Time
}

func NewIssuer(cfg config.TokenConfig, blacklist *redisrepo.TokenBlacklist) (*Issuer, error) {
	if cfg.SigningKey == "" {
		return nil, errors.New("token signing key is required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, errors.New("invalid token TTL configuration")
	}
	return &Issuer{
		cfg:       cfg,
		blacklist: blacklist,
		now:       time.Now,
	}, nil
}

// Issue mints a refresh/access pair for the account.
func (i *Issuer) Issue(ctx context.Context, account *models.Account) (Pair, error) {
	now := i.now().UTC()

	refresh, err := i.sign(account, typeRefresh, now, i.cfg.RefreshTTL)
	if err != nil {
		return Pair{}, err
	}
	access, err := i.sign(account, typeAccess, now, i.cfg.AccessTTL)
	if err != nil {
		return Pair{}, err
	}

	return Pair{Refresh: refresh, Access: access}, nil
}

// Revoke permanently blacklists a refresh token and returns its claims.
// Malformed, expired, mistyped, and already-revoked tokens all report
// ErrInvalidToken.
func (i *Issuer) Revoke(ctx context.Context, refreshToken string) (*Claims, error) {
	claims, err := i.parse(refreshToken, typeRefresh)
	if err != nil {
		return nil, err
	}

	revoked, err := i.blacklist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, ErrInvalidToken
	}

	remaining := claims.ExpiresAt.Sub(i.now())
	added, err := i.blacklist.Revoke(ctx, claims.ID, remaining)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke token: %w", err)
	}
	if !added {
		return nil, ErrInvalidToken
	}

	util.Info("refresh token revoked",
		zap.String("account_id", claims.Subject),
		zap.String("token_id", claims.ID))

	return claims, nil
}

// VerifyRefresh validates a refresh token's signature, claims, and
// revocation status.
func (i *Issuer) VerifyRefresh(ctx context.Context, refreshToken string) (*Claims, error) {
	claims, err := i.parse(refreshToken, typeRefresh)
	if err != nil {
		return nil, err
	}

	revoked, err := i.blacklist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Renew exchanges a valid, unrevoked refresh token for a fresh access
// token.
func (i *Issuer) Renew(ctx context.Context, refreshToken string) (string, error) {
	claims, err := i.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return "", err
	}

	account := &models.Account{
		AccountID: claims.Subject,
		Username:  claims.Username,
	}
	return i.sign(account, typeAccess, i.now().UTC(), i.cfg.AccessTTL)
}

func (i *Issuer) sign(account *models.Account, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Username:  account.Username,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   account.AccountID,
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.SigningKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

func (i *Issuer) parse(raw, wantType string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (interface{}, error) {
			return []byte(i.cfg.SigningKey), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	if claims.TokenType != wantType || claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
