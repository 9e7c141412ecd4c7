package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// ErrInvalidToken is the single failure surfaced for any verification
// problem: bad signature, wrong issuer or audience, expiry, unknown key,
// missing claims. The underlying cause is logged, never returned.
var ErrInvalidToken = errors.New("invalid identity token")

var googleIssuers = []string{
	"https://accounts.google.com",
	"accounts.google.com",
}

// Claims are the subset of Google ID-token claims the service consumes.
type Claims struct {
	Subject       string
	Email         string
	EmailVerified bool
}

type idTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// GoogleVerifier validates Google ID tokens against Google's published
// JWKS. Keys are cached and refetched when an unknown key id appears or
// the cache goes stale.
type GoogleVerifier struct {
	clientID   string
	jwksURL    string
	httpClient *http.Client
	refresh    time.Duration

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	// now is swappable in tests.
	now func() time.Time
}

func NewGoogleVerifier(cfg config.GoogleConfig) *GoogleVerifier {
	return &GoogleVerifier{
		clientID:   cfg.ClientID,
		jwksURL:    cfg.JWKSURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		refresh:    time.Hour,
		keys:       map[string]*rsa.PublicKey{},
		now:        time.Now,
	}
}

// Verify checks the token's signature, issuer, audience, and expiry, and
// returns the stable subject id and email claim. Fails closed: any error
// yields ErrInvalidToken and no claims.
func (v *GoogleVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" || v.clientID == "" {
		return nil, ErrInvalidToken
	}

	claims := &idTokenClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims,
		func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("token has no kid header")
			}
			return v.keyFor(ctx, kid)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		util.Warn("identity token verification failed", zap.Error(err))
		return nil, ErrInvalidToken
	}

	if !validIssuer(claims.Issuer) || claims.Subject == "" || claims.Email == "" {
		util.Warn("identity token has unacceptable claims",
			zap.String("issuer", claims.Issuer))
		return nil, ErrInvalidToken
	}

	return &Claims{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}, nil
}

func validIssuer(issuer string) bool {
	for _, iss := range googleIssuers {
		if issuer == iss {
			return true
		}
	}
	return false
}

// keyFor returns the cached RSA key for kid, refetching the JWKS when the
// kid is unknown or the cache is stale.
func (v *GoogleVerifier) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := v.now().Sub(v.fetchedAt) < v.refresh
	v.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	if err := v.fetchKeys(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown signing key: %s", kid)
	}
	return key, nil
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *GoogleVerifier) fetchKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch returned status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			util.Warn("skipping unparsable JWKS key",
				zap.String("kid", k.Kid),
				zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("JWKS contained no usable keys")
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = v.now()
	v.mu.Unlock()

	util.Debug("JWKS refreshed", zap.Int("keys", len(keys)))

	return nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
