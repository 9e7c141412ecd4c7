package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/identity"
	"identity-service/internal/models"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

type memoryAccounts struct {
	byUsername map[string]*models.Account
	byEmail    map[string]*models.Account
}

func (r *memoryAccounts) CreateAccount(ctx context.Context, account *models.Account) error {
	if _, ok := r.byUsername[account.Username]; ok {
		return scylla.ErrUsernameTaken
	}
	if _, ok := r.byEmail[account.Email]; ok {
		return scylla.ErrEmailTaken
	}
	stored := *account
	r.byUsername[account.Username] = &stored
	r.byEmail[account.Email] = &stored
	return nil
}

func (r *memoryAccounts) DeleteAccount(ctx context.Context, account *models.Account) error {
	delete(r.byUsername, account.Username)
	delete(r.byEmail, account.Email)
	return nil
}

func (r *memoryAccounts) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	account, ok := r.byUsername[username]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (r *memoryAccounts) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	account, ok := r.byEmail[email]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (r *memoryAccounts) UpdateActivation(ctx context.Context, account *models.Account, active bool) error {
	stored, ok := r.byUsername[account.Username]
	if !ok {
		return scylla.ErrNotFound
	}
	stored.IsActive = active
	return nil
}

func (r *memoryAccounts) UpdatePasswordHash(ctx context.Context, account *models.Account, passwordHash string) error {
	stored, ok := r.byUsername[account.Username]
	if !ok {
		return scylla.ErrNotFound
	}
	stored.PasswordHash = passwordHash
	return nil
}

func (r *memoryAccounts) UpdateLastLogin(ctx context.Context, account *models.Account, at time.Time) error {
	stored, ok := r.byUsername[account.Username]
	if !ok {
		return scylla.ErrNotFound
	}
	stored.LastLoginAt = &at
	return nil
}

func (r *memoryAccounts) HealthCheck(ctx context.Context) error {
	return nil
}

type memoryNotifier struct {
	bodies []string
}

func (n *memoryNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	n.bodies = append(n.bodies, body)
	return nil
}

func (n *memoryNotifier) lastCode(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, n.bodies)
	code := regexp.MustCompile(`\d{6}`).FindString(n.bodies[len(n.bodies)-1])
	require.NotEmpty(t, code)
	return code
}

type rejectAllVerifier struct{}

func (rejectAllVerifier) Verify(ctx context.Context, rawToken string) (*identity.Claims, error) {
	return nil, identity.ErrInvalidToken
}

type handlerFixture struct {
	server   *httptest.Server
	notifier *memoryNotifier
}

func newHandlerFixture(t *testing.T, registerLimit int) *handlerFixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	redisClient := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() {
		_ = redisClient.Close()
		mr.Close()
	})

	hasher := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryKiB:   8 * 1024,
		Argon2Iterations:  1,
		Argon2Parallelism: 1,
	})

	issuer, err := token.NewIssuer(config.TokenConfig{
		SigningKey: "test-signing-key",
		Issuer:     "identity-service",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, redisrepo.NewTokenBlacklist(redisClient))
	require.NoError(t, err)

	notifier := &memoryNotifier{}
	accounts := &memoryAccounts{
		byUsername: map[string]*models.Account{},
		byEmail:    map[string]*models.Account{},
	}

	accountService, err := service.NewAccountService(
		accounts,
		redisrepo.NewPasscodeStore(redisClient, config.PasscodeConfig{
			Digits:    6,
			TTL:       10 * time.Minute,
			Retention: 24 * time.Hour,
		}),
		issuer,
		hasher,
		notifier,
		rejectAllVerifier{},
		audit.NopRecorder{},
		bucketing.NewManager(64),
	)
	require.NoError(t, err)

	limiter := NewRateLimiter(
		redisrepo.NewRateLimitCache(redisClient),
		map[string]RateLimit{
			"register":      {Requests: registerLimit, Window: time.Minute},
			"login":         {Requests: 10, Window: time.Minute},
			"reset_request": {Requests: 5, Window: time.Minute},
		},
		util.Get(),
	)

	authHandler := NewAuthHandler(accountService, limiter, util.Get())
	server := httptest.NewServer(NewRouter(authHandler, util.Get()))
	t.Cleanup(server.Close)

	return &handlerFixture{server: server, notifier: notifier}
}

func (f *handlerFixture) post(t *testing.T, path string, body interface{}) (*http.Response, Response) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var envelope Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func (f *handlerFixture) registerVerified(t *testing.T, username, email, password string) {
	t.Helper()

	resp, _ := f.post(t, "/api/v1/auth/register", map[string]string{
		"username": username, "email": email, "password": password,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = f.post(t, "/api/v1/auth/verify-otp", map[string]string{
		"username": username, "otp": f.notifier.lastCode(t),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_RegisterVerifyLoginFlow(t *testing.T) {
	f := newHandlerFixture(t, 5)

	resp, envelope := f.post(t, "/api/v1/auth/register", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "password123",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, envelope.Success)

	// Login before verification is forbidden.
	resp, _ = f.post(t, "/api/v1/auth/login", map[string]string{
		"identifier": "alice", "password": "password123",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.post(t, "/api/v1/auth/verify-otp", map[string]string{
		"username": "alice", "otp": f.notifier.lastCode(t),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, envelope = f.post(t, "/api/v1/auth/login", map[string]string{
		"identifier": "alice", "password": "password123",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, envelope.Success)

	data, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok)
	tokens, ok := data["tokens"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, tokens["refresh"])
	assert.NotEmpty(t, tokens["access"])
}

func TestHTTP_StatusCodes(t *testing.T) {
	f := newHandlerFixture(t, 5)
	f.registerVerified(t, "alice", "alice@example.com", "password123")

	// Malformed body.
	resp, err := http.Post(f.server.URL+"/api/v1/auth/register", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Duplicate registration.
	resp, _ = f.post(t, "/api/v1/auth/register", map[string]string{
		"username": "alice", "email": "new@example.com", "password": "password123",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Bad credentials.
	resp, _ = f.post(t, "/api/v1/auth/login", map[string]string{
		"identifier": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong verification code.
	resp, _ = f.post(t, "/api/v1/auth/verify-otp", map[string]string{
		"username": "alice", "otp": "000000",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Reset request for an unknown account.
	resp, _ = f.post(t, "/api/v1/auth/password-reset/request", map[string]string{
		"identifier": "mallory",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Garbage refresh token.
	resp, _ = f.post(t, "/api/v1/auth/logout", map[string]string{"refresh": "garbage"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Rejected Google token.
	resp, _ = f.post(t, "/api/v1/auth/google", map[string]string{"id_token": "forged"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_PasswordResetFlow(t *testing.T) {
	f := newHandlerFixture(t, 5)
	f.registerVerified(t, "alice", "alice@example.com", "password123")

	resp, _ := f.post(t, "/api/v1/auth/password-reset/request", map[string]string{
		"identifier": "alice@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.post(t, "/api/v1/auth/password-reset/confirm", map[string]string{
		"identifier": "alice", "otp": f.notifier.lastCode(t), "new_password": "new-password-456",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.post(t, "/api/v1/auth/login", map[string]string{
		"identifier": "alice", "password": "new-password-456",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_LogoutAndRefresh(t *testing.T) {
	f := newHandlerFixture(t, 5)
	f.registerVerified(t, "alice", "alice@example.com", "password123")

	resp, envelope := f.post(t, "/api/v1/auth/login", map[string]string{
		"identifier": "alice", "password": "password123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := envelope.Data.(map[string]interface{})
	refresh := data["tokens"].(map[string]interface{})["refresh"].(string)

	resp, envelope = f.post(t, "/api/v1/auth/token/refresh", map[string]string{"refresh": refresh})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, envelope.Data.(map[string]interface{})["access"])

	resp, _ = f.post(t, "/api/v1/auth/logout", map[string]string{"refresh": refresh})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The revoked token no longer refreshes.
	resp, _ = f.post(t, "/api/v1/auth/token/refresh", map[string]string{"refresh": refresh})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_EmailLookup(t *testing.T) {
	f := newHandlerFixture(t, 5)
	f.registerVerified(t, "alice", "alice@example.com", "password123")

	resp, err := http.Get(f.server.URL + "/api/v1/auth/email-lookup/alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "alice@example.com",
		envelope.Data.(map[string]interface{})["email"])

	resp, err = http.Get(f.server.URL + "/api/v1/auth/email-lookup/mallory")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_RegisterRateLimited(t *testing.T) {
	f := newHandlerFixture(t, 2)

	for i := 0; i < 2; i++ {
		resp, _ := f.post(t, "/api/v1/auth/register", map[string]string{
			"username": "u", "email": "e", "password": "p",
		})
		// Validation fails, but the attempt still consumed budget.
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	resp, envelope := f.post(t, "/api/v1/auth/register", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "password123",
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, envelope.Success)
}

func TestHTTP_HealthAndUnknownRoutes(t *testing.T) {
	f := newHandlerFixture(t, 5)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/api/v1/auth/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/api/v1/auth/login")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
