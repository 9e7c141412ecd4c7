package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// AuthHandler handles HTTP requests for the account lifecycle.
type AuthHandler struct {
	accountService *service.AccountService
	limiter        *RateLimiter
	logger         *zap.Logger
}

func NewAuthHandler(accountService *service.AccountService, limiter *RateLimiter, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		accountService: accountService,
		limiter:        limiter,
		logger:         logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// RegisterRoutes registers the auth routes. Registration, login, and
// reset requests are rate limited per client IP.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.With(h.limiter.Limit("register")).Post("/register", h.Register)
		r.Post("/verify-otp", h.VerifyOTP)
		r.With(h.limiter.Limit("login")).Post("/login", h.Login)
		r.With(h.limiter.Limit("reset_request")).Post("/password-reset/request", h.RequestPasswordReset)
		r.Post("/password-reset/confirm", h.ConfirmPasswordReset)
		r.Post("/google", h.GoogleLogin)
		r.Post("/logout", h.Logout)
		r.Post("/token/refresh", h.RefreshToken)
		r.Get("/email-lookup/{username}", h.LookupEmail)
	})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates an inactive account and emails a verification code.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := clientContext(r)
	startTime := time.Now()

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.accountService.Register(ctx, req.Username, req.Email, req.Password); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Registration failed")
		return
	}

	h.respondWithJSON(w, http.StatusCreated,
		successResponse(nil, "Registration successful, check your email for the verification code"))
	h.logger.Info("Account registered via HTTP",
		util.String("username", req.Username),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Register"),
	)
}

type verifyOTPRequest struct {
	Username string `json:"username"`
	OTP      string `json:"otp"`
}

// VerifyOTP consumes the emailed code and activates the account.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := clientContext(r)

	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.accountService.VerifyRegistration(ctx, req.Username, req.OTP); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK,
		successResponse(nil, "Account verified, you can now log in"))
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Login authenticates a username-or-email identifier.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := clientContext(r)
	startTime := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.accountService.Login(ctx, req.Identifier, req.Password)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Login failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Login successful"))
	h.logger.Info("Login via HTTP",
		util.String("username", result.Profile.Username),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Login"),
	)
}

type resetRequestRequest struct {
	Identifier string `json:"identifier"`
}

// RequestPasswordReset emails a password reset code.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx := clientContext(r)

	var req resetRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.accountService.RequestPasswordReset(ctx, req.Identifier); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Password reset request failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK,
		successResponse(nil, "Password reset code sent, check your email"))
}

type resetConfirmRequest struct {
	Identifier  string `json:"identifier"`
	OTP         string `json:"otp"`
	NewPassword string `json:"new_password"`
}

// ConfirmPasswordReset consumes a reset code and sets a new password.
func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx := clientContext(r)

	var req resetConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.accountService.ResetPassword(ctx, req.Identifier, req.OTP, req.NewPassword); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Password reset failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK,
		successResponse(nil, "Password reset successful, you can now log in"))
}

type googleLoginRequest struct {
	IDToken string `json:"id_token"`
}

// GoogleLogin exchanges a Google ID token for a local session.
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := clientContext(r)
	startTime := time.Now()

	var req googleLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.accountService.FederatedLogin(ctx, req.IDToken)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Google login failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Login successful"))
	h.logger.Info("Federated login via HTTP",
		util.String("username", result.Profile.Username),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "GoogleLogin"),
	)
}

type refreshTokenRequest struct {
	Refresh string `json:"refresh"`
}

// Logout revokes the refresh token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := clientContext(r)

	var req refreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.accountService.Logout(ctx, req.Refresh); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Logout failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	ctx := clientContext(r)

	var req refreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	access, err := h.accountService.RenewAccess(ctx, req.Refresh)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Token refresh failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK,
		successResponse(map[string]string{"access": access}, "Token refreshed"))
}

// LookupEmail returns the email on file for a username.
func (h *AuthHandler) LookupEmail(w http.ResponseWriter, r *http.Request) {
	ctx := clientContext(r)

	username := chi.URLParam(r, "username")
	email, err := h.accountService.LookupEmailByUsername(ctx, username)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Email lookup failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK,
		successResponse(map[string]string{"email": email}, "Email retrieved"))
}

// HealthCheck reports whether the backing stores are reachable.
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.accountService.HealthCheck(r.Context()); err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Service unhealthy")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Service is healthy"))
}

// Helper Methods

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode maps service sentinel errors to HTTP status codes.
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrMissingFields),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidUsernameOrCode),
		errors.Is(err, service.ErrInvalidIdentifierOrCode),
		errors.Is(err, service.ErrInvalidCode),
		errors.Is(err, service.ErrCodeExpired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidExternalToken),
		errors.Is(err, token.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAccountNotVerified):
		return http.StatusForbidden
	case errors.Is(err, service.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateUsername),
		errors.Is(err, service.ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, service.ErrNotificationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// clientContext tags the request context with the caller IP for audit
// events. RealIP middleware has already resolved forwarding headers.
func clientContext(r *http.Request) context.Context {
	return service.WithClientIP(r.Context(), clientIP(r))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiter applies per-IP sliding-window limits to selected routes.
type RateLimiter struct {
	cache  *redisrepo.RateLimitCache
	limits map[string]RateLimit
	logger *zap.Logger
}

// RateLimit is one scope's budget.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

func NewRateLimiter(cache *redisrepo.RateLimitCache, limits map[string]RateLimit, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{cache: cache, limits: limits, logger: logger}
}

// Limit returns middleware enforcing the named scope's budget keyed by
// client IP. A limiter backend failure lets the request through; the
// limiter protects capacity and must not become an outage of its own.
func (l *RateLimiter) Limit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, ok := l.limits[scope]
			if !ok || l.cache == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := scope + ":" + clientIP(r)
			allowed, count, err := l.cache.Allow(r.Context(), key, limit.Requests, limit.Window)
			if err != nil {
				l.logger.Warn("Rate limiter unavailable, allowing request",
					util.String("scope", scope),
					util.ErrorField(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				l.logger.Warn("Rate limit exceeded",
					util.String("scope", scope),
					util.String("client_ip", clientIP(r)),
					util.Int("count", count),
				)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(errorResponse(
					errors.New("too many requests"), "Rate limit exceeded, try again later"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
