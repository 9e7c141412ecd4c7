package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/hashing"
	"identity-service/internal/identity"
	"identity-service/internal/models"
	"identity-service/internal/notifier"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// Sentinel errors returned by AccountService. Handlers map these to HTTP
// statuses with errors.Is; anything else is an internal failure.
var (
	ErrMissingFields      = errors.New("missing required fields")
	ErrInvalidInput       = errors.New("invalid input")
	ErrDuplicateUsername  = errors.New("username is already taken")
	ErrDuplicateEmail     = errors.New("email is already registered, please log in instead")
	ErrInvalidCredentials = errors.New("invalid username/email or password")
	ErrAccountNotVerified = errors.New("account is not verified, please verify your email first")
	ErrAccountNotFound    = errors.New("account not found")

	// ErrInvalidUsernameOrCode is the single answer for every
	// verification failure except expiry, so callers cannot probe which
	// usernames exist.
	ErrInvalidUsernameOrCode   = errors.New("invalid username or verification code")
	ErrInvalidIdentifierOrCode = errors.New("invalid username/email or reset code")
	ErrInvalidCode             = errors.New("invalid reset code")
	ErrCodeExpired             = errors.New("code has expired, please request a new one")

	ErrInvalidExternalToken = errors.New("invalid identity token")
	ErrNotificationFailed   = errors.New("failed to send email, please try again")
)

const (
	minUsernameLength = 3
	minPasswordLength = 8

	subjectVerification  = "Verify your account"
	subjectPasswordReset = "Reset your password"
)

// ExternalVerifier validates a federated provider's ID token.
type ExternalVerifier interface {
	Verify(ctx context.Context, rawToken string) (*identity.Claims, error)
}

// LoginResult is what a successful credential or federated login returns.
type LoginResult struct {
	Tokens  token.Pair           `json:"tokens"`
	Profile models.PublicProfile `json:"profile"`
}

// AccountService owns the account lifecycle: registration, email
// verification, credential and federated login, password reset, and
// token revocation.
type AccountService struct {
	accounts  scylla.AccountRepository
	passcodes *redisrepo.PasscodeStore
	tokens    *token.Issuer
	hasher    *hashing.Hasher
	notifier  notifier.Notifier
	external  ExternalVerifier
	recorder  audit.Recorder
	bucketing *bucketing.Manager

	// dummyHash absorbs a compare when no account matches, so login
	// latency does not reveal whether the identifier exists.
	dummyHash string
}

func NewAccountService(
	accounts scylla.AccountRepository,
	passcodes *redisrepo.PasscodeStore,
	tokens *token.Issuer,
	hasher *hashing.Hasher,
	emailNotifier notifier.Notifier,
	external ExternalVerifier,
	recorder audit.Recorder,
	bucketingMgr *bucketing.Manager,
) (*AccountService, error) {
	dummyHash, err := hasher.UnusablePassword()
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}

	return &AccountService{
		accounts:  accounts,
		passcodes: passcodes,
		tokens:    tokens,
		hasher:    hasher,
		notifier:  emailNotifier,
		external:  external,
		recorder:  recorder,
		bucketing: bucketingMgr,
		dummyHash: dummyHash,
	}, nil
}

// Register creates an inactive account, issues a verification passcode,
// and emails it. If the email cannot be dispatched the account is rolled
// back so the registration stays retryable.
func (s *AccountService) Register(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if username == "" || email == "" || password == "" {
		return ErrMissingFields
	}
	if len(username) < minUsernameLength {
		return fmt.Errorf("%w: username must be at least %d characters", ErrInvalidInput, minUsernameLength)
	}
	if !strings.Contains(email, "@") {
		return fmt.Errorf("%w: malformed email address", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	// Pre-checks give friendly errors on the common path; the LWT claims
	// inside CreateAccount remain the authority under races.
	if _, err := s.accounts.GetByUsername(ctx, username); err == nil {
		return ErrDuplicateUsername
	} else if !errors.Is(err, scylla.ErrNotFound) {
		return fmt.Errorf("failed to check username: %w", err)
	}
	if _, err := s.accounts.GetByEmail(ctx, email); err == nil {
		return ErrDuplicateEmail
	} else if !errors.Is(err, scylla.ErrNotFound) {
		return fmt.Errorf("failed to check email: %w", err)
	}

	passwordHash, err := s.hasher.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().UTC()
	accountID := uuid.NewString()
	account := &models.Account{
		AccountBucket: s.bucketing.AccountBucket(accountID),
		AccountID:     accountID,
		Username:      username,
		Email:         email,
		PasswordHash:  passwordHash,
		IsActive:      false,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		switch {
		case errors.Is(err, scylla.ErrUsernameTaken):
			return ErrDuplicateUsername
		case errors.Is(err, scylla.ErrEmailTaken):
			return ErrDuplicateEmail
		default:
			return fmt.Errorf("failed to create account: %w", err)
		}
	}

	code, err := s.passcodes.Issue(ctx, account.AccountID)
	if err != nil {
		s.rollbackAccount(ctx, account)
		return fmt.Errorf("failed to issue verification code: %w", err)
	}

	body := fmt.Sprintf(
		"Hi %s,\n\nYour verification code is %s. It expires in 10 minutes.\n",
		account.Username, code)
	if err := s.notifier.Send(ctx, account.Email, subjectVerification, body); err != nil {
		s.rollbackAccount(ctx, account)
		return ErrNotificationFailed
	}

	s.record(ctx, models.EventAccountRegistered, account.AccountID, "")

	util.Info("account registered",
		zap.String("account_id", account.AccountID),
		zap.String("username", account.Username))

	return nil
}

// VerifyRegistration consumes the emailed passcode and activates the
// account. A missing account, missing code, and wrong code all collapse
// into the same error; only expiry is reported distinctly.
func (s *AccountService) VerifyRegistration(ctx context.Context, username, code string) error {
	username = strings.TrimSpace(username)
	if username == "" || code == "" {
		return ErrMissingFields
	}

	account, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrInvalidUsernameOrCode
		}
		return fmt.Errorf("failed to load account: %w", err)
	}

	result, err := s.passcodes.Verify(ctx, account.AccountID, code)
	if err != nil {
		return fmt.Errorf("failed to verify code: %w", err)
	}

	switch result {
	case redisrepo.VerifyOK:
	case redisrepo.VerifyExpired:
		s.record(ctx, models.EventVerifyFailed, account.AccountID, result.String())
		return ErrCodeExpired
	default:
		s.record(ctx, models.EventVerifyFailed, account.AccountID, result.String())
		return ErrInvalidUsernameOrCode
	}

	if err := s.accounts.UpdateActivation(ctx, account, true); err != nil {
		return fmt.Errorf("failed to activate account: %w", err)
	}

	s.record(ctx, models.EventAccountVerified, account.AccountID, "")

	util.Info("account verified",
		zap.String("account_id", account.AccountID),
		zap.String("username", account.Username))

	return nil
}

// Login authenticates a username-or-email identifier against the stored
// password hash and mints a token pair.
func (s *AccountService) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, ErrMissingFields
	}

	account, err := s.resolveIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			// Burn a compare so unknown identifiers cost the same as
			// wrong passwords.
			_, _ = s.hasher.VerifyPassword(password, s.dummyHash)
			s.record(ctx, models.EventLoginFailed, "", "unknown_identifier")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	match, err := s.hasher.VerifyPassword(password, account.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !match {
		s.record(ctx, models.EventLoginFailed, account.AccountID, "wrong_password")
		return nil, ErrInvalidCredentials
	}

	if !account.IsActive {
		s.record(ctx, models.EventLoginFailed, account.AccountID, "not_verified")
		return nil, ErrAccountNotVerified
	}

	pair, err := s.tokens.Issue(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	s.touchLastLogin(ctx, account)
	s.record(ctx, models.EventLoginSucceeded, account.AccountID, "")

	return &LoginResult{Tokens: pair, Profile: account.Profile()}, nil
}

// RequestPasswordReset issues a reset passcode and emails it. An unknown
// identifier is reported as not found.
func (s *AccountService) RequestPasswordReset(ctx context.Context, identifier string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ErrMissingFields
	}

	account, err := s.resolveIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("failed to load account: %w", err)
	}

	code, err := s.passcodes.Issue(ctx, account.AccountID)
	if err != nil {
		return fmt.Errorf("failed to issue reset code: %w", err)
	}

	body := fmt.Sprintf(
		"Hi %s,\n\nYour password reset code is %s. It expires in 10 minutes.\n",
		account.Username, code)
	if err := s.notifier.Send(ctx, account.Email, subjectPasswordReset, body); err != nil {
		// The stranded code is harmless: a retry overwrites it.
		return ErrNotificationFailed
	}

	s.record(ctx, models.EventResetRequested, account.AccountID, "")

	return nil
}

// ResetPassword consumes a reset passcode and stores a new password hash.
func (s *AccountService) ResetPassword(ctx context.Context, identifier, code, newPassword string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || code == "" || newPassword == "" {
		return ErrMissingFields
	}
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	account, err := s.resolveIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrInvalidIdentifierOrCode
		}
		return fmt.Errorf("failed to load account: %w", err)
	}

	result, err := s.passcodes.Verify(ctx, account.AccountID, code)
	if err != nil {
		return fmt.Errorf("failed to verify code: %w", err)
	}
	switch result {
	case redisrepo.VerifyOK:
	case redisrepo.VerifyExpired:
		return ErrCodeExpired
	case redisrepo.VerifyMismatch:
		return ErrInvalidCode
	default:
		return ErrInvalidIdentifierOrCode
	}

	passwordHash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.accounts.UpdatePasswordHash(ctx, account, passwordHash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	s.record(ctx, models.EventPasswordReset, account.AccountID, "")

	util.Info("password reset", zap.String("account_id", account.AccountID))

	return nil
}

// FederatedLogin exchanges a verified provider ID token for a local
// session. First-time callers get an active account created from the
// token's email, with no usable local password.
func (s *AccountService) FederatedLogin(ctx context.Context, rawToken string) (*LoginResult, error) {
	if rawToken == "" {
		return nil, ErrMissingFields
	}

	claims, err := s.external.Verify(ctx, rawToken)
	if err != nil {
		s.record(ctx, models.EventLoginFailed, "", "invalid_identity_token")
		return nil, ErrInvalidExternalToken
	}

	account, err := s.accounts.GetByEmail(ctx, claims.Email)
	if errors.Is(err, scylla.ErrNotFound) {
		account, err = s.provisionFederatedAccount(ctx, claims)
	}
	if err != nil {
		return nil, err
	}

	pair, err := s.tokens.Issue(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	s.touchLastLogin(ctx, account)
	s.record(ctx, models.EventFederatedLogin, account.AccountID, "")

	return &LoginResult{Tokens: pair, Profile: account.Profile()}, nil
}

// Logout revokes the refresh token. Every failure mode reports the same
// invalid-token error.
func (s *AccountService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return token.ErrInvalidToken
	}

	claims, err := s.tokens.Revoke(ctx, refreshToken)
	if err != nil {
		return err
	}

	s.record(ctx, models.EventLogout, claims.Subject, "")

	return nil
}

// RenewAccess exchanges a valid refresh token for a fresh access token.
func (s *AccountService) RenewAccess(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", token.ErrInvalidToken
	}
	return s.tokens.Renew(ctx, refreshToken)
}

// LookupEmailByUsername returns the email on file for a username.
func (s *AccountService) LookupEmailByUsername(ctx context.Context, username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ErrMissingFields
	}

	account, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("failed to load account: %w", err)
	}

	return account.Email, nil
}

// HealthCheck reports whether the account store is reachable.
func (s *AccountService) HealthCheck(ctx context.Context) error {
	return s.accounts.HealthCheck(ctx)
}

// resolveIdentifier treats identifiers containing '@' as emails and
// everything else as usernames.
func (s *AccountService) resolveIdentifier(ctx context.Context, identifier string) (*models.Account, error) {
	if strings.Contains(identifier, "@") {
		return s.accounts.GetByEmail(ctx, identifier)
	}
	return s.accounts.GetByUsername(ctx, identifier)
}

// provisionFederatedAccount creates an active account from verified
// provider claims, deriving the username from the email local part and
// suffixing it until it is free.
func (s *AccountService) provisionFederatedAccount(ctx context.Context, claims *identity.Claims) (*models.Account, error) {
	passwordHash, err := s.hasher.UnusablePassword()
	if err != nil {
		return nil, fmt.Errorf("failed to generate placeholder password: %w", err)
	}

	base := usernameFromEmail(claims.Email)
	for attempt := 0; attempt < 10; attempt++ {
		username := base
		if attempt > 0 {
			username = fmt.Sprintf("%s%d", base, attempt)
		}

		now := time.Now().UTC()
		accountID := uuid.NewString()
		account := &models.Account{
			AccountBucket: s.bucketing.AccountBucket(accountID),
			AccountID:     accountID,
			Username:      username,
			Email:         claims.Email,
			PasswordHash:  passwordHash,
			IsActive:      true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		err := s.accounts.CreateAccount(ctx, account)
		switch {
		case err == nil:
			s.record(ctx, models.EventAccountRegistered, account.AccountID, "federated")
			util.Info("federated account provisioned",
				zap.String("account_id", account.AccountID),
				zap.String("username", account.Username))
			return account, nil
		case errors.Is(err, scylla.ErrUsernameTaken):
			continue
		case errors.Is(err, scylla.ErrEmailTaken):
			// A concurrent login created the account first; use theirs.
			return s.accounts.GetByEmail(ctx, claims.Email)
		default:
			return nil, fmt.Errorf("failed to provision account: %w", err)
		}
	}

	return nil, fmt.Errorf("failed to provision account: no free username for %q", base)
}

func usernameFromEmail(email string) string {
	local := email
	if at := strings.Index(email, "@"); at >= 0 {
		local = email[:at]
	}
	local = strings.TrimSpace(local)
	if len(local) < minUsernameLength {
		local = "user" + local
	}
	return local
}

// rollbackAccount undoes a registration whose follow-up step failed.
func (s *AccountService) rollbackAccount(ctx context.Context, account *models.Account) {
	if err := s.accounts.DeleteAccount(ctx, account); err != nil {
		util.Error("failed to roll back account after dispatch failure",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}
}

// touchLastLogin stamps the login time best-effort.
func (s *AccountService) touchLastLogin(ctx context.Context, account *models.Account) {
	if err := s.accounts.UpdateLastLogin(ctx, account, time.Now().UTC()); err != nil {
		util.Warn("failed to update last login",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}
}

// record appends a best-effort audit event tagged with the caller's IP
// when the handler put one on the context.
func (s *AccountService) record(ctx context.Context, eventType, accountID, detail string) {
	s.recorder.Record(ctx, models.SecurityEvent{
		AccountID: accountID,
		EventType: eventType,
		IPAddress: ClientIPFrom(ctx),
		Detail:    detail,
	})
}
