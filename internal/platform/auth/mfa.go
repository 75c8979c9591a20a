package auth

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
)

var (
	// ErrMFANotEnrolled is returned when verifying a user without a secret.
	ErrMFANotEnrolled = errors.New("mfa not enrolled")
	// ErrMFALocked is returned while a user is locked out after repeated failures.
	ErrMFALocked = errors.New("mfa temporarily locked")
	// ErrInvalidMFASecret is returned for secrets that are not base32.
	ErrInvalidMFASecret = errors.New("invalid mfa secret")
)

const (
	mfaMaxFailures = 5
	mfaLockout     = 5 * time.Minute
)

// MFAEnrollment is returned once at enrollment; URL is the otpauth:// form
// for authenticator apps.
type MFAEnrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

type mfaState struct {
	secret      string
	failures    int
	lockedUntil time.Time
}

// MFAService enrolls users for TOTP and verifies their codes.
type MFAService struct {
	mu     sync.Mutex
	users  map[string]*mfaState
	issuer string
	now    func() time.Time
	logger zerolog.Logger
}

// NewMFAService creates a service whose enrollments name issuer.
func NewMFAService(issuer string, logger zerolog.Logger) *MFAService {
	return &MFAService{
		users:  make(map[string]*mfaState),
		issuer: issuer,
		now:    time.Now,
		logger: logger.With().Str("component", "mfa").Logger(),
	}
}

// Enroll generates a new TOTP secret for userID, replacing any previous one.
func (s *MFAService) Enroll(userID, accountName string) (MFAEnrollment, error) {
	if accountName == "" {
		accountName = userID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return MFAEnrollment{}, fmt.Errorf("generating totp secret: %w", err)
	}

	s.mu.Lock()
	s.users[userID] = &mfaState{secret: key.Secret()}
	s.mu.Unlock()

	s.logger.Info().Str("user_id", userID).Msg("mfa enrolled")
	return MFAEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// SetSecret installs an existing base32 secret for userID.
func (s *MFAService) SetSecret(userID, secret string) error {
	secret = strings.ToUpper(strings.TrimSpace(secret))
	if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(secret, "=")); err != nil || secret == "" {
		return ErrInvalidMFASecret
	}
	s.mu.Lock()
	s.users[userID] = &mfaState{secret: secret}
	s.mu.Unlock()
	return nil
}

// Enrolled reports whether userID has a secret.
func (s *MFAService) Enrolled(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok
}

// Unenroll removes userID's secret.
func (s *MFAService) Unenroll(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	delete(s.users, userID)
	return ok
}

// Verify checks code against userID's secret, allowing one period of skew.
// After mfaMaxFailures consecutive failures the user is locked out for
// mfaLockout.
func (s *MFAService) Verify(userID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.users[userID]
	if !ok {
		return false, ErrMFANotEnrolled
	}
	now := s.now()
	if now.Before(st.lockedUntil) {
		return false, ErrMFALocked
	}

	valid, err := totp.ValidateCustom(strings.TrimSpace(code), st.secret, now.UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil && !errors.Is(err, otp.ErrValidateInputInvalidLength) {
		return false, fmt.Errorf("validating totp code: %w", err)
	}

	if !valid {
		st.failures++
		if st.failures >= mfaMaxFailures {
			st.lockedUntil = now.Add(mfaLockout)
			st.failures = 0
			s.logger.Warn().Str("user_id", userID).Msg("mfa locked after repeated failures")
		}
		return false, nil
	}
	st.failures = 0
	return true, nil
}
