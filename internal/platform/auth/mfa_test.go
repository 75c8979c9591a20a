package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestMFA_EnrollAndVerify(t *testing.T) {
	s := NewMFAService("EHR Security", testLogger())

	enr, err := s.Enroll("u1", "jdoe")
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if enr.Secret == "" || !strings.HasPrefix(enr.URL, "otpauth://totp/") {
		t.Fatalf("unexpected enrollment %+v", enr)
	}
	if !s.Enrolled("u1") {
		t.Fatal("expected u1 enrolled")
	}

	code, err := totp.GenerateCode(enr.Secret, time.Now().UTC())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	ok, err := s.Verify("u1", code)
	if err != nil || !ok {
		t.Fatalf("expected valid code, got ok=%v err=%v", ok, err)
	}

	ok, err = s.Verify("u1", "000000x")
	if err != nil || ok {
		t.Errorf("malformed code: ok=%v err=%v", ok, err)
	}
}

func TestMFA_NotEnrolled(t *testing.T) {
	s := NewMFAService("EHR Security", testLogger())
	if _, err := s.Verify("ghost", "123456"); !errors.Is(err, ErrMFANotEnrolled) {
		t.Errorf("expected ErrMFANotEnrolled, got %v", err)
	}
}

func TestMFA_Lockout(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	s := NewMFAService("EHR Security", testLogger())
	s.now = func() time.Time { return now }
	if err := s.SetSecret("u1", secret); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}

	good, err := totp.GenerateCode(secret, now)
	if err != nil {
		t.Fatal(err)
	}
	bad := "000000"
	if bad == good {
		bad = "111111"
	}

	for i := 0; i < mfaMaxFailures; i++ {
		if ok, err := s.Verify("u1", bad); ok || err != nil {
			t.Fatalf("attempt %d: ok=%v err=%v", i, ok, err)
		}
	}
	if _, err := s.Verify("u1", good); !errors.Is(err, ErrMFALocked) {
		t.Fatalf("expected ErrMFALocked, got %v", err)
	}

	now = now.Add(mfaLockout + time.Second)
	good, _ = totp.GenerateCode(secret, now)
	if ok, err := s.Verify("u1", good); !ok || err != nil {
		t.Errorf("expected unlock after lockout, got ok=%v err=%v", ok, err)
	}
}

func TestMFA_SetSecretValidation(t *testing.T) {
	s := NewMFAService("EHR Security", testLogger())
	if err := s.SetSecret("u1", "not base32!"); !errors.Is(err, ErrInvalidMFASecret) {
		t.Errorf("expected ErrInvalidMFASecret, got %v", err)
	}
	if !errors.Is(s.SetSecret("u1", ""), ErrInvalidMFASecret) {
		t.Error("empty secret accepted")
	}
	if err := s.SetSecret("u1", "jbswy3dpehpk3pxp"); err != nil {
		t.Errorf("lowercase secret rejected: %v", err)
	}
	if !s.Unenroll("u1") || s.Unenroll("u1") {
		t.Error("Unenroll should succeed once")
	}
}
