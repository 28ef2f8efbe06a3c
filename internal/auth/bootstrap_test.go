package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/meristem/core/internal/store/storetest"
)

const testBootstrapSecret = "JBSWY3DPEHPK3PXP"

func newTestBootstrapService(t *testing.T) *Service {
	t.Helper()
	st := storetest.New()
	jwt := NewJWTManager("sign", []string{"sign"}, "meristem-core", 0)
	return NewService(st, jwt, testBootstrapSecret)
}

func currentBootstrapToken(t *testing.T) string {
	t.Helper()
	code, err := totp.GenerateCode(testBootstrapSecret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	return fmt.Sprintf("ST-ABCD-%s", code)
}

func TestBootstrapThenLoginThenSecondBootstrapRejected(t *testing.T) {
	s := newTestBootstrapService(t)
	ctx := context.Background()

	token := currentBootstrapToken(t)
	_, err := s.Bootstrap(ctx, BootstrapInput{BootstrapToken: token, Username: "admin", Password: "S3curePass!"})
	if err != nil {
		t.Fatalf("first bootstrap should succeed: %v", err)
	}

	signed, err := s.Login(ctx, "admin", "S3curePass!")
	if err != nil {
		t.Fatalf("login after bootstrap should succeed: %v", err)
	}
	if signed == "" {
		t.Fatal("expected a non-empty access token")
	}

	_, err = s.Bootstrap(ctx, BootstrapInput{BootstrapToken: currentBootstrapToken(t), Username: "someone-else", Password: "Other1234!"})
	if err == nil {
		t.Fatal("a second bootstrap attempt must be rejected")
	}
}

func TestBootstrapRejectsMalformedToken(t *testing.T) {
	s := newTestBootstrapService(t)
	_, err := s.Bootstrap(context.Background(), BootstrapInput{BootstrapToken: "not-a-real-token", Username: "admin", Password: "pw"})
	if err == nil {
		t.Fatal("expected INVALID_BOOTSTRAP_TOKEN for a malformed token")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	s := newTestBootstrapService(t)
	ctx := context.Background()
	token := currentBootstrapToken(t)
	if _, err := s.Bootstrap(ctx, BootstrapInput{BootstrapToken: token, Username: "admin", Password: "correct-horse"}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := s.Login(ctx, "admin", "wrong-password"); err == nil {
		t.Fatal("expected AUTH_INVALID_CREDENTIALS for a wrong password")
	}
}
