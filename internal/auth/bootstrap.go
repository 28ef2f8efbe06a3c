package auth

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/meristem/core/internal/apperr"
	"github.com/meristem/core/internal/store"
)

// bootstrapTokenRe matches the operator-facing token format
// "ST-ABCD-123456": a fixed "ST" prefix, a 4-letter block, a 6-digit
// TOTP code.
var bootstrapTokenRe = regexp.MustCompile(`^ST-([A-Z]{4})-(\d{6})$`)

// Service handles bootstrap-once setup and login. Bootstrap tokens
// are time-boxed TOTP codes rather than static secrets, so a leaked
// token stops working within a window.
type Service struct {
	store      store.Store
	jwt        *JWTManager
	bootstrapSecret string
}

func NewService(st store.Store, jwt *JWTManager, bootstrapTOTPSecret string) *Service {
	return &Service{store: st, jwt: jwt, bootstrapSecret: bootstrapTOTPSecret}
}

// ValidateBootstrapToken parses the ST-XXXX-NNNNNN format and checks
// the numeric portion against the current TOTP window for
// bootstrapSecret.
func (s *Service) ValidateBootstrapToken(token string) error {
	m := bootstrapTokenRe.FindStringSubmatch(strings.ToUpper(token))
	if m == nil {
		return apperr.New(apperr.InvalidBootstrapToken, "bootstrap token must match ST-XXXX-NNNNNN")
	}
	code := m[2]
	ok, err := totp.ValidateCustom(code, s.bootstrapSecret, time.Now(), totp.ValidateOpts{
		Period: 30,
		Skew:   1,
		Digits: otp.DigitsSix,
	})
	if err != nil || !ok {
		return apperr.New(apperr.InvalidBootstrapToken, "bootstrap token failed TOTP verification")
	}
	return nil
}

// BootstrapInput is the one-time setup request.
type BootstrapInput struct {
	BootstrapToken string
	Username       string
	Password       string
}

// Bootstrap creates the first (superadmin) user, rejecting a second
// attempt once the store has already recorded completion.
func (s *Service) Bootstrap(ctx context.Context, in BootstrapInput) (store.User, error) {
	done, err := s.store.IsBootstrapped(ctx)
	if err != nil {
		return store.User{}, apperr.Wrap(apperr.InternalError, "failed to check bootstrap state", err)
	}
	if done {
		return store.User{}, apperr.New(apperr.BootstrapAlreadyDone, "bootstrap already completed")
	}

	if err := s.ValidateBootstrapToken(in.BootstrapToken); err != nil {
		return store.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, apperr.Wrap(apperr.InternalError, "failed to hash password", err)
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return store.User{}, apperr.Wrap(apperr.InternalError, "failed to start transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	user := store.User{Username: in.Username, PasswordHash: string(hash), Superadmin: true}
	if err := s.store.CreateUser(ctx, tx, user); err != nil {
		return store.User{}, apperr.Wrap(apperr.InternalError, "failed to create admin user", err)
	}

	// Re-check inside the transaction's logical scope: a concurrent
	// bootstrap racing us past the first IsBootstrapped read must
	// still only leave one user marked superadmin. MarkBootstrapped is
	// the compare-and-set: it fails once completion is already recorded.
	if err := s.store.MarkBootstrapped(ctx, tx); err != nil {
		return store.User{}, apperr.New(apperr.BootstrapAlreadyDone, "bootstrap already completed")
	}

	if err := tx.Commit(); err != nil {
		return store.User{}, apperr.Wrap(apperr.InternalError, "failed to commit bootstrap", err)
	}
	committed = true
	return user, nil
}

// Login verifies credentials and issues a signed token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if err == store.ErrNotFound {
			return "", apperr.New(apperr.AuthInvalidCredentials, "invalid username or password")
		}
		return "", apperr.Wrap(apperr.InternalError, "failed to look up user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", apperr.New(apperr.AuthInvalidCredentials, "invalid username or password")
	}

	perms := []string{"*"}
	if !user.Superadmin {
		perms = []string{"node:read", "task:create", "task:read"}
	}
	token, err := s.jwt.GenerateToken(user.Username, user.Username, user.OrgID, user.Superadmin, perms)
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, "failed to sign token", err)
	}
	return token, nil
}
