package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schoolgate/apiserver/internal/approval"
	"github.com/schoolgate/apiserver/internal/credential"
	"github.com/schoolgate/apiserver/internal/logging"
	"github.com/schoolgate/apiserver/internal/store"
	"github.com/schoolgate/apiserver/types"
)

const minPasswordLength = 8

var errCredentialChanged = errors.New("credential changed concurrently")

// LoginInput carries one sign-in attempt. An empty SchoolID searches every
// school.
type LoginInput struct {
	SchoolID   string `json:"school_id"`
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// AuthService authenticates accounts and maintains their credentials.
type AuthService struct {
	repo UserRepository
	cost int
	log  logging.Logger
}

func NewAuthService(repo UserRepository, bcryptCost int, log logging.Logger) *AuthService {
	if log == nil {
		log = logging.Discard()
	}
	return &AuthService{repo: repo, cost: bcryptCost, log: log}
}

// Login returns the account matching in, if its password verifies and the
// account is admissible.
//
// Candidates sharing the identifier are tried in ascending ID order and the
// first whose password verifies is used. A stored credential that is not a
// current bcrypt hash is rewritten after a successful login.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (types.User, error) {
	identifier := strings.TrimSpace(in.Identifier)
	if identifier == "" || in.Password == "" {
		return types.User{}, ErrInvalidCredentials
	}

	candidates, err := s.repo.FindByIdentifier(ctx, strings.TrimSpace(in.SchoolID), identifier)
	if err != nil {
		return types.User{}, fmt.Errorf("find user: %w", err)
	}

	var (
		user  types.User
		found bool
	)
	for _, candidate := range candidates {
		if credential.Verify(in.Password, candidate) {
			user, found = candidate, true
			break
		}
		s.log.Debug(ctx, "login candidate skipped", "user_id", candidate.ID, "school_id", candidate.SchoolID)
	}
	if !found {
		s.log.Info(ctx, "login rejected", "reason", "invalid_credentials", "candidates", len(candidates))
		return types.User{}, ErrInvalidCredentials
	}

	if !approval.IsAdmissible(user) {
		state := user.Resolved()
		s.log.Info(ctx, "login rejected", "reason", "not_admissible", "user_id", user.ID, "approval_state", state)
		if state == types.ApprovalRejected {
			return types.User{}, ErrAccountRejected
		}
		return types.User{}, ErrPendingApproval
	}

	if credential.NeedsUpgrade(user, s.cost) {
		user = s.upgrade(ctx, user, in.Password)
	}

	s.log.Info(ctx, "login succeeded", "user_id", user.ID, "school_id", user.SchoolID, "role", user.Role)
	return user, nil
}

// upgrade rewrites the stored credential as a bcrypt hash. Failures are
// logged and the original record is returned.
func (s *AuthService) upgrade(ctx context.Context, user types.User, password string) types.User {
	from := credential.Resolve(user)
	hashed, err := credential.Hash(password, s.cost)
	if err != nil {
		s.log.Warn(ctx, "credential upgrade failed", "user_id", user.ID, "error", err)
		return user
	}

	previous := user.PasswordField
	updated, err := s.repo.Update(ctx, user.ID, func(u *types.User) error {
		if u.PasswordField != previous {
			return errCredentialChanged
		}
		u.PasswordField = hashed
		return nil
	})
	if err != nil {
		s.log.Warn(ctx, "credential upgrade failed", "user_id", user.ID, "error", err)
		return user
	}
	s.log.Info(ctx, "credential upgraded", "user_id", user.ID, "from", from)
	return updated
}

// ChangePassword replaces the password of the account with id after checking
// current.
func (s *AuthService) ChangePassword(ctx context.Context, id int64, current, next string) error {
	verr := &ValidationError{}
	if len([]rune(next)) < minPasswordLength {
		verr.add("new_password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	if len(next) > maxPasswordBytes {
		verr.add("new_password", fmt.Sprintf("must be at most %d bytes", maxPasswordBytes))
	}
	if err := verr.orNil(); err != nil {
		return err
	}

	hashed, err := credential.Hash(next, s.cost)
	if err != nil {
		return err
	}

	_, err = s.repo.Update(ctx, id, func(u *types.User) error {
		if !credential.Verify(current, *u) {
			return ErrInvalidCredentials
		}
		u.PasswordField = hashed
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}

	s.log.Info(ctx, "password changed", "user_id", id)
	return nil
}
