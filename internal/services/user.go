package services

import (
	"context"

	"github.com/schoolgate/apiserver/types"
)

// UserRepository defines persistence operations for user accounts.
//
// Update is an exclusive read-modify-write: fn sees the current record and
// its changes are written before any other writer observes the record.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (types.User, error)
	FindByIdentifier(ctx context.Context, schoolID, identifier string) ([]types.User, error)
	ListPending(ctx context.Context, schoolID string) ([]types.User, error)
	CreateUnique(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, id int64, fn func(*types.User) error) (types.User, error)
}

// UserService exposes read access to accounts.
type UserService struct {
	repo UserRepository
}

func NewUserService(repo UserRepository) *UserService {
	return &UserService{repo: repo}
}

func (s *UserService) GetByID(ctx context.Context, id int64) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}
