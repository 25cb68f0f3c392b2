package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/schoolgate/apiserver/internal/credential"
	"github.com/schoolgate/apiserver/types"
)

// FileRepository keeps the whole user collection in one JSON file.
//
// Reads share a read lock. Every mutation holds the write lock for the whole
// read-modify-write and replaces the file atomically, so readers never see a
// partially written collection.
type FileRepository struct {
	path string
	now  func() time.Time

	mu     sync.RWMutex
	users  []types.User
	nextID int64
}

// OpenFile loads and validates the collection at path. A missing file is an
// empty collection. A collection that fails validation is refused with a
// *CorruptionError.
func OpenFile(path string) (*FileRepository, error) {
	users, nextID, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &FileRepository{
		path:   path,
		now:    time.Now,
		users:  users,
		nextID: nextID,
	}, nil
}

// LoadFile reads and validates the collection at path without opening a
// repository.
func LoadFile(path string) ([]types.User, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 1, nil
		}
		return nil, 0, fmt.Errorf("read user collection: %w", err)
	}

	users, nextID, err := ParseCollection(path, data)
	if err != nil {
		return nil, 0, err
	}
	for i := range users {
		users[i].PasswordFormat = credential.Classify(users[i].PasswordField)
	}
	slices.SortFunc(users, func(a, b types.User) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return users, nextID, nil
}

func (r *FileRepository) GetByID(ctx context.Context, id int64) (types.User, error) {
	if err := ctx.Err(); err != nil {
		return types.User{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return types.User{}, ErrNotFound
	}
	return cloneUser(r.users[idx]), nil
}

// FindByIdentifier returns every user whose email or username matches
// identifier, ordered by ID. An empty schoolID searches all schools.
func (r *FileRepository) FindByIdentifier(ctx context.Context, schoolID, identifier string) ([]types.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	identifier = strings.TrimSpace(identifier)

	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]types.User, 0)
	for _, user := range r.users {
		if schoolID != "" && user.SchoolID != schoolID {
			continue
		}
		if strings.EqualFold(user.Email, identifier) ||
			(user.Username != "" && strings.EqualFold(user.Username, identifier)) {
			matches = append(matches, cloneUser(user))
		}
	}
	return matches, nil
}

// ListPending returns the users still awaiting review, oldest first.
func (r *FileRepository) ListPending(ctx context.Context, schoolID string) ([]types.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := make([]types.User, 0)
	for _, user := range r.users {
		if schoolID != "" && user.SchoolID != schoolID {
			continue
		}
		if user.Resolved() == types.ApprovalPending {
			pending = append(pending, cloneUser(user))
		}
	}
	return pending, nil
}

// CreateUnique assigns an ID to user and appends it unless its email or
// username is already taken in the same school.
func (r *FileRepository) CreateUnique(ctx context.Context, user types.User) (types.User, error) {
	if err := ctx.Err(); err != nil {
		return types.User{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.users {
		if existing.SchoolID != user.SchoolID {
			continue
		}
		if types.NormalizeEmail(existing.Email) == types.NormalizeEmail(user.Email) {
			return types.User{}, &DuplicateError{SchoolID: user.SchoolID, Field: "email", Value: user.Email}
		}
		if user.Username != "" && strings.EqualFold(existing.Username, user.Username) {
			return types.User{}, &DuplicateError{SchoolID: user.SchoolID, Field: "username", Value: user.Username}
		}
	}

	now := r.now().UTC()
	user.ID = r.nextID
	user.CreatedAt = now
	user.UpdatedAt = now
	user.PasswordFormat = credential.Classify(user.PasswordField)

	next := append(slices.Clip(r.users), cloneUser(user))
	if err := r.persist(next, r.nextID+1); err != nil {
		return types.User{}, err
	}
	return cloneUser(user), nil
}

// Update applies fn to the user with id and rewrites the collection.
// fn must not change the ID.
func (r *FileRepository) Update(ctx context.Context, id int64, fn func(*types.User) error) (types.User, error) {
	if err := ctx.Err(); err != nil {
		return types.User{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return types.User{}, ErrNotFound
	}

	user := cloneUser(r.users[idx])
	if err := fn(&user); err != nil {
		return types.User{}, err
	}
	if user.ID != id {
		return types.User{}, ErrImmutableID
	}
	user.UpdatedAt = r.now().UTC()
	user.PasswordFormat = credential.Classify(user.PasswordField)

	next := slices.Clone(r.users)
	next[idx] = user
	if problems := ValidateUsers(next); len(problems) > 0 {
		return types.User{}, &CorruptionError{Source: r.path, Problems: problems}
	}
	if err := r.persist(next, r.nextID); err != nil {
		return types.User{}, err
	}
	return cloneUser(user), nil
}

// CollapseApprovals rewrites every record so its approval state alone
// carries the resolved state, dropping the legacy flag. It returns the number
// of records changed.
func (r *FileRepository) CollapseApprovals(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := slices.Clone(r.users)
	changed := 0
	now := r.now().UTC()
	for i, user := range next {
		resolved := user.Resolved()
		if user.ApprovalState == resolved && user.Approved == nil {
			continue
		}
		user.ApprovalState = resolved
		user.Approved = nil
		user.UpdatedAt = now
		next[i] = user
		changed++
	}
	if changed == 0 {
		return 0, nil
	}
	if err := r.persist(next, r.nextID); err != nil {
		return 0, err
	}
	return changed, nil
}

// Len returns the number of records in the collection.
func (r *FileRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *FileRepository) indexOf(id int64) int {
	idx, found := slices.BinarySearchFunc(r.users, id, func(u types.User, target int64) int {
		return cmp.Compare(u.ID, target)
	})
	if !found {
		return -1
	}
	return idx
}

// persist writes users to a temporary file next to the collection and renames
// it into place. In-memory state is swapped only after the rename succeeds.
// Callers hold the write lock.
func (r *FileRepository) persist(users []types.User, nextID int64) error {
	collection := fileCollection{NextID: nextID, Users: make([]fileRecord, 0, len(users))}
	for _, user := range users {
		collection.Users = append(collection.Users, toFileRecord(user))
	}
	data, err := json.MarshalIndent(collection, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user collection: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write user collection: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync user collection: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close user collection: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		cleanup()
		return fmt.Errorf("replace user collection: %w", err)
	}

	r.users = users
	r.nextID = nextID
	return nil
}

func toFileRecord(user types.User) fileRecord {
	password := user.PasswordField
	return fileRecord{
		ID:            user.ID,
		SchoolID:      user.SchoolID,
		SchoolName:    user.SchoolName,
		Username:      user.Username,
		Email:         user.Email,
		Name:          user.Name,
		Phone:         user.Phone,
		Role:          string(user.Role),
		Password:      &password,
		ApprovalState: string(user.ApprovalState),
		Approved:      user.Approved,
		ReviewedBy:    user.ReviewedBy,
		ReviewedAt:    user.ReviewedAt,
		Documents:     user.Documents,
		Profile:       user.Profile,
		CreatedAt:     user.CreatedAt,
		UpdatedAt:     user.UpdatedAt,
	}
}

func cloneUser(user types.User) types.User {
	if user.Approved != nil {
		v := *user.Approved
		user.Approved = &v
	}
	if user.ReviewedBy != nil {
		v := *user.ReviewedBy
		user.ReviewedBy = &v
	}
	if user.ReviewedAt != nil {
		v := *user.ReviewedAt
		user.ReviewedAt = &v
	}
	user.Documents = slices.Clone(user.Documents)
	user.Profile = maps.Clone(user.Profile)
	return user
}
