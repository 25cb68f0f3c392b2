package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/schoolgate/apiserver/internal/credential"
	"github.com/schoolgate/apiserver/types"
)

const (
	userColumns = `id, school_id, school_name, username, email, name, phone, role, password,
		approval_state, approved, reviewed_by, reviewed_at, documents, profile, created_at, updated_at`

	uniqueViolation = "23505"

	emailIndex    = "users_school_email_key"
	usernameIndex = "users_school_username_key"
)

// UserRepository handles persistence for users in Postgres.
type UserRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var (
		user          types.User
		role          string
		approvalState string
		approved      sql.NullBool
		reviewedBy    sql.NullInt64
		reviewedAt    sql.NullTime
		documentsJSON []byte
		profileJSON   []byte
	)
	if err := row.Scan(
		&user.ID,
		&user.SchoolID,
		&user.SchoolName,
		&user.Username,
		&user.Email,
		&user.Name,
		&user.Phone,
		&role,
		&user.PasswordField,
		&approvalState,
		&approved,
		&reviewedBy,
		&reviewedAt,
		&documentsJSON,
		&profileJSON,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return types.User{}, err
	}

	user.Role = types.Role(role)
	user.ApprovalState = types.ApprovalState(approvalState)
	user.PasswordFormat = credential.Classify(user.PasswordField)
	if approved.Valid {
		user.Approved = &approved.Bool
	}
	if reviewedBy.Valid {
		user.ReviewedBy = &reviewedBy.Int64
	}
	if reviewedAt.Valid {
		user.ReviewedAt = &reviewedAt.Time
	}
	if len(documentsJSON) > 0 {
		if err := json.Unmarshal(documentsJSON, &user.Documents); err != nil {
			return types.User{}, fmt.Errorf("user %d: decode documents: %w", user.ID, err)
		}
	}
	if len(profileJSON) > 0 {
		if err := json.Unmarshal(profileJSON, &user.Profile); err != nil {
			return types.User{}, fmt.Errorf("user %d: decode profile: %w", user.ID, err)
		}
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (types.User, error) {
	return getByID(ctx, r.db, id, false)
}

func getByID(ctx context.Context, db DBTX, id int64, forUpdate bool) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	user, err := scanUser(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

// FindByIdentifier returns every user whose email or username matches
// identifier, ordered by ID. An empty schoolID searches all schools.
func (r *UserRepository) FindByIdentifier(ctx context.Context, schoolID, identifier string) ([]types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE (lower(email) = lower($1) OR (username <> '' AND lower(username) = lower($1)))
			AND ($2 = '' OR school_id = $2)
		ORDER BY id`
	return r.list(ctx, query, strings.TrimSpace(identifier), schoolID)
}

// ListPending returns the users still awaiting review, oldest first.
// A legacy approved flag takes the record out of the list.
func (r *UserRepository) ListPending(ctx context.Context, schoolID string) ([]types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE approval_state IN ('', 'pending')
			AND approved IS NOT TRUE
			AND ($1 = '' OR school_id = $1)
		ORDER BY id`
	return r.list(ctx, query, schoolID)
}

func (r *UserRepository) list(ctx context.Context, query string, args ...any) ([]types.User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]types.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// CreateUnique inserts user unless its email or username is already taken in
// the same school. The check and the insert share one transaction, and
// concurrent registrations for a school are serialized by an advisory lock.
func (r *UserRepository) CreateUnique(ctx context.Context, user types.User) (types.User, error) {
	now := r.now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	documentsJSON, profileJSON, err := encodeJSONColumns(user)
	if err != nil {
		return types.User{}, err
	}

	err = WithTx(ctx, r.db, nil, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, user.SchoolID); err != nil {
			return fmt.Errorf("lock school: %w", err)
		}

		if err := checkAvailable(ctx, tx, user); err != nil {
			return err
		}

		const insert = `
			INSERT INTO users (school_id, school_name, username, email, name, phone, role, password,
				approval_state, approved, reviewed_by, reviewed_at, documents, profile, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			RETURNING id`
		return tx.QueryRowContext(
			ctx,
			insert,
			user.SchoolID,
			user.SchoolName,
			user.Username,
			user.Email,
			user.Name,
			user.Phone,
			string(user.Role),
			user.PasswordField,
			string(user.ApprovalState),
			nullBool(user.Approved),
			nullInt64(user.ReviewedBy),
			nullTime(user.ReviewedAt),
			documentsJSON,
			profileJSON,
			user.CreatedAt,
			user.UpdatedAt,
		).Scan(&user.ID)
	})
	if err != nil {
		return types.User{}, translateUniqueViolation(err, user)
	}

	user.PasswordFormat = credential.Classify(user.PasswordField)
	return user, nil
}

func checkAvailable(ctx context.Context, tx DBTX, user types.User) error {
	const query = `
		SELECT email, username
		FROM users
		WHERE school_id = $1
			AND (lower(email) = lower($2) OR ($3 <> '' AND lower(username) = lower($3)))
		LIMIT 1`
	var email, username string
	err := tx.QueryRowContext(ctx, query, user.SchoolID, user.Email, user.Username).Scan(&email, &username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check identifiers: %w", err)
	}
	if strings.EqualFold(email, user.Email) {
		return &DuplicateError{SchoolID: user.SchoolID, Field: "email", Value: user.Email}
	}
	return &DuplicateError{SchoolID: user.SchoolID, Field: "username", Value: user.Username}
}

func translateUniqueViolation(err error, user types.User) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case usernameIndex:
		return &DuplicateError{SchoolID: user.SchoolID, Field: "username", Value: user.Username}
	case emailIndex:
		return &DuplicateError{SchoolID: user.SchoolID, Field: "email", Value: user.Email}
	default:
		return err
	}
}

// Update loads the user with id under a row lock, applies fn, and writes the
// result back in the same transaction. fn must not change the ID.
func (r *UserRepository) Update(ctx context.Context, id int64, fn func(*types.User) error) (types.User, error) {
	var updated types.User
	err := WithTx(ctx, r.db, nil, func(ctx context.Context, tx DBTX) error {
		user, err := getByID(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(&user); err != nil {
			return err
		}
		if user.ID != id {
			return ErrImmutableID
		}
		user.UpdatedAt = r.now().UTC()

		documentsJSON, profileJSON, err := encodeJSONColumns(user)
		if err != nil {
			return err
		}

		const query = `
			UPDATE users
			SET school_name = $1,
				username = $2,
				email = $3,
				name = $4,
				phone = $5,
				role = $6,
				password = $7,
				approval_state = $8,
				approved = $9,
				reviewed_by = $10,
				reviewed_at = $11,
				documents = $12,
				profile = $13,
				updated_at = $14
			WHERE id = $15`
		result, err := tx.ExecContext(
			ctx,
			query,
			user.SchoolName,
			user.Username,
			user.Email,
			user.Name,
			user.Phone,
			string(user.Role),
			user.PasswordField,
			string(user.ApprovalState),
			nullBool(user.Approved),
			nullInt64(user.ReviewedBy),
			nullTime(user.ReviewedAt),
			documentsJSON,
			profileJSON,
			user.UpdatedAt,
			user.ID,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		updated = user
		return nil
	})
	if err != nil {
		return types.User{}, err
	}

	updated.PasswordFormat = credential.Classify(updated.PasswordField)
	return updated, nil
}

// encodeJSONColumns renders the JSONB columns as strings; lib/pq would send
// []byte as bytea.
func encodeJSONColumns(user types.User) (string, string, error) {
	documents := user.Documents
	if documents == nil {
		documents = []types.Document{}
	}
	documentsJSON, err := json.Marshal(documents)
	if err != nil {
		return "", "", fmt.Errorf("encode documents: %w", err)
	}
	profile := user.Profile
	if profile == nil {
		profile = map[string]string{}
	}
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return "", "", fmt.Errorf("encode profile: %w", err)
	}
	return string(documentsJSON), string(profileJSON), nil
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
