package types

import (
	"fmt"
	"strings"
	"time"
)

// Role is the single role a user account holds.
type Role string

const (
	RoleAdmin      Role = "admin"
	RolePrincipal  Role = "principal"
	RoleTeacher    Role = "teacher"
	RoleProfessor  Role = "professor"
	RoleHOD        Role = "hod"
	RoleDean       Role = "dean"
	RoleLibrarian  Role = "librarian"
	RoleStudent    Role = "student"
	RoleParent     Role = "parent"
	RoleAttender   Role = "attender"
	RoleAccountant Role = "accountant"
	RoleMaid       Role = "maid"
)

// Roles lists every known role.
var Roles = []Role{
	RoleAdmin,
	RolePrincipal,
	RoleTeacher,
	RoleProfessor,
	RoleHOD,
	RoleDean,
	RoleLibrarian,
	RoleStudent,
	RoleParent,
	RoleAttender,
	RoleAccountant,
	RoleMaid,
}

// ParseRole normalizes raw and returns the matching role.
func ParseRole(raw string) (Role, error) {
	candidate := Role(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// ApprovalState is the lifecycle state of a registered account.
// The empty value means the record carries no state (legacy data).
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Valid reports whether s is a known state or the legacy empty value.
func (s ApprovalState) Valid() bool {
	switch s {
	case "", ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	default:
		return false
	}
}

// HashFormat classifies what a stored password field holds.
type HashFormat string

const (
	// HashAdaptive is a complete salted bcrypt hash.
	HashAdaptive HashFormat = "adaptive"
	// HashDegraded is an unsalted digest wrapped in a bcrypt-looking prefix.
	HashDegraded HashFormat = "degraded"
	// HashPlaintext is a password stored as-is.
	HashPlaintext HashFormat = "plaintext"
)

// Document references an uploaded registration file.
// The object itself belongs to object storage.
type Document struct {
	Category    string `json:"category" validate:"required"`
	Key         string `json:"key" validate:"required"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// User represents an account in the system.
// It contains identity, credential, approval, and audit metadata.
type User struct {
	// ID is the unique identifier of the user. Assigned once, never reused.
	ID int64 `json:"id" db:"id"`

	// SchoolID associates the account with one school.
	SchoolID string `json:"school_id" db:"school_id"`

	// SchoolName is the display name of the school.
	SchoolName string `json:"school_name,omitempty" db:"school_name"`

	// Username is an optional login name.
	Username string `json:"username,omitempty" db:"username"`

	// Email is the primary login identifier.
	Email string `json:"email" db:"email"`

	// Name is the user's display or full name.
	Name string `json:"name" db:"name"`

	// Phone is an optional contact number.
	Phone string `json:"phone,omitempty" db:"phone"`

	// Role indicates what the user does in the school.
	Role Role `json:"role" db:"role"`

	// PasswordField stores the password in one of the formats described by
	// HashFormat. It is never exposed in API responses.
	PasswordField string `json:"-" db:"password"`

	// PasswordFormat is the classification of PasswordField, resolved when
	// the record is loaded.
	PasswordFormat HashFormat `json:"-" db:"-"`

	// ApprovalState is the current approval state, possibly empty on legacy
	// records.
	ApprovalState ApprovalState `json:"approval_state" db:"approval_state"`

	// Approved is the legacy approval flag. Nil when the record never had it.
	Approved *bool `json:"approved,omitempty" db:"approved"`

	// ReviewedBy is the ID of the reviewer who approved or rejected the account.
	ReviewedBy *int64 `json:"reviewed_by,omitempty" db:"reviewed_by"`

	// ReviewedAt is when the account left the pending state.
	ReviewedAt *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`

	// Documents are registration files supplied at signup.
	Documents []Document `json:"documents,omitempty" db:"documents"`

	// Profile holds role-specific fields collected at signup.
	Profile map[string]string `json:"profile,omitempty" db:"profile"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Resolved reconciles ApprovalState with the legacy Approved flag.
// Either signal saying approved is enough.
func (u User) Resolved() ApprovalState {
	if u.ApprovalState == ApprovalApproved || (u.Approved != nil && *u.Approved) {
		return ApprovalApproved
	}
	if u.ApprovalState == ApprovalRejected {
		return ApprovalRejected
	}
	return ApprovalPending
}

// NormalizeEmail lowercases and trims an email for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
