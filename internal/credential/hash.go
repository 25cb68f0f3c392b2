package credential

import (
	"fmt"

	"github.com/schoolgate/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used when none is configured.
const DefaultCost = bcrypt.DefaultCost

// Hash produces a bcrypt hash of password. It is the only way new password
// fields are written.
func Hash(password string, cost int) (string, error) {
	if cost == 0 {
		cost = DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// NeedsUpgrade reports whether the stored credential of user should be
// rewritten after a successful login: it is not a bcrypt hash, or its work
// factor is below cost.
func NeedsUpgrade(user types.User, cost int) bool {
	if Resolve(user) != types.HashAdaptive {
		return true
	}
	if cost == 0 {
		cost = DefaultCost
	}
	current, err := bcrypt.Cost([]byte(user.PasswordField))
	if err != nil {
		return true
	}
	return current < cost
}
