package credential

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/schoolgate/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

// Verify reports whether password matches the stored credential of user.
// A record without a password field never matches.
func Verify(password string, user types.User) bool {
	return VerifyField(password, user.PasswordField, Resolve(user))
}

// VerifyField compares password with field using the strategy for format.
func VerifyField(password, field string, format types.HashFormat) bool {
	if field == "" {
		return false
	}

	switch format {
	case types.HashAdaptive:
		return bcrypt.CompareHashAndPassword([]byte(field), []byte(password)) == nil
	case types.HashDegraded:
		// Unsalted substring match. Weak; kept only so legacy accounts can
		// still sign in and be rehashed.
		return strings.Contains(field, DegradedDigest(password))
	case types.HashPlaintext:
		return subtle.ConstantTimeCompare([]byte(field), []byte(password)) == 1
	default:
		return false
	}
}

// DegradedDigest is the lowercase hex MD5 digest the legacy generator
// embedded in degraded hashes.
func DegradedDigest(password string) string {
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}
