// Package credential classifies stored password fields and checks submitted
// passwords against them.
//
// Three stored formats are understood. Complete bcrypt hashes are the only
// format ever written. Degraded hashes (an unsalted MD5 hex digest behind a
// bcrypt-looking prefix) and plaintext passwords exist in legacy data and are
// accepted at read time only.
package credential

import (
	"strings"

	"github.com/schoolgate/apiserver/types"
)

const (
	// bcryptHashLen is the length of every well-formed bcrypt hash:
	// "$2b$" + two cost digits + "$" + 22 salt chars + 31 hash chars.
	bcryptHashLen = 60
	// hashLikePrefix is what the legacy "looks like a hash" generator emitted.
	hashLikePrefix = "$2"
)

var adaptiveTags = []string{"$2a$", "$2b$", "$2y$"}

// Classify reports which format field is stored in. First match wins:
// a version-tagged full-length bcrypt hash, then anything else carrying the
// bcrypt-looking prefix, then plaintext. Classify never fails.
func Classify(field string) types.HashFormat {
	if isAdaptive(field) {
		return types.HashAdaptive
	}
	if strings.HasPrefix(field, hashLikePrefix) {
		return types.HashDegraded
	}
	return types.HashPlaintext
}

// Resolve returns the format attached to user, classifying the password field
// when the record arrived without one.
func Resolve(user types.User) types.HashFormat {
	switch user.PasswordFormat {
	case types.HashAdaptive, types.HashDegraded, types.HashPlaintext:
		return user.PasswordFormat
	default:
		return Classify(user.PasswordField)
	}
}

func isAdaptive(field string) bool {
	if len(field) != bcryptHashLen {
		return false
	}
	tagged := false
	for _, tag := range adaptiveTags {
		if strings.HasPrefix(field, tag) {
			tagged = true
			break
		}
	}
	if !tagged {
		return false
	}
	return isDigit(field[4]) && isDigit(field[5]) && field[6] == '$'
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
