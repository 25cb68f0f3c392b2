package store

import (
	"github.com/schoolgate/apiserver/internal/credential"
	"github.com/schoolgate/apiserver/types"
)

// Summary counts a collection by resolved approval state and by stored
// password format.
type Summary struct {
	Users         int
	States        map[types.ApprovalState]int
	Formats       map[types.HashFormat]int
	LegacyFlagged int
}

// NeedsUpgrade is the number of records whose password is not yet a bcrypt
// hash.
func (s Summary) NeedsUpgrade() int {
	return s.Formats[types.HashDegraded] + s.Formats[types.HashPlaintext]
}

// Summarize inspects users without changing them.
func Summarize(users []types.User) Summary {
	s := Summary{
		Users:   len(users),
		States:  make(map[types.ApprovalState]int),
		Formats: make(map[types.HashFormat]int),
	}
	for _, user := range users {
		s.States[user.Resolved()]++
		s.Formats[credential.Resolve(user)]++
		if user.Approved != nil {
			s.LegacyFlagged++
		}
	}
	return s
}
