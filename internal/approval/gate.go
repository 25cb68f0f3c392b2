// Package approval decides whether an account may authenticate and moves
// registered accounts out of the pending state.
package approval

import "github.com/schoolgate/apiserver/types"

// IsAdmissible reports whether user is currently allowed to sign in.
//
// Admins always are. Every other role needs an approved state, taken from
// either the approval state or the legacy approved flag.
func IsAdmissible(user types.User) bool {
	if user.Role == types.RoleAdmin {
		return true
	}
	return user.Resolved() == types.ApprovalApproved
}

// CanReview reports whether reviewer may approve or reject applicant.
// Reviewers are admissible admins or principals; principals act only within
// their own school.
func CanReview(reviewer, applicant types.User) bool {
	if !IsAdmissible(reviewer) {
		return false
	}
	switch reviewer.Role {
	case types.RoleAdmin:
		return true
	case types.RolePrincipal:
		return reviewer.SchoolID == applicant.SchoolID
	default:
		return false
	}
}
