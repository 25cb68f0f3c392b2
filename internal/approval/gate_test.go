package approval

import (
	"testing"

	"github.com/schoolgate/apiserver/types"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }

func TestIsAdmissibleAdminAlways(t *testing.T) {
	states := []types.ApprovalState{"", types.ApprovalPending, types.ApprovalApproved, types.ApprovalRejected}
	flags := []*bool{nil, boolPtr(false), boolPtr(true)}
	for _, state := range states {
		for _, flag := range flags {
			user := types.User{Role: types.RoleAdmin, ApprovalState: state, Approved: flag}
			require.True(t, IsAdmissible(user), "state=%q flag=%v", state, flag)
		}
	}
}

func TestIsAdmissibleOtherRoles(t *testing.T) {
	tests := []struct {
		name  string
		state types.ApprovalState
		flag  *bool
		want  bool
	}{
		{"approved state", types.ApprovalApproved, nil, true},
		{"legacy flag only", "", boolPtr(true), true},
		{"legacy flag with stale pending", types.ApprovalPending, boolPtr(true), true},
		{"approved state with stale flag", types.ApprovalApproved, boolPtr(false), true},
		{"pending", types.ApprovalPending, nil, false},
		{"pending flag false", types.ApprovalPending, boolPtr(false), false},
		{"nothing", "", nil, false},
		{"flag false", "", boolPtr(false), false},
		{"rejected", types.ApprovalRejected, nil, false},
	}

	for _, role := range types.Roles {
		if role == types.RoleAdmin {
			continue
		}
		for _, tc := range tests {
			t.Run(string(role)+"/"+tc.name, func(t *testing.T) {
				user := types.User{Role: role, ApprovalState: tc.state, Approved: tc.flag}
				require.Equal(t, tc.want, IsAdmissible(user))
			})
		}
	}
}

func TestCanReview(t *testing.T) {
	applicant := types.User{ID: 10, SchoolID: "north", Role: types.RoleTeacher, ApprovalState: types.ApprovalPending}

	tests := []struct {
		name     string
		reviewer types.User
		want     bool
	}{
		{"admin other school", types.User{Role: types.RoleAdmin, SchoolID: "south"}, true},
		{"approved principal same school", types.User{Role: types.RolePrincipal, SchoolID: "north", ApprovalState: types.ApprovalApproved}, true},
		{"approved principal other school", types.User{Role: types.RolePrincipal, SchoolID: "south", ApprovalState: types.ApprovalApproved}, false},
		{"pending principal", types.User{Role: types.RolePrincipal, SchoolID: "north", ApprovalState: types.ApprovalPending}, false},
		{"approved teacher", types.User{Role: types.RoleTeacher, SchoolID: "north", ApprovalState: types.ApprovalApproved}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, CanReview(tc.reviewer, applicant))
		})
	}
}
