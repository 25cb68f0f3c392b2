package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/schoolgate/apiserver/types"
)

// ErrInvalidTransition matches every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid approval state transition")

// ErrUnknownTarget is returned when a transition names a state other than
// approved or rejected.
var ErrUnknownTarget = errors.New("unknown approval target state")

// InvalidTransitionError reports an approve or reject on a record that is no
// longer pending.
type InvalidTransitionError struct {
	ID   int64
	From types.ApprovalState
	To   types.ApprovalState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("user %d: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Transition moves a pending user to target, stamping the reviewer.
// Approved and rejected are terminal. The returned copy has the legacy flag
// collapsed into the approval state.
func Transition(user types.User, target types.ApprovalState, reviewerID int64, now time.Time) (types.User, error) {
	if target != types.ApprovalApproved && target != types.ApprovalRejected {
		return user, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}

	from := user.Resolved()
	if from != types.ApprovalPending {
		return user, &InvalidTransitionError{ID: user.ID, From: from, To: target}
	}

	approved := target == types.ApprovalApproved
	reviewedAt := now.UTC()
	user.ApprovalState = target
	user.Approved = &approved
	user.ReviewedBy = &reviewerID
	user.ReviewedAt = &reviewedAt
	return user, nil
}
