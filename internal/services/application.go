package services

import (
	"context"
	"time"

	"github.com/schoolgate/apiserver/internal/approval"
	"github.com/schoolgate/apiserver/internal/logging"
	"github.com/schoolgate/apiserver/types"
)

// ApplicationService lets reviewers work through pending registrations.
type ApplicationService struct {
	repo   UserRepository
	events *Events
	log    logging.Logger
	now    func() time.Time
}

func NewApplicationService(repo UserRepository, events *Events, log logging.Logger) *ApplicationService {
	if log == nil {
		log = logging.Discard()
	}
	return &ApplicationService{repo: repo, events: events, log: log, now: time.Now}
}

// ListPending returns the applications reviewer may decide, oldest first.
// Admins may pass any schoolID, including "" for every school; principals
// only see their own school.
func (s *ApplicationService) ListPending(ctx context.Context, reviewer types.User, schoolID string) ([]types.User, error) {
	if reviewer.Role != types.RoleAdmin {
		if schoolID != "" && schoolID != reviewer.SchoolID {
			return nil, ErrForbidden
		}
		schoolID = reviewer.SchoolID
	}
	if !approval.CanReview(reviewer, types.User{SchoolID: schoolID}) {
		return nil, ErrForbidden
	}
	return s.repo.ListPending(ctx, schoolID)
}

// Get returns the application with id if reviewer may see it.
func (s *ApplicationService) Get(ctx context.Context, reviewer types.User, id int64) (types.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return types.User{}, err
	}
	if !approval.CanReview(reviewer, user) {
		return types.User{}, ErrForbidden
	}
	return user, nil
}

// Approve moves a pending application to approved.
func (s *ApplicationService) Approve(ctx context.Context, reviewer types.User, id int64) (types.User, error) {
	return s.decide(ctx, reviewer, id, types.ApprovalApproved)
}

// Reject moves a pending application to rejected.
func (s *ApplicationService) Reject(ctx context.Context, reviewer types.User, id int64) (types.User, error) {
	return s.decide(ctx, reviewer, id, types.ApprovalRejected)
}

// decide runs the transition inside the repository update so the pending
// check and the write are one atomic step.
func (s *ApplicationService) decide(ctx context.Context, reviewer types.User, id int64, target types.ApprovalState) (types.User, error) {
	updated, err := s.repo.Update(ctx, id, func(u *types.User) error {
		if !approval.CanReview(reviewer, *u) {
			return ErrForbidden
		}
		next, err := approval.Transition(*u, target, reviewer.ID, s.now())
		if err != nil {
			return err
		}
		*u = next
		return nil
	})
	if err != nil {
		s.log.Info(ctx, "application decision refused",
			"user_id", id,
			"reviewer_id", reviewer.ID,
			"target", target,
			"error", err,
		)
		return types.User{}, err
	}

	s.log.Info(ctx, "application decided",
		"user_id", updated.ID,
		"school_id", updated.SchoolID,
		"reviewer_id", reviewer.ID,
		"approval_state", updated.ApprovalState,
	)
	event := EventApplicationApproved
	if target == types.ApprovalRejected {
		event = EventApplicationRejected
	}
	s.events.emit(ctx, event, updated)
	return updated, nil
}
