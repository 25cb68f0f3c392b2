package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/schoolgate/apiserver/config"
	"github.com/schoolgate/apiserver/internal/credential"
	"github.com/schoolgate/apiserver/internal/logging"
	"github.com/schoolgate/apiserver/internal/store"
	"github.com/schoolgate/apiserver/types"
)

// maxPasswordBytes is the longest password bcrypt accepts.
const maxPasswordBytes = 72

// RegistrationOptions configures RegistrationService.
type RegistrationOptions struct {
	Requirements     config.RequirementTable
	BcryptCost       int
	AutoApproveRoles []types.Role
}

// RegistrationService admits new accounts.
type RegistrationService struct {
	repo         UserRepository
	requirements config.RequirementTable
	cost         int
	autoApprove  []types.Role
	validate     *validator.Validate
	events       *Events
	log          logging.Logger
}

func NewRegistrationService(repo UserRepository, opts RegistrationOptions, events *Events, log logging.Logger) *RegistrationService {
	if opts.Requirements == nil {
		opts.Requirements = config.DefaultRequirements()
	}
	if log == nil {
		log = logging.Discard()
	}
	return &RegistrationService{
		repo:         repo,
		requirements: opts.Requirements,
		cost:         opts.BcryptCost,
		autoApprove:  opts.AutoApproveRoles,
		validate:     newValidator(),
		events:       events,
		log:          log,
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Register validates sub and stores a new account. The account is pending
// unless its role is auto-approved. Every field problem is reported in one
// *ValidationError; an identifier already taken in the school yields a
// *ConflictError.
func (s *RegistrationService) Register(ctx context.Context, sub types.Submission) (types.User, error) {
	sub = normalizeSubmission(sub)

	verr := &ValidationError{}
	s.checkFormat(sub, verr)

	role, err := types.ParseRole(sub.Role)
	if err != nil && !verr.has("role") {
		verr.add("role", "must be one of the known roles")
	}
	if err == nil {
		s.checkRequirements(role, sub, verr)
	}
	if err := verr.orNil(); err != nil {
		return types.User{}, err
	}

	hashed, err := credential.Hash(sub.Password, s.cost)
	if err != nil {
		return types.User{}, err
	}

	state := types.ApprovalPending
	if slices.Contains(s.autoApprove, role) {
		state = types.ApprovalApproved
	}

	profile := sub.ProfileFields()
	if len(profile) == 0 {
		profile = nil
	}
	user := types.User{
		SchoolID:      sub.SchoolID,
		SchoolName:    sub.SchoolName,
		Username:      sub.Username,
		Email:         sub.Email,
		Name:          sub.Name,
		Phone:         sub.Phone,
		Role:          role,
		PasswordField: hashed,
		ApprovalState: state,
		Documents:     sub.Documents,
		Profile:       profile,
	}

	created, err := s.repo.CreateUnique(ctx, user)
	if err != nil {
		var dup *store.DuplicateError
		if errors.As(err, &dup) {
			return types.User{}, &ConflictError{Field: dup.Field, Value: dup.Value}
		}
		return types.User{}, fmt.Errorf("create user: %w", err)
	}

	s.log.Info(ctx, "application submitted",
		"user_id", created.ID,
		"school_id", created.SchoolID,
		"role", created.Role,
		"approval_state", created.ApprovalState,
	)
	s.events.emit(ctx, EventApplicationSubmitted, created)
	return created, nil
}

func normalizeSubmission(sub types.Submission) types.Submission {
	sub.SchoolID = strings.TrimSpace(sub.SchoolID)
	sub.SchoolName = strings.TrimSpace(sub.SchoolName)
	sub.Role = strings.ToLower(strings.TrimSpace(sub.Role))
	sub.Name = strings.TrimSpace(sub.Name)
	sub.Email = types.NormalizeEmail(sub.Email)
	sub.Username = strings.TrimSpace(sub.Username)
	sub.Phone = strings.TrimSpace(sub.Phone)
	sub.ParentName = strings.TrimSpace(sub.ParentName)
	sub.ParentEmail = types.NormalizeEmail(sub.ParentEmail)
	sub.ParentPhone = strings.TrimSpace(sub.ParentPhone)
	sub.OrganizationDescription = strings.TrimSpace(sub.OrganizationDescription)
	sub.Department = strings.TrimSpace(sub.Department)
	sub.Subject = strings.TrimSpace(sub.Subject)
	sub.Documents = slices.Clone(sub.Documents)
	for i := range sub.Documents {
		sub.Documents[i].Category = strings.ToLower(strings.TrimSpace(sub.Documents[i].Category))
	}
	return sub
}

func (s *RegistrationService) checkFormat(sub types.Submission, verr *ValidationError) {
	if len(sub.Password) > maxPasswordBytes {
		verr.add("password", fmt.Sprintf("must be at most %d bytes", maxPasswordBytes))
	}

	err := s.validate.Struct(sub)
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		verr.add("submission", err.Error())
		return
	}
	for _, fe := range fieldErrs {
		field := fieldPath(fe)
		if verr.has(field) {
			continue
		}
		verr.add(field, fieldMessage(fe))
	}
}

func (s *RegistrationService) checkRequirements(role types.Role, sub types.Submission, verr *ValidationError) {
	reqs := s.requirements.For(role)

	values := sub.ProfileFields()
	values["phone"] = sub.Phone
	values["username"] = sub.Username
	for _, field := range reqs.Fields {
		if values[field] == "" && !verr.has(field) {
			verr.add(field, fmt.Sprintf("is required for role %s", role))
		}
	}

	counts := make(map[string]int, len(sub.Documents))
	for _, doc := range sub.Documents {
		counts[doc.Category]++
	}
	for _, category := range reqs.Documents {
		if counts[category] == 0 {
			verr.add("document_"+category, fmt.Sprintf("is required for role %s", role))
		}
	}
	if len(sub.Documents) < reqs.MinDocuments {
		verr.add("documents", fmt.Sprintf("at least %d document(s) required for role %s", reqs.MinDocuments, role))
	}
}

// fieldPath drops the root struct name from the namespace, leaving e.g.
// "email" or "documents[0].category".
func fieldPath(fe validator.FieldError) string {
	_, path, found := strings.Cut(fe.Namespace(), ".")
	if !found {
		return fe.Field()
	}
	return path
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "excludesall":
		return "must not contain spaces or @"
	default:
		return "is invalid"
	}
}
