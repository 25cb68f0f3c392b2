package types

// Submission is a signup request collected by the multi-step registration
// form. Fields outside the identity block are required only for some roles.
type Submission struct {
	SchoolID   string `json:"school_id" validate:"required,max=64"`
	SchoolName string `json:"school_name" validate:"max=200"`
	Role       string `json:"role" validate:"required"`
	Name       string `json:"name" validate:"required,max=200"`
	Email      string `json:"email" validate:"required,email,max=254"`
	Username   string `json:"username" validate:"omitempty,min=3,max=64,excludesall= @"`
	Password   string `json:"password" validate:"required,min=8,max=72"`
	Phone      string `json:"phone" validate:"omitempty,max=32"`

	ParentName              string `json:"parent_name" validate:"max=200"`
	ParentEmail             string `json:"parent_email" validate:"omitempty,email"`
	ParentPhone             string `json:"parent_phone" validate:"max=32"`
	OrganizationDescription string `json:"organization_description" validate:"max=4000"`
	Department              string `json:"department" validate:"max=200"`
	Subject                 string `json:"subject" validate:"max=200"`

	Documents []Document `json:"documents" validate:"dive"`
}

// ProfileFields returns the role-specific fields keyed by their JSON names.
// Empty values are omitted.
func (s Submission) ProfileFields() map[string]string {
	fields := map[string]string{
		"parent_name":              s.ParentName,
		"parent_email":             s.ParentEmail,
		"parent_phone":             s.ParentPhone,
		"organization_description": s.OrganizationDescription,
		"department":               s.Department,
		"subject":                  s.Subject,
	}
	for key, value := range fields {
		if value == "" {
			delete(fields, key)
		}
	}
	return fields
}
