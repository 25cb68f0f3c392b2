package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/schoolgate/apiserver/types"
	"gopkg.in/yaml.v3"
)

// ProfileFields are the role-dependent submission fields a requirement table
// may name.
var ProfileFields = []string{
	"phone",
	"username",
	"parent_name",
	"parent_email",
	"parent_phone",
	"organization_description",
	"department",
	"subject",
}

// RoleRequirements lists what a signup for one role must carry beyond
// identity and credential fields.
type RoleRequirements struct {
	// Fields are submission fields that must be non-empty.
	Fields []string `yaml:"fields"`

	// Documents are categories that need at least one uploaded document each.
	Documents []string `yaml:"documents"`

	// MinDocuments is the minimum number of documents regardless of category.
	MinDocuments int `yaml:"min_documents"`
}

// RequirementTable maps roles to their signup requirements. Roles missing
// from the table need identity and credential fields only.
type RequirementTable map[types.Role]RoleRequirements

type requirementsFile struct {
	Roles map[string]RoleRequirements `yaml:"roles"`
}

// DefaultRequirements returns the built-in requirement table.
func DefaultRequirements() RequirementTable {
	return RequirementTable{
		types.RoleStudent: {
			Fields:    []string{"parent_name", "parent_phone", "parent_email"},
			Documents: []string{"birth_certificate", "transfer_certificate"},
		},
		types.RolePrincipal: {
			Fields:       []string{"organization_description"},
			MinDocuments: 1,
		},
		types.RoleTeacher:   {Fields: []string{"department"}},
		types.RoleProfessor: {Fields: []string{"department"}},
		types.RoleHOD:       {Fields: []string{"department"}},
		types.RoleDean:      {Fields: []string{"department"}},
	}
}

// For returns the requirements of role.
func (t RequirementTable) For(role types.Role) RoleRequirements {
	return t[role]
}

// LoadRequirements reads a YAML requirement table from path. An empty path
// yields DefaultRequirements.
func LoadRequirements(path string) (RequirementTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRequirements(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requirements file: %w", err)
	}
	return ParseRequirements(data)
}

// ParseRequirements decodes and checks a YAML requirement table.
func ParseRequirements(data []byte) (RequirementTable, error) {
	var file requirementsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse requirements: %w", err)
	}
	if len(file.Roles) == 0 {
		return nil, errors.New("parse requirements: no roles defined")
	}

	table := make(RequirementTable, len(file.Roles))
	for name, reqs := range file.Roles {
		role, err := types.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("parse requirements: %w", err)
		}
		for _, field := range reqs.Fields {
			if !slices.Contains(ProfileFields, field) {
				return nil, fmt.Errorf("parse requirements: role %s: unknown field %q", role, field)
			}
		}
		categories := make([]string, 0, len(reqs.Documents))
		for _, category := range reqs.Documents {
			category = strings.ToLower(strings.TrimSpace(category))
			if category == "" {
				return nil, fmt.Errorf("parse requirements: role %s: empty document category", role)
			}
			categories = append(categories, category)
		}
		reqs.Documents = categories
		if reqs.MinDocuments < 0 {
			return nil, fmt.Errorf("parse requirements: role %s: negative min_documents", role)
		}
		table[role] = reqs
	}
	return table, nil
}
