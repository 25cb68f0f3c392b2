package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/schoolgate/apiserver/types"
)

// fileRecord is the on-disk shape of one user. Password is a pointer so a
// record missing the field can be told apart from an empty one.
type fileRecord struct {
	ID            int64             `json:"id"`
	SchoolID      string            `json:"school_id"`
	SchoolName    string            `json:"school_name,omitempty"`
	Username      string            `json:"username,omitempty"`
	Email         string            `json:"email"`
	Name          string            `json:"name"`
	Phone         string            `json:"phone,omitempty"`
	Role          string            `json:"role"`
	Password      *string           `json:"password"`
	ApprovalState string            `json:"approval_state,omitempty"`
	Approved      *bool             `json:"approved,omitempty"`
	ReviewedBy    *int64            `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time        `json:"reviewed_at,omitempty"`
	Documents     []types.Document  `json:"documents,omitempty"`
	Profile       map[string]string `json:"profile,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// fileCollection is the on-disk document. Older files hold a bare array of
// records; those are read as a collection with NextID derived from the data.
type fileCollection struct {
	NextID int64        `json:"next_id"`
	Users  []fileRecord `json:"users"`
}

// ParseCollection decodes and validates a user collection. Any structural
// problem fails the whole collection with a *CorruptionError.
func ParseCollection(source string, data []byte) ([]types.User, int64, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, 1, nil
	}

	if problems := duplicateKeys(trimmed); len(problems) > 0 {
		return nil, 0, &CorruptionError{Source: source, Problems: problems}
	}

	var collection fileCollection
	var err error
	if trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &collection.Users)
	} else {
		err = json.Unmarshal(trimmed, &collection)
	}
	if err != nil {
		return nil, 0, &CorruptionError{Source: source, Problems: []string{fmt.Sprintf("decode: %v", err)}}
	}

	users := make([]types.User, 0, len(collection.Users))
	var problems []string
	for i, record := range collection.Users {
		user, recordProblems := record.toUser(i)
		problems = append(problems, recordProblems...)
		users = append(users, user)
	}
	problems = append(problems, ValidateUsers(users)...)
	if len(problems) > 0 {
		return nil, 0, &CorruptionError{Source: source, Problems: problems}
	}

	nextID := collection.NextID
	for _, user := range users {
		if user.ID >= nextID {
			nextID = user.ID + 1
		}
	}
	if nextID < 1 {
		nextID = 1
	}
	return users, nextID, nil
}

func (r fileRecord) toUser(index int) (types.User, []string) {
	var problems []string
	user := types.User{
		ID:            r.ID,
		SchoolID:      r.SchoolID,
		SchoolName:    r.SchoolName,
		Username:      r.Username,
		Email:         r.Email,
		Name:          r.Name,
		Phone:         r.Phone,
		Role:          types.Role(r.Role),
		ApprovalState: types.ApprovalState(r.ApprovalState),
		Approved:      r.Approved,
		ReviewedBy:    r.ReviewedBy,
		ReviewedAt:    r.ReviewedAt,
		Documents:     r.Documents,
		Profile:       r.Profile,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Password == nil {
		problems = append(problems, fmt.Sprintf("record %d: missing password field", index))
	} else {
		user.PasswordField = *r.Password
	}

	return user, problems
}

// ValidateUsers checks collection-wide invariants: positive unique IDs, known
// roles and states, a login identifier and password on every record, and no
// email or username used twice in a school.
func ValidateUsers(users []types.User) []string {
	var problems []string
	ids := make(map[int64]int, len(users))
	emails := make(map[string]int64, len(users))
	usernames := make(map[string]int64, len(users))

	for i, user := range users {
		label := fmt.Sprintf("record %d (id %d)", i, user.ID)
		if user.ID <= 0 {
			problems = append(problems, label+": missing id")
		} else if prev, ok := ids[user.ID]; ok {
			problems = append(problems, fmt.Sprintf("%s: id already used by record %d", label, prev))
		} else {
			ids[user.ID] = i
		}
		if !user.Role.Valid() {
			problems = append(problems, fmt.Sprintf("%s: unknown role %q", label, user.Role))
		}
		if !user.ApprovalState.Valid() {
			problems = append(problems, fmt.Sprintf("%s: unknown approval state %q", label, user.ApprovalState))
		}
		if user.PasswordField == "" {
			problems = append(problems, label+": empty password field")
		}
		if user.Email == "" && user.Username == "" {
			problems = append(problems, label+": no email or username")
		}
		if user.Email != "" {
			key := user.SchoolID + "\x00" + types.NormalizeEmail(user.Email)
			if prev, ok := emails[key]; ok {
				problems = append(problems, fmt.Sprintf("%s: email %q already used by id %d", label, user.Email, prev))
			} else {
				emails[key] = user.ID
			}
		}
		if user.Username != "" {
			key := user.SchoolID + "\x00" + strings.ToLower(user.Username)
			if prev, ok := usernames[key]; ok {
				problems = append(problems, fmt.Sprintf("%s: username %q already used by id %d", label, user.Username, prev))
			} else {
				usernames[key] = user.ID
			}
		}
	}
	return problems
}

// duplicateKeys walks the JSON document and reports objects that repeat a
// key. encoding/json would silently keep the last value.
// Syntax errors are left to the full decode.
func duplicateKeys(data []byte) []string {
	var problems []string
	_ = walkValue(json.NewDecoder(bytes.NewReader(data)), "$", &problems)
	return problems
}

func walkValue(dec *json.Decoder, path string, problems *[]string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}

	switch delim {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return err
			}
			key, _ := keyTok.(string)
			if _, dup := seen[key]; dup {
				*problems = append(*problems, fmt.Sprintf("%s: duplicate key %q", path, key))
			}
			seen[key] = struct{}{}
			if err := walkValue(dec, path+"."+key, problems); err != nil {
				return err
			}
		}
	case '[':
		for i := 0; dec.More(); i++ {
			if err := walkValue(dec, fmt.Sprintf("%s[%d]", path, i), problems); err != nil {
				return err
			}
		}
	}
	// Closing delimiter.
	_, err = dec.Token()
	return err
}
