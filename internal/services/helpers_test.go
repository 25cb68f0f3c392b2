package services

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/schoolgate/apiserver/internal/store"
	"github.com/schoolgate/apiserver/types"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testCost = bcrypt.MinCost

// seedRecord is a user as written to a collection file.
type seedRecord struct {
	ID            int64             `json:"id"`
	SchoolID      string            `json:"school_id"`
	Username      string            `json:"username,omitempty"`
	Email         string            `json:"email"`
	Name          string            `json:"name"`
	Role          types.Role        `json:"role"`
	Password      string            `json:"password"`
	ApprovalState string            `json:"approval_state,omitempty"`
	Approved      *bool             `json:"approved,omitempty"`
	Profile       map[string]string `json:"profile,omitempty"`
}

func newFileRepo(t *testing.T, seed ...seedRecord) *store.FileRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	if len(seed) > 0 {
		data, err := json.Marshal(map[string]any{"users": seed})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o600))
	}
	repo, err := store.OpenFile(path)
	require.NoError(t, err)
	return repo
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), testCost)
	require.NoError(t, err)
	return string(hashed)
}

func boolPtr(v bool) *bool { return &v }

type publishedMessage struct {
	Channel string
	Event   ApplicationEvent
	Attrs   map[string]string
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	var event ApplicationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return "", err
	}
	p.messages = append(p.messages, publishedMessage{Channel: channel, Event: event, Attrs: attrs})
	return "msg-1", nil
}

func (p *fakePublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.Event.Type)
	}
	return out
}

// failingUpdates wraps a repository and fails every Update.
type failingUpdates struct {
	UserRepository
	err error
}

func (f failingUpdates) Update(ctx context.Context, id int64, fn func(*types.User) error) (types.User, error) {
	return types.User{}, f.err
}
