package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/schoolgate/apiserver/config"
	"github.com/schoolgate/apiserver/internal/logging"
	"github.com/schoolgate/apiserver/internal/services"
	"github.com/schoolgate/apiserver/internal/storage"
	"github.com/schoolgate/apiserver/internal/store"
	"github.com/schoolgate/apiserver/types"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

type memoryDocuments struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryDocuments) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = data
	return nil
}

func (m *memoryDocuments) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryDocuments) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryDocuments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type testEnv struct {
	router    http.Handler
	repo      *store.FileRepository
	documents *memoryDocuments
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := store.OpenFile(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)

	log := logging.Discard()
	events := services.NewEvents(nil, "applications", log)
	users := services.NewUserService(repo)
	auth := services.NewAuthService(repo, bcrypt.MinCost, log)
	registration := services.NewRegistrationService(repo, services.RegistrationOptions{
		Requirements:     config.DefaultRequirements(),
		BcryptCost:       bcrypt.MinCost,
		AutoApproveRoles: []types.Role{types.RoleAdmin},
	}, events, log)
	applications := services.NewApplicationService(repo, events, log)
	documents := &memoryDocuments{}

	router := chi.NewRouter()
	router.Get("/healthz", Healthz)
	router.Route("/auth", func(r chi.Router) {
		AuthRouter(r, AuthDeps{
			Auth:         auth,
			Registration: registration,
			Users:        users,
			Documents:    documents,
			JWTSecret:    testSecret,
			TokenTTL:     time.Hour,
			Log:          log,
		})
	})
	router.Route("/applications", func(r chi.Router) {
		ApplicationRouter(r, ApplicationDeps{
			Applications:   applications,
			Users:          users,
			Documents:      documents,
			AuthMiddleware: RequireAuth(testSecret),
			Log:            log,
		})
	})

	return &testEnv{router: router, repo: repo, documents: documents}
}

func (e *testEnv) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) signup(t *testing.T, body map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/auth/signup", "", body)
}

func (e *testEnv) login(t *testing.T, identifier, password string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"identifier": identifier, "password": password})
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	rec := e.signup(t, map[string]string{
		"school_id": "hq", "role": "admin", "name": "Root", "email": "root@hq.org", "password": "root-password",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = e.login(t, "root@hq.org", "root-password")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func teacherSignup() map[string]string {
	return map[string]string{
		"school_id":  "north",
		"role":       "teacher",
		"name":       "Ada Teacher",
		"email":      "ada@north.edu",
		"password":   "teacher-password",
		"department": "mathematics",
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSignupLoginApproveFlow(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)

	rec := env.signup(t, teacherSignup())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var signup SignupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signup))
	require.Equal(t, types.ApprovalPending, signup.Status)
	require.NotContains(t, rec.Body.String(), "teacher-password")

	rec = env.login(t, "ada@north.edu", "teacher-password")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, codePendingApproval, decodeError(t, rec).Code)

	rec = env.do(t, http.MethodGet, "/applications?school_id=north", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list ApplicationListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)

	approveURL := fmt.Sprintf("/applications/%d/approve", signup.User.ID)
	rec = env.do(t, http.MethodPost, approveURL, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, approveURL, admin, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, codeStaleApplication, decodeError(t, rec).Code)

	rec = env.login(t, "ada@north.edu", "teacher-password")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var auth AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))

	claims, err := parseToken(auth.Token, []byte(testSecret))
	require.NoError(t, err)
	require.Equal(t, types.RoleTeacher, claims.Role)
	require.Equal(t, "north", claims.SchoolID)

	rec = env.do(t, http.MethodGet, "/auth/me", auth.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me types.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	require.Equal(t, "ada@north.edu", me.Email)

	rec = env.do(t, http.MethodGet, "/applications", auth.Token, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRejectedLogin(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)

	rec := env.signup(t, teacherSignup())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var signup SignupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signup))

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/applications/%d/reject", signup.User.ID), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.login(t, "ada@north.edu", "teacher-password")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, codeAccountRejected, decodeError(t, rec).Code)
}

func TestSignupErrors(t *testing.T) {
	env := newTestEnv(t)

	bad := teacherSignup()
	bad["email"] = "nope"
	delete(bad, "department")
	rec := env.signup(t, bad)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeError(t, rec)
	require.Equal(t, codeValidationFailed, resp.Code)
	require.Len(t, resp.Fields, 2)

	rec = env.signup(t, teacherSignup())
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.signup(t, teacherSignup())
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, codeAlreadyRegistered, decodeError(t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/auth/signup", bytes.NewBufferString("{"))
	recorder := httptest.NewRecorder()
	env.router.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestLoginErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.login(t, "ghost@north.edu", "whatever-password")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, codeInvalidCredentials, decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPost, "/auth/login", "", map[string]string{"password": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/applications/1/approve", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChangePasswordEndpoint(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)

	rec := env.do(t, http.MethodPost, "/auth/password", admin, ChangePasswordRequest{CurrentPassword: "root-password", NewPassword: "new-root-password"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.login(t, "root@hq.org", "root-password")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.login(t, "root@hq.org", "new-root-password")
	require.Equal(t, http.StatusOK, rec.Code)
}

func multipartSignup(t *testing.T, fields map[string]string, files map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fileFields := make([]string, 0, len(files))
	for field := range files {
		fileFields = append(fileFields, field)
	}
	slices.Sort(fileFields)
	for _, field := range fileFields {
		content := files[field]
		fw, err := mw.CreateFormFile(field, field+".pdf")
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/auth/signup", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func studentFields() map[string]string {
	return map[string]string{
		"school_id":    "north",
		"role":         "student",
		"name":         "Kid",
		"email":        "kid@north.edu",
		"password":     "student-password",
		"parent_name":  "Parent",
		"parent_phone": "555-0100",
		"parent_email": "parent@home.net",
	}
}

func TestMultipartSignupStoresDocuments(t *testing.T) {
	env := newTestEnv(t)

	req := multipartSignup(t, studentFields(), map[string]string{
		"document_birth_certificate":    "birth",
		"document_transfer_certificate": "transfer",
	})
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var signup SignupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signup))
	require.Len(t, signup.User.Documents, 2)
	require.Equal(t, "birth_certificate", signup.User.Documents[0].Category)
	require.Equal(t, 2, env.documents.count())
}

func TestReviewerDownloadsDocument(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, multipartSignup(t, studentFields(), map[string]string{
		"document_birth_certificate":    "birth-bytes",
		"document_transfer_certificate": "transfer-bytes",
	}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var signup SignupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signup))

	base := fmt.Sprintf("/applications/%d/documents", signup.User.ID)
	rec = env.do(t, http.MethodGet, base+"/0", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "birth-bytes", rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), "document_birth_certificate.pdf")

	require.Len(t, signup.User.Documents, 2)
	require.Equal(t, "birth_certificate", signup.User.Documents[0].Category)

	rec = env.do(t, http.MethodGet, base+"/1", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "transfer-bytes", rec.Body.String())

	rec = env.do(t, http.MethodGet, base+"/2", admin, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, base+"/x", admin, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, env.documents.Delete(context.Background(), signup.User.Documents[0].Key))
	rec = env.do(t, http.MethodGet, base+"/0", admin, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, base+"/0", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMultipartSignupFailureDiscardsDocuments(t *testing.T) {
	env := newTestEnv(t)

	req := multipartSignup(t, studentFields(), map[string]string{
		"document_birth_certificate": "birth",
	})
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "document_transfer_certificate", decodeError(t, rec).Fields[0].Field)
	require.Zero(t, env.documents.count())
}

func TestSafeFilename(t *testing.T) {
	require.Equal(t, "report.pdf", safeFilename("report.pdf"))
	require.Equal(t, "passwd", safeFilename("../../etc/passwd"))
	require.Equal(t, "evil.exe", safeFilename(`C:\tmp\evil.exe`))
	require.Equal(t, "my_file_1_.pdf", safeFilename("my file(1).pdf"))
	require.Equal(t, "document", safeFilename(""))
}
