package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/schoolgate/apiserver/internal/logging"
	"github.com/schoolgate/apiserver/internal/services"
	"github.com/schoolgate/apiserver/internal/store"
	"github.com/schoolgate/apiserver/types"
)

const (
	maxMultipartMemory = 32 << 20
	maxDocumentBytes   = 10 << 20
	maxDocuments       = 10
	documentFieldPref  = "document_"
	documentKeyPrefix  = "applications"
)

// DocumentStore receives uploaded registration documents.
// *storage.Storage satisfies it.
type DocumentStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
}

// AuthHandler provides signup, login and account endpoints.
type AuthHandler struct {
	auth         *services.AuthService
	registration *services.RegistrationService
	users        *services.UserService
	documents    DocumentStore
	secret       []byte
	tokenTTL     time.Duration
	log          logging.Logger
}

// AuthDeps are the collaborators of AuthHandler. Documents may be nil, in
// which case signups with files are refused.
type AuthDeps struct {
	Auth         *services.AuthService
	Registration *services.RegistrationService
	Users        *services.UserService
	Documents    DocumentStore
	JWTSecret    string
	TokenTTL     time.Duration
	Log          logging.Logger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(deps AuthDeps) *AuthHandler {
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}
	ttl := deps.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &AuthHandler{
		auth:         deps.Auth,
		registration: deps.Registration,
		users:        deps.Users,
		documents:    deps.Documents,
		secret:       []byte(deps.JWTSecret),
		tokenTTL:     ttl,
		log:          log,
	}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, deps AuthDeps) {
	handler := NewAuthHandler(deps)

	r.Post("/signup", handler.Signup)
	r.Post("/login", handler.Login)
	r.With(handler.RequireAuth).Get("/me", handler.Me)
	r.With(handler.RequireAuth).Post("/password", handler.ChangePassword)
}

// RequireAuth enforces JWT authentication and injects the subject into context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return requireAuth(h.secret)(next)
}

type LoginRequest struct {
	SchoolID   string `json:"school_id"`
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

type AuthResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

type SignupResponse struct {
	Status types.ApprovalState `json:"status"`
	User   types.User          `json:"user"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Login verifies credentials and returns a JWT.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request")
		return
	}

	identifier := req.Identifier
	if strings.TrimSpace(identifier) == "" {
		identifier = req.Email
	}
	if strings.TrimSpace(identifier) == "" {
		identifier = req.Username
	}
	if strings.TrimSpace(identifier) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "missing credentials")
		return
	}

	user, err := h.auth.Login(r.Context(), services.LoginInput{
		SchoolID:   req.SchoolID,
		Identifier: identifier,
		Password:   req.Password,
	})
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	token, err := issueToken(user, h.secret, h.tokenTTL)
	if err != nil {
		h.log.Error(r.Context(), "issue token", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to create token")
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

// Signup accepts a registration as JSON or as a multipart form carrying
// documents in file fields named document_<category>.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var (
		sub   types.Submission
		files []documentUpload
		err   error
	)
	if isMultipart(r) {
		sub, files, err = parseSignupForm(r)
	} else {
		err = json.NewDecoder(r.Body).Decode(&sub)
		sub.Documents = nil
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request")
		return
	}

	if len(files) > 0 && h.documents == nil {
		writeError(w, http.StatusServiceUnavailable, codeStoreUnavailable, "document uploads are not available")
		return
	}

	docs, err := h.uploadDocuments(r.Context(), sub.SchoolID, files)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	sub.Documents = docs

	user, err := h.registration.Register(r.Context(), sub)
	if err != nil {
		h.discardDocuments(r.Context(), docs)
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SignupResponse{Status: user.ApprovalState, User: user})
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// ChangePassword replaces the caller's password.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request")
		return
	}

	if err := h.auth.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type documentUpload struct {
	category string
	header   *multipart.FileHeader
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

func parseSignupForm(r *http.Request) (types.Submission, []documentUpload, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return types.Submission{}, nil, errors.New("invalid multipart form")
	}

	sub := types.Submission{
		SchoolID:                r.FormValue("school_id"),
		SchoolName:              r.FormValue("school_name"),
		Role:                    r.FormValue("role"),
		Name:                    r.FormValue("name"),
		Email:                   r.FormValue("email"),
		Username:                r.FormValue("username"),
		Password:                r.FormValue("password"),
		Phone:                   r.FormValue("phone"),
		ParentName:              r.FormValue("parent_name"),
		ParentEmail:             r.FormValue("parent_email"),
		ParentPhone:             r.FormValue("parent_phone"),
		OrganizationDescription: r.FormValue("organization_description"),
		Department:              r.FormValue("department"),
		Subject:                 r.FormValue("subject"),
	}

	fields := make([]string, 0, len(r.MultipartForm.File))
	for field := range r.MultipartForm.File {
		if strings.HasPrefix(field, documentFieldPref) {
			fields = append(fields, field)
		}
	}
	slices.Sort(fields)

	var files []documentUpload
	for _, field := range fields {
		category := strings.ToLower(strings.TrimPrefix(field, documentFieldPref))
		for _, header := range r.MultipartForm.File[field] {
			files = append(files, documentUpload{category: category, header: header})
		}
	}
	return sub, files, nil
}

// uploadDocuments stores every file and returns their references. Size
// problems are reported as a *services.ValidationError before anything is
// uploaded.
func (h *AuthHandler) uploadDocuments(ctx context.Context, schoolID string, files []documentUpload) ([]types.Document, error) {
	if len(files) == 0 {
		return nil, nil
	}

	verr := &services.ValidationError{}
	if len(files) > maxDocuments {
		verr.Fields = append(verr.Fields, services.FieldError{
			Field:   "documents",
			Message: fmt.Sprintf("at most %d documents allowed", maxDocuments),
		})
	}
	for _, f := range files {
		if f.header.Size > maxDocumentBytes {
			verr.Fields = append(verr.Fields, services.FieldError{
				Field:   documentFieldPref + f.category,
				Message: fmt.Sprintf("must be at most %d bytes", maxDocumentBytes),
			})
		}
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}

	prefix := path.Join(documentKeyPrefix, url.PathEscape(strings.TrimSpace(schoolID)), uuid.NewString())
	docs := make([]types.Document, 0, len(files))
	for i, f := range files {
		doc, err := h.putDocument(ctx, fmt.Sprintf("%s/%02d-%s", prefix, i, safeFilename(f.header.Filename)), f)
		if err != nil {
			h.discardDocuments(ctx, docs)
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (h *AuthHandler) putDocument(ctx context.Context, key string, f documentUpload) (types.Document, error) {
	file, err := f.header.Open()
	if err != nil {
		return types.Document{}, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	contentType := f.header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := h.documents.Put(ctx, key, file, f.header.Size, contentType); err != nil {
		return types.Document{}, fmt.Errorf("store document %s: %w", key, err)
	}
	return types.Document{
		Category:    f.category,
		Key:         key,
		Filename:    f.header.Filename,
		ContentType: contentType,
		Size:        f.header.Size,
	}, nil
}

// discardDocuments deletes uploaded objects after a failed signup. It runs
// even if the request context is already cancelled.
func (h *AuthHandler) discardDocuments(ctx context.Context, docs []types.Document) {
	if h.documents == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, doc := range docs {
		if err := h.documents.Delete(ctx, doc.Key); err != nil {
			h.log.Warn(ctx, "delete orphaned document", "key", doc.Key, "error", err)
		}
	}
}

func safeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "document"
	}
	return name
}
