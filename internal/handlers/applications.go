package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/schoolgate/apiserver/internal/approval"
	"github.com/schoolgate/apiserver/internal/logging"
	"github.com/schoolgate/apiserver/internal/services"
	"github.com/schoolgate/apiserver/internal/storage"
	"github.com/schoolgate/apiserver/internal/store"
	"github.com/schoolgate/apiserver/types"
)

// DocumentReader opens stored registration documents.
// *storage.Storage satisfies it.
type DocumentReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// ApplicationHandler serves the reviewer endpoints.
type ApplicationHandler struct {
	applications *services.ApplicationService
	users        *services.UserService
	documents    DocumentReader
	log          logging.Logger
}

// ApplicationDeps are the collaborators of ApplicationHandler. Documents may
// be nil, in which case document downloads answer 503.
type ApplicationDeps struct {
	Applications   *services.ApplicationService
	Users          *services.UserService
	Documents      DocumentReader
	AuthMiddleware func(http.Handler) http.Handler
	Log            logging.Logger
}

func NewApplicationHandler(deps ApplicationDeps) *ApplicationHandler {
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}
	return &ApplicationHandler{
		applications: deps.Applications,
		users:        deps.Users,
		documents:    deps.Documents,
		log:          log,
	}
}

// ApplicationRouter registers reviewer routes on the given router.
func ApplicationRouter(r chi.Router, deps ApplicationDeps) {
	handler := NewApplicationHandler(deps)

	r.Group(func(r chi.Router) {
		r.Use(deps.AuthMiddleware, handler.requireReviewer)
		r.Get("/", handler.ListPending)
		r.Get("/{applicationID}", handler.Get)
		r.Get("/{applicationID}/documents/{index}", handler.Document)
		r.Post("/{applicationID}/approve", handler.Approve)
		r.Post("/{applicationID}/reject", handler.Reject)
	})
}

type ApplicationListResponse struct {
	Items []types.User `json:"items"`
	Total int          `json:"total"`
}

// ListPending returns pending applications, optionally scoped by school_id.
func (h *ApplicationHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	reviewer, _ := reviewerFromContext(r.Context())
	schoolID := strings.TrimSpace(r.URL.Query().Get("school_id"))

	items, err := h.applications.ListPending(r.Context(), reviewer, schoolID)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ApplicationListResponse{Items: items, Total: len(items)})
}

func (h *ApplicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.withApplication(w, r, h.applications.Get)
}

func (h *ApplicationHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.withApplication(w, r, h.applications.Approve)
}

func (h *ApplicationHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.withApplication(w, r, h.applications.Reject)
}

// Document streams the index-th registration document of an application.
func (h *ApplicationHandler) Document(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "applicationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid document index")
		return
	}
	if h.documents == nil {
		writeError(w, http.StatusServiceUnavailable, codeStoreUnavailable, "document storage is not configured")
		return
	}

	reviewer, _ := reviewerFromContext(r.Context())
	user, err := h.applications.Get(r.Context(), reviewer, id)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	if index >= len(user.Documents) {
		writeError(w, http.StatusNotFound, codeNotFound, "document not found")
		return
	}
	doc := user.Documents[index]

	body, err := h.documents.Get(r.Context(), doc.Key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "document not found")
			return
		}
		writeServiceError(w, r, h.log, fmt.Errorf("open document %s: %w", doc.Key, err))
		return
	}
	defer body.Close()

	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", safeFilename(doc.Filename)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.log.Warn(r.Context(), "stream document", "key", doc.Key, "error", err)
	}
}

type applicationAction func(ctx context.Context, reviewer types.User, id int64) (types.User, error)

func (h *ApplicationHandler) withApplication(w http.ResponseWriter, r *http.Request, action applicationAction) {
	id, err := parseIDParam(r, "applicationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	reviewer, _ := reviewerFromContext(r.Context())

	user, err := action(r.Context(), reviewer, id)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// requireReviewer loads the caller and admits admissible admins and
// principals.
func (h *ApplicationHandler) requireReviewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

		if user.Role != types.RoleAdmin && user.Role != types.RolePrincipal {
			writeError(w, http.StatusForbidden, codeForbidden, "reviewer access required")
			return
		}
		if !approval.IsAdmissible(user) {
			writeError(w, http.StatusForbidden, codePendingApproval, "account pending approval")
			return
		}

		ctx := context.WithValue(r.Context(), contextReviewerKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
