package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/schoolgate/apiserver/internal/approval"
	"github.com/schoolgate/apiserver/internal/logging"
	"github.com/schoolgate/apiserver/internal/services"
	"github.com/schoolgate/apiserver/internal/store"
	"github.com/schoolgate/apiserver/types"
)

type contextKey string

const (
	contextSubjectKey  contextKey = "sub"
	contextReviewerKey contextKey = "reviewer"
)

// Error codes returned in ErrorResponse.Code.
const (
	codeInvalidRequest     = "invalid_request"
	codeValidationFailed   = "validation_failed"
	codeAlreadyRegistered  = "already_registered"
	codeInvalidCredentials = "invalid_credentials"
	codePendingApproval    = "pending_approval"
	codeAccountRejected    = "account_rejected"
	codeUnauthorized       = "unauthorized"
	codeForbidden          = "forbidden"
	codeStaleApplication   = "stale_application"
	codeNotFound           = "not_found"
	codeStoreUnavailable   = "store_unavailable"
	codeInternal           = "internal_error"
)

// ErrorResponse is the error payload of every endpoint.
type ErrorResponse struct {
	Error  string                `json:"error"`
	Code   string                `json:"code,omitempty"`
	Fields []services.FieldError `json:"fields,omitempty"`
}

func userIDFromContext(ctx context.Context) (int64, error) {
	value := ctx.Value(contextSubjectKey)
	switch subject := value.(type) {
	case int64:
		if subject < 1 {
			return 0, errors.New("invalid subject")
		}
		return subject, nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(subject), 10, 64)
		if err != nil || parsed < 1 {
			return 0, errors.New("invalid subject")
		}
		return parsed, nil
	default:
		return 0, errors.New("missing subject")
	}
}

func reviewerFromContext(ctx context.Context) (types.User, bool) {
	reviewer, ok := ctx.Value(contextReviewerKey).(types.User)
	return reviewer, ok
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeServiceError maps a service or store error to its HTTP response.
// Unexpected errors are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, log logging.Logger, err error) {
	var (
		verr     *services.ValidationError
		conflict *services.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:  "validation failed",
			Code:   codeValidationFailed,
			Fields: verr.Fields,
		})
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, codeAlreadyRegistered, conflict.Field+" already registered")
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "invalid credentials")
	case errors.Is(err, services.ErrAccountRejected):
		writeError(w, http.StatusForbidden, codeAccountRejected, "account application was rejected")
	case errors.Is(err, services.ErrPendingApproval):
		writeError(w, http.StatusForbidden, codePendingApproval, "account pending approval")
	case errors.Is(err, services.ErrForbidden):
		writeError(w, http.StatusForbidden, codeForbidden, "forbidden")
	case errors.Is(err, approval.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeStaleApplication, "application already decided")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	case errors.Is(err, store.ErrCorrupt):
		log.Error(r.Context(), "store corrupt", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, codeStoreUnavailable, "store unavailable")
	default:
		log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
