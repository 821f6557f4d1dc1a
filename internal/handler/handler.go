package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/aiquiz/internal/generate"
	"github.com/pavelanni/aiquiz/internal/grading"
	appI18n "github.com/pavelanni/aiquiz/internal/i18n"
	"github.com/pavelanni/aiquiz/internal/llm"
	"github.com/pavelanni/aiquiz/internal/model"
	"github.com/pavelanni/aiquiz/internal/store"
)

// DefaultMaxUploadBytes bounds multipart test uploads.
const DefaultMaxUploadBytes = 10 << 20

// Config holds handler settings.
type Config struct {
	PromptVariant  string // recorded in group exports
	MaxUploadBytes int64
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	grader *grading.GroupGrader
	gen    *generate.Generator
	config Config
	now    func() time.Time
}

// New creates a new Handler. gen may be nil, in which case the generation
// endpoints are not registered.
func New(s *store.Store, g *grading.GroupGrader, gen *generate.Generator, cfg Config) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{store: s, grader: g, gen: gen, config: cfg, now: time.Now}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.identify)

		r.Get("/rankings", h.handleRankings)
		r.Get("/assignments/{token}/leaderboard", h.handleLeaderboard)
		r.Get("/group-attempts/{attemptID}/results", h.handleGroupResults)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleStudent))

			r.Post("/assignments/{token}/attempts", h.handleStartAttempt)
			r.Get("/attempts/{attemptID}", h.handleGetAttempt)
			r.Put("/attempts/{attemptID}/answers/{questionID}", h.handleAnswer)
			r.Post("/attempts/{attemptID}/finish", h.handleFinishAttempt)

			r.Post("/groups/{token}/join", h.handleJoinGroup)
			r.Get("/groups/{token}", h.handleGroupState)
			r.Post("/groups/{token}/start", h.handleStartGroup)
			r.Put("/groups/{token}/opinions/{questionID}", h.handleOpinion)
			r.Put("/groups/{token}/answers/{questionID}", h.handleGroupAnswer)
			r.Post("/groups/{token}/finish", h.handleFinishGroup)
		})

		r.Route("/teacher", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleTeacher))

			r.Get("/users", h.handleListUsers)
			r.Post("/users", h.handleCreateUser)

			r.Get("/tests", h.handleListTests)
			r.Post("/tests", h.handleCreateTest)
			r.Post("/tests/upload", h.handleUploadTests)
			if h.gen != nil {
				r.Post("/tests/confirm", h.handleConfirmTest)
				r.Post("/tests/generate", h.handleGenerateTest)
			}
			r.Get("/tests/{testID}", h.handleGetTest)
			r.Post("/tests/{testID}/assignments", h.handleCreateAssignment)
			r.Get("/tests/{testID}/results", h.handleTestResults)
			r.Post("/tests/{testID}/groups", h.handleCreateGroupTest)

			r.Get("/groups/{groupTestID}/export", h.handleExportGroup)
			r.Post("/group-attempts/{attemptID}/grade", h.handleGradeGroup)
			r.Post("/group-attempts/{attemptID}/reaggregate", h.handleReaggregate)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiError is an error with a fixed status and a translated message.
type apiError struct {
	status int
	key    string
}

func (e *apiError) Error() string { return e.key }

var (
	errBadRequest       = &apiError{http.StatusBadRequest, "ErrBadRequest"}
	errForbidden        = &apiError{http.StatusForbidden, "ErrForbidden"}
	errNotFound         = &apiError{http.StatusNotFound, "ErrNotFound"}
	errAssignmentClosed = &apiError{http.StatusForbidden, "ErrAssignmentClosed"}
	errAttemptFinished  = &apiError{http.StatusConflict, "ErrAttemptFinished"}
	errNotMember        = &apiError{http.StatusForbidden, "ErrNotMember"}
	errNotGraded        = &apiError{http.StatusConflict, "ErrNotGraded"}
	errUserExists       = &apiError{http.StatusConflict, "ErrUserExists"}
)

// errorStatus maps an error to a response status and message ID.
func errorStatus(err error) (int, string) {
	var ae *apiError
	var genErr *llm.GenerationError
	var malformed *llm.MalformedResponseError
	var mismatch *generate.CountMismatchError
	switch {
	case errors.As(err, &ae):
		return ae.status, ae.key
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, grading.ErrAttemptNotFound):
		return http.StatusNotFound, "ErrNotFound"
	case errors.Is(err, model.ErrRetakesDisabled):
		return http.StatusForbidden, "ErrRetakesDisabled"
	case errors.Is(err, model.ErrAttemptLimit):
		return http.StatusForbidden, "ErrAttemptLimit"
	case errors.Is(err, store.ErrGroupFull):
		return http.StatusConflict, "ErrGroupFull"
	case errors.Is(err, store.ErrAnswerExists):
		return http.StatusConflict, "ErrAnswerExists"
	case errors.Is(err, store.ErrNotStarted):
		return http.StatusConflict, "ErrNotStarted"
	case errors.Is(err, store.ErrQuestionNotInTest):
		return http.StatusBadRequest, "ErrQuestionNotInTest"
	case errors.Is(err, store.ErrInvalidTest):
		return http.StatusBadRequest, "ErrInvalidTest"
	case errors.Is(err, grading.ErrAttemptCompleted):
		return http.StatusConflict, "ErrAttemptCompleted"
	case errors.Is(err, grading.ErrGradingInProgress), errors.Is(err, store.ErrAttemptGrading):
		return http.StatusConflict, "ErrGradingInProgress"
	case errors.Is(err, grading.ErrAttemptNotCompleted):
		return http.StatusConflict, "ErrNotGraded"
	case errors.Is(err, generate.ErrEmptyRequest):
		return http.StatusBadRequest, "ErrBadRequest"
	case errors.As(err, &genErr), errors.As(err, &malformed), errors.As(err, &mismatch):
		return http.StatusBadGateway, "ErrModelUnavailable"
	default:
		return http.StatusInternalServerError, "ErrInternal"
	}
}

// fail writes a localized JSON error for err.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status, key := errorStatus(err)
	switch {
	case status == http.StatusBadGateway:
		slog.Warn("model request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	case status >= http.StatusInternalServerError:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	default:
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": appI18n.T(r.Context(), key)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// decodeJSON reads a JSON request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("invalid request body", "error", err)
		return errBadRequest
	}
	return nil
}

// idParam parses a numeric URL parameter.
func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadRequest
	}
	return id, nil
}
