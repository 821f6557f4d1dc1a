package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	appI18n "github.com/pavelanni/aiquiz/internal/i18n"
	"github.com/pavelanni/aiquiz/internal/llm"
	"github.com/pavelanni/aiquiz/internal/model"
)

// defaultTimerMinutes is used for group tests created without a timer.
const defaultTimerMinutes = 30

// ownTest loads the test named in the URL if the caller authored it.
func (h *Handler) ownTest(r *http.Request) (model.Test, error) {
	id, err := idParam(r, "testID")
	if err != nil {
		return model.Test{}, err
	}
	t, err := h.store.GetTest(id)
	if err != nil {
		return t, err
	}
	if t.TeacherID != model.UserFromContext(r.Context()).ID {
		return t, errNotFound
	}
	return t, nil
}

// ownGroupTest loads a group test if user created it.
func (h *Handler) ownGroupTest(user *model.User, id int64) (model.GroupTest, error) {
	gt, err := h.store.GetGroupTest(id)
	if err != nil {
		return gt, err
	}
	if gt.TeacherID != user.ID {
		return gt, errNotFound
	}
	return gt, nil
}

// ownGroupAttempt loads the group attempt named in the URL if the caller
// created its group test.
func (h *Handler) ownGroupAttempt(r *http.Request) (model.GroupAttempt, error) {
	id, err := idParam(r, "attemptID")
	if err != nil {
		return model.GroupAttempt{}, err
	}
	a, err := h.store.GetGroupAttempt(id)
	if err != nil {
		return a, err
	}
	if _, err := h.ownGroupTest(model.UserFromContext(r.Context()), a.GroupTestID); err != nil {
		return a, err
	}
	return a, nil
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		fail(w, r, errBadRequest)
		return
	}
	switch req.Role {
	case "":
		req.Role = model.UserRoleStudent
	case model.UserRoleStudent, model.UserRoleTeacher:
	default:
		fail(w, r, errBadRequest)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	existing, err := h.store.GetUserByUsername(req.Username)
	if err != nil {
		fail(w, r, err)
		return
	}
	if existing != nil {
		fail(w, r, errUserExists)
		return
	}
	id, err := h.store.CreateUser(model.User{Username: req.Username, DisplayName: req.DisplayName, Role: req.Role})
	if err != nil {
		fail(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := h.store.ListTests(model.UserFromContext(r.Context()).ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if tests == nil {
		tests = []model.Test{}
	}
	writeJSON(w, http.StatusOK, tests)
}

// handleCreateTest stores a manually authored test.
func (h *Handler) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req model.TestImport
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" || len(req.Questions) == 0 {
		fail(w, r, errBadRequest)
		return
	}
	user := model.UserFromContext(r.Context())
	id, err := h.store.CreateTest(req.ToTest(user.ID), req.ToQuestions())
	if err != nil {
		fail(w, r, err)
		return
	}
	slog.Info("test created", "test_id", id, "teacher_id", user.ID, "questions", len(req.Questions))
	h.respondTest(w, r, http.StatusCreated, id)
}

type testView struct {
	Test        model.Test         `json:"test"`
	Questions   []model.Question   `json:"questions"`
	Assignments []model.Assignment `json:"assignments"`
	GroupTests  []model.GroupTest  `json:"group_tests"`
}

func (h *Handler) respondTest(w http.ResponseWriter, r *http.Request, status int, testID int64) {
	test, err := h.store.GetTest(testID)
	if err != nil {
		fail(w, r, err)
		return
	}
	v := testView{Test: test}
	if v.Questions, err = h.store.ListQuestions(testID); err != nil {
		fail(w, r, err)
		return
	}
	if v.Assignments, err = h.store.ListAssignments(testID); err != nil {
		fail(w, r, err)
		return
	}
	if v.GroupTests, err = h.store.ListGroupTests(testID); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

func (h *Handler) handleGetTest(w http.ResponseWriter, r *http.Request) {
	test, err := h.ownTest(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	h.respondTest(w, r, http.StatusOK, test.ID)
}

type uploadView struct {
	TestIDs   []int64 `json:"test_ids"`
	Unchanged bool    `json:"unchanged"`
	Changed   bool    `json:"changed"`
	Message   string  `json:"message"`
}

// handleUploadTests imports a JSON tests file. Files are tracked per teacher
// by name and content hash so re-uploading does not duplicate tests.
func (h *Handler) handleUploadTests(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		slog.Debug("invalid upload", "error", err)
		fail(w, r, errBadRequest)
		return
	}
	file, header, err := r.FormFile("tests_file")
	if err != nil {
		fail(w, r, errBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		fail(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	user := model.UserFromContext(r.Context())
	name := fmt.Sprintf("upload/%d/%s", user.ID, header.Filename)
	res, err := h.store.ImportTests(name, data, user.ID)
	if err != nil {
		fail(w, r, err)
		return
	}

	v := uploadView{TestIDs: res.TestIDs, Unchanged: res.Unchanged, Changed: res.Changed}
	if v.TestIDs == nil {
		v.TestIDs = []int64{}
	}
	status := http.StatusOK
	switch {
	case res.Unchanged:
		v.Message = appI18n.T(r.Context(), "UploadUnchanged")
	case res.Changed:
		v.Message = appI18n.T(r.Context(), "UploadChanged")
	default:
		v.Message = appI18n.Tp(r.Context(), "UploadImported", len(res.TestIDs))
		status = http.StatusCreated
	}
	slog.Info("tests uploaded", "filename", header.Filename, "teacher_id", user.ID, "count", len(res.TestIDs))
	writeJSON(w, status, v)
}

type confirmRequest struct {
	Request  string               `json:"request"`
	Previous *llm.ConfirmedParams `json:"previous"`
}

// handleConfirmTest asks the confirmation model to read a free-form request.
// The teacher reviews the parameters before generating.
func (h *Handler) handleConfirmTest(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	params, err := h.gen.Confirm(r.Context(), req.Request, req.Previous)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

func (h *Handler) handleGenerateTest(w http.ResponseWriter, r *http.Request) {
	var params llm.ConfirmedParams
	if err := decodeJSON(r, &params); err != nil {
		fail(w, r, err)
		return
	}
	if err := params.Validate(); err != nil {
		slog.Debug("invalid generation parameters", "error", err)
		fail(w, r, errBadRequest)
		return
	}
	test, err := h.gen.Generate(r.Context(), model.UserFromContext(r.Context()).ID, params)
	if err != nil {
		fail(w, r, err)
		return
	}
	h.respondTest(w, r, http.StatusCreated, test.ID)
}

// handleCreateAssignment publishes a test. Omitted settings default to an
// active assignment with three attempts and visible results.
func (h *Handler) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	test, err := h.ownTest(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	a := model.Assignment{
		AllowRetakes:           true,
		MaxAttempts:            3,
		ShowResultsImmediately: true,
		ShowCorrectAnswers:     true,
		Active:                 true,
	}
	if err := decodeJSON(r, &a); err != nil {
		fail(w, r, err)
		return
	}
	if a.MaxAttempts < 0 || (a.OpensAt != nil && a.ClosesAt != nil && !a.ClosesAt.After(*a.OpensAt)) {
		fail(w, r, errBadRequest)
		return
	}
	a.ID, a.TestID, a.AccessToken = 0, test.ID, ""

	a, err = h.store.CreateAssignment(a)
	if err != nil {
		fail(w, r, err)
		return
	}
	slog.Info("assignment created", "assignment_id", a.ID, "test_id", test.ID, "token", a.AccessToken)
	writeJSON(w, http.StatusCreated, a)
}

// handleCreateGroupTest binds the test to a group slot.
func (h *Handler) handleCreateGroupTest(w http.ResponseWriter, r *http.Request) {
	test, err := h.ownTest(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	gt := model.GroupTest{TimerMinutes: defaultTimerMinutes, Active: true}
	if err := decodeJSON(r, &gt); err != nil {
		fail(w, r, err)
		return
	}
	if gt.GroupNumber <= 0 || gt.TimerMinutes <= 0 || gt.MaxGroupSize < 0 {
		fail(w, r, errBadRequest)
		return
	}
	gt.ID, gt.TestID, gt.AccessToken = 0, test.ID, ""
	gt.TeacherID = model.UserFromContext(r.Context()).ID

	gt, err = h.store.CreateGroupTest(gt)
	if err != nil {
		fail(w, r, err)
		return
	}
	slog.Info("group test created", "group_test_id", gt.ID, "test_id", test.ID, "group", gt.GroupNumber)
	writeJSON(w, http.StatusCreated, gt)
}

func (h *Handler) handleExportGroup(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "groupTestID")
	if err != nil {
		fail(w, r, err)
		return
	}
	gt, err := h.ownGroupTest(model.UserFromContext(r.Context()), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	export, err := h.store.ExportGroupTest(gt.ID, h.config.PromptVariant)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

// handleGradeGroup lets a teacher grade an attempt the group never finished.
func (h *Handler) handleGradeGroup(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.ownGroupAttempt(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	h.gradeAndRespond(w, r, attempt.ID)
}

type reaggregateView struct {
	GroupScorePercentage float64           `json:"group_score_percentage"`
	MemberScores         map[int64]float64 `json:"member_scores"`
}

func (h *Handler) handleReaggregate(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.ownGroupAttempt(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	agg, err := h.grader.Reaggregate(attempt.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reaggregateView{GroupScorePercentage: agg.GroupScore, MemberScores: agg.MemberScores})
}
