package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/aiquiz/internal/grading"
	"github.com/pavelanni/aiquiz/internal/model"
	"github.com/pavelanni/aiquiz/internal/store"
)

type attemptView struct {
	Attempt    model.IndividualAttempt  `json:"attempt"`
	Percentage *float64                 `json:"percentage,omitempty"`
	Questions  []questionView           `json:"questions"`
	Answers    []model.IndividualAnswer `json:"answers"`
}

// attemptView renders an attempt for its student. Grades stay hidden until
// the attempt is completed and the assignment shows results.
func (h *Handler) attemptView(a model.IndividualAttempt) (attemptView, error) {
	asg, err := h.store.GetAssignment(a.AssignmentID)
	if err != nil {
		return attemptView{}, err
	}
	questions, err := h.store.ListQuestions(asg.TestID)
	if err != nil {
		return attemptView{}, err
	}
	answers, err := h.store.ListAnswers(a.ID)
	if err != nil {
		return attemptView{}, err
	}

	showResults := a.Completed && asg.ShowResultsImmediately
	v := attemptView{
		Attempt:   a,
		Questions: viewQuestions(questions, showResults && asg.ShowCorrectAnswers),
		Answers:   answers,
	}
	if showResults {
		p := grading.Percentage(a.AutoScore, a.TotalPossible)
		v.Percentage = &p
		return v, nil
	}
	v.Attempt.AutoScore = 0
	for i := range v.Answers {
		v.Answers[i].IsCorrect = false
		v.Answers[i].PointsEarned = 0
	}
	return v, nil
}

// ownAttempt loads the attempt named in the URL if it belongs to the caller.
func (h *Handler) ownAttempt(r *http.Request) (model.IndividualAttempt, error) {
	id, err := idParam(r, "attemptID")
	if err != nil {
		return model.IndividualAttempt{}, err
	}
	a, err := h.store.GetAttempt(id)
	if err != nil {
		return a, err
	}
	if a.StudentID != model.UserFromContext(r.Context()).ID {
		return a, errNotFound
	}
	return a, nil
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	asg, err := h.store.GetAssignmentByToken(chi.URLParam(r, "token"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if !asg.IsOpen(h.now()) {
		fail(w, r, errAssignmentClosed)
		return
	}

	// An unfinished attempt is resumed instead of counting as a new one.
	latest, err := h.store.LatestAttempt(asg.ID, user.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if latest != nil && !latest.Completed {
		h.respondAttempt(w, r, http.StatusOK, *latest)
		return
	}

	count, err := h.store.CountAttempts(asg.ID, user.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := asg.AttemptAllowed(count); err != nil {
		fail(w, r, err)
		return
	}
	total, err := h.store.TotalPoints(asg.TestID)
	if err != nil {
		fail(w, r, err)
		return
	}
	attempt, err := h.store.CreateAttempt(asg.ID, user.ID, total)
	if err != nil {
		fail(w, r, err)
		return
	}
	slog.Info("attempt started", "attempt_id", attempt.ID, "assignment_id", asg.ID,
		"student_id", user.ID, "number", attempt.AttemptNumber)
	h.respondAttempt(w, r, http.StatusCreated, attempt)
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.ownAttempt(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	h.respondAttempt(w, r, http.StatusOK, attempt)
}

func (h *Handler) respondAttempt(w http.ResponseWriter, r *http.Request, status int, a model.IndividualAttempt) {
	v, err := h.attemptView(a)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.ownAttempt(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if attempt.Completed {
		fail(w, r, errAttemptFinished)
		return
	}
	questionID, err := idParam(r, "questionID")
	if err != nil {
		fail(w, r, err)
		return
	}
	asg, err := h.store.GetAssignment(attempt.AssignmentID)
	if err != nil {
		fail(w, r, err)
		return
	}
	q, err := h.store.GetQuestion(questionID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if q.TestID != asg.TestID {
		fail(w, r, store.ErrQuestionNotInTest)
		return
	}

	var req answerRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if !req.validFor(q) {
		fail(w, r, errBadRequest)
		return
	}

	out := grading.GradeAnswer(q, req.SelectedOption, req.TextAnswer)
	if err := h.store.UpsertAnswer(model.IndividualAnswer{
		AttemptID:      attempt.ID,
		QuestionID:     q.ID,
		SelectedOption: req.SelectedOption,
		TextAnswer:     req.TextAnswer,
		IsCorrect:      out.IsCorrect,
		PointsEarned:   out.PointsEarned,
	}); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type finishRequest struct {
	Terminated       bool   `json:"terminated"`
	Reason           string `json:"reason"`
	TimeTakenSeconds *int   `json:"time_taken_seconds"`
}

// handleFinishAttempt completes an attempt. A terminated attempt is scored
// only against the questions the student answered.
func (h *Handler) handleFinishAttempt(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.ownAttempt(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if attempt.Completed {
		fail(w, r, errAttemptFinished)
		return
	}
	var req finishRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.TimeTakenSeconds != nil && *req.TimeTakenSeconds < 0 {
		fail(w, r, errBadRequest)
		return
	}

	answers, err := h.store.ListAnswers(attempt.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	score := 0
	for _, a := range answers {
		score += a.PointsEarned
	}
	now := h.now()
	attempt.AutoScore = score
	attempt.QuestionsAnswered = len(answers)
	attempt.TimeTakenSeconds = req.TimeTakenSeconds
	attempt.FinishedAt = &now
	if req.Terminated {
		attempt.Terminated = true
		attempt.TerminationReason = req.Reason
		attempt.TerminatedAt = &now
		attempt.TotalPossible = len(answers)
	}
	if err := h.store.FinishAttempt(attempt); err != nil {
		fail(w, r, err)
		return
	}
	slog.Info("attempt finished", "attempt_id", attempt.ID, "score", score,
		"total", attempt.TotalPossible, "terminated", attempt.Terminated)

	attempt, err = h.store.GetAttempt(attempt.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	h.respondAttempt(w, r, http.StatusOK, attempt)
}
