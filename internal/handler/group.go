package handler

import (
	"cmp"
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/aiquiz/internal/grading"
	appI18n "github.com/pavelanni/aiquiz/internal/i18n"
	"github.com/pavelanni/aiquiz/internal/model"
	"github.com/pavelanni/aiquiz/internal/store"
)

// groupSession is the caller's membership in the open attempt of a group test.
type groupSession struct {
	test    model.GroupTest
	attempt model.GroupAttempt
	user    *model.User
}

func (h *Handler) activeGroupTest(r *http.Request) (model.GroupTest, error) {
	gt, err := h.store.GetGroupTestByToken(chi.URLParam(r, "token"))
	if err != nil {
		return gt, err
	}
	if !gt.Active {
		return gt, errAssignmentClosed
	}
	return gt, nil
}

func (h *Handler) groupSession(r *http.Request) (groupSession, error) {
	gt, err := h.activeGroupTest(r)
	if err != nil {
		return groupSession{}, err
	}
	attempt, err := h.store.OpenGroupAttempt(gt.ID)
	if err != nil {
		return groupSession{}, err
	}
	if attempt == nil {
		return groupSession{}, errNotMember
	}
	user := model.UserFromContext(r.Context())
	member, err := h.store.GetGroupMember(attempt.ID, user.ID)
	if err != nil {
		return groupSession{}, err
	}
	if member == nil {
		return groupSession{}, errNotMember
	}
	return groupSession{test: gt, attempt: *attempt, user: user}, nil
}

// writable rejects changes to an attempt that is no longer collecting input.
func (gs groupSession) writable() error {
	if gs.attempt.Status == model.GroupGrading {
		return grading.ErrGradingInProgress
	}
	return nil
}

type memberView struct {
	StudentID               int64  `json:"student_id"`
	DisplayName             string `json:"display_name"`
	HasSubmittedAllOpinions bool   `json:"has_submitted_all_opinions"`
}

type groupStateView struct {
	GroupTest            model.GroupTest           `json:"group_test"`
	Attempt              model.GroupAttempt        `json:"attempt"`
	Members              []memberView              `json:"members"`
	Questions            []questionView            `json:"questions"`
	Opinions             []model.IndividualOpinion `json:"opinions"`
	Answers              []model.GroupAnswer       `json:"answers"`
	TimeRemainingSeconds *int                      `json:"time_remaining_seconds,omitempty"`
	OpinionsRemaining    int                       `json:"opinions_remaining"`
	Message              string                    `json:"message,omitempty"`
}

// groupState renders an open attempt for one member: every member, the
// caller's own opinions, and the group's answers without grades.
func (h *Handler) groupState(ctx context.Context, gs groupSession) (groupStateView, error) {
	questions, err := h.store.ListQuestions(gs.test.TestID)
	if err != nil {
		return groupStateView{}, err
	}
	members, err := h.store.ListGroupMembers(gs.attempt.ID)
	if err != nil {
		return groupStateView{}, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.StudentID)
	}
	names, err := h.store.DisplayNames(ids)
	if err != nil {
		return groupStateView{}, err
	}
	opinions, err := h.store.ListOpinions(gs.attempt.ID)
	if err != nil {
		return groupStateView{}, err
	}
	answers, err := h.store.ListGroupAnswers(gs.attempt.ID)
	if err != nil {
		return groupStateView{}, err
	}

	v := groupStateView{
		GroupTest: gs.test,
		Attempt:   gs.attempt,
		Questions: viewQuestions(questions, false),
		Opinions:  []model.IndividualOpinion{},
		Answers:   []model.GroupAnswer{},
	}
	for _, m := range members {
		v.Members = append(v.Members, memberView{
			StudentID:               m.StudentID,
			DisplayName:             names[m.StudentID],
			HasSubmittedAllOpinions: m.HasSubmittedAllOpinions,
		})
	}
	for _, o := range opinions {
		if o.StudentID == gs.user.ID {
			v.Opinions = append(v.Opinions, o)
		}
	}
	for _, a := range answers {
		a.IsCorrect, a.PointsEarned = false, 0
		v.Answers = append(v.Answers, a)
	}

	v.OpinionsRemaining = max(len(questions)-len(v.Opinions), 0)
	if v.OpinionsRemaining > 0 {
		v.Message = appI18n.Tp(ctx, "OpinionsRemaining", v.OpinionsRemaining)
	}
	if started := gs.attempt.StartedAt; started != nil {
		remaining := max(gs.test.TimerMinutes*60-int(h.now().Sub(*started).Seconds()), 0)
		v.TimeRemainingSeconds = &remaining
	}
	return v, nil
}

func (h *Handler) respondGroupState(w http.ResponseWriter, r *http.Request, status int, gs groupSession) {
	v, err := h.groupState(r.Context(), gs)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

// reload refreshes the attempt after a state change.
func (h *Handler) reload(gs groupSession) (groupSession, error) {
	a, err := h.store.GetGroupAttempt(gs.attempt.ID)
	if err != nil {
		return gs, err
	}
	gs.attempt = a
	return gs, nil
}

// handleJoinGroup adds the caller to the open attempt of a group test,
// creating the attempt for the first member.
func (h *Handler) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	gt, err := h.activeGroupTest(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	attempt, err := h.store.JoinGroup(gt.ID, user.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	slog.Info("joined group", "group_test_id", gt.ID, "attempt_id", attempt.ID, "student_id", user.ID)
	h.respondGroupState(w, r, http.StatusOK, groupSession{test: gt, attempt: attempt, user: user})
}

func (h *Handler) handleGroupState(w http.ResponseWriter, r *http.Request) {
	gs, err := h.groupSession(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	h.respondGroupState(w, r, http.StatusOK, gs)
}

// handleStartGroup starts the group timer. Any member may start it; later
// calls are no-ops.
func (h *Handler) handleStartGroup(w http.ResponseWriter, r *http.Request) {
	gs, err := h.groupSession(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := gs.writable(); err != nil {
		fail(w, r, err)
		return
	}
	if err := h.store.StartGroupAttempt(gs.attempt.ID); err != nil {
		fail(w, r, err)
		return
	}
	if gs, err = h.reload(gs); err != nil {
		fail(w, r, err)
		return
	}
	h.respondGroupState(w, r, http.StatusOK, gs)
}

type opinionRequest struct {
	Text string `json:"text"`
}

// handleOpinion stores or replaces the caller's reasoning on a question.
func (h *Handler) handleOpinion(w http.ResponseWriter, r *http.Request) {
	gs, err := h.groupSession(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := gs.writable(); err != nil {
		fail(w, r, err)
		return
	}
	questionID, err := idParam(r, "questionID")
	if err != nil {
		fail(w, r, err)
		return
	}
	var req opinionRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		fail(w, r, errBadRequest)
		return
	}

	all, err := h.store.SubmitOpinion(model.IndividualOpinion{
		GroupAttemptID: gs.attempt.ID,
		QuestionID:     questionID,
		StudentID:      gs.user.ID,
		Text:           req.Text,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	slog.Debug("opinion submitted", "attempt_id", gs.attempt.ID, "question_id", questionID,
		"student_id", gs.user.ID, "all_submitted", all)
	h.respondGroupState(w, r, http.StatusOK, gs)
}

// handleGroupAnswer records the group's single answer to a question. Choice
// answers are graded on the spot; text answers wait for the grading pass.
func (h *Handler) handleGroupAnswer(w http.ResponseWriter, r *http.Request) {
	gs, err := h.groupSession(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := gs.writable(); err != nil {
		fail(w, r, err)
		return
	}
	if gs.attempt.Status == model.GroupNotStarted {
		fail(w, r, store.ErrNotStarted)
		return
	}
	questionID, err := idParam(r, "questionID")
	if err != nil {
		fail(w, r, err)
		return
	}
	q, err := h.store.GetQuestion(questionID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if q.TestID != gs.test.TestID {
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
	if _, err := h.store.CreateGroupAnswer(model.GroupAnswer{
		GroupAttemptID: gs.attempt.ID,
		QuestionID:     q.ID,
		SelectedOption: req.SelectedOption,
		TextAnswer:     req.TextAnswer,
		SubmittedBy:    gs.user.ID,
		IsCorrect:      out.IsCorrect,
		PointsEarned:   out.PointsEarned,
	}); err != nil {
		fail(w, r, err)
		return
	}
	h.respondGroupState(w, r, http.StatusOK, gs)
}

type groupResultView struct {
	model.GroupAttemptResult
	Message string `json:"message,omitempty"`
}

// groupResult builds the results of an attempt with members ordered by
// score, highest first.
func (h *Handler) groupResult(ctx context.Context, attemptID int64) (groupResultView, error) {
	res, err := h.store.GroupAttemptResult(attemptID)
	if err != nil {
		return groupResultView{}, err
	}
	slices.SortStableFunc(res.Members, func(a, b model.MemberResult) int {
		return cmp.Compare(b.IndividualScorePercentage, a.IndividualScorePercentage)
	})
	v := groupResultView{GroupAttemptResult: res}
	if res.Status == model.GroupCompleted {
		v.Message = appI18n.Td(ctx, "GradingComplete", map[string]any{"Score": res.GroupScorePercentage})
	}
	return v, nil
}

// gradeAndRespond runs a grading pass and writes the attempt's results.
// The pass ignores request cancellation.
func (h *Handler) gradeAndRespond(w http.ResponseWriter, r *http.Request, attemptID int64) {
	if err := h.grader.Grade(context.WithoutCancel(r.Context()), attemptID); err != nil {
		fail(w, r, err)
		return
	}
	v, err := h.groupResult(r.Context(), attemptID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleFinishGroup ends the session and grades it.
func (h *Handler) handleFinishGroup(w http.ResponseWriter, r *http.Request) {
	gs, err := h.groupSession(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if gs.attempt.Status == model.GroupNotStarted {
		fail(w, r, store.ErrNotStarted)
		return
	}
	slog.Info("group finished", "attempt_id", gs.attempt.ID, "student_id", gs.user.ID)
	h.gradeAndRespond(w, r, gs.attempt.ID)
}
