package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/aiquiz/internal/generate"
	"github.com/pavelanni/aiquiz/internal/grading"
	appI18n "github.com/pavelanni/aiquiz/internal/i18n"
	"github.com/pavelanni/aiquiz/internal/llm"
	"github.com/pavelanni/aiquiz/internal/llm/prompts"
	"github.com/pavelanni/aiquiz/internal/model"
	"github.com/pavelanni/aiquiz/internal/store"
)

func TestMain(m *testing.M) {
	if err := prompts.Load(prompts.DefaultFS()); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeCompleter struct {
	mu      sync.Mutex
	respond func(prompt string) (string, error)
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string, _ llm.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respond == nil {
		return "", &llm.GenerationError{Model: "fake", Err: errors.New("no model configured")}
	}
	return f.respond(prompt)
}

func (f *fakeCompleter) set(respond func(prompt string) (string, error)) {
	f.mu.Lock()
	f.respond = respond
	f.mu.Unlock()
}

type testServer struct {
	t       *testing.T
	store   *store.Store
	router  chi.Router
	model   *fakeCompleter
	teacher int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fc := &fakeCompleter{}
	grader := grading.NewGroupGrader(s, fc, model.Config{Lang: "en"})
	h := New(s, grader, generate.New(s, fc, fc), Config{PromptVariant: "standard"})
	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)

	ts := &testServer{t: t, store: s, router: r, model: fc}
	ts.teacher = ts.user("teacher", "Teacher", model.UserRoleTeacher)
	return ts
}

func (ts *testServer) user(username, name string, role model.UserRole) int64 {
	ts.t.Helper()
	id, err := ts.store.CreateUser(model.User{Username: username, DisplayName: name, Role: role})
	if err != nil {
		ts.t.Fatalf("CreateUser %s: %v", username, err)
	}
	return id
}

func (ts *testServer) do(method, path string, user int64, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != 0 {
		req.Header.Set(UserHeader, strconv.FormatInt(user, 10))
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func expect[T any](t *testing.T, rec *httptest.ResponseRecorder, status int) T {
	t.Helper()
	var v T
	if rec.Code != status {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, status, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v; body: %s", err, rec.Body.String())
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	body := expect[map[string]string](t, rec, status)
	if message != "" && body["error"] != message {
		t.Errorf("error = %q, want %q", body["error"], message)
	}
}

var basics = map[string]any{
	"title": "Go basics",
	"questions": []map[string]any{
		{"question_text": "Which keyword starts a goroutine?", "options": []string{"go", "defer"}, "correct_option": 0, "points": 1},
		{"question_text": "Which type is a reference type?", "options": []string{"int", "array", "map"}, "correct_option": 2, "points": 2},
	},
}

// publish creates the basics test and an assignment with the given settings.
func (ts *testServer) publish(settings map[string]any) (testView, model.Assignment) {
	ts.t.Helper()
	tv := expect[testView](ts.t, ts.do(http.MethodPost, "/teacher/tests", ts.teacher, basics), http.StatusCreated)
	path := fmt.Sprintf("/teacher/tests/%d/assignments", tv.Test.ID)
	a := expect[model.Assignment](ts.t, ts.do(http.MethodPost, path, ts.teacher, settings), http.StatusCreated)
	return tv, a
}

func TestIdentify(t *testing.T) {
	ts := newTestServer(t)
	student := ts.user("amy", "Amy", model.UserRoleStudent)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		status int
	}{
		{"health needs no user", http.MethodGet, "/healthz", "", http.StatusOK},
		{"missing header", http.MethodGet, "/rankings", "", http.StatusUnauthorized},
		{"malformed header", http.MethodGet, "/rankings", "amy", http.StatusUnauthorized},
		{"unknown user", http.MethodGet, "/rankings", "999", http.StatusUnauthorized},
		{"student on teacher route", http.MethodGet, "/teacher/tests", strconv.FormatInt(student, 10), http.StatusForbidden},
		{"teacher on student route", http.MethodPost, "/assignments/abc/attempts", strconv.FormatInt(ts.teacher, 10), http.StatusForbidden},
		{"teacher route", http.MethodGet, "/teacher/tests", strconv.FormatInt(ts.teacher, 10), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(UserHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			ts.router.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d; body: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestErrorMessagesAreLocalized(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/rankings", nil)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusUnauthorized, "Укажите пользователя в заголовке X-User-ID.")
}

func TestIndividualAttempt(t *testing.T) {
	ts := newTestServer(t)
	student := ts.user("amy", "Amy", model.UserRoleStudent)
	tv, asg := ts.publish(map[string]any{"max_attempts": 1})
	if !asg.AllowRetakes || !asg.ShowResultsImmediately || !asg.Active || len(asg.AccessToken) != 8 {
		t.Fatalf("assignment defaults not applied: %+v", asg)
	}

	start := "/assignments/" + asg.AccessToken + "/attempts"
	first := expect[attemptView](t, ts.do(http.MethodPost, start, student, nil), http.StatusCreated)
	if first.Attempt.TotalPossible != 3 || first.Attempt.AttemptNumber != 1 {
		t.Errorf("new attempt = %+v", first.Attempt)
	}
	for _, q := range first.Questions {
		if q.CorrectOption != nil || q.ExpectedAnswer != "" {
			t.Errorf("question %d reveals its answer before finishing", q.ID)
		}
	}
	resumed := expect[attemptView](t, ts.do(http.MethodPost, start, student, nil), http.StatusOK)
	if resumed.Attempt.ID != first.Attempt.ID {
		t.Errorf("unfinished attempt not resumed: %d != %d", resumed.Attempt.ID, first.Attempt.ID)
	}

	base := fmt.Sprintf("/attempts/%d", first.Attempt.ID)
	for i, option := range []int{0, 0} {
		path := fmt.Sprintf("%s/answers/%d", base, tv.Questions[i].ID)
		if rec := ts.do(http.MethodPut, path, student, map[string]any{"selected_option": option}); rec.Code != http.StatusNoContent {
			t.Fatalf("answer %d: status %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	inProgress := expect[attemptView](t, ts.do(http.MethodGet, base, student, nil), http.StatusOK)
	if len(inProgress.Answers) != 2 || inProgress.Percentage != nil {
		t.Fatalf("in-progress view = %+v", inProgress)
	}
	for _, a := range inProgress.Answers {
		if a.IsCorrect || a.PointsEarned != 0 {
			t.Errorf("grade of question %d visible before finishing", a.QuestionID)
		}
	}

	done := expect[attemptView](t, ts.do(http.MethodPost, base+"/finish", student, map[string]any{"time_taken_seconds": 95}), http.StatusOK)
	if !done.Attempt.Completed || done.Attempt.AutoScore != 1 || done.Attempt.QuestionsAnswered != 2 {
		t.Errorf("finished attempt = %+v", done.Attempt)
	}
	if done.Percentage == nil || *done.Percentage != 33.33 {
		t.Errorf("percentage = %v, want 33.33", done.Percentage)
	}
	if done.Attempt.TimeTakenSeconds == nil || *done.Attempt.TimeTakenSeconds != 95 {
		t.Errorf("time taken = %v", done.Attempt.TimeTakenSeconds)
	}
	if c := done.Questions[1].CorrectOption; c == nil || *c != 2 {
		t.Errorf("correct option not revealed after finishing: %v", c)
	}

	expectError(t, ts.do(http.MethodPost, base+"/finish", student, nil), http.StatusConflict, "This attempt is already finished.")
	expectError(t, ts.do(http.MethodPost, start, student, nil), http.StatusForbidden, "You have used all your attempts.")

	board := expect[[]leaderboardEntry](t, ts.do(http.MethodGet, "/assignments/"+asg.AccessToken+"/leaderboard", ts.teacher, nil), http.StatusOK)
	if len(board) != 1 || board[0].Rank != 1 || board[0].DisplayName != "Amy" || board[0].Percentage != 33.33 {
		t.Errorf("leaderboard = %+v", board)
	}
	rankings := expect[[]standingEntry](t, ts.do(http.MethodGet, "/rankings", student, nil), http.StatusOK)
	if len(rankings) != 1 || rankings[0].AveragePercentage != 33.33 || rankings[0].DisplayName != "Amy" {
		t.Errorf("rankings = %+v", rankings)
	}

	results := expect[testResultsView](t, ts.do(http.MethodGet, fmt.Sprintf("/teacher/tests/%d/results", tv.Test.ID), ts.teacher, nil), http.StatusOK)
	if results.Summary.TotalStudents != 1 || results.Summary.Passed != 0 || len(results.Leaderboard) != 1 {
		t.Errorf("results = %+v", results)
	}
	if results.Difficulty == nil || results.Difficulty.Hardest[0].QuestionID != tv.Questions[1].ID {
		t.Errorf("difficulty = %+v", results.Difficulty)
	}
}

func TestAttemptPolicy(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]any
		finish   bool
		status   int
		message  string
	}{
		{"retakes disabled", map[string]any{"allow_retakes": false}, true, http.StatusForbidden, "Retakes are not allowed for this assignment."},
		{"inactive", map[string]any{"active": false}, false, http.StatusForbidden, "This assignment is not open."},
		{"closed", map[string]any{"closes_at": "2020-01-01T00:00:00Z"}, false, http.StatusForbidden, "This assignment is not open."},
		{"unlimited", map[string]any{"max_attempts": 0}, true, http.StatusCreated, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			student := ts.user("amy", "Amy", model.UserRoleStudent)
			_, asg := ts.publish(tt.settings)
			start := "/assignments/" + asg.AccessToken + "/attempts"
			if tt.finish {
				first := expect[attemptView](t, ts.do(http.MethodPost, start, student, nil), http.StatusCreated)
				expect[attemptView](t, ts.do(http.MethodPost, fmt.Sprintf("/attempts/%d/finish", first.Attempt.ID), student, nil), http.StatusOK)
			}
			rec := ts.do(http.MethodPost, start, student, nil)
			if tt.message == "" {
				expect[attemptView](t, rec, tt.status)
				return
			}
			expectError(t, rec, tt.status, tt.message)
		})
	}
}

func TestTerminatedAttempt(t *testing.T) {
	ts := newTestServer(t)
	student := ts.user("amy", "Amy", model.UserRoleStudent)
	tv, asg := ts.publish(nil)

	attempt := expect[attemptView](t, ts.do(http.MethodPost, "/assignments/"+asg.AccessToken+"/attempts", student, nil), http.StatusCreated)
	base := fmt.Sprintf("/attempts/%d", attempt.Attempt.ID)
	ts.do(http.MethodPut, fmt.Sprintf("%s/answers/%d", base, tv.Questions[1].ID), student, map[string]any{"selected_option": 2})

	done := expect[attemptView](t, ts.do(http.MethodPost, base+"/finish", student,
		map[string]any{"terminated": true, "reason": "left the page"}), http.StatusOK)
	a := done.Attempt
	if !a.Terminated || a.TerminationReason != "left the page" || a.TerminatedAt == nil {
		t.Errorf("termination not recorded: %+v", a)
	}
	if a.TotalPossible != 1 || a.AutoScore != 2 || a.QuestionsAnswered != 1 {
		t.Errorf("terminated totals = score %d of %d, %d answered", a.AutoScore, a.TotalPossible, a.QuestionsAnswered)
	}
	if done.Percentage == nil || *done.Percentage != 100 {
		t.Errorf("percentage = %v, want 100", done.Percentage)
	}
}

func TestAnswerValidation(t *testing.T) {
	ts := newTestServer(t)
	amy := ts.user("amy", "Amy", model.UserRoleStudent)
	ben := ts.user("ben", "Ben", model.UserRoleStudent)
	tv, asg := ts.publish(nil)
	other := expect[testView](t, ts.do(http.MethodPost, "/teacher/tests", ts.teacher, basics), http.StatusCreated)

	attempt := expect[attemptView](t, ts.do(http.MethodPost, "/assignments/"+asg.AccessToken+"/attempts", amy, nil), http.StatusCreated)
	answer := func(q int64) string { return fmt.Sprintf("/attempts/%d/answers/%d", attempt.Attempt.ID, q) }

	tests := []struct {
		name   string
		user   int64
		path   string
		body   any
		status int
	}{
		{"option out of range", amy, answer(tv.Questions[0].ID), map[string]any{"selected_option": 5}, http.StatusBadRequest},
		{"missing option", amy, answer(tv.Questions[0].ID), map[string]any{"text_answer": "go"}, http.StatusBadRequest},
		{"unknown field", amy, answer(tv.Questions[0].ID), map[string]any{"option": 0}, http.StatusBadRequest},
		{"question of another test", amy, answer(other.Questions[0].ID), map[string]any{"selected_option": 0}, http.StatusBadRequest},
		{"unknown question", amy, answer(9999), map[string]any{"selected_option": 0}, http.StatusNotFound},
		{"someone else's attempt", ben, answer(tv.Questions[0].ID), map[string]any{"selected_option": 0}, http.StatusNotFound},
		{"valid", amy, answer(tv.Questions[0].ID), map[string]any{"selected_option": 1}, http.StatusNoContent},
		{"resubmission", amy, answer(tv.Questions[0].ID), map[string]any{"selected_option": 0}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPut, tt.path, tt.user, tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d; body: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}

	answers, err := ts.store.ListAnswers(attempt.Attempt.ID)
	if err != nil {
		t.Fatalf("ListAnswers: %v", err)
	}
	if len(answers) != 1 || !answers[0].IsCorrect || answers[0].PointsEarned != 1 {
		t.Errorf("stored answers = %+v", answers)
	}
}

// groupFixture is a group test with one choice and one text question.
type groupFixture struct {
	*testServer
	group     model.GroupTest
	questions []model.Question
	amy, ben  int64
}

func newGroupFixture(t *testing.T) *groupFixture {
	t.Helper()
	ts := newTestServer(t)
	tv := expect[testView](t, ts.do(http.MethodPost, "/teacher/tests", ts.teacher, map[string]any{
		"title": "Concurrency",
		"questions": []map[string]any{
			{"question_text": "Which keyword starts a goroutine?", "options": []string{"go", "defer"}, "correct_option": 0, "points": 2},
			{"question_text": "Why use channels?", "question_type": "text", "options": []string{"To share memory by communicating"}, "points": 4},
		},
	}), http.StatusCreated)
	gt := expect[model.GroupTest](t, ts.do(http.MethodPost, fmt.Sprintf("/teacher/tests/%d/groups", tv.Test.ID), ts.teacher,
		map[string]any{"group_number": 1, "max_group_size": 2}), http.StatusCreated)
	return &groupFixture{
		testServer: ts,
		group:      gt,
		questions:  tv.Questions,
		amy:        ts.user("amy", "Amy", model.UserRoleStudent),
		ben:        ts.user("ben", "Ben", model.UserRoleStudent),
	}
}

func (f *groupFixture) path(suffix string) string {
	return "/groups/" + f.group.AccessToken + suffix
}

func gradeResponse(group float64, scores map[string]float64) string {
	var entries []string
	for name, score := range scores {
		entries = append(entries, fmt.Sprintf(`{"student_name": %q, "score": %v, "feedback": "well argued"}`, name, score))
	}
	return fmt.Sprintf(`{"group_score": %v, "group_feedback": "group feedback", "individual_scores": [%s]}`,
		group, strings.Join(entries, ","))
}

func TestGroupSession(t *testing.T) {
	f := newGroupFixture(t)
	cat := f.user("cat", "Cat", model.UserRoleStudent)
	choice, text := f.questions[0], f.questions[1]

	joined := expect[groupStateView](t, f.do(http.MethodPost, f.path("/join"), f.amy, nil), http.StatusOK)
	if joined.Attempt.Status != model.GroupNotStarted || joined.Attempt.TotalPossible != 6 || joined.TimeRemainingSeconds != nil {
		t.Fatalf("joined state = %+v", joined.Attempt)
	}
	state := expect[groupStateView](t, f.do(http.MethodPost, f.path("/join"), f.ben, nil), http.StatusOK)
	if state.Attempt.ID != joined.Attempt.ID || len(state.Members) != 2 {
		t.Fatalf("second member did not join the open attempt: %+v", state)
	}
	expectError(t, f.do(http.MethodPost, f.path("/join"), cat, nil), http.StatusConflict, "This group is full.")
	expectError(t, f.do(http.MethodGet, f.path(""), cat, nil), http.StatusForbidden, "You are not a member of this group.")

	expectError(t, f.do(http.MethodPut, f.path(fmt.Sprintf("/answers/%d", choice.ID)), f.amy,
		map[string]any{"selected_option": 0}), http.StatusConflict, "The group test has not been started yet.")

	started := expect[groupStateView](t, f.do(http.MethodPost, f.path("/start"), f.ben, nil), http.StatusOK)
	if started.Attempt.Status != model.GroupStarted || started.TimeRemainingSeconds == nil ||
		*started.TimeRemainingSeconds > 1800 || *started.TimeRemainingSeconds < 1700 {
		t.Fatalf("started state = %+v, remaining %v", started.Attempt, started.TimeRemainingSeconds)
	}

	opinion := func(user int64, q model.Question, text string) groupStateView {
		t.Helper()
		return expect[groupStateView](t, f.do(http.MethodPut, f.path(fmt.Sprintf("/opinions/%d", q.ID)), user,
			map[string]any{"text": text}), http.StatusOK)
	}
	st := opinion(f.amy, choice, "go starts goroutines")
	if st.OpinionsRemaining != 1 || st.Message != "1 question still needs your opinion." {
		t.Errorf("remaining = %d, message %q", st.OpinionsRemaining, st.Message)
	}
	st = opinion(f.amy, text, "channels pass ownership of data")
	if st.OpinionsRemaining != 0 || st.Message != "" || len(st.Opinions) != 2 {
		t.Errorf("after all opinions: remaining %d, message %q, opinions %d", st.OpinionsRemaining, st.Message, len(st.Opinions))
	}
	st = opinion(f.ben, choice, "I think it is go")
	if len(st.Opinions) != 1 {
		t.Errorf("ben sees %d opinions, want only his own", len(st.Opinions))
	}
	for _, m := range st.Members {
		if want := m.StudentID == f.amy; m.HasSubmittedAllOpinions != want {
			t.Errorf("member %s all opinions = %v, want %v", m.DisplayName, m.HasSubmittedAllOpinions, want)
		}
	}
	expectError(t, f.do(http.MethodPut, f.path(fmt.Sprintf("/opinions/%d", choice.ID)), f.ben,
		map[string]any{"text": "  "}), http.StatusBadRequest, "")

	st = expect[groupStateView](t, f.do(http.MethodPut, f.path(fmt.Sprintf("/answers/%d", choice.ID)), f.amy,
		map[string]any{"selected_option": 0}), http.StatusOK)
	if len(st.Answers) != 1 || st.Answers[0].PointsEarned != 0 {
		t.Errorf("answers before grading = %+v", st.Answers)
	}
	expectError(t, f.do(http.MethodPut, f.path(fmt.Sprintf("/answers/%d", choice.ID)), f.ben,
		map[string]any{"selected_option": 1}), http.StatusConflict, "Your group has already answered this question.")
	expect[groupStateView](t, f.do(http.MethodPut, f.path(fmt.Sprintf("/answers/%d", text.ID)), f.ben,
		map[string]any{"text_answer": "They let goroutines share data by communicating"}), http.StatusOK)

	f.model.set(func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Which keyword starts a goroutine?"):
			return gradeResponse(100, map[string]float64{"Amy": 90, "Ben": 70}), nil
		case strings.Contains(prompt, "Why use channels?"):
			return gradeResponse(60, map[string]float64{"Amy": 80}), nil
		}
		return "", errors.New("unexpected prompt")
	})

	res := expect[groupResultView](t, f.do(http.MethodPost, f.path("/finish"), f.ben, nil), http.StatusOK)
	if res.Status != model.GroupCompleted || res.GroupScorePercentage != 75 {
		t.Fatalf("result = %+v", res.GroupAttemptResult)
	}
	if res.Message != "Grading complete. Group score: 75%." {
		t.Errorf("message = %q", res.Message)
	}
	if len(res.Members) != 2 || res.Members[0].DisplayName != "Amy" || res.Members[0].IndividualScorePercentage != 85 ||
		res.Members[1].IndividualScorePercentage != 70 {
		t.Errorf("members = %+v", res.Members)
	}
	if q := res.Questions[0]; q.PointsEarned != 2 || !q.IsCorrect || q.Feedback != "group feedback" {
		t.Errorf("choice question = %+v", q)
	}
	if q := res.Questions[1]; q.PointsEarned != 2 || q.IsCorrect || !q.Graded {
		t.Errorf("text question = %+v", q)
	}

	resultsPath := fmt.Sprintf("/group-attempts/%d/results", res.AttemptID)
	expect[groupResultView](t, f.do(http.MethodGet, resultsPath, f.amy, nil), http.StatusOK)
	expect[groupResultView](t, f.do(http.MethodGet, resultsPath, f.teacher, nil), http.StatusOK)
	expectError(t, f.do(http.MethodGet, resultsPath, cat, nil), http.StatusNotFound, "")

	regrade := fmt.Sprintf("/teacher/group-attempts/%d/grade", res.AttemptID)
	expectError(t, f.do(http.MethodPost, regrade, f.teacher, nil), http.StatusConflict, "This group attempt is already graded.")

	agg := expect[reaggregateView](t, f.do(http.MethodPost, fmt.Sprintf("/teacher/group-attempts/%d/reaggregate", res.AttemptID),
		f.teacher, nil), http.StatusOK)
	if agg.GroupScorePercentage != 75 || agg.MemberScores[f.amy] != 85 || agg.MemberScores[f.ben] != 70 {
		t.Errorf("reaggregate = %+v", agg)
	}

	export := expect[model.GroupExport](t, f.do(http.MethodGet, fmt.Sprintf("/teacher/groups/%d/export", f.group.ID),
		f.teacher, nil), http.StatusOK)
	if len(export.Attempts) != 1 || export.PromptVariant != "standard" || export.NumQuestions != 2 {
		t.Errorf("export = %+v", export)
	}

	// The next join opens a fresh attempt.
	next := expect[groupStateView](t, f.do(http.MethodPost, f.path("/join"), cat, nil), http.StatusOK)
	if next.Attempt.ID == res.AttemptID {
		t.Error("join reused a completed attempt")
	}
}

func TestGroupResultsBeforeGrading(t *testing.T) {
	f := newGroupFixture(t)
	st := expect[groupStateView](t, f.do(http.MethodPost, f.path("/join"), f.amy, nil), http.StatusOK)
	expectError(t, f.do(http.MethodPost, f.path("/finish"), f.amy, nil), http.StatusConflict, "The group test has not been started yet.")
	expectError(t, f.do(http.MethodGet, fmt.Sprintf("/group-attempts/%d/results", st.Attempt.ID), f.amy, nil),
		http.StatusConflict, "Results are not available yet.")
	reaggregate := fmt.Sprintf("/teacher/group-attempts/%d/reaggregate", st.Attempt.ID)
	expectError(t, f.do(http.MethodPost, reaggregate, f.teacher, nil), http.StatusConflict, "Results are not available yet.")

	f.do(http.MethodPost, f.path("/start"), f.amy, nil)
	if ok, err := f.store.BeginGrading(st.Attempt.ID); err != nil || !ok {
		t.Fatalf("BeginGrading = %v, %v", ok, err)
	}
	expectError(t, f.do(http.MethodPost, f.path("/join"), f.ben, nil), http.StatusConflict, "This group attempt is being graded.")
	expectError(t, f.do(http.MethodPost, reaggregate, f.teacher, nil), http.StatusConflict, "This group attempt is being graded.")
	members, err := f.store.ListGroupMembers(st.Attempt.ID)
	if err != nil || len(members) != 1 {
		t.Errorf("members after rejected join = %+v (%v)", members, err)
	}
}

func TestTeacherGradesWithFallback(t *testing.T) {
	f := newGroupFixture(t)
	st := expect[groupStateView](t, f.do(http.MethodPost, f.path("/join"), f.amy, nil), http.StatusOK)
	f.do(http.MethodPost, f.path("/start"), f.amy, nil)
	f.do(http.MethodPut, f.path(fmt.Sprintf("/opinions/%d", f.questions[1].ID)), f.amy, map[string]any{"text": "ownership"})
	f.do(http.MethodPut, f.path(fmt.Sprintf("/answers/%d", f.questions[1].ID)), f.amy, map[string]any{"text_answer": "safety"})

	other := f.user("teacher2", "Other", model.UserRoleTeacher)
	grade := fmt.Sprintf("/teacher/group-attempts/%d/grade", st.Attempt.ID)
	expectError(t, f.do(http.MethodPost, grade, other, nil), http.StatusNotFound, "")

	// No model is configured, so every call fails and the fallback applies.
	res := expect[groupResultView](t, f.do(http.MethodPost, grade, f.teacher, nil), http.StatusOK)
	q := res.Questions[1]
	if q.PointsEarned != 2 || q.IsCorrect || !strings.HasPrefix(q.Feedback, grading.FallbackMarker) {
		t.Errorf("fallback question = %+v", q)
	}
	if res.GroupScorePercentage != 50 || res.Members[0].IndividualScorePercentage != 50 {
		t.Errorf("fallback scores = %v / %+v", res.GroupScorePercentage, res.Members)
	}
}

func TestCreateUser(t *testing.T) {
	ts := newTestServer(t)
	u := expect[model.User](t, ts.do(http.MethodPost, "/teacher/users", ts.teacher, map[string]any{"username": "dan"}), http.StatusCreated)
	if u.Role != model.UserRoleStudent || u.DisplayName != "dan" {
		t.Errorf("created user = %+v", u)
	}
	expectError(t, ts.do(http.MethodPost, "/teacher/users", ts.teacher, map[string]any{"username": "dan"}),
		http.StatusConflict, "A user with this username already exists.")
	expectError(t, ts.do(http.MethodPost, "/teacher/users", ts.teacher, map[string]any{"username": "eve", "role": "admin"}),
		http.StatusBadRequest, "")

	users := expect[[]model.User](t, ts.do(http.MethodGet, "/teacher/users", ts.teacher, nil), http.StatusOK)
	if len(users) != 2 {
		t.Errorf("expected 2 users, got %d", len(users))
	}
}

func TestCreateTestValidation(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"no title", map[string]any{"questions": basics["questions"]}},
		{"no questions", map[string]any{"title": "Empty"}},
		{"bad correct option", map[string]any{"title": "Bad", "questions": []map[string]any{
			{"question_text": "q", "options": []string{"a", "b"}, "correct_option": 2},
		}}},
		{"text without expected answer", map[string]any{"title": "Bad", "questions": []map[string]any{
			{"question_text": "q", "question_type": "text"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, ts.do(http.MethodPost, "/teacher/tests", ts.teacher, tt.body), http.StatusBadRequest, "")
		})
	}
	stored := expect[[]model.Test](t, ts.do(http.MethodGet, "/teacher/tests", ts.teacher, nil), http.StatusOK)
	if len(stored) != 0 {
		t.Errorf("invalid tests were stored: %d", len(stored))
	}
}

func TestTestOwnership(t *testing.T) {
	ts := newTestServer(t)
	tv, _ := ts.publish(nil)
	other := ts.user("teacher2", "Other", model.UserRoleTeacher)
	for _, path := range []string{
		fmt.Sprintf("/teacher/tests/%d", tv.Test.ID),
		fmt.Sprintf("/teacher/tests/%d/results", tv.Test.ID),
	} {
		expectError(t, ts.do(http.MethodGet, path, other, nil), http.StatusNotFound, "Not found.")
	}
	own := expect[testView](t, ts.do(http.MethodGet, fmt.Sprintf("/teacher/tests/%d", tv.Test.ID), ts.teacher, nil), http.StatusOK)
	if len(own.Assignments) != 1 || len(own.Questions) != 2 {
		t.Errorf("test view = %+v", own)
	}
}

func upload(t *testing.T, ts *testServer, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("tests_file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/teacher/tests/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(UserHeader, strconv.FormatInt(ts.teacher, 10))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestUploadTests(t *testing.T) {
	ts := newTestServer(t)
	file, err := json.Marshal([]any{basics})
	if err != nil {
		t.Fatal(err)
	}

	first := expect[uploadView](t, upload(t, ts, "basics.json", string(file)), http.StatusCreated)
	if len(first.TestIDs) != 1 || first.Message != "Imported 1 test." {
		t.Errorf("first upload = %+v", first)
	}
	again := expect[uploadView](t, upload(t, ts, "basics.json", string(file)), http.StatusOK)
	if !again.Unchanged || len(again.TestIDs) != 0 || again.Message != "This file was already imported." {
		t.Errorf("repeated upload = %+v", again)
	}
	changed := expect[uploadView](t, upload(t, ts, "basics.json", strings.Replace(string(file), "Go basics", "Go basics 2", 1)), http.StatusOK)
	if !changed.Changed || len(changed.TestIDs) != 0 {
		t.Errorf("changed upload = %+v", changed)
	}
	expectError(t, upload(t, ts, "broken.json", `{"title": `), http.StatusBadRequest, "The test is invalid.")

	tests := expect[[]model.Test](t, ts.do(http.MethodGet, "/teacher/tests", ts.teacher, nil), http.StatusOK)
	if len(tests) != 1 {
		t.Errorf("expected 1 imported test, got %d", len(tests))
	}
}

func TestGenerateTest(t *testing.T) {
	ts := newTestServer(t)
	params := `{"topic": "physics", "question_count": 2, "difficulty": "easy", "language": "english", "description": "Generate 2 easy physics questions in English"}`
	ts.model.set(func(prompt string) (string, error) {
		if strings.Contains(prompt, "Number of questions: 2") {
			return `{"title": "Physics", "description": "Motion", "questions": [
				{"question_text": "Unit of force?", "options": ["newton", "joule", "watt", "pascal"], "correct_option": 0},
				{"question_text": "Unit of energy?", "options": ["newton", "joule", "watt", "pascal"], "correct_option": 1}]}`, nil
		}
		return "```json\n" + params + "\n```", nil
	})

	confirmed := expect[llm.ConfirmedParams](t, ts.do(http.MethodPost, "/teacher/tests/confirm", ts.teacher,
		map[string]any{"request": "two easy physics questions"}), http.StatusOK)
	if confirmed.Topic != "physics" || confirmed.QuestionCount != 2 {
		t.Fatalf("confirmed = %+v", confirmed)
	}
	tv := expect[testView](t, ts.do(http.MethodPost, "/teacher/tests/generate", ts.teacher, confirmed), http.StatusCreated)
	if tv.Test.CreationMethod != model.CreatedByAI || len(tv.Questions) != 2 || tv.Test.Title != "Physics" {
		t.Errorf("generated test = %+v", tv)
	}

	expectError(t, ts.do(http.MethodPost, "/teacher/tests/confirm", ts.teacher, map[string]any{"request": " "}), http.StatusBadRequest, "")
	bad := confirmed
	bad.QuestionCount = 0
	expectError(t, ts.do(http.MethodPost, "/teacher/tests/generate", ts.teacher, bad), http.StatusBadRequest, "")

	ts.model.set(nil)
	expectError(t, ts.do(http.MethodPost, "/teacher/tests/generate", ts.teacher, confirmed), http.StatusBadGateway,
		"The AI model could not produce a usable answer. Please try again.")
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		key    string
	}{
		{fmt.Errorf("wrapped: %w", store.ErrGroupFull), http.StatusConflict, "ErrGroupFull"},
		{model.ErrAttemptLimit, http.StatusForbidden, "ErrAttemptLimit"},
		{grading.ErrAttemptNotFound, http.StatusNotFound, "ErrNotFound"},
		{&llm.MalformedResponseError{Reason: "x"}, http.StatusBadGateway, "ErrModelUnavailable"},
		{&generate.CountMismatchError{Want: 2, Got: 1}, http.StatusBadGateway, "ErrModelUnavailable"},
		{errors.New("disk full"), http.StatusInternalServerError, "ErrInternal"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			status, key := errorStatus(tt.err)
			if status != tt.status || key != tt.key {
				t.Errorf("errorStatus(%v) = %d %s, want %d %s", tt.err, status, key, tt.status, tt.key)
			}
		})
	}
}
