package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/aiquiz/internal/grading"
	"github.com/pavelanni/aiquiz/internal/model"
)

// difficultyListSize is the length of the hardest and easiest question lists.
const difficultyListSize = 3

// handleRankings lists students by their average over all completed attempts.
func (h *Handler) handleRankings(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.store.ListAllCompletedAttempts()
	if err != nil {
		fail(w, r, err)
		return
	}
	standings := grading.Standings(attempts)
	names, err := h.store.DisplayNames(studentIDs(attempts))
	if err != nil {
		fail(w, r, err)
		return
	}
	out := make([]standingEntry, 0, len(standings))
	for _, s := range standings {
		out = append(out, standingEntry{Standing: s, DisplayName: names[s.StudentID]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	asg, err := h.store.GetAssignmentByToken(chi.URLParam(r, "token"))
	if err != nil {
		fail(w, r, err)
		return
	}
	attempts, err := h.store.ListCompletedAttempts(asg.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	names, err := h.store.DisplayNames(studentIDs(attempts))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, leaderboard(grading.RankAttempts(attempts), names))
}

type testResultsView struct {
	Test        model.Test          `json:"test"`
	Summary     grading.Summary     `json:"summary"`
	Leaderboard []leaderboardEntry  `json:"leaderboard"`
	Difficulty  *grading.Difficulty `json:"difficulty,omitempty"`
}

// handleTestResults summarizes every completed attempt across the
// assignments of a test.
func (h *Handler) handleTestResults(w http.ResponseWriter, r *http.Request) {
	test, err := h.ownTest(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	attempts, err := h.store.ListCompletedAttemptsForTest(test.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	questions, err := h.store.ListQuestions(test.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	answers, err := h.store.ListAnswersForTest(test.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	names, err := h.store.DisplayNames(studentIDs(attempts))
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, testResultsView{
		Test:        test,
		Summary:     grading.Summarize(attempts),
		Leaderboard: leaderboard(grading.RankAttempts(attempts), names),
		Difficulty:  grading.QuestionDifficulty(questions, answers, difficultyListSize),
	})
}

// handleGroupResults shows a graded attempt to its members and to the
// teacher who owns the group test.
func (h *Handler) handleGroupResults(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "attemptID")
	if err != nil {
		fail(w, r, err)
		return
	}
	attempt, err := h.store.GetGroupAttempt(id)
	if err != nil {
		fail(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	switch user.Role {
	case model.UserRoleTeacher:
		if _, err := h.ownGroupTest(user, attempt.GroupTestID); err != nil {
			fail(w, r, err)
			return
		}
	default:
		member, err := h.store.GetGroupMember(attempt.ID, user.ID)
		if err != nil {
			fail(w, r, err)
			return
		}
		if member == nil {
			fail(w, r, errNotFound)
			return
		}
		if attempt.Status != model.GroupCompleted {
			fail(w, r, errNotGraded)
			return
		}
	}

	v, err := h.groupResult(r.Context(), attempt.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
