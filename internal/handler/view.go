package handler

import (
	"strings"

	"github.com/pavelanni/aiquiz/internal/grading"
	"github.com/pavelanni/aiquiz/internal/model"
)

// questionView is a question as shown to students. The correct answer is
// only present when revealed.
type questionView struct {
	ID             int64              `json:"id"`
	Text           string             `json:"text"`
	Type           model.QuestionType `json:"type"`
	Options        []string           `json:"options,omitempty"`
	Points         int                `json:"points"`
	Position       int                `json:"position"`
	CorrectOption  *int               `json:"correct_option,omitempty"`
	ExpectedAnswer string             `json:"expected_answer,omitempty"`
}

func viewQuestions(qs []model.Question, reveal bool) []questionView {
	out := make([]questionView, 0, len(qs))
	for _, q := range qs {
		v := questionView{ID: q.ID, Text: q.Text, Type: q.Type, Points: q.Points, Position: q.Position}
		// Text questions store the expected answer as their only option.
		if q.Type.IsChoice() {
			v.Options = q.Options
		}
		if reveal {
			if q.Type.IsChoice() {
				correct := q.CorrectOption
				v.CorrectOption = &correct
			}
			v.ExpectedAnswer = q.ExpectedAnswer()
		}
		out = append(out, v)
	}
	return out
}

type answerRequest struct {
	SelectedOption *int   `json:"selected_option"`
	TextAnswer     string `json:"text_answer"`
}

// validFor checks the answer shape against the question type.
func (req answerRequest) validFor(q model.Question) bool {
	if q.Type.IsChoice() {
		return req.SelectedOption != nil && *req.SelectedOption >= 0 && *req.SelectedOption < len(q.Options)
	}
	return strings.TrimSpace(req.TextAnswer) != ""
}

type leaderboardEntry struct {
	grading.Ranked
	DisplayName string `json:"display_name"`
}

func leaderboard(ranked []grading.Ranked, names map[int64]string) []leaderboardEntry {
	out := make([]leaderboardEntry, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, leaderboardEntry{Ranked: r, DisplayName: names[r.Attempt.StudentID]})
	}
	return out
}

type standingEntry struct {
	grading.Standing
	DisplayName string `json:"display_name"`
}

func studentIDs(attempts []model.IndividualAttempt) []int64 {
	ids := make([]int64, 0, len(attempts))
	for _, a := range attempts {
		ids = append(ids, a.StudentID)
	}
	return ids
}
