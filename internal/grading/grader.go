// Package grading scores quiz answers. Choice questions are graded
// deterministically; text questions in group tests go through a model with a
// deterministic fallback, and the results are aggregated into percentages.
package grading

import (
	"math"

	"github.com/pavelanni/aiquiz/internal/model"
)

// Outcome is the grade of a single answer.
type Outcome struct {
	IsCorrect    bool
	PointsEarned int
	// Graded is false for text answers, which are left to the AI path.
	Graded bool
}

// GradeChoice compares a submitted option index with the correct one.
// There is no partial credit.
func GradeChoice(q model.Question, submitted int) (bool, int) {
	if submitted == q.CorrectOption {
		return true, q.Points
	}
	return false, 0
}

// GradeAnswer grades an answer of any question type.
func GradeAnswer(q model.Question, selected *int, text string) Outcome {
	switch q.Type {
	case model.QuestionMCQ, model.QuestionTrueFalse:
		if selected == nil {
			return Outcome{Graded: true}
		}
		ok, points := GradeChoice(q, *selected)
		return Outcome{IsCorrect: ok, PointsEarned: points, Graded: true}
	case model.QuestionText:
		return Outcome{}
	default:
		return Outcome{}
	}
}

// Percentage returns score/total*100 rounded to two decimals, clamped to
// [0, 100]. It is 0 when total is not positive.
func Percentage(score, total int) float64 {
	if total <= 0 {
		return 0
	}
	return model.ClampPercent(round2(float64(score) / float64(total) * 100))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
