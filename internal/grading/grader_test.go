package grading

import (
	"testing"

	"github.com/pavelanni/aiquiz/internal/model"
)

func intPtr(i int) *int { return &i }

func TestGradeChoice(t *testing.T) {
	q := model.Question{Type: model.QuestionMCQ, Options: []string{"a", "b", "c", "d"}, CorrectOption: 2, Points: 1}

	ok, points := GradeChoice(q, 2)
	if !ok || points != 1 {
		t.Errorf("GradeChoice(correct) = (%v, %d), want (true, 1)", ok, points)
	}

	for _, o := range []int{-1, 0, 1, 3, 7} {
		ok, points := GradeChoice(q, o)
		if ok || points != 0 {
			t.Errorf("GradeChoice(%d) = (%v, %d), want (false, 0)", o, ok, points)
		}
	}
}

func TestGradeChoiceAllPointValues(t *testing.T) {
	for p := 1; p <= 10; p++ {
		for c := 0; c < 4; c++ {
			q := model.Question{Type: model.QuestionMCQ, Options: []string{"a", "b", "c", "d"}, CorrectOption: c, Points: p}
			for o := 0; o < 4; o++ {
				ok, points := GradeChoice(q, o)
				if o == c && (!ok || points != p) {
					t.Fatalf("points=%d correct=%d: GradeChoice(%d) = (%v, %d)", p, c, o, ok, points)
				}
				if o != c && (ok || points != 0) {
					t.Fatalf("points=%d correct=%d: GradeChoice(%d) = (%v, %d)", p, c, o, ok, points)
				}
			}
		}
	}
}

func TestGradeAnswer(t *testing.T) {
	mcq := model.Question{Type: model.QuestionMCQ, Options: []string{"a", "b"}, CorrectOption: 1, Points: 3}
	tf := model.Question{Type: model.QuestionTrueFalse, Options: []string{"True", "False"}, CorrectOption: 0, Points: 2}
	text := model.Question{Type: model.QuestionText, Options: []string{"expected"}, Points: 5}

	tests := []struct {
		name     string
		q        model.Question
		selected *int
		text     string
		want     Outcome
	}{
		{"mcq correct", mcq, intPtr(1), "", Outcome{IsCorrect: true, PointsEarned: 3, Graded: true}},
		{"mcq wrong", mcq, intPtr(0), "", Outcome{Graded: true}},
		{"mcq unanswered", mcq, nil, "", Outcome{Graded: true}},
		{"truefalse correct", tf, intPtr(0), "", Outcome{IsCorrect: true, PointsEarned: 2, Graded: true}},
		{"text left to model", text, nil, "expected", Outcome{}},
		{"unknown type", model.Question{Type: "essay", Points: 1}, intPtr(0), "", Outcome{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GradeAnswer(tt.q, tt.selected, tt.text); got != tt.want {
				t.Errorf("GradeAnswer() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		score, total int
		want         float64
	}{
		{0, 0, 0},
		{5, 0, 0},
		{3, -1, 0},
		{0, 10, 0},
		{10, 10, 100},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{15, 10, 100},
		{-2, 10, 0},
	}
	for _, tt := range tests {
		got := Percentage(tt.score, tt.total)
		if got != tt.want {
			t.Errorf("Percentage(%d, %d) = %v, want %v", tt.score, tt.total, got, tt.want)
		}
		if got < 0 || got > 100 {
			t.Errorf("Percentage(%d, %d) = %v out of bounds", tt.score, tt.total, got)
		}
	}
}
